package fleet

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
	"github.com/sasha-s/go-deadlock"
)

// NewSecret generates the shared fleet secret. It lives for exactly one
// fleet lifetime and is never persisted.
func NewSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// The header authenticating intra-fleet HTTP calls.
const SecretHeader = "X-Armada-Secret"

// Pool supervises a fixed set of worker processes. Crashed workers are
// restarted immediately with the same identity; their in-flight sessions
// are lost.
type Pool struct {
	mutex   deadlock.Mutex
	workers []*Worker
	secret  string
	run     RunFunc

	ready       map[int]struct{}
	operational chan struct{}
}

func NewPool(secret string, run RunFunc) *Pool {
	return &Pool{
		secret:      secret,
		run:         run,
		ready:       make(map[int]struct{}),
		operational: make(chan struct{}),
	}
}

func (pool *Pool) Secret() string {
	return pool.secret
}

// Start spawns count workers listening on basePort+id and supervises each
// until ctx is canceled.
func (pool *Pool) Start(ctx context.Context, count int, basePort int) {
	pool.mutex.Lock()
	for i := 0; i < count; i++ {
		worker := &Worker{
			Id:   i,
			Port: basePort + i,
		}
		pool.workers = append(pool.workers, worker)
	}
	workers := pool.workers
	pool.mutex.Unlock()

	for _, worker := range workers {
		go pool.supervise(ctx, worker)
	}
}

func (pool *Pool) supervise(ctx context.Context, worker *Worker) {
	logger := worker.Log()

	for {
		worker.setStatus(WorkerStarting)

		err := pool.run(ctx, worker, func() {
			pool.markReady(worker)
		})

		worker.setStatus(WorkerExited)

		if ctx.Err() != nil {
			return
		}

		if err != nil {
			logger.Error().Err(err).Msg("worker crashed")
		}

		// The replacement inherits the same id, port, and fleet
		// secret, so routing for existing sessions stays valid.
		logger.Info().Msg("restarting worker")
	}
}

// markReady records a worker's one-shot readiness signal. The operational
// barrier opens only when every configured worker has signaled.
func (pool *Pool) markReady(worker *Worker) {
	worker.setStatus(WorkerReady)

	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	if _, counted := pool.ready[worker.Id]; counted {
		return
	}
	pool.ready[worker.Id] = struct{}{}

	if len(pool.ready) == len(pool.workers) {
		close(pool.operational)
	}
}

// Ready is closed once the fleet is operational. No session is scheduled
// onto a worker before then.
func (pool *Pool) Ready() <-chan struct{} {
	return pool.operational
}

func (pool *Pool) Workers() []*Worker {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	return pool.workers
}

// RouteFor deterministically maps a session id to one worker for the
// session's entire lifetime. No central lookup table is involved.
func (pool *Pool) RouteFor(sessionID string) *Worker {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	index := xxhash.Sum64String(sessionID) % uint64(len(pool.workers))
	return pool.workers[index]
}

// RouteURL is the base URL of the worker responsible for a session.
func (pool *Pool) RouteURL(sessionID string) string {
	return pool.RouteFor(sessionID).URL()
}

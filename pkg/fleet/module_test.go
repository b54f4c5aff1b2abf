package fleet

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSecret(t *testing.T) {
	a, err := NewSecret()
	require.NoError(t, err)
	require.Len(t, a, 64)

	b, err := NewSecret()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestProcessRunnerExit(t *testing.T) {
	worker := &Worker{Id: 0, Port: 9300}

	run := ProcessRunner("/bin/true", nil)
	require.NoError(t, run(context.Background(), worker, func() {}))

	run = ProcessRunner("/bin/false", nil)
	err := run(context.Background(), worker, func() {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 1")
}

func TestProcessRunnerMissingBinary(t *testing.T) {
	worker := &Worker{Id: 0, Port: 9301}

	run := ProcessRunner("/no/such/binary", nil)
	require.Error(t, run(context.Background(), worker, func() {}))
}

func TestReadinessBarrier(t *testing.T) {
	release := make(chan struct{})

	run := func(ctx context.Context, worker *Worker, ready func()) error {
		if worker.Id == 1 {
			select {
			case <-release:
			case <-ctx.Done():
				return nil
			}
		}
		ready()
		<-ctx.Done()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool("secret", run)
	pool.Start(ctx, 2, 9000)

	// One worker is still initializing; the fleet is not operational.
	select {
	case <-pool.Ready():
		t.Fatal("fleet operational before all workers were ready")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case <-pool.Ready():
	case <-time.After(time.Second):
		t.Fatal("fleet never became operational")
	}
}

func TestRoutingDeterministic(t *testing.T) {
	run := func(ctx context.Context, worker *Worker, ready func()) error {
		ready()
		<-ctx.Done()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool("secret", run)
	pool.Start(ctx, 4, 9100)

	for _, id := range []string{"a", "b", "session-1234", "zzz"} {
		first := pool.RouteFor(id)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first.Id, pool.RouteFor(id).Id)
		}
	}
}

func TestRoutingSurvivesRestart(t *testing.T) {
	var runs [3]int32
	restarted := make(chan int, 3)

	run := func(ctx context.Context, worker *Worker, ready func()) error {
		ready()

		// Every worker crashes exactly once.
		if atomic.AddInt32(&runs[worker.Id], 1) == 1 {
			return errors.New("simulated crash")
		}

		restarted <- worker.Id
		<-ctx.Done()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool("secret", run)
	pool.Start(ctx, 3, 9200)

	<-pool.Ready()

	sessionID := "some-session"
	before := pool.RouteFor(sessionID).Id

	// Wait until every replacement is running.
	seen := make(map[int]bool)
	for len(seen) < 3 {
		select {
		case id := <-restarted:
			seen[id] = true
		case <-time.After(time.Second):
			t.Fatal("workers were not restarted")
		}
	}

	assert.Equal(t, before, pool.RouteFor(sessionID).Id)

	for i := 0; i < 3; i++ {
		assert.Equal(t, int32(2), atomic.LoadInt32(&runs[i]))
	}
}

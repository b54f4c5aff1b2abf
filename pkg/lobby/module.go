package lobby

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hexline/armada/pkg/fleet"
	"github.com/hexline/armada/pkg/playlist"

	"github.com/google/uuid"
	"github.com/repeale/fp-go"
	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"
)

// One joinable session as seen by the directory. Rebuilt from worker
// responses every cycle; never persisted.
type Entry struct {
	SessionID    string              `json:"sessionID"`
	NumClients   int                 `json:"numClients"`
	Config       playlist.GameConfig `json:"config"`
	MsUntilStart *int64              `json:"msUntilStart,omitempty"`
}

type List struct {
	Lobbies []Entry `json:"lobbies"`
}

// Fleet is the slice of the worker pool the directory needs.
type Fleet interface {
	RouteURL(sessionID string) string
	Ready() <-chan struct{}
	Secret() string
}

const (
	refreshInterval = 100 * time.Millisecond
	pollTimeout     = 5 * time.Second
	// A session starting sooner than this is no longer joinable.
	startCutoffMs = 250
)

// Directory aggregates session status across the fleet into a single
// merged list of joinable public sessions. It owns the cache; nothing else
// writes it.
type Directory struct {
	mutex     deadlock.RWMutex
	fleet     Fleet
	sequencer *playlist.Sequencer
	client    *http.Client

	maxPlayers  int
	tracked     []string
	cached      []byte
	broadcaster *Broadcaster
}

func NewDirectory(
	flt Fleet,
	sequencer *playlist.Sequencer,
	maxPlayers int,
	broadcaster *Broadcaster,
) *Directory {
	return &Directory{
		fleet:       flt,
		sequencer:   sequencer,
		client:      &http.Client{},
		maxPlayers:  maxPlayers,
		cached:      []byte(`{"lobbies":[]}`),
		broadcaster: broadcaster,
	}
}

// Cached is the single read path for discovery requests. The blob is
// rebuilt once per refresh cycle, never per request.
func (d *Directory) Cached() []byte {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.cached
}

// Run waits for the fleet to become operational, then refreshes on a fixed
// cadence until ctx is canceled.
func (d *Directory) Run(ctx context.Context) {
	select {
	case <-d.fleet.Ready():
	case <-ctx.Done():
		return
	}

	log.Info().Msg("fleet operational, lobby directory running")

	tick := time.NewTicker(refreshInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			d.Refresh(ctx)
		}
	}
}

// Refresh re-polls every tracked session concurrently, prunes entries that
// are gone, full, or about to start, and creates a fresh public session
// when nothing joinable remains.
func (d *Directory) Refresh(ctx context.Context) {
	d.mutex.RLock()
	tracked := make([]string, len(d.tracked))
	copy(tracked, d.tracked)
	d.mutex.RUnlock()

	results := make([]*Entry, len(tracked))

	var wg sync.WaitGroup
	for i, id := range tracked {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()

			entry, err := d.pollSession(ctx, id)
			if err != nil {
				// No retry; the id is dropped from tracking.
				log.Info().Err(err).Str("session", id).Msg("session gone")
				return
			}
			results[i] = entry
		}(i, id)
	}
	wg.Wait()

	polled := make([]Entry, 0, len(results))
	for _, entry := range results {
		if entry != nil {
			polled = append(polled, *entry)
		}
	}

	lobbies := fp.Filter(func(entry Entry) bool {
		if entry.MsUntilStart != nil && *entry.MsUntilStart <= startCutoffMs {
			return false
		}
		return entry.NumClients < d.maxPlayers
	})(polled)

	keep := fp.Map(func(entry Entry) string { return entry.SessionID })(lobbies)

	if len(lobbies) == 0 {
		id, err := d.createGame(ctx)
		if err != nil {
			log.Error().Err(err).Msg("failed to create public game")
		} else {
			keep = append(keep, id)
		}
	}

	blob, err := json.Marshal(List{Lobbies: lobbies})
	if err != nil {
		log.Error().Err(err).Msg("failed to serialize lobby list")
		return
	}

	d.mutex.Lock()
	d.tracked = keep
	d.cached = blob
	d.mutex.Unlock()

	if d.broadcaster != nil {
		d.broadcaster.BroadcastUpdate(lobbies)
	}
}

func (d *Directory) pollSession(ctx context.Context, id string) (*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	url := d.fleet.RouteURL(id) + "/api/game/" + id
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(fleet.SecretHeader, d.fleet.Secret())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status: %s", resp.Status)
	}

	var entry Entry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return nil, err
	}

	entry.SessionID = id
	return &entry, nil
}

func (d *Directory) createGame(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	id := uuid.NewString()
	config := d.sequencer.GameConfig()
	config.MaxPlayers = d.maxPlayers

	body, err := json.Marshal(config)
	if err != nil {
		return "", err
	}

	url := d.fleet.RouteURL(id) + "/api/create_game/" + id
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		url,
		bytes.NewReader(body),
	)
	if err != nil {
		return "", err
	}
	req.Header.Set(fleet.SecretHeader, d.fleet.Secret())
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bad status: %s", resp.Status)
	}

	log.Info().
		Str("session", id).
		Str("map", config.Map).
		Str("mode", string(config.Mode)).
		Msg("created public game")

	return id, nil
}

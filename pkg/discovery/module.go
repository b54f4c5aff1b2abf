package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hexline/armada/pkg/lobby"

	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"
	"nhooyr.io/websocket"
)

type State byte

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Polling
)

type Settings struct {
	// The push channel endpoint.
	PushURL string
	// The pull fallback endpoint.
	PollURL string
	// After this many failed connection attempts the client degrades to
	// polling until the next Start().
	MaxAttempts    int
	ReconnectDelay time.Duration
	PollInterval   time.Duration
}

type Callback func(lobbies []lobby.Entry)

// Client keeps a caller-supplied callback fed with the current list of
// joinable sessions. It prefers the push channel and falls back to
// fixed-interval polling when the channel proves unreliable.
type Client struct {
	mutex    deadlock.Mutex
	settings Settings
	callback Callback
	client   *http.Client

	state    State
	failures int
	// Guards against counting a connect error and the subsequent close
	// as two failures for the same attempt.
	counted bool

	conn           *websocket.Conn
	reconnectTimer *time.Timer
	pollTimer      *time.Timer

	cancel context.CancelFunc
}

func NewClient(settings Settings, callback Callback) *Client {
	if settings.MaxAttempts == 0 {
		settings.MaxAttempts = 5
	}
	if settings.ReconnectDelay == 0 {
		settings.ReconnectDelay = 2 * time.Second
	}
	if settings.PollInterval == 0 {
		settings.PollInterval = 5 * time.Second
	}

	return &Client{
		settings: settings,
		callback: callback,
		client:   &http.Client{},
	}
}

func (c *Client) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

func (c *Client) Start() {
	c.mutex.Lock()
	if c.cancel != nil {
		c.mutex.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.failures = 0
	c.mutex.Unlock()

	go c.connect(ctx)
}

// Stop tears down the channel and both timers. Safe to call repeatedly.
func (c *Client) Stop() {
	c.mutex.Lock()
	cancel := c.cancel
	c.cancel = nil
	conn := c.conn
	c.conn = nil
	c.stopTimersLocked()
	c.state = Disconnected
	c.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (c *Client) stopTimersLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.pollTimer != nil {
		c.pollTimer.Stop()
		c.pollTimer = nil
	}
}

func (c *Client) connect(ctx context.Context) {
	c.mutex.Lock()
	if ctx.Err() != nil {
		c.mutex.Unlock()
		return
	}
	c.state = Connecting
	c.counted = false
	c.mutex.Unlock()

	conn, _, err := websocket.Dial(ctx, c.settings.PushURL, nil)
	if err != nil {
		c.fail(ctx)
		return
	}

	c.mutex.Lock()
	c.conn = conn
	c.state = Connected
	c.failures = 0
	c.stopTimersLocked()
	c.mutex.Unlock()

	c.read(ctx, conn)
}

func (c *Client) read(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.fail(ctx)
			return
		}

		var update lobby.Update
		err = json.Unmarshal(data, &update)
		if err != nil || update.Type != "lobbies_update" {
			// A malformed push risks a desynced local view. Close
			// the channel and reconnect cleanly instead.
			conn.Close(
				websocket.StatusPolicyViolation,
				"malformed lobby update",
			)
			c.fail(ctx)
			return
		}

		c.callback(update.Data.Lobbies)
	}
}

// fail counts at most one failure per connection attempt, then either
// schedules a single reconnect or degrades permanently to polling.
func (c *Client) fail(ctx context.Context) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if ctx.Err() != nil || c.counted {
		return
	}
	c.counted = true
	c.failures++
	c.conn = nil

	if c.failures >= c.settings.MaxAttempts {
		log.Info().
			Int("failures", c.failures).
			Msg("push channel unreliable, falling back to polling")
		c.startPollingLocked(ctx)
		return
	}

	c.scheduleReconnectLocked(ctx)
}

func (c *Client) scheduleReconnectLocked(ctx context.Context) {
	if c.reconnectTimer != nil {
		return
	}

	c.state = Reconnecting
	c.reconnectTimer = time.AfterFunc(c.settings.ReconnectDelay, func() {
		c.mutex.Lock()
		c.reconnectTimer = nil
		c.mutex.Unlock()

		if ctx.Err() != nil {
			return
		}
		c.connect(ctx)
	})
}

func (c *Client) startPollingLocked(ctx context.Context) {
	if c.pollTimer != nil {
		return
	}

	c.state = Polling

	var poll func()
	poll = func() {
		if ctx.Err() != nil {
			return
		}

		c.pollOnce(ctx)

		c.mutex.Lock()
		if c.state == Polling && ctx.Err() == nil {
			c.pollTimer = time.AfterFunc(c.settings.PollInterval, poll)
		}
		c.mutex.Unlock()
	}

	c.pollTimer = time.AfterFunc(0, poll)
}

func (c *Client) pollOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		c.settings.PollURL,
		nil,
	)
	if err != nil {
		return
	}

	resp, err := c.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Msg("lobby poll failed")
		return
	}
	defer resp.Body.Close()

	var list lobby.List
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		log.Debug().Err(err).Msg("lobby poll returned malformed list")
		return
	}

	c.callback(list.Lobbies)
}

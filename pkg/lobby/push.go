package lobby

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const clientMessageLimit = 16

// The push-channel payload for directory updates.
type Update struct {
	Type string `json:"type"`
	Data List   `json:"data"`
}

type pushClient struct {
	send      chan []byte
	closeSlow func()
}

// Broadcaster fans directory updates out to subscribed discovery clients.
// Slow consumers are disconnected rather than buffered without bound.
type Broadcaster struct {
	mutex   sync.Mutex
	clients map[*pushClient]struct{}
	last    []byte
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[*pushClient]struct{}),
	}
}

func (b *Broadcaster) BroadcastUpdate(lobbies []Entry) {
	bytes, err := json.Marshal(Update{
		Type: "lobbies_update",
		Data: List{Lobbies: lobbies},
	})
	if err != nil {
		return
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.last = bytes

	for client := range b.clients {
		select {
		case client.send <- bytes:
		default:
			go client.closeSlow()
		}
	}
}

func (b *Broadcaster) addClient(client *pushClient) {
	b.mutex.Lock()
	b.clients[client] = struct{}{}
	b.mutex.Unlock()
}

func (b *Broadcaster) removeClient(client *pushClient) {
	b.mutex.Lock()
	delete(b.clients, client)
	b.mutex.Unlock()
}

func writeTimeout(
	ctx context.Context,
	timeout time.Duration,
	c *websocket.Conn,
	msg []byte,
) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Write(ctx, websocket.MessageText, msg)
}

// Subscribe services one push-channel connection until it closes.
func (b *Broadcaster) Subscribe(ctx context.Context, c *websocket.Conn) error {
	client := &pushClient{
		send: make(chan []byte, clientMessageLimit),
		closeSlow: func() {
			c.Close(
				websocket.StatusPolicyViolation,
				"connection too slow to keep up with updates",
			)
		},
	}

	b.addClient(client)
	defer b.removeClient(client)

	// Send the latest update on connect so new subscribers don't wait a
	// full cycle.
	b.mutex.Lock()
	last := b.last
	b.mutex.Unlock()

	if last != nil {
		if err := writeTimeout(ctx, 5*time.Second, c, last); err != nil {
			return err
		}
	}

	// Drain reads so control frames are processed.
	go func() {
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-client.send:
			if err := writeTimeout(ctx, 5*time.Second, c, msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

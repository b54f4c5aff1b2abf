package discovery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hexline/armada/pkg/lobby"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func pollServer(t *testing.T, polls *int32, sessionID string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(polls, 1)
		json.NewEncoder(w).Encode(lobby.List{
			Lobbies: []lobby.Entry{{SessionID: sessionID}},
		})
	}))
}

func TestFallbackToPolling(t *testing.T) {
	var polls int32
	ts := pollServer(t, &polls, "via-poll")
	defer ts.Close()

	received := make(chan []lobby.Entry, 16)
	c := NewClient(Settings{
		// Nothing listens here; every dial fails immediately.
		PushURL:        "ws://127.0.0.1:1/api/lobbies/ws",
		PollURL:        ts.URL,
		MaxAttempts:    1,
		ReconnectDelay: 10 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	}, func(lobbies []lobby.Entry) {
		received <- lobbies
	})

	c.Start()

	select {
	case lobbies := <-received:
		require.Len(t, lobbies, 1)
		assert.Equal(t, "via-poll", lobbies[0].SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("never fell back to polling")
	}

	assert.Equal(t, Polling, c.State())

	c.Stop()
	assert.Equal(t, Disconnected, c.State())

	// No further fetches once stopped.
	time.Sleep(50 * time.Millisecond)
	settled := atomic.LoadInt32(&polls)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, atomic.LoadInt32(&polls))

	// Stop is idempotent.
	c.Stop()
	assert.Equal(t, Disconnected, c.State())
}

func TestPushUpdates(t *testing.T) {
	update, err := json.Marshal(lobby.Update{
		Type: "lobbies_update",
		Data: lobby.List{Lobbies: []lobby.Entry{{SessionID: "via-push"}}},
	})
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		if err := conn.Write(r.Context(), websocket.MessageText, update); err != nil {
			return
		}

		// Hold the channel open until the client goes away.
		conn.Read(r.Context())
	}))
	defer ts.Close()

	received := make(chan []lobby.Entry, 16)
	c := NewClient(Settings{
		PushURL: "ws" + strings.TrimPrefix(ts.URL, "http"),
		PollURL: ts.URL,
	}, func(lobbies []lobby.Entry) {
		received <- lobbies
	})

	c.Start()
	defer c.Stop()

	select {
	case lobbies := <-received:
		require.Len(t, lobbies, 1)
		assert.Equal(t, "via-push", lobbies[0].SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("push update never arrived")
	}

	assert.Equal(t, Connected, c.State())
}

func TestMalformedPushFallsBack(t *testing.T) {
	closed := make(chan websocket.StatusCode, 1)

	push := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		err = conn.Write(
			r.Context(),
			websocket.MessageText,
			[]byte(`{"type":"bogus"}`),
		)
		if err != nil {
			return
		}

		_, _, err = conn.Read(r.Context())
		closed <- websocket.CloseStatus(err)
	}))
	defer push.Close()

	var polls int32
	poll := pollServer(t, &polls, "via-poll")
	defer poll.Close()

	received := make(chan []lobby.Entry, 16)
	c := NewClient(Settings{
		PushURL:      "ws" + strings.TrimPrefix(push.URL, "http"),
		PollURL:      poll.URL,
		MaxAttempts:  1,
		PollInterval: 10 * time.Millisecond,
	}, func(lobbies []lobby.Entry) {
		received <- lobbies
	})

	c.Start()
	defer c.Stop()

	// The client must reject the malformed update, not act on it.
	select {
	case status := <-closed:
		assert.Equal(t, websocket.StatusPolicyViolation, status)
	case <-time.After(2 * time.Second):
		t.Fatal("malformed update did not close the channel")
	}

	select {
	case lobbies := <-received:
		require.Len(t, lobbies, 1)
		assert.Equal(t, "via-poll", lobbies[0].SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("never fell back to polling")
	}

	assert.Equal(t, Polling, c.State())
}

package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hexline/armada/pkg/fleet"
	"github.com/hexline/armada/pkg/lobby"
	"github.com/hexline/armada/pkg/protocol"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func testHost(t *testing.T) (*Host, *httptest.Server) {
	t.Helper()

	host := NewHost("worker-secret", 0, 10*time.Millisecond, time.Minute, nil)
	ts := httptest.NewServer(host.Router())
	t.Cleanup(ts.Close)

	return host, ts
}

func fleetRequest(t *testing.T, method, url string, body []byte) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(fleet.SecretHeader, "worker-secret")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHostAuthentication(t *testing.T) {
	_, ts := testHost(t)

	resp, err := http.Get(ts.URL + "/api/game/whatever")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = fleetRequest(t, http.MethodGet, ts.URL+"/api/game/whatever", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHostCreateAndStatus(t *testing.T) {
	_, ts := testHost(t)

	body, err := json.Marshal(testConfig())
	require.NoError(t, err)

	resp := fleetRequest(t, http.MethodPost, ts.URL+"/api/create_game/abc", body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// A second session with the same id is refused.
	resp = fleetRequest(t, http.MethodPost, ts.URL+"/api/create_game/abc", body)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = fleetRequest(t, http.MethodGet, ts.URL+"/api/game/abc", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entry lobby.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entry))
	assert.Equal(t, "abc", entry.SessionID)
	assert.Equal(t, 0, entry.NumClients)
	assert.Equal(t, "world", entry.Config.Map)

	// Still in the lobby wait.
	require.NotNil(t, entry.MsUntilStart)
	assert.Greater(t, *entry.MsUntilStart, int64(0))
}

func TestHostJoin(t *testing.T) {
	host, ts := testHost(t)

	_, err := host.CreateGame("abc", testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/join/abc"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var start protocol.StartMessage
	require.NoError(t, cbor.Unmarshal(data, &start))
	assert.Equal(t, protocol.StartOp, start.Op)
	assert.Equal(t, "world", start.Config.Map)
	assert.Empty(t, start.Turns)

	// The directory now counts this client.
	entry := host.Engine("abc").DirectoryEntry()
	assert.Equal(t, 1, entry.NumClients)
}

func TestHostJoinUnknownSession(t *testing.T) {
	_, ts := testHost(t)

	resp, err := http.Get(ts.URL + "/join/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

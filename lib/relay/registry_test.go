/*
Copyright 2025 Worldgate, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/backend"
	"github.com/worldgate/worldgate/lib/backend/memorybk"
	"github.com/worldgate/worldgate/lib/defaults"
)

// testEnv runs a registry behind a real websocket endpoint so tests
// exercise the actual upgrade, read loop, and close paths.
type testEnv struct {
	registry *Registry
	store    *memorybk.Store
	server   *httptest.Server
}

func newTestEnv(t *testing.T, clock clockwork.Clock) *testEnv {
	t.Helper()

	store, err := memorybk.New(memorybk.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry, err := NewRegistry(RegistryConfig{
		InstanceID: "test-replica",
		Store:      store,
		Clock:      clock,
	})
	require.NoError(t, err)
	t.Cleanup(registry.Close)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/relay", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, err = registry.Add(r.Context(), ws,
			r.URL.Query().Get("id"), r.URL.Query().Get("token"),
			Origin{RemoteAddr: r.RemoteAddr, UserAgent: r.UserAgent()})
		if err != nil {
			code := worldgate.CloseInternalError
			if trace.IsAlreadyExists(err) {
				code = worldgate.CloseDuplicateConnection
			}
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, err.Error()), time.Now().Add(time.Second))
			ws.Close()
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testEnv{registry: registry, store: store, server: server}
}

func (e *testEnv) dial(t *testing.T, worldID, apiKey string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/relay?id=" + worldID + "&token=" + apiKey
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// connect dials and waits until the registry accepted the world.
func (e *testEnv) connect(t *testing.T, worldID, apiKey string) *websocket.Conn {
	t.Helper()
	ws := e.dial(t, worldID, apiKey)
	require.Eventually(t, func() bool {
		_, ok := e.registry.Get(worldID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	return ws
}

func writeFrame(t *testing.T, ws *websocket.Conn, msg Message) {
	t.Helper()
	data, err := msg.Marshal()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, ws *websocket.Conn, timeout time.Duration) Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := Unmarshal(data)
	require.NoError(t, err)
	return msg
}

// requireSilent asserts no frame arrives within the window.
func requireSilent(t *testing.T, ws *websocket.Conn, window time.Duration) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(window)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	netErr, ok := err.(interface{ Timeout() bool })
	require.True(t, ok, "expected a read timeout, got %v", err)
	require.True(t, netErr.Timeout(), "expected a read timeout, got %v", err)
}

func TestConnectRecordsOwnership(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.connect(t, "w1", "k1")

	instance, err := env.store.Get(ctx, backend.ClientInstanceKey("w1"))
	require.NoError(t, err)
	require.Equal(t, "test-replica", instance)

	instance, err = env.store.Get(ctx, backend.APIKeyInstanceKey("k1"))
	require.NoError(t, err)
	require.Equal(t, "test-replica", instance)

	members, err := env.store.SMembers(ctx, backend.APIKeyClientsKey("k1"))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"w1"}, members)
}

func TestDuplicateConnectionRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	ws1 := env.connect(t, "w1", "k1")

	// The second upgrade with a live w1 is closed with the duplicate
	// close code.
	ws2 := env.dial(t, "w1", "k1")
	require.NoError(t, ws2.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws2.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, worldgate.CloseDuplicateConnection),
		"expected close code %v, got %v", worldgate.CloseDuplicateConnection, err)

	// The original connection keeps working.
	conn, ok := env.registry.Get("w1")
	require.True(t, ok)
	require.True(t, conn.Send(Message{"type": "search", "requestId": "search_1_aaaaaaaaa"}))
	msg := readFrame(t, ws1, 2*time.Second)
	require.Equal(t, "search", msg.Type())
	require.Equal(t, 1, env.registry.Count())
}

func TestAddRemoveRestoresState(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.connect(t, "w1", "k1")
	require.Equal(t, 1, env.registry.Count())

	env.registry.Remove("w1")

	require.Equal(t, 0, env.registry.Count())
	require.Empty(t, env.registry.ConnectedFor("k1"))

	_, err := env.store.Get(ctx, backend.ClientInstanceKey("w1"))
	require.True(t, trace.IsNotFound(err))
	_, err = env.store.Get(ctx, backend.APIKeyInstanceKey("k1"))
	require.True(t, trace.IsNotFound(err))
	members, err := env.store.SMembers(ctx, backend.APIKeyClientsKey("k1"))
	require.NoError(t, err)
	require.Empty(t, members)
}

func TestDispatchToHandler(t *testing.T) {
	env := newTestEnv(t, nil)

	received := make(chan Message, 1)
	env.registry.OnMessage("search-result", func(conn *Conn, msg Message) {
		received <- msg
	})

	ws1 := env.connect(t, "w1", "k1")
	ws2 := env.connect(t, "w2", "k1")

	writeFrame(t, ws1, Message{
		"type":         "search-result",
		"requestId":    "search_1_aaaaaaaaa",
		"totalResults": 2,
	})

	select {
	case msg := <-received:
		require.Equal(t, "search_1_aaaaaaaaa", msg.RequestID())
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not receive the dispatched message")
	}

	// Handled messages are not broadcast to the group.
	requireSilent(t, ws2, 300*time.Millisecond)
}

func TestBroadcastStaysInCredentialGroup(t *testing.T) {
	env := newTestEnv(t, nil)
	ws1 := env.connect(t, "w1", "k1")
	ws2 := env.connect(t, "w2", "k1")
	ws3 := env.connect(t, "w3", "k2")

	writeFrame(t, ws1, Message{"type": "party-chat", "text": "hello"})

	msg := readFrame(t, ws2, 2*time.Second)
	require.Equal(t, "party-chat", msg.Type())
	require.Equal(t, "hello", msg.GetString("text"))

	// Neither the sender nor the other credential's world hears it.
	requireSilent(t, ws1, 300*time.Millisecond)
	requireSilent(t, ws3, 300*time.Millisecond)
}

func TestPingAnsweredInline(t *testing.T) {
	env := newTestEnv(t, nil)
	ws1 := env.connect(t, "w1", "k1")
	ws2 := env.connect(t, "w2", "k1")

	writeFrame(t, ws1, Message{"type": "ping"})

	msg := readFrame(t, ws1, 2*time.Second)
	require.Equal(t, "pong", msg.Type())

	// Pings never reach the group.
	requireSilent(t, ws2, 300*time.Millisecond)
}

func TestSweepEvictsStaleConnections(t *testing.T) {
	clock := clockwork.NewFakeClock()
	env := newTestEnv(t, clock)
	env.connect(t, "w1", "k1")

	conn, ok := env.registry.Get("w1")
	require.True(t, ok)
	require.True(t, conn.IsAlive())

	clock.Advance(defaults.ConnectionStaleAfter + time.Second)
	require.False(t, conn.IsAlive())

	env.registry.Sweep()
	require.Equal(t, 0, env.registry.Count())
}

func TestSendOnClosedConn(t *testing.T) {
	env := newTestEnv(t, nil)
	env.connect(t, "w1", "k1")

	conn, ok := env.registry.Get("w1")
	require.True(t, ok)

	env.registry.Remove("w1")
	require.False(t, conn.Send(Message{"type": "roll"}))
}

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

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/backend"
	"github.com/worldgate/worldgate/lib/backend/memorybk"
	"github.com/worldgate/worldgate/lib/forward"
	"github.com/worldgate/worldgate/lib/headless"
	"github.com/worldgate/worldgate/lib/relay"
	"github.com/worldgate/worldgate/lib/users"
	"github.com/worldgate/worldgate/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

// gatewayParams tweaks one test gateway.
type gatewayParams struct {
	instanceID   string
	monthlyLimit int
	assetClient  *http.Client
}

// gateway is a fully wired handler behind a real HTTP server, with
// handles on the components tests poke directly.
type gateway struct {
	clock    *clockwork.FakeClock
	store    *memorybk.Store
	users    *users.MemoryStore
	registry *relay.Registry
	pending  *relay.PendingRequests
	sessions *headless.Controller
	driver   *stubDriver
	handler  *Handler
	server   *httptest.Server
	client   *http.Client
}

func newGateway(t *testing.T, p gatewayParams) *gateway {
	t.Helper()
	if p.instanceID == "" {
		p.instanceID = "gate-1"
	}
	clock := clockwork.NewFakeClockAt(time.Date(2025, 4, 12, 10, 0, 0, 0, time.UTC))

	store, err := memorybk.New(memorybk.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	userStore, err := users.NewMemoryStore(users.MemoryConfig{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { userStore.Close() })

	accountant, err := users.NewAccountant(users.AccountantConfig{
		Store:            userStore,
		FreeMonthlyLimit: p.monthlyLimit,
		Clock:            clock,
	})
	require.NoError(t, err)

	registry, err := relay.NewRegistry(relay.RegistryConfig{
		InstanceID: p.instanceID,
		Store:      store,
		Clock:      clock,
	})
	require.NoError(t, err)
	t.Cleanup(registry.Close)

	pending, err := relay.NewPendingRequests(relay.PendingConfig{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(pending.Close)

	forwarder, err := forward.NewForwarder(forward.Config{
		InstanceID: p.instanceID,
		Store:      store,
		Client:     &http.Client{Timeout: time.Second},
	})
	require.NoError(t, err)

	handshakes, err := headless.NewHandshakes(headless.HandshakesConfig{
		InstanceID: p.instanceID,
		Store:      store,
		Clock:      clock,
	})
	require.NoError(t, err)

	driver := &stubDriver{userID: "u7"}
	sessions, err := headless.NewController(headless.ControllerConfig{
		InstanceID: p.instanceID,
		Store:      store,
		Handshakes: handshakes,
		Driver:     driver,
		Worlds:     registry,
		Clock:      clock,
	})
	require.NoError(t, err)
	t.Cleanup(sessions.Close)

	handler, err := NewHandler(Config{
		InstanceID:  p.instanceID,
		Registry:    registry,
		Pending:     pending,
		Accountant:  accountant,
		Users:       userStore,
		Store:       store,
		Forwarder:   forwarder,
		Handshakes:  handshakes,
		Sessions:    sessions,
		AssetClient: p.assetClient,
		Clock:       clock,
	})
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &gateway{
		clock:    clock,
		store:    store,
		users:    userStore,
		registry: registry,
		pending:  pending,
		sessions: sessions,
		driver:   driver,
		handler:  handler,
		server:   server,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// registerUser creates an account straight in the store and returns its
// credential.
func (g *gateway) registerUser(t *testing.T, email string) string {
	t.Helper()
	user, err := g.users.CreateUser(context.Background(), email)
	require.NoError(t, err)
	return user.APIKey
}

// request performs one HTTP call against the gateway and returns the
// response with its body drained.
func (g *gateway) request(t *testing.T, method, path, apiKey string, body io.Reader, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, g.server.URL+path, body)
	require.NoError(t, err)
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if apiKey != "" {
		req.Header.Set(worldgate.APIKeyHeader, apiKey)
	}
	resp, err := g.client.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, data
}

// doJSON performs one JSON API call and decodes the reply body.
func (g *gateway) doJSON(t *testing.T, method, path, apiKey string, body interface{}, headers ...http.Header) (*http.Response, map[string]interface{}) {
	t.Helper()
	header := http.Header{}
	if len(headers) > 0 {
		header = headers[0].Clone()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
		header.Set("Content-Type", "application/json")
	}
	resp, data := g.request(t, method, path, apiKey, reader, header)
	decoded := map[string]interface{}{}
	if len(data) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(data, &decoded), "body: %s", data)
	}
	return resp, decoded
}

// dialRelay opens a raw socket to the upgrade endpoint without waiting
// for registration, for rejection tests.
func (g *gateway) dialRelay(t *testing.T, rawQuery string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/relay?" + rawQuery
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// connectWorld attaches a world socket and waits until the registry
// accepted it.
func (g *gateway) connectWorld(t *testing.T, worldID, apiKey string) *websocket.Conn {
	t.Helper()
	ws := g.dialRelay(t, "id="+worldID+"&token="+apiKey)
	require.Eventually(t, func() bool {
		_, ok := g.registry.Get(worldID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	return ws
}

// serveWorld answers request frames until the socket closes. The
// respond callback returns the reply frame to send, or nil to stay
// silent.
func serveWorld(t *testing.T, ws *websocket.Conn, respond func(msg map[string]interface{}) map[string]interface{}) {
	t.Helper()
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]interface{}
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			reply := respond(msg)
			if reply == nil {
				continue
			}
			out, err := json.Marshal(reply)
			if err != nil {
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}()
}

// respondKind answers the given request kind with its reply type plus
// the fields, ignoring everything else.
func respondKind(kind string, fields map[string]interface{}) func(map[string]interface{}) map[string]interface{} {
	return func(msg map[string]interface{}) map[string]interface{} {
		if msg["type"] != kind {
			return nil
		}
		reply := map[string]interface{}{
			"type":      relay.ReplyType(kind),
			"requestId": msg["requestId"],
		}
		for key, value := range fields {
			reply[key] = value
		}
		return reply
	}
}

// echoWorld answers every request kind with its reply type and the
// extra fields.
func echoWorld(t *testing.T, ws *websocket.Conn, extra map[string]interface{}) {
	t.Helper()
	serveWorld(t, ws, func(msg map[string]interface{}) map[string]interface{} {
		kind, _ := msg["type"].(string)
		reply := map[string]interface{}{
			"type":      relay.ReplyType(kind),
			"requestId": msg["requestId"],
		}
		for key, value := range extra {
			reply[key] = value
		}
		return reply
	})
}

// captureWorld records every request frame and answers with the reply
// type plus the extra fields.
func captureWorld(t *testing.T, ws *websocket.Conn, extra map[string]interface{}) <-chan map[string]interface{} {
	t.Helper()
	frames := make(chan map[string]interface{}, 8)
	serveWorld(t, ws, func(msg map[string]interface{}) map[string]interface{} {
		frames <- msg
		kind, _ := msg["type"].(string)
		reply := map[string]interface{}{
			"type":      relay.ReplyType(kind),
			"requestId": msg["requestId"],
		}
		for key, value := range extra {
			reply[key] = value
		}
		return reply
	})
	return frames
}

// requireClose asserts the server rejected the socket with the code.
func requireClose(t *testing.T, ws *websocket.Conn, wantCode int) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, wantCode, closeErr.Code)
}

func TestStatusEndpoint(t *testing.T) {
	g := newGateway(t, gatewayParams{})

	resp, body := g.doJSON(t, http.MethodGet, "/api/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, worldgate.Version, body["version"])
	require.Equal(t, "gate-1", body["instance"])
	require.Equal(t, float64(0), body["connectedWorlds"])

	key := g.registerUser(t, "gm@example.com")
	g.connectWorld(t, "w1", key)

	_, body = g.doJSON(t, http.MethodGet, "/api/status", "", nil)
	require.Equal(t, float64(1), body["connectedWorlds"])
}

func TestHealthEndpoint(t *testing.T) {
	g := newGateway(t, gatewayParams{})
	resp, body := g.doJSON(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "healthy", body["status"])
}

func TestDocsCatalogue(t *testing.T) {
	g := newGateway(t, gatewayParams{})
	resp, body := g.doJSON(t, http.MethodGet, "/api/docs", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, worldgate.Version, body["version"])
	require.Contains(t, body["auth"], worldgate.APIKeyHeader)
	endpoints, ok := body["endpoints"].([]interface{})
	require.True(t, ok)
	require.NotEmpty(t, endpoints)
}

func TestRegisterMintsCredential(t *testing.T) {
	g := newGateway(t, gatewayParams{})

	resp, body := g.doJSON(t, http.MethodPost, "/register", "", map[string]interface{}{
		"email": "gm@example.com",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "gm@example.com", body["email"])
	key, ok := body["apiKey"].(string)
	require.True(t, ok)
	require.Len(t, key, 32)
	// Registration is the one reply that must carry the credential in
	// the clear.
	require.NotEqual(t, worldgate.RedactedValue, key)

	resp, _ = g.doJSON(t, http.MethodGet, "/clients", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = g.doJSON(t, http.MethodPost, "/register", "", map[string]interface{}{
		"email": "gm@example.com",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Contains(t, body["error"], "already")

	resp, body = g.doJSON(t, http.MethodPost, "/register", "", map[string]interface{}{
		"email": "not-an-email",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["howToUse"], "email")
}

func TestResponseRedaction(t *testing.T) {
	g := newGateway(t, gatewayParams{})
	key := g.registerUser(t, "gm@example.com")
	ws := g.connectWorld(t, "w1", key)
	echoWorld(t, ws, map[string]interface{}{
		"apiKey": "super-secret",
		"owner":  map[string]interface{}{"password": "hunter2"},
	})

	resp, body := g.doJSON(t, http.MethodGet, "/search?clientId=w1&query=goblin", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, worldgate.RedactedValue, body["apiKey"])
	owner, ok := body["owner"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, worldgate.RedactedValue, owner["password"])
}

func TestAuthenticationRequired(t *testing.T) {
	g := newGateway(t, gatewayParams{})

	resp, body := g.doJSON(t, http.MethodGet, "/clients", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "missing API key", body["error"])

	resp, body = g.doJSON(t, http.MethodGet, "/clients", "not-a-key", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "invalid API key", body["error"])
}

func TestQuotaExhaustion(t *testing.T) {
	g := newGateway(t, gatewayParams{monthlyLimit: 2})
	key := g.registerUser(t, "gm@example.com")

	for i := 0; i < 2; i++ {
		resp, _ := g.doJSON(t, http.MethodGet, "/clients", key, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := g.doJSON(t, http.MethodGet, "/clients", key, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Contains(t, body["error"], "monthly request limit")
}

func TestListClientsMergesStoreAndLocal(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t, gatewayParams{})
	key := g.registerUser(t, "gm@example.com")
	g.connectWorld(t, "w1", key)

	// A world attached to another replica is only visible through the
	// coordination store.
	require.NoError(t, g.store.SAdd(ctx, backend.APIKeyClientsKey(key), "w-remote", backend.Forever))
	require.NoError(t, g.store.Set(ctx, backend.ClientInstanceKey("w-remote"), "gate-2", backend.Forever))

	resp, body := g.doJSON(t, http.MethodGet, "/clients", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(2), body["total"])

	clients, ok := body["clients"].([]interface{})
	require.True(t, ok)
	require.Len(t, clients, 2)

	remote, ok := clients[0].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "w-remote", remote["id"])
	require.Equal(t, "gate-2", remote["instance"])

	local, ok := clients[1].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "w1", local["id"])
	require.Equal(t, "gate-1", local["instance"])
	require.NotEmpty(t, local["connectedAt"])
	require.NotEmpty(t, local["lastSeen"])
}

func TestCORSPreflight(t *testing.T) {
	g := newGateway(t, gatewayParams{})
	resp, _ := g.request(t, http.MethodOptions, "/search", "", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), worldgate.APIKeyHeader)
}

func TestUnknownEndpoint(t *testing.T) {
	g := newGateway(t, gatewayParams{})

	resp, body := g.doJSON(t, http.MethodGet, "/no-such-endpoint", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "unknown endpoint", body["error"])
	require.Contains(t, body["howToUse"], "/api/docs")

	resp, body = g.doJSON(t, http.MethodDelete, "/search", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Equal(t, "method not allowed", body["error"])
}

func TestMetricsExposition(t *testing.T) {
	g := newGateway(t, gatewayParams{})
	g.doJSON(t, http.MethodGet, "/api/status", "", nil)

	resp, data := g.request(t, http.MethodGet, "/metrics", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(data), "go_goroutines")
}

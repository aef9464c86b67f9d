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
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/backend"
	"github.com/worldgate/worldgate/lib/relay"
)

func TestSearchRelaysToWorld(t *testing.T) {
	g := newGateway(t, gatewayParams{})
	key := g.registerUser(t, "gm@example.com")
	ws := g.connectWorld(t, "w1", key)
	serveWorld(t, ws, respondKind(relay.KindSearch, map[string]interface{}{
		"results": []interface{}{
			map[string]interface{}{"name": "Goblin", "uuid": "Actor.goblin1"},
		},
		"totalResults": 1,
	}))

	resp, body := g.doJSON(t, http.MethodGet, "/search?clientId=w1&query=goblin", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "w1", body["clientId"])
	require.Equal(t, float64(1), body["totalResults"])

	corrID, ok := body["requestId"].(string)
	require.True(t, ok)
	require.True(t, strings.HasPrefix(corrID, relay.KindSearch+"_"), corrID)

	results, ok := body["results"].([]interface{})
	require.True(t, ok)
	require.Len(t, results, 1)
}

func TestSearchTimeout(t *testing.T) {
	g := newGateway(t, gatewayParams{})
	key := g.registerUser(t, "gm@example.com")
	ws := g.connectWorld(t, "w1", key)
	// The world swallows every request.
	serveWorld(t, ws, func(map[string]interface{}) map[string]interface{} { return nil })

	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		req, err := http.NewRequest(http.MethodGet, g.server.URL+"/search?clientId=w1&query=goblin", nil)
		if err != nil {
			errCh <- err
			return
		}
		req.Header.Set(worldgate.APIKeyHeader, key)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	// Wait for the waiter to land, then march the clock past the reply
	// deadline.
	require.Eventually(t, func() bool {
		return g.pending.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	var resp *http.Response
	deadline := time.After(5 * time.Second)
waiting:
	for {
		select {
		case resp = <-respCh:
			break waiting
		case err := <-errCh:
			t.Fatalf("request failed: %v", err)
		case <-deadline:
			t.Fatal("no response after advancing past the reply deadline")
		default:
			g.clock.Advance(time.Second)
			time.Sleep(10 * time.Millisecond)
		}
	}
	defer resp.Body.Close()
	require.Equal(t, http.StatusRequestTimeout, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "Search request timed out", body["error"])

	// The waiter must not outlive its request.
	require.Equal(t, 0, g.pending.Len())
}

func TestDuplicateWorldRejected(t *testing.T) {
	g := newGateway(t, gatewayParams{})
	key := g.registerUser(t, "gm@example.com")
	ws := g.connectWorld(t, "w1", key)
	echoWorld(t, ws, map[string]interface{}{"answered": true})

	dup := g.dialRelay(t, "id=w1&token="+key)
	requireClose(t, dup, worldgate.CloseDuplicateConnection)
	require.Equal(t, 1, g.registry.Count())

	// The original connection keeps serving.
	resp, body := g.doJSON(t, http.MethodGet, "/search?clientId=w1&query=goblin", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["answered"])
}

func TestWorldOwnership(t *testing.T) {
	g := newGateway(t, gatewayParams{})
	owner := g.registerUser(t, "owner@example.com")
	intruder := g.registerUser(t, "intruder@example.com")
	g.connectWorld(t, "w1", owner)

	resp, body := g.doJSON(t, http.MethodGet, "/search?clientId=w1&query=goblin", intruder, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Contains(t, body["error"], "different API key")
}

func TestUnknownWorldHint(t *testing.T) {
	g := newGateway(t, gatewayParams{})
	key := g.registerUser(t, "gm@example.com")
	g.connectWorld(t, "w1", key)

	resp, body := g.doJSON(t, http.MethodGet, "/search?clientId=w9&query=goblin", key, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Contains(t, body["error"], `"w9"`)
	require.Equal(t, []interface{}{"w1"}, body["availableClients"])
}

func TestForwardFailureAnswersBadGateway(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t, gatewayParams{})
	key := g.registerUser(t, "gm@example.com")

	// Another replica owns this credential's worlds, but is dead.
	require.NoError(t, g.store.Set(ctx, backend.APIKeyInstanceKey(key), "gate-9", backend.Forever))
	require.NoError(t, g.store.Set(ctx, backend.InstanceAddrKey("gate-9"), "127.0.0.1:1", backend.Forever))

	resp, body := g.doJSON(t, http.MethodGet, "/search?clientId=w1&query=goblin", key, nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Contains(t, body["error"], "replica")
}

func TestForwardedRequestStaysLocal(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t, gatewayParams{})
	key := g.registerUser(t, "gm@example.com")
	ws := g.connectWorld(t, "w1", key)
	echoWorld(t, ws, map[string]interface{}{"answered": true})

	// Ownership records point elsewhere, but the marker header pins the
	// request to this replica.
	require.NoError(t, g.store.Set(ctx, backend.APIKeyInstanceKey(key), "gate-9", backend.Forever))
	require.NoError(t, g.store.Set(ctx, backend.InstanceAddrKey("gate-9"), "127.0.0.1:1", backend.Forever))

	header := http.Header{}
	header.Set(worldgate.ForwardedHeader, "gate-9")
	resp, body := g.doJSON(t, http.MethodGet, "/search?clientId=w1&query=goblin", key, nil, header)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["answered"])
}

func TestScriptFilter(t *testing.T) {
	g := newGateway(t, gatewayParams{})
	key := g.registerUser(t, "gm@example.com")
	ws := g.connectWorld(t, "w1", key)
	serveWorld(t, ws, respondKind(relay.KindExecuteJS, map[string]interface{}{
		"result": "Mira",
	}))

	resp, body := g.doJSON(t, http.MethodPost, "/execute-js?clientId=w1", key, map[string]interface{}{
		"script": "return document.cookie",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "Script contains forbidden patterns", body["error"])
	require.Contains(t, body["suggestion"], "cookie")

	resp, body = g.doJSON(t, http.MethodPost, "/execute-js?clientId=w1", key, map[string]interface{}{
		"script": "return game.user.name",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Mira", body["result"])
}

func TestMacroExecuteScriptFilter(t *testing.T) {
	g := newGateway(t, gatewayParams{})
	key := g.registerUser(t, "gm@example.com")
	g.connectWorld(t, "w1", key)

	resp, body := g.doJSON(t, http.MethodPost, "/macro/Macro.abc/execute?clientId=w1", key, map[string]interface{}{
		"args": []interface{}{"localStorage.getItem('token')"},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "Script contains forbidden patterns", body["error"])
}

func TestCreateReturnsCreated(t *testing.T) {
	g := newGateway(t, gatewayParams{})
	key := g.registerUser(t, "gm@example.com")
	ws := g.connectWorld(t, "w1", key)
	serveWorld(t, ws, respondKind(relay.KindCreate, map[string]interface{}{
		"uuid": "Actor.xyz",
	}))

	resp, body := g.doJSON(t, http.MethodPost, "/create?clientId=w1", key, map[string]interface{}{
		"entityType": "Actor",
		"data":       map[string]interface{}{"name": "Bandit"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "Actor.xyz", body["uuid"])
	require.Equal(t, "w1", body["clientId"])
}

func TestWorldErrorBecomesBadRequest(t *testing.T) {
	g := newGateway(t, gatewayParams{})
	key := g.registerUser(t, "gm@example.com")
	ws := g.connectWorld(t, "w1", key)
	serveWorld(t, ws, respondKind(relay.KindEntity, map[string]interface{}{
		"error": "entity not found",
	}))

	resp, body := g.doJSON(t, http.MethodGet, "/get?clientId=w1&uuid=Actor.missing", key, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "entity not found", body["error"])
	require.Equal(t, "w1", body["clientId"])
	require.NotEmpty(t, body["requestId"])
}

func TestSelectedNormalization(t *testing.T) {
	g := newGateway(t, gatewayParams{})
	key := g.registerUser(t, "gm@example.com")
	ws := g.connectWorld(t, "w1", key)
	frames := captureWorld(t, ws, nil)

	resp, _ := g.doJSON(t, http.MethodPost, "/kill?clientId=w1", key, map[string]interface{}{
		"selected": "true",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frame := <-frames
	require.Equal(t, true, frame["selected"])

	resp, body := g.doJSON(t, http.MethodPost, "/kill?clientId=w1", key, map[string]interface{}{
		"selected": "maybe",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "selected must be a boolean", body["error"])
}

func TestRelayParameterValidation(t *testing.T) {
	g := newGateway(t, gatewayParams{})
	key := g.registerUser(t, "gm@example.com")

	tests := []struct {
		name    string
		method  string
		path    string
		body    map[string]interface{}
		wantErr string
	}{
		{
			name:    "missing clientId",
			method:  http.MethodGet,
			path:    "/search?query=goblin",
			wantErr: "clientId is required",
		},
		{
			name:    "missing query",
			method:  http.MethodGet,
			path:    "/search?clientId=w1",
			wantErr: "query is required",
		},
		{
			name:    "missing formula",
			method:  http.MethodPost,
			path:    "/roll?clientId=w1",
			body:    map[string]interface{}{"flavor": "Attack"},
			wantErr: "formula is required",
		},
		{
			name:    "missing target",
			method:  http.MethodGet,
			path:    "/get?clientId=w1",
			wantErr: "uuid or selected is required",
		},
		{
			name:   "missing item",
			method: http.MethodPost,
			path:   "/give?clientId=w1",
			body: map[string]interface{}{
				"fromUuid": "Actor.a",
				"toUuid":   "Actor.b",
			},
			wantErr: "itemUuid is required",
		},
		{
			name:    "missing attribute",
			method:  http.MethodPost,
			path:    "/increase?clientId=w1",
			body:    map[string]interface{}{"amount": 5},
			wantErr: "attribute is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body interface{}
			if tt.body != nil {
				body = tt.body
			}
			resp, decoded := g.doJSON(t, tt.method, tt.path, key, body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			require.Equal(t, tt.wantErr, decoded["error"])
			require.NotEmpty(t, decoded["howToUse"])
		})
	}
}

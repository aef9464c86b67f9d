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

package headless

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/worldgate/worldgate/lib/backend"
	"github.com/worldgate/worldgate/lib/defaults"
)

func newPollerEnv(t *testing.T, instanceID string) (*controllerEnv, *Poller) {
	t.Helper()
	env := newControllerEnv(t, instanceID, nil, nil)
	poller, err := NewPoller(PollerConfig{
		InstanceID: instanceID,
		Store:      env.store,
		Handshakes: env.handshakes,
		Controller: env.ctrl,
		Clock:      env.clock,
	})
	require.NoError(t, err)
	t.Cleanup(poller.Close)
	return env, poller
}

// parkPending does what a non-owner replica does with a redemption it
// cannot serve: it stores the encrypted payload under the token.
func parkPending(t *testing.T, store backend.Store, token, payload string) {
	t.Helper()
	pending, err := json.Marshal(map[string]string{"encryptedPayload": payload})
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), backend.PendingSessionKey(token), string(pending), defaults.HandshakeTTL))
}

func loadResult(t *testing.T, store backend.Store, token string) resultEnvelope {
	t.Helper()
	value, err := store.Get(context.Background(), backend.SessionResultKey(token))
	require.NoError(t, err)
	var envelope resultEnvelope
	require.NoError(t, json.Unmarshal([]byte(value), &envelope))
	return envelope
}

func TestPollerServesOwnedToken(t *testing.T) {
	ctx := context.Background()
	env, poller := newPollerEnv(t, "replica-2")

	minted, err := env.handshakes.Mint(ctx, mintParams())
	require.NoError(t, err)
	env.worlds.attach("foundry-u1", "k1")
	parkPending(t, env.store, minted.Token, encryptPayload(t, minted.PublicKey, "swordfish", minted.Nonce))

	poller.PollOnce(ctx)

	// The pending payload was claimed and the session is live.
	_, err = env.store.Get(ctx, backend.PendingSessionKey(minted.Token))
	require.True(t, trace.IsNotFound(err))

	envelope := loadResult(t, env.store, minted.Token)
	require.Equal(t, http.StatusOK, envelope.StatusCode)
	var started startedResponse
	require.NoError(t, json.Unmarshal(envelope.Data, &started))
	require.Equal(t, "foundry-u1", started.ClientID)

	session, err := env.ctrl.GetSession(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, started.SessionID, session.ID)
}

func TestPollerIgnoresForeignTokens(t *testing.T) {
	ctx := context.Background()
	env, poller := newPollerEnv(t, "replica-2")

	// Minted by some other replica; not ours to serve.
	minter := newHandshakes(t, "replica-9", env.store, env.clock)
	minted, err := minter.Mint(ctx, mintParams())
	require.NoError(t, err)
	parkPending(t, env.store, minted.Token, encryptPayload(t, minted.PublicKey, "swordfish", minted.Nonce))

	poller.PollOnce(ctx)

	_, err = env.store.Get(ctx, backend.PendingSessionKey(minted.Token))
	require.NoError(t, err)
	_, err = env.store.Get(ctx, backend.SessionResultKey(minted.Token))
	require.True(t, trace.IsNotFound(err))
}

func TestPollerAnswersDeadTokens(t *testing.T) {
	ctx := context.Background()
	env, poller := newPollerEnv(t, "replica-2")

	token := fmt.Sprintf("%064d", 7)
	parkPending(t, env.store, token, "irrelevant")

	poller.PollOnce(ctx)

	_, err := env.store.Get(ctx, backend.PendingSessionKey(token))
	require.True(t, trace.IsNotFound(err))
	envelope := loadResult(t, env.store, token)
	require.Equal(t, http.StatusUnauthorized, envelope.StatusCode)
}

func TestPollerPublishesRedemptionFailure(t *testing.T) {
	ctx := context.Background()
	env, poller := newPollerEnv(t, "replica-2")

	minted, err := env.handshakes.Mint(ctx, mintParams())
	require.NoError(t, err)
	parkPending(t, env.store, minted.Token, encryptPayload(t, minted.PublicKey, "swordfish", "0000000000000000"))

	poller.PollOnce(ctx)

	envelope := loadResult(t, env.store, minted.Token)
	require.Equal(t, http.StatusUnauthorized, envelope.StatusCode)
	require.Contains(t, string(envelope.Data), "nonce")
}

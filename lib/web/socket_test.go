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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/backend"
)

func TestSocketRejectsMissingWorldID(t *testing.T) {
	g := newGateway(t, gatewayParams{})
	key := g.registerUser(t, "gm@example.com")

	ws := g.dialRelay(t, "token="+key)
	requireClose(t, ws, worldgate.CloseNoClientID)
	require.Equal(t, 0, g.registry.Count())
}

func TestSocketRejectsMissingCredential(t *testing.T) {
	g := newGateway(t, gatewayParams{})

	ws := g.dialRelay(t, "id=w1")
	requireClose(t, ws, worldgate.CloseNoAuth)
	require.Equal(t, 0, g.registry.Count())
}

func TestSocketRejectsUnknownCredential(t *testing.T) {
	g := newGateway(t, gatewayParams{})

	ws := g.dialRelay(t, "id=w1&token=not-a-key")
	requireClose(t, ws, worldgate.CloseNoAuth)
	require.Equal(t, 0, g.registry.Count())
}

func TestSocketRecordsOwnership(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t, gatewayParams{})
	key := g.registerUser(t, "gm@example.com")
	g.connectWorld(t, "w1", key)

	instance, err := g.store.Get(ctx, backend.ClientInstanceKey("w1"))
	require.NoError(t, err)
	require.Equal(t, "gate-1", instance)

	instance, err = g.store.Get(ctx, backend.APIKeyInstanceKey(key))
	require.NoError(t, err)
	require.Equal(t, "gate-1", instance)

	members, err := g.store.SMembers(ctx, backend.APIKeyClientsKey(key))
	require.NoError(t, err)
	require.Equal(t, []string{"w1"}, members)
}

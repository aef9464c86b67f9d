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

package users

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "users.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func TestSQLiteCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	created, err := store.CreateUser(ctx, "gm@example.com")
	require.NoError(t, err)
	require.Len(t, created.APIKey, 32)

	_, err = store.CreateUser(ctx, "gm@example.com")
	require.True(t, trace.IsAlreadyExists(err))

	user, err := store.GetByAPIKey(ctx, created.APIKey)
	require.NoError(t, err)
	require.Equal(t, "gm@example.com", user.Email)
	require.Equal(t, StatusFree, user.SubscriptionStatus)

	_, err = store.GetByAPIKey(ctx, "deadbeefdeadbeefdeadbeefdeadbeef")
	require.True(t, trace.IsNotFound(err))
}

func TestSQLiteRecordRequest(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	created, err := store.CreateUser(ctx, "gm@example.com")
	require.NoError(t, err)

	user, err := store.RecordRequest(ctx, created.APIKey, "2025-03-01")
	require.NoError(t, err)
	require.Equal(t, 1, user.RequestsToday)
	require.Equal(t, 1, user.RequestsThisMonth)

	user, err = store.RecordRequest(ctx, created.APIKey, "2025-03-01")
	require.NoError(t, err)
	require.Equal(t, 2, user.RequestsToday)

	user, err = store.RecordRequest(ctx, created.APIKey, "2025-03-02")
	require.NoError(t, err)
	require.Equal(t, 1, user.RequestsToday)
	require.Equal(t, 3, user.RequestsThisMonth)
	require.Equal(t, "2025-03-02", user.LastRequestDate)
}

func TestSQLiteReset(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	created, err := store.CreateUser(ctx, "gm@example.com")
	require.NoError(t, err)
	_, err = store.RecordRequest(ctx, created.APIKey, "2025-03-01")
	require.NoError(t, err)

	require.NoError(t, store.ResetAllUsage(ctx))
	user, err := store.GetByAPIKey(ctx, created.APIKey)
	require.NoError(t, err)
	require.Zero(t, user.RequestsToday)
	require.Zero(t, user.RequestsThisMonth)
	require.Empty(t, user.LastRequestDate)

	require.True(t, trace.IsNotFound(store.ResetUserUsage(ctx, "deadbeefdeadbeefdeadbeefdeadbeef")))
}

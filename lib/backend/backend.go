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

// Package backend provides the coordination store abstraction shared by
// all gateway replicas. The store holds connection ownership records,
// handshake and session state, and distributed locks; it is not a system
// of record, so every value carries a TTL and callers tolerate loss.
package backend

import (
	"context"
	"time"
)

// Forever means the key does not expire unless deleted.
const Forever time.Duration = 0

// Store implements the replica coordination layer over a Redis-shaped
// key space. Point reads (Get, HGetAll) return trace.NotFound when the
// key does not exist; set reads return empty results. A ttl of Forever
// keeps the key until it is deleted.
type Store interface {
	// Get returns the value stored at key.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value at key, replacing any previous value.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores value at key only if the key does not already exist.
	// It reports whether the write happened, which is how callers
	// acquire distributed locks.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Del removes key and reports whether it existed.
	Del(ctx context.Context, key string) (bool, error)

	// CompareAndDelete removes key only if its current value equals
	// expect, atomically. It is the lock release primitive: a holder
	// that lost its lease must not delete the next holder's lock.
	CompareAndDelete(ctx context.Context, key, expect string) (bool, error)

	// HSet merges fields into the hash at key and applies ttl to the
	// whole hash.
	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error

	// HGetAll returns all fields of the hash at key.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// SAdd adds member to the set at key and applies ttl to the set.
	SAdd(ctx context.Context, key, member string, ttl time.Duration) error

	// SRem removes member from the set at key.
	SRem(ctx context.Context, key, member string) error

	// SMembers returns all members of the set at key. A missing key is
	// the empty set.
	SMembers(ctx context.Context, key string) ([]string, error)

	// Expire resets the ttl of key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Scan returns all keys matching a glob-style pattern. Intended for
	// low-cardinality administrative sweeps, not hot paths.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Close releases the client and any background resources.
	Close() error
}

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

// Package memorybk implements the coordination store in process memory.
// It backs single-replica deployments that run without Redis and doubles
// as the store used throughout the test suite. Expired keys are dropped
// lazily on access and by a background janitor.
package memorybk

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

const janitorInterval = time.Minute

// Config holds the in-memory store configuration.
type Config struct {
	// Clock overrides time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// item is a single key. Exactly one of value, hash, or set is in use,
// matching how callers never mix types on one key.
type item struct {
	value   string
	hash    map[string]string
	set     map[string]struct{}
	expires time.Time
}

// Store is an in-memory coordination store.
type Store struct {
	clock clockwork.Clock

	mu    sync.Mutex
	items map[string]*item

	closeOnce sync.Once
	done      chan struct{}
}

// New returns an empty in-memory store and starts its janitor.
func New(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Store{
		clock: cfg.Clock,
		items: make(map[string]*item),
		done:  make(chan struct{}),
	}
	go s.janitor()
	return s, nil
}

func (s *Store) janitor() {
	ticker := s.clock.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.Chan():
			s.removeExpired()
		}
	}
}

func (s *Store) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for key, it := range s.items {
		if !it.expires.IsZero() && now.After(it.expires) {
			delete(s.items, key)
		}
	}
}

// getItem returns the live item at key. Callers must hold s.mu.
func (s *Store) getItem(key string) (*item, bool) {
	it, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if !it.expires.IsZero() && s.clock.Now().After(it.expires) {
		delete(s.items, key)
		return nil, false
	}
	return it, true
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(ttl)
}

// Get returns the value stored at key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.getItem(key)
	if !ok {
		return "", trace.NotFound("key %v is not found", key)
	}
	return it.value, nil
}

// Set stores value at key with the given ttl.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &item{value: value, expires: s.expiry(ttl)}
	return nil
}

// SetNX stores value at key only if the key does not exist.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.getItem(key); ok {
		return false, nil
	}
	s.items[key] = &item{value: value, expires: s.expiry(ttl)}
	return true, nil
}

// Del removes key and reports whether it existed.
func (s *Store) Del(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.getItem(key)
	delete(s.items, key)
	return ok, nil
}

// CompareAndDelete removes key only if its value equals expect.
func (s *Store) CompareAndDelete(ctx context.Context, key, expect string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.getItem(key)
	if !ok || it.value != expect {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// HSet merges fields into the hash at key and applies ttl to the hash.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return trace.BadParameter("no fields to set for %v", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.getItem(key)
	if !ok {
		it = &item{hash: make(map[string]string)}
		s.items[key] = it
	}
	for field, value := range fields {
		it.hash[field] = value
	}
	if ttl > 0 {
		it.expires = s.expiry(ttl)
	}
	return nil
}

// HGetAll returns all fields of the hash at key, or trace.NotFound when
// the hash does not exist.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.getItem(key)
	if !ok || len(it.hash) == 0 {
		return nil, trace.NotFound("key %v is not found", key)
	}
	fields := make(map[string]string, len(it.hash))
	for field, value := range it.hash {
		fields[field] = value
	}
	return fields, nil
}

// SAdd adds member to the set at key and applies ttl to the set.
func (s *Store) SAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.getItem(key)
	if !ok {
		it = &item{set: make(map[string]struct{})}
		s.items[key] = it
	}
	it.set[member] = struct{}{}
	if ttl > 0 {
		it.expires = s.expiry(ttl)
	}
	return nil
}

// SRem removes member from the set at key.
func (s *Store) SRem(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.getItem(key)
	if !ok {
		return nil
	}
	delete(it.set, member)
	if len(it.set) == 0 {
		delete(s.items, key)
	}
	return nil
}

// SMembers returns all members of the set at key.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.getItem(key)
	if !ok {
		return nil, nil
	}
	members := make([]string, 0, len(it.set))
	for member := range it.set {
		members = append(members, member)
	}
	return members, nil
}

// Expire resets the ttl of key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.getItem(key)
	if !ok {
		return nil
	}
	it.expires = s.expiry(ttl)
	return nil
}

// Scan returns all keys matching a glob-style pattern.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var keys []string
	for key, it := range s.items {
		if !it.expires.IsZero() && now.After(it.expires) {
			continue
		}
		matched, err := path.Match(pattern, key)
		if err != nil {
			return nil, trace.BadParameter("invalid pattern %q: %v", pattern, err)
		}
		if matched {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Close stops the janitor and drops all keys.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.items = make(map[string]*item)
		s.mu.Unlock()
	})
	return nil
}

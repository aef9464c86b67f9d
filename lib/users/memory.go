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
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// MemoryConfig holds parameters for the in-memory user store.
type MemoryConfig struct {
	// Clock is used to override time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *MemoryConfig) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// MemoryStore keeps users in process memory, for DB_TYPE=memory
// deployments and tests.
type MemoryStore struct {
	clock clockwork.Clock

	mu      sync.Mutex
	byEmail map[string]*User
	byKey   map[string]*User
}

// NewMemoryStore returns an empty in-memory user store.
func NewMemoryStore(cfg MemoryConfig) (*MemoryStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &MemoryStore{
		clock:   cfg.Clock,
		byEmail: make(map[string]*User),
		byKey:   make(map[string]*User),
	}, nil
}

// CreateUser registers an account and mints its credential.
func (s *MemoryStore) CreateUser(ctx context.Context, email string) (*User, error) {
	if email == "" {
		return nil, trace.BadParameter("missing parameter email")
	}
	key, err := newAPIKey()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[email]; ok {
		return nil, trace.AlreadyExists("user with email %q already exists", email)
	}
	user := &User{
		Email:              email,
		APIKey:             key,
		SubscriptionStatus: StatusFree,
		CreatedAt:          s.clock.Now().UTC(),
	}
	s.byEmail[email] = user
	s.byKey[key] = user
	out := *user
	return &out, nil
}

// GetByAPIKey resolves a credential.
func (s *MemoryStore) GetByAPIKey(ctx context.Context, apiKey string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.byKey[apiKey]
	if !ok {
		return nil, trace.NotFound("user not found")
	}
	out := *user
	return &out, nil
}

// RecordRequest charges one billable request, rolling the daily window
// when the date changed.
func (s *MemoryStore) RecordRequest(ctx context.Context, apiKey, today string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.byKey[apiKey]
	if !ok {
		return nil, trace.NotFound("user not found")
	}
	if user.LastRequestDate != today {
		user.RequestsToday = 0
		user.LastRequestDate = today
	}
	user.RequestsToday++
	user.RequestsThisMonth++
	out := *user
	return &out, nil
}

// ListUsers returns every account.
func (s *MemoryStore) ListUsers(ctx context.Context) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]User, 0, len(s.byEmail))
	for _, user := range s.byEmail {
		out = append(out, *user)
	}
	return out, nil
}

// ResetAllUsage zeroes every account's counters.
func (s *MemoryStore) ResetAllUsage(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.byEmail {
		user.RequestsThisMonth = 0
		user.RequestsToday = 0
		user.LastRequestDate = ""
	}
	return nil
}

// ResetUserUsage zeroes one account's counters.
func (s *MemoryStore) ResetUserUsage(ctx context.Context, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.byKey[apiKey]
	if !ok {
		return trace.NotFound("user not found")
	}
	user.RequestsThisMonth = 0
	user.RequestsToday = 0
	user.LastRequestDate = ""
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

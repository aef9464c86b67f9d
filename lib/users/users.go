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

// Package users holds the user records the gateway authenticates
// against and the usage accounting enforced on billable requests.
package users

import (
	"context"
	"time"

	"github.com/gravitational/trace"

	"github.com/worldgate/worldgate/lib/utils"
)

// Subscription states. Anything that is not active gets the free tier
// limits.
const (
	StatusFree     = "free"
	StatusActive   = "active"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
)

// DateLayout is the UTC calendar date format of LastRequestDate.
const DateLayout = "2006-01-02"

// apiKeyBytes is the credential entropy; the key is its hex encoding.
const apiKeyBytes = 16

// User is one account. The gateway reads and increments the usage
// counters; subscription state is written by the billing integration.
type User struct {
	// Email identifies the account.
	Email string `json:"email"`
	// APIKey is the credential presented on requests and socket
	// upgrades.
	APIKey string `json:"apiKey"`
	// SubscriptionStatus selects the quota tier.
	SubscriptionStatus string `json:"subscriptionStatus"`
	// RequestsThisMonth counts billable requests since the last monthly
	// reset.
	RequestsThisMonth int `json:"requestsThisMonth"`
	// RequestsToday counts billable requests on LastRequestDate.
	RequestsToday int `json:"requestsToday"`
	// LastRequestDate is the UTC date of the last billable request,
	// empty for never.
	LastRequestDate string `json:"lastRequestDate"`
	// CreatedAt is when the account was registered.
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the user persistence layer.
type Store interface {
	// CreateUser registers an account and mints its credential.
	// Duplicate emails return trace.AlreadyExists.
	CreateUser(ctx context.Context, email string) (*User, error)

	// GetByAPIKey resolves a credential, or trace.NotFound.
	GetByAPIKey(ctx context.Context, apiKey string) (*User, error)

	// RecordRequest charges one billable request: when the stored
	// LastRequestDate differs from today the daily counter restarts at
	// one, otherwise it increments; the monthly counter always
	// increments. The whole roll is atomic and the updated record is
	// returned.
	RecordRequest(ctx context.Context, apiKey, today string) (*User, error)

	// ListUsers returns every account.
	ListUsers(ctx context.Context) ([]User, error)

	// ResetAllUsage zeroes every account's counters in bulk.
	ResetAllUsage(ctx context.Context) error

	// ResetUserUsage zeroes one account's counters.
	ResetUserUsage(ctx context.Context, apiKey string) error

	// Close releases the store.
	Close() error
}

// newAPIKey mints a 16-byte hex credential.
func newAPIKey() (string, error) {
	key, err := utils.CryptoRandomHex(apiKeyBytes)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return key, nil
}

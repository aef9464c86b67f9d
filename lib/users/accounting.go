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

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/defaults"
	"github.com/worldgate/worldgate/lib/utils"
)

// Limits is a quota tier: both windows apply independently.
type Limits struct {
	// Monthly is the calendar-month request allowance.
	Monthly int
	// Daily is the UTC-day request allowance.
	Daily int
}

// AccountantConfig holds parameters for the accountant.
type AccountantConfig struct {
	// Store is the user persistence layer.
	Store Store
	// FreeMonthlyLimit overrides the free tier's monthly allowance.
	FreeMonthlyLimit int
	// Clock is used to override time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *AccountantConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.FreeMonthlyLimit <= 0 {
		c.FreeMonthlyLimit = defaults.FreeMonthlyRequests
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Accountant authenticates credentials and enforces usage quotas.
type Accountant struct {
	cfg   AccountantConfig
	log   *log.Entry
	clock clockwork.Clock
}

// NewAccountant returns an accountant over the given user store.
func NewAccountant(cfg AccountantConfig) (*Accountant, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Accountant{
		cfg: cfg,
		log: log.WithFields(log.Fields{
			trace.Component: worldgate.ComponentUsers,
		}),
		clock: cfg.Clock,
	}, nil
}

// Authenticate resolves a credential to its user. Missing or unknown
// credentials return trace.AccessDenied; store failures pass through so
// callers can distinguish an outage from a bad key.
func (a *Accountant) Authenticate(ctx context.Context, apiKey string) (*User, error) {
	if apiKey == "" {
		return nil, trace.AccessDenied("missing API key")
	}
	user, err := a.cfg.Store.GetByAPIKey(ctx, apiKey)
	if err != nil {
		if trace.IsNotFound(err) {
			a.log.WithField("key", utils.CredentialPrefix(apiKey)).Info("Rejected unknown API key.")
			return nil, trace.AccessDenied("invalid API key")
		}
		return nil, trace.Wrap(err)
	}
	return user, nil
}

// Charge records one billable request and enforces the user's tier
// limits. The increment is not rolled back on an over-limit result;
// approximate accounting is accepted over cross-replica coordination.
func (a *Accountant) Charge(ctx context.Context, user *User) (*User, error) {
	today := a.clock.Now().UTC().Format(DateLayout)
	updated, err := a.cfg.Store.RecordRequest(ctx, user.APIKey, today)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	limits := a.limitsFor(updated.SubscriptionStatus)
	if updated.RequestsThisMonth > limits.Monthly {
		a.log.WithFields(log.Fields{
			"key":   utils.CredentialPrefix(user.APIKey),
			"month": updated.RequestsThisMonth,
			"limit": limits.Monthly,
		}).Info("Monthly request limit reached.")
		return updated, trace.LimitExceeded("monthly request limit of %d reached", limits.Monthly)
	}
	if updated.RequestsToday > limits.Daily {
		a.log.WithFields(log.Fields{
			"key":   utils.CredentialPrefix(user.APIKey),
			"today": updated.RequestsToday,
			"limit": limits.Daily,
		}).Info("Daily request limit reached.")
		return updated, trace.LimitExceeded("daily request limit of %d reached", limits.Daily)
	}
	return updated, nil
}

// limitsFor maps a subscription status to its quota tier. Anything not
// active (free, past due, canceled) pays the free tier.
func (a *Accountant) limitsFor(status string) Limits {
	if status == StatusActive {
		return Limits{
			Monthly: defaults.ActiveMonthlyRequests,
			Daily:   defaults.ActiveDailyRequests,
		}
	}
	return Limits{
		Monthly: a.cfg.FreeMonthlyLimit,
		Daily:   defaults.FreeDailyRequests,
	}
}

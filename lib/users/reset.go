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
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/backend"
	"github.com/worldgate/worldgate/lib/defaults"
	"github.com/worldgate/worldgate/lib/utils"
)

// ResetJobConfig holds parameters for the monthly usage reset.
type ResetJobConfig struct {
	// Store is the user persistence layer to reset.
	Store Store
	// Backend provides the cross-replica lock.
	Backend backend.Store
	// Clock is used to override time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ResetJobConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// ResetJob zeroes every user's counters at the start of each calendar
// month. Exactly one replica performs the reset, guarded by a
// store-side lock; the others observe the lock and stand down.
type ResetJob struct {
	cfg   ResetJobConfig
	log   *log.Entry
	clock clockwork.Clock
	done  chan struct{}
}

// NewResetJob returns a reset job; call Run on its own goroutine.
func NewResetJob(cfg ResetJobConfig) (*ResetJob, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &ResetJob{
		cfg: cfg,
		log: log.WithFields(log.Fields{
			trace.Component: worldgate.ComponentUsers,
		}),
		clock: cfg.Clock,
		done:  make(chan struct{}),
	}, nil
}

// Run fires the reset at every 1st of the month 00:00 UTC until ctx is
// done or Close is called. A process starting on day 1 triggers once
// opportunistically, in case the replica that owned the boundary was
// down for it.
func (j *ResetJob) Run(ctx context.Context) {
	now := j.clock.Now().UTC()
	if now.Day() == 1 && !j.alreadyResetThisMonth(ctx, now) {
		j.resetWithRetry(ctx)
	}
	for {
		next := nextMonthlyReset(j.clock.Now())
		timer := j.clock.NewTimer(next.Sub(j.clock.Now()))
		select {
		case <-timer.Chan():
			j.resetWithRetry(ctx)
		case <-ctx.Done():
			timer.Stop()
			return
		case <-j.done:
			timer.Stop()
			return
		}
	}
}

// Close stops the job.
func (j *ResetJob) Close() {
	select {
	case <-j.done:
	default:
		close(j.done)
	}
}

// nextMonthlyReset returns the next 1st of the month 00:00 UTC strictly
// after now.
func nextMonthlyReset(now time.Time) time.Time {
	now = now.UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 1, 0)
}

func (j *ResetJob) alreadyResetThisMonth(ctx context.Context, now time.Time) bool {
	value, err := j.cfg.Backend.Get(ctx, backend.LastMonthlyResetKey)
	if err != nil {
		return false
	}
	last, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return false
	}
	last = last.UTC()
	return last.Year() == now.Year() && last.Month() == now.Month()
}

func (j *ResetJob) resetWithRetry(ctx context.Context) {
	if err := j.ResetOnce(ctx); err != nil {
		j.log.WithError(err).Error("Monthly usage reset failed, retrying once.")
		select {
		case <-j.clock.After(defaults.MonthlyResetRetryDelay):
		case <-ctx.Done():
			return
		case <-j.done:
			return
		}
		if err := j.ResetOnce(ctx); err != nil {
			j.log.WithError(err).Error("Monthly usage reset retry failed.")
		}
	}
}

// ResetOnce performs one guarded reset. Losing the lock race is not an
// error: the holder is doing the work.
func (j *ResetJob) ResetOnce(ctx context.Context) error {
	owner, err := utils.CryptoRandomHex(16)
	if err != nil {
		return trace.Wrap(err)
	}
	acquired, err := j.cfg.Backend.SetNX(ctx, backend.MonthlyResetLockKey, owner, defaults.MonthlyResetLockTTL)
	if err != nil {
		return trace.Wrap(err)
	}
	if !acquired {
		j.log.Info("Monthly usage reset already running on another replica.")
		return nil
	}
	defer func() {
		// Compare-and-delete: if our lease expired and another replica
		// holds the lock now, we must not release it.
		if _, err := j.cfg.Backend.CompareAndDelete(ctx, backend.MonthlyResetLockKey, owner); err != nil {
			j.log.WithError(err).Warn("Failed to release monthly reset lock.")
		}
	}()

	now := j.clock.Now().UTC()
	if j.alreadyResetThisMonth(ctx, now) {
		j.log.Debug("Monthly usage reset already performed this month.")
		return nil
	}

	j.log.Info("Starting monthly usage reset.")
	if err := j.cfg.Store.ResetAllUsage(ctx); err != nil {
		j.log.WithError(err).Warn("Bulk usage reset failed, falling back to per-user updates.")
		if err := j.resetPerUser(ctx); err != nil {
			return trace.Wrap(err)
		}
	}
	if err := j.cfg.Backend.Set(ctx, backend.LastMonthlyResetKey, now.Format(time.RFC3339), defaults.LastResetTTL); err != nil {
		j.log.WithError(err).Warn("Failed to record monthly reset timestamp.")
	}
	j.log.Info("Monthly usage reset complete.")
	return nil
}

// resetPerUser walks every account individually, continuing past
// per-record failures so one bad row cannot starve the rest.
func (j *ResetJob) resetPerUser(ctx context.Context) error {
	all, err := j.cfg.Store.ListUsers(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	failed := 0
	for _, user := range all {
		if err := j.cfg.Store.ResetUserUsage(ctx, user.APIKey); err != nil {
			failed++
			j.log.WithError(err).WithField("key", utils.CredentialPrefix(user.APIKey)).
				Warn("Failed to reset usage for user.")
		}
	}
	if failed > 0 {
		return trace.Errorf("failed to reset %d of %d users", failed, len(all))
	}
	return nil
}

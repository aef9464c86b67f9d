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

package forward

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/backend"
	"github.com/worldgate/worldgate/lib/defaults"
)

// AdvertiserConfig holds parameters for the replica address heartbeat.
type AdvertiserConfig struct {
	// InstanceID identifies this replica.
	InstanceID string
	// Addr is the host:port peers use to reach this replica.
	Addr string
	// Store receives the address record.
	Store backend.Store
	// Clock is used to override time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *AdvertiserConfig) CheckAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("missing parameter Addr")
	}
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.InstanceID == "" {
		c.InstanceID = worldgate.LocalInstanceID
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Advertiser keeps this replica's address record alive in the
// coordination store so peers can forward requests to it. The record
// carries a TTL a few beats long, so a crashed replica disappears from
// routing on its own.
type Advertiser struct {
	cfg   AdvertiserConfig
	log   *log.Entry
	clock clockwork.Clock
	done  chan struct{}
}

// NewAdvertiser returns an address heartbeat; call Run on its own
// goroutine.
func NewAdvertiser(cfg AdvertiserConfig) (*Advertiser, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Advertiser{
		cfg: cfg,
		log: log.WithFields(log.Fields{
			trace.Component: worldgate.ComponentForward,
		}),
		clock: cfg.Clock,
		done:  make(chan struct{}),
	}, nil
}

// Run announces immediately and then on every beat until ctx is done or
// Close is called.
func (a *Advertiser) Run(ctx context.Context) {
	a.announce(ctx)
	ticker := a.clock.NewTicker(defaults.InstanceAdvertiseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			a.announce(ctx)
		case <-ctx.Done():
			return
		case <-a.done:
			return
		}
	}
}

func (a *Advertiser) announce(ctx context.Context) {
	key := backend.InstanceAddrKey(a.cfg.InstanceID)
	if err := a.cfg.Store.Set(ctx, key, a.cfg.Addr, defaults.InstanceAdvertiseTTL); err != nil {
		a.log.WithError(err).Warn("Failed to advertise replica address.")
	}
}

// Close stops the heartbeat and withdraws the address record so peers
// stop routing to a replica that is shutting down.
func (a *Advertiser) Close() {
	select {
	case <-a.done:
		return
	default:
		close(a.done)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.cfg.Store.Del(ctx, backend.InstanceAddrKey(a.cfg.InstanceID)); err != nil {
		a.log.WithError(err).Warn("Failed to withdraw replica address.")
	}
}

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
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/backend"
	"github.com/worldgate/worldgate/lib/defaults"
	"github.com/worldgate/worldgate/lib/utils"
)

// PollerConfig holds pending-redemption poller parameters.
type PollerConfig struct {
	// InstanceID identifies this replica.
	InstanceID string
	// Store carries the pending payloads and their results.
	Store backend.Store
	// Handshakes resolves which replica owns a pending token.
	Handshakes *Handshakes
	// Controller runs the owner redemption path.
	Controller *Controller
	// Clock is used to override time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *PollerConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Handshakes == nil {
		return trace.BadParameter("missing parameter Handshakes")
	}
	if c.Controller == nil {
		return trace.BadParameter("missing parameter Controller")
	}
	if c.InstanceID == "" {
		c.InstanceID = worldgate.LocalInstanceID
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Poller claims handshake redemptions addressed to this replica. A
// replica that receives a redemption for a handshake it did not mint
// parks the encrypted payload under a pending key; the minting
// replica's poller claims it, performs the login, and publishes the
// HTTP-shaped answer for the waiter to replay.
type Poller struct {
	cfg   PollerConfig
	log   *log.Entry
	clock clockwork.Clock
	done  chan struct{}
}

// NewPoller returns a pending-redemption poller; call Run on its own
// goroutine.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Poller{
		cfg: cfg,
		log: log.WithFields(log.Fields{
			trace.Component: worldgate.ComponentHeadless,
		}),
		clock: cfg.Clock,
		done:  make(chan struct{}),
	}, nil
}

// Run polls until ctx is done or Close is called.
func (p *Poller) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(defaults.PendingSessionPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			p.PollOnce(ctx)
		case <-ctx.Done():
			return
		case <-p.done:
			return
		}
	}
}

// Close stops the poller.
func (p *Poller) Close() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

// PollOnce scans for pending redemptions and serves the ones this
// replica minted.
func (p *Poller) PollOnce(ctx context.Context) {
	keys, err := p.cfg.Store.Scan(ctx, backend.PendingSessionPattern)
	if err != nil {
		p.log.WithError(err).Warn("Failed to scan for pending redemptions.")
		return
	}
	for _, key := range keys {
		token := strings.TrimPrefix(key, backend.PendingSessionKey(""))
		p.serve(ctx, key, token)
	}
}

func (p *Poller) serve(ctx context.Context, pendingKey, token string) {
	hs, err := p.cfg.Handshakes.Load(ctx, token)
	if err != nil {
		if trace.IsAccessDenied(err) {
			// The handshake aged out under the pending payload; answer
			// the waiter so it stops polling.
			p.answerDeadToken(ctx, pendingKey, token)
		}
		return
	}
	if hs.Instance != p.cfg.InstanceID {
		return
	}

	value, err := p.cfg.Store.Get(ctx, pendingKey)
	if err != nil {
		return
	}
	// Deleting the pending key is the claim; at most one replica wins.
	claimed, err := p.cfg.Store.Del(ctx, pendingKey)
	if err != nil || !claimed {
		return
	}

	var pending struct {
		EncryptedPayload string `json:"encryptedPayload"`
	}
	if err := json.Unmarshal([]byte(value), &pending); err != nil {
		p.publish(ctx, token, resultEnvelope{
			StatusCode: http.StatusBadRequest,
			Data:       errorBody("pending redemption payload is malformed"),
		})
		return
	}

	p.log.WithField("token", utils.CredentialPrefix(token)).Info("Claimed pending redemption.")
	session, err := p.cfg.Controller.redeemLocal(ctx, hs.Credential, token, pending.EncryptedPayload)
	if err != nil {
		p.publish(ctx, token, resultEnvelope{
			StatusCode: RedeemStatusCode(err),
			Data:       errorBody(trace.UserMessage(err)),
		})
		return
	}
	body, err := json.Marshal(startedResponse{SessionID: session.ID, ClientID: session.WorldID})
	if err != nil {
		p.publish(ctx, token, resultEnvelope{
			StatusCode: http.StatusInternalServerError,
			Data:       errorBody("failed to encode redemption result"),
		})
		return
	}
	p.publish(ctx, token, resultEnvelope{StatusCode: http.StatusOK, Data: body})
}

// answerDeadToken resolves a pending redemption whose handshake no
// longer exists.
func (p *Poller) answerDeadToken(ctx context.Context, pendingKey, token string) {
	claimed, err := p.cfg.Store.Del(ctx, pendingKey)
	if err != nil || !claimed {
		return
	}
	p.publish(ctx, token, resultEnvelope{
		StatusCode: http.StatusUnauthorized,
		Data:       errorBody("handshake not found or expired"),
	})
}

func (p *Poller) publish(ctx context.Context, token string, envelope resultEnvelope) {
	value, err := json.Marshal(envelope)
	if err != nil {
		p.log.WithError(err).Warn("Failed to encode redemption result.")
		return
	}
	if err := p.cfg.Store.Set(ctx, backend.SessionResultKey(token), string(value), defaults.SessionResultTTL); err != nil {
		p.log.WithError(err).Warn("Failed to publish redemption result.")
	}
}

func errorBody(message string) json.RawMessage {
	body, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return json.RawMessage(`{"error":"internal error"}`)
	}
	return body
}

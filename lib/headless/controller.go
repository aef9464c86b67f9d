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
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/backend"
	"github.com/worldgate/worldgate/lib/defaults"
	"github.com/worldgate/worldgate/lib/utils"
)

// WorldIDPrefix prefixes the world-side user id to form the world id a
// headless session's socket registers under.
const WorldIDPrefix = worldgate.HeadlessWorldPrefix

var (
	// ErrWorldConnectTimeout means the freshly logged-in world never
	// opened its socket back to the relay.
	ErrWorldConnectTimeout = errors.New("the world did not connect back before the deadline")

	// ErrRedeemTimeout means the owning replica never published a
	// redemption result.
	ErrRedeemTimeout = errors.New("no redemption result from the owning replica before the deadline")
)

// Worlds reports world sockets attached to this replica.
type Worlds interface {
	// Lookup returns the credential a locally attached world socket
	// authenticated with.
	Lookup(worldID string) (string, bool)
}

// Session is one headless browser login bound to a credential.
type Session struct {
	// ID identifies the session.
	ID string `json:"sessionId"`
	// WorldID is the id the world's socket registers under.
	WorldID string `json:"clientId"`
	// Credential is the API key that owns the session.
	Credential string `json:"-"`
	// Username and UserID identify the world-side account.
	Username string `json:"username"`
	UserID   string `json:"userId"`
	// URL is the world's address.
	URL string `json:"url"`
	// Instance is the replica hosting the session's socket.
	Instance string `json:"-"`
	// CreatedAt and LastActivity time the session's life.
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// RedeemOutcome is the HTTP-shaped answer to a redemption, produced
// locally or replayed verbatim from the owning replica.
type RedeemOutcome struct {
	Status int
	Body   json.RawMessage
}

// resultEnvelope is the stored form of a cross-replica redemption
// answer.
type resultEnvelope struct {
	StatusCode int             `json:"statusCode"`
	Data       json.RawMessage `json:"data"`
}

// startedResponse is the success body of a redemption.
type startedResponse struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
}

// ControllerConfig holds session controller parameters.
type ControllerConfig struct {
	// InstanceID identifies this replica.
	InstanceID string
	// Store persists session records across replicas.
	Store backend.Store
	// Handshakes verifies and consumes handshake tokens.
	Handshakes *Handshakes
	// Driver spawns logged-in browsers.
	Driver Driver
	// Worlds reports locally attached world sockets.
	Worlds Worlds
	// Clock is used to override time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ControllerConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Handshakes == nil {
		return trace.BadParameter("missing parameter Handshakes")
	}
	if c.Driver == nil {
		return trace.BadParameter("missing parameter Driver")
	}
	if c.Worlds == nil {
		return trace.BadParameter("missing parameter Worlds")
	}
	if c.InstanceID == "" {
		c.InstanceID = worldgate.LocalInstanceID
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Controller owns the headless sessions of one replica: it redeems
// handshakes into logged-in browsers, tracks which sessions live here,
// and reaps the idle ones. Session records live in the coordination
// store so any replica can answer for them; the browser process itself
// stays with the replica that spawned it.
type Controller struct {
	cfg     ControllerConfig
	log     *log.Entry
	clock   clockwork.Clock
	metrics *sessionMetrics

	mu       sync.Mutex
	browsers map[string]Browser

	closeOnce sync.Once
	done      chan struct{}
}

// NewController returns a session controller. Run RunSweeper on its own
// goroutine to reap idle sessions.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	metrics, err := newSessionMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Controller{
		cfg: cfg,
		log: log.WithFields(log.Fields{
			trace.Component: worldgate.ComponentHeadless,
		}),
		clock:    cfg.Clock,
		metrics:  metrics,
		browsers: make(map[string]Browser),
		done:     make(chan struct{}),
	}, nil
}

// Redeem turns a handshake token plus encrypted credentials into a
// running session. When another replica minted the handshake, the
// payload is parked in the store for that replica's poller and the
// published result is replayed to the caller.
func (c *Controller) Redeem(ctx context.Context, credential, token, encryptedPayload string) (*RedeemOutcome, error) {
	hs, err := c.cfg.Handshakes.Load(ctx, token)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if hs.Credential != credential {
		return nil, trace.AccessDenied("handshake credential mismatch")
	}

	if hs.Instance != c.cfg.InstanceID {
		return c.redeemRemote(ctx, token, encryptedPayload)
	}

	session, err := c.redeemLocal(ctx, credential, token, encryptedPayload)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	body, err := json.Marshal(startedResponse{SessionID: session.ID, ClientID: session.WorldID})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &RedeemOutcome{Status: http.StatusOK, Body: body}, nil
}

// redeemLocal runs the owner path: consume the handshake, log the
// browser in, publish the session, and wait for the world's socket.
func (c *Controller) redeemLocal(ctx context.Context, credential, token, encryptedPayload string) (*Session, error) {
	if _, err := c.cfg.Store.Get(ctx, backend.HeadlessAPIKeySessionKey(credential)); err == nil {
		return nil, trace.AlreadyExists("a headless session is already active for this credential")
	}

	hs, password, err := c.cfg.Handshakes.Redeem(ctx, credential, token, encryptedPayload)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	browser, err := c.cfg.Driver.Login(ctx, LoginParams{
		URL:       hs.URL,
		WorldName: hs.WorldName,
		Username:  hs.Username,
		Password:  password,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	now := c.clock.Now().UTC()
	session := &Session{
		ID:           uuid.NewString(),
		WorldID:      WorldIDPrefix + browser.UserID(),
		Credential:   credential,
		Username:     hs.Username,
		UserID:       browser.UserID(),
		URL:          hs.URL,
		Instance:     c.cfg.InstanceID,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := c.writeSession(ctx, session); err != nil {
		c.closeBrowser(browser, session.ID)
		return nil, trace.Wrap(err)
	}

	if err := c.waitForWorld(ctx, session.WorldID, credential); err != nil {
		c.closeBrowser(browser, session.ID)
		c.deleteSession(ctx, session)
		return nil, trace.Wrap(err)
	}

	c.mu.Lock()
	c.browsers[session.ID] = browser
	c.mu.Unlock()
	c.metrics.activeSessions.Inc()

	c.log.WithFields(log.Fields{
		"session":  session.ID,
		"clientId": session.WorldID,
		"key":      utils.CredentialPrefix(credential),
	}).Info("Headless session started.")
	return session, nil
}

// redeemRemote parks the encrypted payload for the owning replica's
// poller and waits for its published result.
func (c *Controller) redeemRemote(ctx context.Context, token, encryptedPayload string) (*RedeemOutcome, error) {
	pending, err := json.Marshal(map[string]string{"encryptedPayload": encryptedPayload})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := c.cfg.Store.Set(ctx, backend.PendingSessionKey(token), string(pending), defaults.HandshakeTTL); err != nil {
		return nil, trace.Wrap(err)
	}

	deadline := c.clock.Now().Add(defaults.PendingSessionPollTimeout)
	for {
		value, err := c.cfg.Store.Get(ctx, backend.SessionResultKey(token))
		if err == nil {
			var envelope resultEnvelope
			if err := json.Unmarshal([]byte(value), &envelope); err != nil {
				return nil, trace.BadParameter("stored redemption result is malformed")
			}
			return &RedeemOutcome{Status: envelope.StatusCode, Body: envelope.Data}, nil
		}
		if !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
		if !c.clock.Now().Before(deadline) {
			return nil, trace.Wrap(ErrRedeemTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err())
		case <-c.clock.After(defaults.PendingSessionPollInterval):
		}
	}
}

// waitForWorld blocks until the world's socket is attached locally with
// the matching credential.
func (c *Controller) waitForWorld(ctx context.Context, worldID, credential string) error {
	deadline := c.clock.Now().Add(defaults.SessionConnectTimeout)
	for {
		if key, ok := c.cfg.Worlds.Lookup(worldID); ok && key == credential {
			return nil
		}
		if !c.clock.Now().Before(deadline) {
			return trace.Wrap(ErrWorldConnectTimeout)
		}
		select {
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case <-c.clock.After(defaults.PendingSessionPollInterval):
		}
	}
}

// AdoptWorld is called when a world socket registers here. If the world
// belongs to a headless session owned by another replica, ownership
// records move to this one; the browser stays where it was spawned.
// Best effort: a failure leaves the session on its old owner.
func (c *Controller) AdoptWorld(ctx context.Context, worldID, credential string) error {
	sessionID, err := c.cfg.Store.Get(ctx, backend.HeadlessClientKey(worldID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	session, err := c.loadSession(ctx, sessionID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	if session.Credential != credential {
		c.log.WithFields(log.Fields{
			"session":  sessionID,
			"clientId": worldID,
		}).Warn("World connected with a credential that does not own its headless session.")
		return nil
	}

	migrated := session.Instance != c.cfg.InstanceID
	session.Instance = c.cfg.InstanceID
	session.LastActivity = c.clock.Now().UTC()
	if err := c.writeSession(ctx, session); err != nil {
		return trace.Wrap(err)
	}
	if migrated {
		c.log.WithFields(log.Fields{
			"session":  sessionID,
			"clientId": worldID,
		}).Info("Adopted headless session.")
	}
	return nil
}

// Touch marks relay activity for the world's session and renews the
// session's store records.
func (c *Controller) Touch(ctx context.Context, worldID string) {
	sessionID, err := c.cfg.Store.Get(ctx, backend.HeadlessClientKey(worldID))
	if err != nil {
		return
	}
	session, err := c.loadSession(ctx, sessionID)
	if err != nil {
		return
	}
	session.LastActivity = c.clock.Now().UTC()
	if err := c.writeSession(ctx, session); err != nil {
		c.log.WithError(err).WithField("session", sessionID).
			Warn("Failed to record headless session activity.")
	}
}

// GetSession returns the caller's session record.
func (c *Controller) GetSession(ctx context.Context, credential string) (*Session, error) {
	sessionID, err := c.cfg.Store.Get(ctx, backend.HeadlessAPIKeySessionKey(credential))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("no active headless session")
		}
		return nil, trace.Wrap(err)
	}
	session, err := c.loadSession(ctx, sessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return session, nil
}

// EndSession tears down the caller's session: the local browser if one
// runs here, and the store records either way.
func (c *Controller) EndSession(ctx context.Context, credential string) error {
	sessionID, err := c.cfg.Store.Get(ctx, backend.HeadlessAPIKeySessionKey(credential))
	if err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("no active headless session")
		}
		return trace.Wrap(err)
	}
	session, err := c.loadSession(ctx, sessionID)
	if err != nil {
		if trace.IsNotFound(err) {
			// The record aged out; drop the dangling pointer.
			if _, err := c.cfg.Store.Del(ctx, backend.HeadlessAPIKeySessionKey(credential)); err != nil {
				c.log.WithError(err).Warn("Failed to drop dangling session pointer.")
			}
			return trace.NotFound("no active headless session")
		}
		return trace.Wrap(err)
	}

	c.mu.Lock()
	browser, hosted := c.browsers[sessionID]
	delete(c.browsers, sessionID)
	c.mu.Unlock()
	if hosted {
		c.closeBrowser(browser, sessionID)
		c.metrics.activeSessions.Dec()
	}

	c.deleteSession(ctx, session)
	c.log.WithFields(log.Fields{
		"session": sessionID,
		"key":     utils.CredentialPrefix(credential),
	}).Info("Headless session ended.")
	return nil
}

// Sweep closes local browsers whose sessions went idle or whose store
// records disappeared.
func (c *Controller) Sweep(ctx context.Context) {
	c.mu.Lock()
	local := make(map[string]Browser, len(c.browsers))
	for id, b := range c.browsers {
		local[id] = b
	}
	c.mu.Unlock()

	for sessionID, browser := range local {
		session, err := c.loadSession(ctx, sessionID)
		switch {
		case trace.IsNotFound(err):
			// Ended elsewhere or aged out; just reap the browser.
			c.reapLocal(sessionID, browser)
		case err != nil:
			c.log.WithError(err).WithField("session", sessionID).
				Warn("Failed to check headless session during sweep.")
		case c.clock.Now().Sub(session.LastActivity) > defaults.SessionIdleTimeout:
			c.log.WithField("session", sessionID).Info("Closing idle headless session.")
			c.reapLocal(sessionID, browser)
			c.deleteSession(ctx, session)
		}
	}
}

// RunSweeper reaps idle sessions until ctx is done or Close is called.
func (c *Controller) RunSweeper(ctx context.Context) {
	ticker := c.clock.NewTicker(defaults.SessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			c.Sweep(ctx)
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

// reapLocal closes a hosted browser if it is still tracked. Double
// sweeps and sweep-vs-end races collapse to one close.
func (c *Controller) reapLocal(sessionID string, browser Browser) {
	c.mu.Lock()
	_, tracked := c.browsers[sessionID]
	delete(c.browsers, sessionID)
	c.mu.Unlock()
	if !tracked {
		return
	}
	c.closeBrowser(browser, sessionID)
	c.metrics.activeSessions.Dec()
}

// Close tears down every browser hosted here.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		local := c.browsers
		c.browsers = make(map[string]Browser)
		c.mu.Unlock()
		for sessionID, browser := range local {
			c.closeBrowser(browser, sessionID)
			c.metrics.activeSessions.Dec()
		}
	})
}

func (c *Controller) closeBrowser(browser Browser, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := browser.Close(ctx); err != nil {
		c.log.WithError(err).WithField("session", sessionID).
			Warn("Failed to close headless browser.")
	}
}

// writeSession publishes the session's three store records, all on the
// session TTL.
func (c *Controller) writeSession(ctx context.Context, s *Session) error {
	fields := map[string]string{
		"sessionId":    s.ID,
		"clientId":     s.WorldID,
		"credential":   s.Credential,
		"username":     s.Username,
		"userId":       s.UserID,
		"url":          s.URL,
		"instance":     s.Instance,
		"createdAt":    s.CreatedAt.Format(time.RFC3339),
		"lastActivity": s.LastActivity.Format(time.RFC3339),
	}
	if err := c.cfg.Store.HSet(ctx, backend.HeadlessSessionKey(s.ID), fields, defaults.SessionTTL); err != nil {
		return trace.Wrap(err)
	}
	if err := c.cfg.Store.Set(ctx, backend.HeadlessClientKey(s.WorldID), s.ID, defaults.SessionTTL); err != nil {
		return trace.Wrap(err)
	}
	if err := c.cfg.Store.Set(ctx, backend.HeadlessAPIKeySessionKey(s.Credential), s.ID, defaults.SessionTTL); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func (c *Controller) deleteSession(ctx context.Context, s *Session) {
	var errs []error
	if _, err := c.cfg.Store.Del(ctx, backend.HeadlessSessionKey(s.ID)); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.cfg.Store.Del(ctx, backend.HeadlessClientKey(s.WorldID)); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.cfg.Store.Del(ctx, backend.HeadlessAPIKeySessionKey(s.Credential)); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		c.log.WithError(trace.NewAggregate(errs...)).WithField("session", s.ID).
			Warn("Failed to delete headless session records.")
	}
}

func (c *Controller) loadSession(ctx context.Context, sessionID string) (*Session, error) {
	fields, err := c.cfg.Store.HGetAll(ctx, backend.HeadlessSessionKey(sessionID))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	created, err := time.Parse(time.RFC3339, fields["createdAt"])
	if err != nil {
		return nil, trace.BadParameter("stored session is malformed")
	}
	activity, err := time.Parse(time.RFC3339, fields["lastActivity"])
	if err != nil {
		return nil, trace.BadParameter("stored session is malformed")
	}
	return &Session{
		ID:           sessionID,
		WorldID:      fields["clientId"],
		Credential:   fields["credential"],
		Username:     fields["username"],
		UserID:       fields["userId"],
		URL:          fields["url"],
		Instance:     fields["instance"],
		CreatedAt:    created,
		LastActivity: activity,
	}, nil
}

// RedeemStatusCode maps a redemption failure onto the HTTP status the
// caller sees, whether the failure happened here or is being replayed
// across replicas.
func RedeemStatusCode(err error) int {
	switch {
	case errors.Is(err, ErrWorldConnectTimeout), errors.Is(err, ErrRedeemTimeout):
		return http.StatusRequestTimeout
	case trace.IsAccessDenied(err):
		return http.StatusUnauthorized
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsAlreadyExists(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

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

package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/defaults"
)

// ErrReplyTimeout is returned by Wait when the deadline passes with no
// reply from the world.
var ErrReplyTimeout = errors.New("no reply from world before deadline")

// Waiter describes one expected reply. Kind names the reply type the
// waiter accepts; the optional fields are matched against the reply
// payload when both sides carry them, which protects against a world
// echoing a recycled correlation id with the wrong content.
type Waiter struct {
	// Kind is the request kind whose reply completes this waiter.
	Kind string
	// WorldID is the world the request was sent to.
	WorldID string
	// Timeout is the reply deadline measured from registration.
	Timeout time.Duration

	// Secondary matching and rendering metadata.
	UUID     string
	Path     string
	Query    string
	Filter   string
	Format   string
	Scale    int
	Tab      string
	DarkMode bool
}

// CheckAndSetDefaults validates the waiter and fills in defaults.
func (w *Waiter) CheckAndSetDefaults() error {
	if w.Kind == "" {
		return trace.BadParameter("missing parameter Kind")
	}
	if w.WorldID == "" {
		return trace.BadParameter("missing parameter WorldID")
	}
	if w.Timeout <= 0 {
		w.Timeout = defaults.RequestTimeout
	}
	return nil
}

type pendingResult struct {
	msg Message
	err error
}

type pendingEntry struct {
	Waiter
	corrID  string
	created time.Time
	ch      chan pendingResult
}

// PendingConfig holds parameters for the pending-request registry.
type PendingConfig struct {
	// Clock is used to override time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *PendingConfig) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// PendingRequests maps correlation ids to waiters. Handlers register a
// waiter before sending the request frame, then block on Wait; the
// socket dispatch path completes the waiter when the correlated reply
// arrives. A sweeper removes orphans that outlive their deadline.
type PendingRequests struct {
	cfg     PendingConfig
	log     *log.Entry
	clock   clockwork.Clock
	metrics *pendingMetrics

	mu      sync.Mutex
	waiters map[string]*pendingEntry

	closeOnce sync.Once
	done      chan struct{}
}

// NewPendingRequests returns an empty registry and starts its sweeper.
func NewPendingRequests(cfg PendingConfig) (*PendingRequests, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	metrics, err := newPendingMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p := &PendingRequests{
		cfg: cfg,
		log: log.WithFields(log.Fields{
			trace.Component: worldgate.ComponentPending,
		}),
		clock:   cfg.Clock,
		metrics: metrics,
		waiters: make(map[string]*pendingEntry),
		done:    make(chan struct{}),
	}
	go p.sweepLoop()
	return p, nil
}

// Register files a waiter under corrID. Callers must register before
// sending the request frame so a fast reply cannot race the waiter.
func (p *PendingRequests) Register(corrID string, w Waiter) (*PendingRequest, error) {
	if corrID == "" {
		return nil, trace.BadParameter("missing parameter corrID")
	}
	if err := w.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	entry := &pendingEntry{
		Waiter:  w,
		corrID:  corrID,
		created: p.clock.Now(),
		ch:      make(chan pendingResult, 1),
	}
	p.mu.Lock()
	if _, ok := p.waiters[corrID]; ok {
		p.mu.Unlock()
		return nil, trace.AlreadyExists("correlation id %q is already registered", corrID)
	}
	p.waiters[corrID] = entry
	p.mu.Unlock()
	p.metrics.pendingRequests.Inc()
	return &PendingRequest{p: p, entry: entry}, nil
}

// remove unfiles an entry. All removal paths go through here so the
// gauge stays balanced.
func (p *PendingRequests) remove(corrID string) *pendingEntry {
	p.mu.Lock()
	entry, ok := p.waiters[corrID]
	if ok {
		delete(p.waiters, corrID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	p.metrics.pendingRequests.Dec()
	return entry
}

// Fulfill completes the waiter registered under the reply's correlation
// id. Replies with no waiter (late, duplicate, or unsolicited), with a
// kind mismatch, or with a secondary key mismatch are dropped and
// logged. Reports whether a waiter was completed.
func (p *PendingRequests) Fulfill(corrID string, msg Message) bool {
	p.mu.Lock()
	entry, ok := p.waiters[corrID]
	if ok {
		if reason := entry.match(msg); reason != "" {
			p.mu.Unlock()
			p.log.WithFields(log.Fields{
				"correlation_id": corrID,
				"type":           msg.Type(),
				"reason":         reason,
			}).Warn("Dropping mismatched reply.")
			return false
		}
		delete(p.waiters, corrID)
	}
	p.mu.Unlock()
	if !ok {
		p.log.WithFields(log.Fields{
			"correlation_id": corrID,
			"type":           msg.Type(),
		}).Warn("Dropping reply with no pending request.")
		return false
	}
	p.metrics.pendingRequests.Dec()
	entry.ch <- pendingResult{msg: msg}
	return true
}

// match verifies the reply against the waiter. Empty return means the
// reply is accepted.
func (e *pendingEntry) match(msg Message) string {
	if msg.Type() != ReplyType(e.Kind) {
		return "kind mismatch"
	}
	if e.UUID != "" {
		if uuid := msg.GetString("uuid"); uuid != "" && uuid != e.UUID {
			return "uuid mismatch"
		}
	}
	if e.Path != "" {
		if path := msg.GetString("path"); path != "" && path != e.Path {
			return "path mismatch"
		}
	}
	return ""
}

// Fail completes the waiter with an error, used when the request frame
// could not be sent.
func (p *PendingRequests) Fail(corrID string, err error) {
	entry := p.remove(corrID)
	if entry == nil {
		return
	}
	entry.ch <- pendingResult{err: err}
}

// Cancel discards the waiter without completing it.
func (p *PendingRequests) Cancel(corrID string) {
	p.remove(corrID)
}

// Len returns the number of waiters currently filed.
func (p *PendingRequests) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// Sweep drops every waiter older than the orphan age. Waiters normally
// leave through Fulfill or their own deadline; reaching the sweeper
// means the owning handler is gone.
func (p *PendingRequests) Sweep() {
	cutoff := p.clock.Now().Add(-defaults.PendingOrphanAge)
	p.mu.Lock()
	var orphans []*pendingEntry
	for corrID, entry := range p.waiters {
		if entry.created.Before(cutoff) {
			delete(p.waiters, corrID)
			orphans = append(orphans, entry)
		}
	}
	p.mu.Unlock()
	for _, entry := range orphans {
		p.metrics.pendingRequests.Dec()
		p.metrics.orphanedRequests.Inc()
		p.log.WithFields(log.Fields{
			"correlation_id": entry.corrID,
			"kind":           entry.Kind,
			"world":          entry.WorldID,
			"age":            p.clock.Now().Sub(entry.created).String(),
		}).Warn("Removed orphaned pending request.")
		entry.ch <- pendingResult{err: trace.Wrap(ErrReplyTimeout)}
	}
}

func (p *PendingRequests) sweepLoop() {
	ticker := p.clock.NewTicker(defaults.PendingSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			p.Sweep()
		case <-p.done:
			return
		}
	}
}

// Close stops the sweeper and fails every remaining waiter.
func (p *PendingRequests) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		entries := make([]*pendingEntry, 0, len(p.waiters))
		for corrID, entry := range p.waiters {
			delete(p.waiters, corrID)
			entries = append(entries, entry)
		}
		p.mu.Unlock()
		for _, entry := range entries {
			p.metrics.pendingRequests.Dec()
			entry.ch <- pendingResult{err: trace.ConnectionProblem(nil, "relay is shutting down")}
		}
	})
}

// PendingRequest is the handler-side handle on a registered waiter.
type PendingRequest struct {
	p     *PendingRequests
	entry *pendingEntry
}

// CorrelationID returns the id the waiter is filed under.
func (r *PendingRequest) CorrelationID() string {
	return r.entry.corrID
}

// Wait blocks until the reply arrives, the waiter's deadline passes, or
// ctx is done. On deadline it returns ErrReplyTimeout and unfiles the
// waiter, so a reply arriving later is dropped by Fulfill.
func (r *PendingRequest) Wait(ctx context.Context) (Message, error) {
	timer := r.p.clock.NewTimer(r.entry.Timeout)
	defer timer.Stop()
	select {
	case res := <-r.entry.ch:
		if res.err != nil {
			return nil, trace.Wrap(res.err)
		}
		return res.msg, nil
	case <-timer.Chan():
		r.p.Cancel(r.entry.corrID)
		return nil, trace.Wrap(ErrReplyTimeout)
	case <-ctx.Done():
		r.p.Cancel(r.entry.corrID)
		return nil, trace.Wrap(ctx.Err())
	}
}

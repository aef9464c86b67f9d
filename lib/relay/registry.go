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
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/backend"
	"github.com/worldgate/worldgate/lib/defaults"
	"github.com/worldgate/worldgate/lib/utils"
)

// storeOpTimeout bounds best-effort coordination store writes issued
// outside of a request context.
const storeOpTimeout = 5 * time.Second

// MessageHandler receives inbound frames of a registered type.
type MessageHandler func(conn *Conn, msg Message)

// RegistryConfig holds parameters for the connection registry.
type RegistryConfig struct {
	// InstanceID is this replica's identity in the coordination store.
	InstanceID string
	// Store is the cross-replica coordination store. Writes are
	// best-effort: a failed write degrades routing, not connectivity.
	Store backend.Store
	// Clock is used to override time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RegistryConfig) CheckAndSetDefaults() error {
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

// Registry is the process-local set of world connections, indexed by
// world id and grouped by credential. It dispatches typed inbound
// frames to registered handlers, fans unhandled frames out to the
// sender's credential group, and periodically sweeps dead sockets.
type Registry struct {
	cfg     RegistryConfig
	log     *log.Entry
	clock   clockwork.Clock
	metrics *registryMetrics

	mu     sync.Mutex
	conns  map[string]*Conn
	groups map[string]map[string]struct{}

	handlersMu sync.RWMutex
	handlers   map[string]MessageHandler

	closeOnce sync.Once
	done      chan struct{}
}

// NewRegistry returns an empty registry and starts its sweeper.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	metrics, err := newRegistryMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r := &Registry{
		cfg: cfg,
		log: log.WithFields(log.Fields{
			trace.Component: worldgate.ComponentRegistry,
		}),
		clock:    cfg.Clock,
		metrics:  metrics,
		conns:    make(map[string]*Conn),
		groups:   make(map[string]map[string]struct{}),
		handlers: make(map[string]MessageHandler),
		done:     make(chan struct{}),
	}
	go r.sweepLoop()
	return r, nil
}

// Add accepts a world socket into the registry. A live connection with
// the same world id rejects the newcomer with trace.AlreadyExists; a
// dead one is evicted first. On success the connection's loops are
// running and ownership is recorded in the coordination store.
func (r *Registry) Add(ctx context.Context, ws *websocket.Conn, worldID, apiKey string, origin Origin) (*Conn, error) {
	for {
		r.mu.Lock()
		existing, ok := r.conns[worldID]
		if !ok {
			break
		}
		if existing.IsAlive() {
			r.mu.Unlock()
			return nil, trace.AlreadyExists("world %q is already connected", worldID)
		}
		r.mu.Unlock()
		r.log.WithField("world", worldID).Info("Evicting dead connection before accepting new one.")
		existing.Disconnect()
	}
	// r.mu is held.
	conn, err := NewConn(ConnConfig{
		Socket:    ws,
		WorldID:   worldID,
		APIKey:    apiKey,
		Origin:    origin,
		Clock:     r.clock,
		OnMessage: r.dispatch,
		OnClose:   r.handleClose,
	})
	if err != nil {
		r.mu.Unlock()
		return nil, trace.Wrap(err)
	}
	r.conns[worldID] = conn
	group, ok := r.groups[apiKey]
	if !ok {
		group = make(map[string]struct{})
		r.groups[apiKey] = group
	}
	group[worldID] = struct{}{}
	r.mu.Unlock()

	r.metrics.connectedWorlds.Inc()
	conn.Start()
	r.recordConnection(ctx, conn)
	r.log.WithFields(log.Fields{
		"world": worldID,
		"key":   utils.CredentialPrefix(apiKey),
	}).Info("World connected.")
	return conn, nil
}

// recordConnection publishes ownership of a world to the coordination
// store. Failures are logged, never fatal: with the store down the
// replica keeps serving its local worlds.
func (r *Registry) recordConnection(ctx context.Context, c *Conn) {
	now := r.clock.Now().UTC().Format(time.RFC3339)
	var errs []error
	errs = append(errs, r.cfg.Store.Set(ctx, backend.ClientInstanceKey(c.WorldID()), r.cfg.InstanceID, backend.Forever))
	errs = append(errs, r.cfg.Store.Set(ctx, backend.APIKeyInstanceKey(c.APIKey()), r.cfg.InstanceID, backend.Forever))
	errs = append(errs, r.cfg.Store.SAdd(ctx, backend.APIKeyClientsKey(c.APIKey()), c.WorldID(), backend.Forever))
	errs = append(errs, r.cfg.Store.Set(ctx, backend.ClientConnectedSinceKey(c.WorldID()), now, backend.Forever))
	errs = append(errs, r.cfg.Store.Set(ctx, backend.ClientLastSeenKey(c.WorldID()), now, backend.Forever))
	if err := trace.NewAggregate(errs...); err != nil {
		r.log.WithError(err).Warn("Failed to record connection in coordination store.")
	}
}

// Remove disconnects the world's socket and clears its registry and
// store state. Unknown ids are ignored.
func (r *Registry) Remove(worldID string) {
	r.mu.Lock()
	c, ok := r.conns[worldID]
	r.mu.Unlock()
	if !ok {
		return
	}
	c.Disconnect()
}

// handleClose runs exactly once per dying connection.
func (r *Registry) handleClose(c *Conn) {
	if r.removeConn(c) {
		r.log.WithField("world", c.WorldID()).Info("World disconnected.")
	}
}

// removeConn drops the exact connection c from the maps, so a stale
// close event cannot evict a replacement that took over the world id.
func (r *Registry) removeConn(c *Conn) bool {
	r.mu.Lock()
	cur, ok := r.conns[c.WorldID()]
	if !ok || cur != c {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, c.WorldID())
	group := r.groups[c.APIKey()]
	delete(group, c.WorldID())
	groupEmpty := len(group) == 0
	if groupEmpty {
		delete(r.groups, c.APIKey())
	}
	r.mu.Unlock()

	r.metrics.connectedWorlds.Dec()
	r.clearStoreState(c, groupEmpty)
	return true
}

// clearStoreState removes the world's ownership records. The credential
// to replica pointer is only dropped with the last world of that
// credential.
func (r *Registry) clearStoreState(c *Conn, groupEmpty bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	var errs []error
	del := func(key string) {
		_, err := r.cfg.Store.Del(ctx, key)
		errs = append(errs, err)
	}
	del(backend.ClientInstanceKey(c.WorldID()))
	del(backend.ClientLastSeenKey(c.WorldID()))
	del(backend.ClientConnectedSinceKey(c.WorldID()))
	errs = append(errs, r.cfg.Store.SRem(ctx, backend.APIKeyClientsKey(c.APIKey()), c.WorldID()))
	if groupEmpty {
		del(backend.APIKeyInstanceKey(c.APIKey()))
	}
	if err := trace.NewAggregate(errs...); err != nil {
		r.log.WithError(err).Debug("Failed to clear connection from coordination store.")
	}
}

// Get returns the live connection for a world id.
func (r *Registry) Get(worldID string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[worldID]
	return c, ok
}

// Lookup returns the credential a locally attached world socket
// authenticated with.
func (r *Registry) Lookup(worldID string) (string, bool) {
	c, ok := r.Get(worldID)
	if !ok {
		return "", false
	}
	return c.APIKey(), true
}

// ConnectedFor returns this replica's connections for a credential,
// ordered by world id.
func (r *Registry) ConnectedFor(apiKey string) []*Conn {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.groups[apiKey]))
	for worldID := range r.groups[apiKey] {
		if c, ok := r.conns[worldID]; ok {
			conns = append(conns, c)
		}
	}
	r.mu.Unlock()
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].WorldID() < conns[j].WorldID()
	})
	return conns
}

// Count returns the number of connections on this replica.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// OnMessage registers the handler for an inbound frame type. The first
// registration for a type owns delivery; later ones are ignored.
func (r *Registry) OnMessage(msgType string, handler MessageHandler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	if _, ok := r.handlers[msgType]; ok {
		r.log.WithField("type", msgType).Warn("Message handler already registered, keeping the first.")
		return
	}
	r.handlers[msgType] = handler
}

// dispatch routes one inbound frame. Unhandled frames are broadcast to
// the sender's credential group: worlds use the socket for their own
// peer traffic and the relay ferries what it does not understand.
func (r *Registry) dispatch(c *Conn, msg Message) {
	r.handlersMu.RLock()
	handler, ok := r.handlers[msg.Type()]
	r.handlersMu.RUnlock()

	// Frame types are world-supplied, so the type label is only used
	// for frames the relay knows about.
	typeLabel := msg.Type()
	if !ok {
		typeLabel = "other"
	}
	r.metrics.messagesReceived.WithLabelValues(typeLabel).Inc()

	if ok {
		handler(c, msg)
		return
	}
	if sent := r.Broadcast(c.WorldID(), msg); sent > 0 {
		r.log.WithFields(log.Fields{
			"world": c.WorldID(),
			"type":  msg.Type(),
			"sent":  sent,
		}).Debug("Broadcast unhandled message to credential group.")
	}
}

// Broadcast fans a message out to every other world in the sender's
// credential group. The group is snapshotted under the lock and sends
// happen outside it, so concurrent joins and leaves are safe. Returns
// the number of successful sends.
func (r *Registry) Broadcast(senderID string, msg Message) int {
	r.mu.Lock()
	sender, ok := r.conns[senderID]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	group := r.groups[sender.APIKey()]
	targets := make([]*Conn, 0, len(group))
	for worldID := range group {
		if worldID == senderID {
			continue
		}
		if c, ok := r.conns[worldID]; ok {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	sent := 0
	for _, c := range targets {
		if c.Send(msg) {
			sent++
		}
	}
	if sent > 0 {
		r.metrics.messagesBroadcast.Add(float64(sent))
	}
	return sent
}

// Sweep disconnects every connection that no longer reports alive and
// refreshes the store liveness timestamps of the ones that do.
func (r *Registry) Sweep() {
	r.mu.Lock()
	var stale, live []*Conn
	for _, c := range r.conns {
		if c.IsAlive() {
			live = append(live, c)
		} else {
			stale = append(stale, c)
		}
	}
	r.mu.Unlock()

	for _, c := range stale {
		r.log.WithFields(log.Fields{
			"world":     c.WorldID(),
			"last_seen": c.LastSeen(),
		}).Info("Sweeping stale connection.")
		c.Disconnect()
	}

	if len(live) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	now := r.clock.Now().UTC().Format(time.RFC3339)
	for _, c := range live {
		if err := r.cfg.Store.Set(ctx, backend.ClientLastSeenKey(c.WorldID()), now, backend.Forever); err != nil {
			r.log.WithError(err).Debug("Failed to refresh liveness timestamp in store.")
			return
		}
	}
}

func (r *Registry) sweepLoop() {
	ticker := r.clock.NewTicker(defaults.RegistrySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			r.Sweep()
		case <-r.done:
			return
		}
	}
}

// Close stops the sweeper and disconnects every connection with a
// going-away frame, telling the worlds to reconnect to another replica.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		conns := make([]*Conn, 0, len(r.conns))
		for _, c := range r.conns {
			conns = append(conns, c)
		}
		r.mu.Unlock()
		for _, c := range conns {
			c.DisconnectGoingAway()
		}
	})
}

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
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/defaults"
	"github.com/worldgate/worldgate/lib/utils"
)

// writeTimeout bounds a single frame write so one wedged socket cannot
// stall its sender.
const writeTimeout = 10 * time.Second

// Origin describes where a world socket was accepted from.
type Origin struct {
	// RemoteAddr is the peer address of the upgrade request.
	RemoteAddr string
	// UserAgent is the User-Agent header of the upgrade request.
	UserAgent string
}

// ConnConfig holds parameters for a world connection.
type ConnConfig struct {
	// Socket is the accepted websocket.
	Socket *websocket.Conn
	// WorldID identifies the world on this socket.
	WorldID string
	// APIKey is the credential the world authenticated with.
	APIKey string
	// Origin is upgrade request metadata kept for the clients listing.
	Origin Origin
	// Clock is used to override time in tests.
	Clock clockwork.Clock
	// OnMessage receives every dispatched inbound frame.
	OnMessage func(*Conn, Message)
	// OnClose fires exactly once when the connection dies.
	OnClose func(*Conn)
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ConnConfig) CheckAndSetDefaults() error {
	if c.Socket == nil {
		return trace.BadParameter("missing parameter Socket")
	}
	if c.WorldID == "" {
		return trace.BadParameter("missing parameter WorldID")
	}
	if c.APIKey == "" {
		return trace.BadParameter("missing parameter APIKey")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Conn is one live socket to one world. Frames are text JSON; liveness
// is tracked by lastSeen, refreshed by inbound messages and protocol
// pongs. All methods are safe for concurrent use.
type Conn struct {
	cfg   ConnConfig
	log   *log.Entry
	clock clockwork.Clock
	ws    *websocket.Conn

	// writeMu serializes data frame writes; control frames do not
	// need it.
	writeMu sync.Mutex

	mu          sync.Mutex
	lastSeen    time.Time
	connectedAt time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps an accepted socket. The read and ping loops do not run
// until Start is called, so the caller can finish registration first.
func NewConn(cfg ConnConfig) (*Conn, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	now := cfg.Clock.Now()
	return &Conn{
		cfg: cfg,
		log: log.WithFields(log.Fields{
			trace.Component: worldgate.ComponentRelay,
			"world":         cfg.WorldID,
			"key":           utils.CredentialPrefix(cfg.APIKey),
		}),
		clock:       cfg.Clock,
		ws:          cfg.Socket,
		lastSeen:    now,
		connectedAt: now,
		done:        make(chan struct{}),
	}, nil
}

// Start launches the read and keepalive loops.
func (c *Conn) Start() {
	go c.readLoop()
	go c.pingLoop()
}

// WorldID returns the world identity on this socket.
func (c *Conn) WorldID() string { return c.cfg.WorldID }

// APIKey returns the credential the world authenticated with.
func (c *Conn) APIKey() string { return c.cfg.APIKey }

// Origin returns upgrade request metadata.
func (c *Conn) Origin() Origin { return c.cfg.Origin }

// ConnectedAt returns when the socket was accepted.
func (c *Conn) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// LastSeen returns the time of the last liveness signal.
func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *Conn) touchLastSeen() {
	c.mu.Lock()
	c.lastSeen = c.clock.Now()
	c.mu.Unlock()
}

// IsAlive reports whether the socket is open and has shown life within
// the staleness window.
func (c *Conn) IsAlive() bool {
	select {
	case <-c.done:
		return false
	default:
	}
	return c.clock.Now().Sub(c.LastSeen()) <= defaults.ConnectionStaleAfter
}

// Send writes a frame to the world. It reports false, without raising,
// when the connection is closed, stale, or the write fails.
func (c *Conn) Send(msg Message) bool {
	if !c.IsAlive() {
		return false
	}
	data, err := msg.Marshal()
	if err != nil {
		c.log.WithError(err).Warn("Failed to encode outbound frame.")
		return false
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.WithError(err).Debug("Write failed, closing connection.")
		c.Disconnect()
		return false
	}
	return true
}

// Disconnect closes the socket. Safe to call any number of times; the
// close handler fires exactly once.
func (c *Conn) Disconnect() {
	c.disconnect(websocket.CloseNormalClosure, "")
}

// DisconnectGoingAway closes the socket with a going-away frame so the
// world client knows the replica is shutting down and reconnects
// instead of treating the drop as an error.
func (c *Conn) DisconnectGoingAway() {
	c.disconnect(websocket.CloseGoingAway, "server shutting down")
}

func (c *Conn) disconnect(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		c.ws.Close()
		c.log.Debug("Connection closed.")
		if c.cfg.OnClose != nil {
			c.cfg.OnClose(c)
		}
	})
}

// readLoop pumps inbound frames until the socket dies. Application
// pings are answered inline and never escalated; every other decoded
// frame refreshes lastSeen and goes to the dispatcher. A frame that
// fails to decode is logged and skipped, never fatal.
func (c *Conn) readLoop() {
	defer c.Disconnect()
	c.ws.SetReadLimit(defaults.SocketReadLimit)
	c.ws.SetPongHandler(func(string) error {
		c.touchLastSeen()
		return nil
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Debug("Socket closed unexpectedly.")
			}
			return
		}
		msg, err := Unmarshal(data)
		if err != nil {
			c.log.WithError(err).Warn("Dropping malformed frame.")
			continue
		}
		if msg.Type() == TypePing {
			c.Send(Message{"type": TypePong})
			continue
		}
		c.touchLastSeen()
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(c, msg)
		}
	}
}

// pingLoop sends a protocol ping every keepalive interval; the pong
// handler in readLoop refreshes lastSeen.
func (c *Conn) pingLoop() {
	ticker := c.clock.NewTicker(defaults.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			// A short deadline detects a broken connection quickly; a
			// healthy socket flushes a control frame well within it.
			deadline := time.Now().Add(time.Second)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.WithError(err).Debug("Failed to send ping frame, closing connection.")
				c.Disconnect()
				return
			}
		case <-c.done:
			return
		}
	}
}

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

// Package web binds the relay gateway to its HTTP surface: the REST
// endpoints callers use to drive worlds, the socket upgrade endpoint
// worlds connect to, and the headless session lifecycle endpoints.
//
// Every request runs the same pipeline: CORS, cross-replica forward
// lookup, authentication, usage accounting, handler, and finally the
// credential sanitizer inside the reply writer.
package web

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/backend"
	"github.com/worldgate/worldgate/lib/defaults"
	"github.com/worldgate/worldgate/lib/forward"
	"github.com/worldgate/worldgate/lib/headless"
	"github.com/worldgate/worldgate/lib/httplib"
	"github.com/worldgate/worldgate/lib/relay"
	"github.com/worldgate/worldgate/lib/users"
)

// storeTouchTimeout bounds session liveness writes issued from the
// socket dispatch path, which has no request context.
const storeTouchTimeout = 5 * time.Second

// forwardAttemptedKey marks a request whose cross-replica forward
// failed, so a local miss answers 502 instead of 404.
type forwardAttemptedKey struct{}

// Config holds parameters for the API handler.
type Config struct {
	// InstanceID is this replica's identity in the coordination store.
	InstanceID string
	// Registry is the process-local set of world connections.
	Registry *relay.Registry
	// Pending matches correlated world replies to waiting handlers.
	Pending *relay.PendingRequests
	// Accountant authenticates credentials and enforces quotas.
	Accountant *users.Accountant
	// Users is the user persistence layer, used by registration.
	Users users.Store
	// Store is the cross-replica coordination store.
	Store backend.Store
	// Forwarder routes requests to the replica owning the credential.
	Forwarder *forward.Forwarder
	// Handshakes mints headless login handshakes.
	Handshakes *headless.Handshakes
	// Sessions is the headless session controller.
	Sessions *headless.Controller
	// AssetClient fetches world assets for the asset proxy.
	AssetClient *http.Client
	// Clock is used to override time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Pending == nil {
		return trace.BadParameter("missing parameter Pending")
	}
	if c.Accountant == nil {
		return trace.BadParameter("missing parameter Accountant")
	}
	if c.Users == nil {
		return trace.BadParameter("missing parameter Users")
	}
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Forwarder == nil {
		return trace.BadParameter("missing parameter Forwarder")
	}
	if c.Handshakes == nil {
		return trace.BadParameter("missing parameter Handshakes")
	}
	if c.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if c.InstanceID == "" {
		c.InstanceID = worldgate.LocalInstanceID
	}
	if c.AssetClient == nil {
		c.AssetClient = &http.Client{Timeout: defaults.AssetProxyTimeout}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Handler is the gateway's HTTP API server.
type Handler struct {
	httprouter.Router

	cfg      Config
	log      *log.Entry
	clock    clockwork.Clock
	metrics  *webMetrics
	upgrader websocket.Upgrader
}

// NewHandler returns an API handler with all routes bound and the
// socket reply dispatch wired into the pending-request registry.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	metrics, err := newWebMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg: cfg,
		log: log.WithFields(log.Fields{
			trace.Component: worldgate.ComponentWeb,
		}),
		clock:   cfg.Clock,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Worlds are browser modules served from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	h.Router = *httprouter.New()
	h.bindRoutes()
	h.wireReplies()
	return h, nil
}

// bindRoutes attaches every endpoint to the router.
func (h *Handler) bindRoutes() {
	// Liveness, documentation, registration. No credential required.
	h.GET("/api/status", h.public("/api/status", h.status))
	h.GET("/api/health", h.public("/api/health", h.health))
	h.GET("/api/docs", h.public("/api/docs", h.docs))
	h.POST("/register", h.public("/register", h.register))
	h.Router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	// World socket endpoint.
	h.GET("/relay", h.upgradeWorld)

	// Client enumeration.
	h.GET("/clients", h.relayed("/clients", h.listClients))

	// Entity reads and mutations.
	h.GET("/search", h.relayed("/search", h.search))
	h.GET("/get", h.relayed("/get", h.getEntity))
	h.GET("/structure", h.relayed("/structure", h.structure))
	h.GET("/contents/*path", h.relayed("/contents", h.contents))
	h.POST("/create", h.relayed("/create", h.create))
	h.PUT("/update", h.relayed("/update", h.update))
	h.DELETE("/delete", h.relayed("/delete", h.deleteEntity))

	// Dice.
	h.GET("/rolls", h.relayed("/rolls", h.rolls))
	h.GET("/lastroll", h.relayed("/lastroll", h.lastRoll))
	h.POST("/roll", h.relayed("/roll", h.roll))

	// Sheet rendering and macros.
	h.GET("/sheet", h.relayed("/sheet", h.sheet))
	h.GET("/macros", h.relayed("/macros", h.macros))
	h.POST("/macro/:uuid/execute", h.relayed("/macro/:uuid/execute", h.macroExecute))

	// Encounters.
	h.GET("/encounters", h.relayed("/encounters", h.encounters))
	h.POST("/start-encounter", h.relayed("/start-encounter", h.startEncounter))
	h.POST("/next-turn", h.relayed("/next-turn", h.encounterOp(relay.KindNextTurn)))
	h.POST("/next-round", h.relayed("/next-round", h.encounterOp(relay.KindNextRound)))
	h.POST("/last-turn", h.relayed("/last-turn", h.encounterOp(relay.KindLastTurn)))
	h.POST("/last-round", h.relayed("/last-round", h.encounterOp(relay.KindLastRound)))
	h.POST("/end-encounter", h.relayed("/end-encounter", h.encounterOp(relay.KindEndEncounter)))
	h.POST("/add-to-encounter", h.relayed("/add-to-encounter", h.encounterMembers(relay.KindAddToEncounter)))
	h.POST("/remove-from-encounter", h.relayed("/remove-from-encounter", h.encounterMembers(relay.KindRemoveFromEncounter)))

	// Actor state and selection.
	h.POST("/kill", h.relayed("/kill", h.kill))
	h.POST("/increase", h.relayed("/increase", h.attributeOp(relay.KindIncrease)))
	h.POST("/decrease", h.relayed("/decrease", h.attributeOp(relay.KindDecrease)))
	h.POST("/give", h.relayed("/give", h.give))
	h.POST("/select", h.relayed("/select", h.selectEntities))
	h.GET("/selected", h.relayed("/selected", h.selected))

	// Files and scripting.
	h.GET("/file-system", h.relayed("/file-system", h.fileSystem))
	h.POST("/upload", h.relayed("/upload", h.upload))
	h.GET("/download", h.relayed("/download", h.download))
	h.POST("/execute-js", h.relayed("/execute-js", h.executeJS))

	// Headless session lifecycle. The handshake flow is non-billable.
	h.POST("/session-handshake", h.authed("/session-handshake", false, h.sessionHandshake))
	h.POST("/start-session", h.authed("/start-session", false, h.startSession))
	h.GET("/session", h.authed("/session", true, h.getSession))
	h.DELETE("/end-session", h.authed("/end-session", true, h.endSession))

	// Asset proxy for sheet rendering.
	h.GET("/proxy-asset/*path", h.authed("/proxy-asset", false, h.proxyAsset))

	h.Router.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h.Router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httplib.ReplyError(w, httplib.NewError(http.StatusNotFound, "unknown endpoint").WithFields(map[string]interface{}{
			"howToUse": "see GET /api/docs for the endpoint catalogue",
		}))
	})
	h.Router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httplib.ReplyError(w, httplib.NewError(http.StatusMethodNotAllowed, "method not allowed"))
	})
}

// ServeHTTP applies the permissive CORS policy before routing.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	httplib.SetCORSHeaders(w.Header())
	h.Router.ServeHTTP(w, r)
}

// wireReplies routes correlated reply frames into the pending-request
// registry. A reply also counts as activity for headless sessions, so
// a busy headless world never looks idle to the sweeper.
func (h *Handler) wireReplies() {
	for _, kind := range relay.Kinds {
		h.cfg.Registry.OnMessage(relay.ReplyType(kind), h.handleReply)
	}
}

func (h *Handler) handleReply(c *relay.Conn, msg relay.Message) {
	corrID := msg.RequestID()
	if corrID == "" {
		h.log.WithField("type", msg.Type()).Debug("Dropping reply without correlation id.")
		return
	}
	h.cfg.Pending.Fulfill(corrID, msg)
	ctx, cancel := context.WithTimeout(context.Background(), storeTouchTimeout)
	defer cancel()
	h.cfg.Sessions.Touch(ctx, c.WorldID())
}

// authedHandler is a handler that runs behind authentication.
type authedHandler func(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error)

// instrument wraps a handler with the request counter.
func (h *Handler) instrument(route string, fn httplib.HandlerFunc) httprouter.Handle {
	handler := httplib.MakeHandler(fn)
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r, p)
		h.metrics.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
	}
}

// public binds an unauthenticated endpoint.
func (h *Handler) public(route string, fn httplib.HandlerFunc) httprouter.Handle {
	return h.instrument(route, fn)
}

// authed binds an authenticated endpoint. Billable endpoints charge the
// caller's quota before the handler runs.
func (h *Handler) authed(route string, billable bool, fn authedHandler) httprouter.Handle {
	return h.instrument(route, func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		user, err := h.authenticate(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if billable {
			if err := h.charge(r, user); err != nil {
				return nil, trace.Wrap(err)
			}
		}
		return fn(w, r, p, user)
	})
}

// relayed binds a billable endpoint that targets a world. The forward
// lookup runs before authentication: when another replica owns the
// credential's worlds the whole request is proxied there and answered
// by the owner, marker header included so it cannot loop back.
func (h *Handler) relayed(route string, fn authedHandler) httprouter.Handle {
	return h.instrument(route, func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		result := h.cfg.Forwarder.Route(w, r, r.Header.Get(worldgate.APIKeyHeader))
		if result.Handled {
			return nil, nil
		}
		if result.Attempted {
			r = r.WithContext(context.WithValue(r.Context(), forwardAttemptedKey{}, true))
		}
		user, err := h.authenticate(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := h.charge(r, user); err != nil {
			return nil, trace.Wrap(err)
		}
		return fn(w, r, p, user)
	})
}

// authenticate resolves the request credential. Rejections become 401;
// the gateway reserves 403 for callers that are authenticated but do
// not own the resource they target.
func (h *Handler) authenticate(r *http.Request) (*users.User, error) {
	user, err := h.cfg.Accountant.Authenticate(r.Context(), r.Header.Get(worldgate.APIKeyHeader))
	if err != nil {
		if trace.IsAccessDenied(err) {
			return nil, httplib.Unauthorized(trace.UserMessage(err))
		}
		return nil, trace.Wrap(err)
	}
	return user, nil
}

// charge records one billable request. Over-limit callers get 429.
func (h *Handler) charge(r *http.Request, user *users.User) error {
	_, err := h.cfg.Accountant.Charge(r.Context(), user)
	return trace.Wrap(err)
}

// forwardAttempted reports whether the request already failed a
// cross-replica forward before reaching the local path.
func forwardAttempted(r *http.Request) bool {
	attempted, _ := r.Context().Value(forwardAttemptedKey{}).(bool)
	return attempted
}

// statusRecorder captures the reply status for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// status reports replica identity and load.
func (h *Handler) status(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return map[string]interface{}{
		"status":          "ok",
		"version":         worldgate.Version,
		"instance":        h.cfg.InstanceID,
		"connectedWorlds": h.cfg.Registry.Count(),
	}, nil
}

// health is the bare liveness probe.
func (h *Handler) health(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return map[string]interface{}{"status": "healthy"}, nil
}

type registerRequest struct {
	Email string `json:"email"`
}

// register creates an account and returns its minted credential. This
// is the one endpoint that bypasses the sanitizer: its whole purpose is
// handing the caller their key.
func (h *Handler) register(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req registerRequest
	r.Body = http.MaxBytesReader(w, r.Body, defaults.MaxJSONBodyBytes)
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, httplib.NewError(http.StatusBadRequest, "a valid email is required").WithFields(map[string]interface{}{
			"howToUse": `POST /register with body {"email": "you@example.com"}`,
		})
	}
	user, err := h.cfg.Users.CreateUser(r.Context(), email)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.log.WithField("email", email).Info("Registered new user.")
	httplib.ReplyRawJSON(w, http.StatusCreated, map[string]interface{}{
		"email":  user.Email,
		"apiKey": user.APIKey,
	})
	return nil, nil
}

// clientInfo is one world visible to a credential.
type clientInfo struct {
	ID          string `json:"id"`
	Instance    string `json:"instance,omitempty"`
	ConnectedAt string `json:"connectedAt,omitempty"`
	LastSeen    string `json:"lastSeen,omitempty"`
}

// listClients enumerates the credential's live worlds: the union of the
// coordination store's view and this replica's own sockets.
func (h *Handler) listClients(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	clients, err := h.visibleClients(r.Context(), user.APIKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"total":   len(clients),
		"clients": clients,
	}, nil
}

func (h *Handler) visibleClients(ctx context.Context, apiKey string) ([]clientInfo, error) {
	ids := make(map[string]struct{})
	stored, err := h.cfg.Store.SMembers(ctx, backend.APIKeyClientsKey(apiKey))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, id := range stored {
		ids[id] = struct{}{}
	}
	local := make(map[string]*relay.Conn)
	for _, conn := range h.cfg.Registry.ConnectedFor(apiKey) {
		ids[conn.WorldID()] = struct{}{}
		local[conn.WorldID()] = conn
	}

	clients := make([]clientInfo, 0, len(ids))
	for id := range ids {
		info := clientInfo{ID: id}
		if conn, ok := local[id]; ok {
			info.Instance = h.cfg.InstanceID
			info.ConnectedAt = conn.ConnectedAt().UTC().Format(time.RFC3339)
			info.LastSeen = conn.LastSeen().UTC().Format(time.RFC3339)
		} else {
			// Attached to another replica; read what it advertised.
			if instance, err := h.cfg.Store.Get(ctx, backend.ClientInstanceKey(id)); err == nil {
				info.Instance = instance
			}
			if since, err := h.cfg.Store.Get(ctx, backend.ClientConnectedSinceKey(id)); err == nil {
				info.ConnectedAt = since
			}
			if seen, err := h.cfg.Store.Get(ctx, backend.ClientLastSeenKey(id)); err == nil {
				info.LastSeen = seen
			}
		}
		clients = append(clients, info)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return clients, nil
}

// availableClientIDs is the 404 hint listing the ids a caller could
// have targeted instead.
func (h *Handler) availableClientIDs(ctx context.Context, apiKey string) []string {
	clients, err := h.visibleClients(ctx, apiKey)
	if err != nil {
		h.log.WithError(err).Debug("Failed to enumerate clients for the not-found hint.")
		return nil
	}
	ids := make([]string, 0, len(clients))
	for _, c := range clients {
		ids = append(ids, c.ID)
	}
	return ids
}

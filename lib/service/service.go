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

// Package service assembles the relay gateway process: it opens the
// coordination and user stores, wires the connection registry, the
// correlation engine, the forwarder and the headless session
// controller into the HTTP surface, and supervises the background
// jobs until the process is told to stop.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/backend"
	"github.com/worldgate/worldgate/lib/backend/memorybk"
	"github.com/worldgate/worldgate/lib/backend/redisbk"
	"github.com/worldgate/worldgate/lib/config"
	"github.com/worldgate/worldgate/lib/defaults"
	"github.com/worldgate/worldgate/lib/forward"
	"github.com/worldgate/worldgate/lib/headless"
	"github.com/worldgate/worldgate/lib/relay"
	"github.com/worldgate/worldgate/lib/users"
	"github.com/worldgate/worldgate/lib/web"
)

// Config holds parameters for the gateway process.
type Config struct {
	// Settings is the process configuration, filled from flags and the
	// environment by the worldgate command or directly by tests.
	Settings *config.Config
	// Driver overrides the headless browser driver in tests.
	Driver headless.Driver
	// Listener overrides the network listener in tests; when set the
	// configured port is ignored.
	Listener net.Listener
	// Clock is used to override time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Settings == nil {
		return trace.BadParameter("missing parameter Settings")
	}
	if err := c.Settings.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.Driver == nil {
		c.Driver = headless.NewChromeDriver(headless.ChromeConfig{
			ExecPath: c.Settings.BrowserPath,
		})
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Relay is one gateway process: every component, the HTTP server that
// fronts them, and the supervisor that runs the background jobs.
type Relay struct {
	cfg   Config
	log   *log.Entry
	clock clockwork.Clock

	store      backend.Store
	userStore  users.Store
	accountant *users.Accountant
	registry   *relay.Registry
	pending    *relay.PendingRequests
	forwarder  *forward.Forwarder
	advertiser *forward.Advertiser
	handshakes *headless.Handshakes
	sessions   *headless.Controller
	poller     *headless.Poller
	resetJob   *users.ResetJob
	handler    *web.Handler

	server     *http.Server
	listener   net.Listener
	supervisor Supervisor

	// closeCtx stops the background jobs.
	closeCtx  context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New builds a gateway process from its configuration. Nothing listens
// yet; call Start or Run.
func New(ctx context.Context, cfg Config) (*Relay, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	settings := cfg.Settings
	logger := log.WithFields(log.Fields{
		trace.Component: worldgate.ComponentService,
	})

	store, err := openStore(ctx, settings, cfg.Clock, logger)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	userStore, err := openUserStore(ctx, settings)
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}

	r := &Relay{
		cfg:       cfg,
		log:       logger,
		clock:     cfg.Clock,
		store:     store,
		userStore: userStore,
	}
	r.closeCtx, r.cancel = context.WithCancel(context.Background())
	if err := r.wire(); err != nil {
		r.cancel()
		userStore.Close()
		store.Close()
		return nil, trace.Wrap(err)
	}
	return r, nil
}

// openStore connects the coordination store. An unreachable Redis is
// not fatal: the replica degrades to an in-process store and keeps
// serving its local worlds without cross-replica routing.
func openStore(ctx context.Context, settings *config.Config, clock clockwork.Clock, logger *log.Entry) (backend.Store, error) {
	if settings.RedisURL != "" {
		store, err := redisbk.New(ctx, redisbk.Config{URL: settings.RedisURL})
		if err == nil {
			return store, nil
		}
		if !trace.IsConnectionProblem(err) {
			return nil, trace.Wrap(err)
		}
		logger.WithError(err).Warn("Coordination store is unreachable, degrading to local-only mode.")
	}
	store, err := memorybk.New(memorybk.Config{Clock: clock})
	return store, trace.Wrap(err)
}

// openUserStore opens the configured user persistence layer.
func openUserStore(ctx context.Context, settings *config.Config) (users.Store, error) {
	switch settings.DBType {
	case config.DBPostgres:
		store, err := users.NewPostgresStore(ctx, users.PostgresConfig{ConnString: settings.DatabaseURL})
		return store, trace.Wrap(err)
	case config.DBSQLite:
		store, err := users.NewSQLiteStore(ctx, users.SQLiteConfig{Path: settings.DatabaseURL})
		return store, trace.Wrap(err)
	case config.DBMemory:
		store, err := users.NewMemoryStore(users.MemoryConfig{})
		return store, trace.Wrap(err)
	}
	return nil, trace.BadParameter("unknown user store type %q", settings.DBType)
}

// wire constructs every component in dependency order.
func (r *Relay) wire() error {
	settings := r.cfg.Settings
	var err error

	r.accountant, err = users.NewAccountant(users.AccountantConfig{
		Store:            r.userStore,
		FreeMonthlyLimit: settings.FreeMonthlyLimit,
		Clock:            r.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	r.registry, err = relay.NewRegistry(relay.RegistryConfig{
		InstanceID: settings.InstanceID,
		Store:      r.store,
		Clock:      r.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	r.pending, err = relay.NewPendingRequests(relay.PendingConfig{
		Clock: r.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	r.forwarder, err = forward.NewForwarder(forward.Config{
		InstanceID: settings.InstanceID,
		Store:      r.store,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	r.advertiser, err = forward.NewAdvertiser(forward.AdvertiserConfig{
		InstanceID: settings.InstanceID,
		Addr:       settings.AdvertiseAddr,
		Store:      r.store,
		Clock:      r.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	r.handshakes, err = headless.NewHandshakes(headless.HandshakesConfig{
		InstanceID: settings.InstanceID,
		Store:      r.store,
		Clock:      r.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	r.sessions, err = headless.NewController(headless.ControllerConfig{
		InstanceID: settings.InstanceID,
		Store:      r.store,
		Handshakes: r.handshakes,
		Driver:     r.cfg.Driver,
		Worlds:     r.registry,
		Clock:      r.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	r.poller, err = headless.NewPoller(headless.PollerConfig{
		InstanceID: settings.InstanceID,
		Store:      r.store,
		Handshakes: r.handshakes,
		Controller: r.sessions,
		Clock:      r.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	r.resetJob, err = users.NewResetJob(users.ResetJobConfig{
		Store:   r.userStore,
		Backend: r.store,
		Clock:   r.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	r.handler, err = web.NewHandler(web.Config{
		InstanceID: settings.InstanceID,
		Registry:   r.registry,
		Pending:    r.pending,
		Accountant: r.accountant,
		Users:      r.userStore,
		Store:      r.store,
		Forwarder:  r.forwarder,
		Handshakes: r.handshakes,
		Sessions:   r.sessions,
		Clock:      r.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	r.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", defaults.BindIP, settings.Port),
		Handler:           r.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	r.supervisor = NewSupervisor()
	return nil
}

// Start binds the listener and launches the HTTP server and the
// background jobs. It returns once everything is running.
func (r *Relay) Start() error {
	listener := r.cfg.Listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", r.server.Addr)
		if err != nil {
			return trace.Wrap(err, "failed to listen on %v", r.server.Addr)
		}
	}
	r.listener = listener

	r.supervisor.RegisterFunc(func() error {
		err := r.server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return trace.Wrap(err)
	})
	r.supervisor.RegisterFunc(func() error {
		r.advertiser.Run(r.closeCtx)
		return nil
	})
	r.supervisor.RegisterFunc(func() error {
		r.poller.Run(r.closeCtx)
		return nil
	})
	r.supervisor.RegisterFunc(func() error {
		r.sessions.RunSweeper(r.closeCtx)
		return nil
	})
	r.supervisor.RegisterFunc(func() error {
		r.resetJob.Run(r.closeCtx)
		return nil
	})

	if err := r.supervisor.Start(); err != nil {
		return trace.Wrap(err)
	}
	r.log.WithFields(log.Fields{
		"addr":     listener.Addr().String(),
		"instance": r.cfg.Settings.InstanceID,
	}).Info("Relay gateway is up.")
	return nil
}

// Run starts the gateway and blocks until a termination signal arrives
// or every service exits, then shuts down gracefully.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.Start(); err != nil {
		return trace.Wrap(err)
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- r.supervisor.Wait() }()

	select {
	case <-ctx.Done():
		r.log.Info("Received shutdown signal.")
		return trace.Wrap(r.Shutdown(context.Background()))
	case err := <-done:
		// Services never exit on their own while healthy; treat this
		// as a failure and release what is left.
		r.Close()
		return trace.Wrap(err)
	}
}

// Addr returns the bound listen address, useful with an ephemeral port.
func (r *Relay) Addr() string {
	if r.listener == nil {
		return r.server.Addr
	}
	return r.listener.Addr().String()
}

// Handler exposes the HTTP surface for tests that drive it directly.
func (r *Relay) Handler() http.Handler {
	return r.handler
}

// Shutdown stops the gateway gracefully: the HTTP server drains
// in-flight requests within the grace window, worlds receive going-away
// frames so they reconnect elsewhere, browsers are closed, and the
// replica withdraws its presence from the coordination store.
func (r *Relay) Shutdown(ctx context.Context) error {
	var errs []error
	r.closeOnce.Do(func() {
		drainCtx, cancel := context.WithTimeout(ctx, defaults.ShutdownGrace)
		defer cancel()
		if err := r.server.Shutdown(drainCtx); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, r.teardown()...)
	})
	return trace.NewAggregate(errs...)
}

// Close stops the gateway immediately, dropping in-flight requests.
func (r *Relay) Close() error {
	var errs []error
	r.closeOnce.Do(func() {
		if err := r.server.Close(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, r.teardown()...)
	})
	return trace.NewAggregate(errs...)
}

// teardown releases everything behind the HTTP server. Order matters:
// worlds and waiters first so no handler blocks on a dead socket, then
// the jobs, then the stores they write to.
func (r *Relay) teardown() []error {
	var errs []error
	r.registry.Close()
	r.pending.Close()
	r.sessions.Close()
	r.advertiser.Close()
	r.poller.Close()
	r.resetJob.Close()
	r.cancel()
	if err := r.supervisor.Wait(); err != nil {
		errs = append(errs, err)
	}
	if err := r.userStore.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.store.Close(); err != nil {
		errs = append(errs, err)
	}
	r.log.Info("Relay gateway stopped.")
	return errs
}

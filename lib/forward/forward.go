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

// Package forward routes relay requests between replicas. A world's
// socket lives on exactly one replica; when a request lands elsewhere,
// the forwarder proxies it to the owner and streams the answer back.
package forward

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/backend"
	"github.com/worldgate/worldgate/lib/defaults"
	"github.com/worldgate/worldgate/lib/utils"
)

// hopHeaders are never copied between the inbound and outbound legs of
// a forwarded request.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Config holds forwarder parameters.
type Config struct {
	// InstanceID identifies this replica in ownership records.
	InstanceID string
	// Store resolves which replica owns a credential's sockets and how
	// to reach it.
	Store backend.Store
	// Client performs the proxied request. Tests substitute one with a
	// short timeout.
	Client *http.Client
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.InstanceID == "" {
		c.InstanceID = worldgate.LocalInstanceID
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: defaults.ForwardTimeout}
	}
	return nil
}

// Result describes what the forwarder did with a request.
type Result struct {
	// Handled is true when the owning replica produced the response and
	// it has been written; the caller must not write anything further.
	Handled bool
	// Attempted is true when another replica owns the credential. If
	// forwarding then failed and the world is not connected locally
	// either, the caller should answer with a gateway error rather
	// than a plain not-found.
	Attempted bool
}

// Forwarder proxies relay requests to the replica that owns the target
// credential's sockets.
type Forwarder struct {
	cfg     Config
	log     *log.Entry
	metrics *forwarderMetrics
}

// NewForwarder returns a forwarder for this replica.
func NewForwarder(cfg Config) (*Forwarder, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	metrics, err := newForwarderMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Forwarder{
		cfg: cfg,
		log: log.WithFields(log.Fields{
			trace.Component: worldgate.ComponentForward,
		}),
		metrics: metrics,
	}, nil
}

// Route decides whether the request is served here or by the owning
// replica. Requests already carrying the forwarding marker are always
// served locally so two replicas can never bounce a request between
// each other. Any failure on the remote leg falls through to local
// handling with the body intact.
func (f *Forwarder) Route(w http.ResponseWriter, r *http.Request, apiKey string) Result {
	if apiKey == "" || r.Header.Get(worldgate.ForwardedHeader) != "" {
		return Result{}
	}

	ctx := r.Context()
	owner, err := f.cfg.Store.Get(ctx, backend.APIKeyInstanceKey(apiKey))
	if err != nil {
		if !trace.IsNotFound(err) {
			f.log.WithError(err).Warn("Owner lookup failed, handling locally.")
		}
		return Result{}
	}
	if owner == f.cfg.InstanceID {
		return Result{}
	}

	addr, err := f.cfg.Store.Get(ctx, backend.InstanceAddrKey(owner))
	if err != nil {
		f.log.WithError(err).WithField("instance", owner).
			Warn("Owning replica has no advertised address, handling locally.")
		return Result{Attempted: true}
	}

	if err := f.proxy(w, r, addr, apiKey); err != nil {
		f.log.WithError(err).WithFields(log.Fields{
			"instance": owner,
			"addr":     addr,
		}).Warn("Forwarding failed, handling locally.")
		return Result{Attempted: true}
	}
	return Result{Handled: true, Attempted: true}
}

// proxy replays the request against the owner. It returns an error only
// while nothing has been written to w, so the caller can still fall
// through to local handling; once the remote status line is committed
// the response belongs to the owner.
func (f *Forwarder) proxy(w http.ResponseWriter, r *http.Request, addr, apiKey string) error {
	// Buffer the body so a failed attempt leaves it replayable for the
	// local handler. Upstream middleware has already bounded its size.
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return trace.Wrap(err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaults.ForwardTimeout)
	defer cancel()

	target := url.URL{
		Scheme:   "http",
		Host:     addr,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return trace.Wrap(err)
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set(worldgate.ForwardedHeader, f.cfg.InstanceID)

	resp, err := f.cfg.Client.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "failed to reach owning replica at %v", addr)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		// A gateway-class status means the path to the owner broke, not
		// that its handler answered.
		return trace.ConnectionProblem(nil, "owning replica at %v returned status %v", addr, resp.StatusCode)
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// The status line is out; all that is left is to log.
		f.log.WithError(err).Warn("Streaming forwarded response body failed.")
	}
	f.metrics.requestsForwarded.Inc()
	f.log.WithFields(log.Fields{
		"key":  utils.CredentialPrefix(apiKey),
		"addr": addr,
		"path": r.URL.Path,
	}).Debug("Forwarded request to owning replica.")
	return nil
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopHeader(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

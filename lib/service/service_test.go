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

package service

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/config"
	"github.com/worldgate/worldgate/lib/headless"
	"github.com/worldgate/worldgate/lib/httplib"
	"github.com/worldgate/worldgate/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

type noBrowserDriver struct{}

func (noBrowserDriver) Login(ctx context.Context, p headless.LoginParams) (headless.Browser, error) {
	return nil, trace.NotImplemented("tests run without a browser")
}

// newRelay builds a running single-instance gateway on an ephemeral
// port with in-memory stores.
func newRelay(t *testing.T, settings *config.Config) *Relay {
	t.Helper()
	if settings == nil {
		settings = &config.Config{}
	}
	if settings.AdvertiseAddr == "" {
		settings.AdvertiseAddr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	relay, err := New(context.Background(), Config{
		Settings: settings,
		Driver:   noBrowserDriver{},
		Listener: listener,
	})
	require.NoError(t, err)
	require.NoError(t, relay.Start())
	t.Cleanup(func() { relay.Close() })
	return relay
}

// apiKeyTransport injects the credential header on every request.
type apiKeyTransport struct {
	key string
}

func (t apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set(worldgate.APIKeyHeader, t.key)
	return http.DefaultTransport.RoundTrip(req)
}

func testClient(t *testing.T, relay *Relay, apiKey string) *roundtrip.Client {
	t.Helper()
	var opts []roundtrip.ClientParam
	if apiKey != "" {
		opts = append(opts, roundtrip.HTTPClient(&http.Client{
			Transport: apiKeyTransport{key: apiKey},
		}))
	}
	clt, err := roundtrip.NewClient("http://"+relay.Addr(), "", opts...)
	require.NoError(t, err)
	return clt
}

func TestRelayServesAPI(t *testing.T) {
	ctx := context.Background()
	relay := newRelay(t, nil)
	clt := testClient(t, relay, "")

	re, err := httplib.ConvertResponse(clt.Get(ctx, clt.Endpoint("api", "status"), url.Values{}))
	require.NoError(t, err)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(re.Bytes(), &status))
	require.Equal(t, "ok", status["status"])
	require.Equal(t, worldgate.LocalInstanceID, status["instance"])

	// The whole pipeline is live: registration mints a credential the
	// authenticated endpoints accept.
	re, err = httplib.ConvertResponse(clt.PostJSON(ctx, clt.Endpoint("register"), map[string]string{
		"email": "gm@example.com",
	}))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, re.Code())
	var reg struct {
		APIKey string `json:"apiKey"`
	}
	require.NoError(t, json.Unmarshal(re.Bytes(), &reg))
	require.Len(t, reg.APIKey, 32)

	authed := testClient(t, relay, reg.APIKey)
	re, err = httplib.ConvertResponse(authed.Get(ctx, authed.Endpoint("clients"), url.Values{}))
	require.NoError(t, err)
	var clients struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(re.Bytes(), &clients))
	require.Zero(t, clients.Total)

	// Without a credential the same endpoint refuses.
	_, err = httplib.ConvertResponse(clt.Get(ctx, clt.Endpoint("clients"), url.Values{}))
	require.Error(t, err)
}

func TestRelayGracefulShutdown(t *testing.T) {
	ctx := context.Background()
	relay := newRelay(t, nil)
	clt := testClient(t, relay, "")

	_, err := httplib.ConvertResponse(clt.Get(ctx, clt.Endpoint("api", "health"), url.Values{}))
	require.NoError(t, err)

	require.NoError(t, relay.Shutdown(ctx))

	_, err = httplib.ConvertResponse(clt.Get(ctx, clt.Endpoint("api", "health"), url.Values{}))
	require.Error(t, err)
	require.True(t, trace.IsConnectionProblem(err))

	// A second stop is a no-op.
	require.NoError(t, relay.Close())
}

func TestRelaySQLiteStore(t *testing.T) {
	relay := newRelay(t, &config.Config{
		DBType:      config.DBSQLite,
		DatabaseURL: filepath.Join(t.TempDir(), "users.db"),
	})
	clt := testClient(t, relay, "")

	re, err := httplib.ConvertResponse(clt.PostJSON(context.Background(), clt.Endpoint("register"), map[string]string{
		"email": "gm@example.com",
	}))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, re.Code())
}

func TestRelayDegradesWithoutRedis(t *testing.T) {
	// Nothing listens on this port; construction must fall back to the
	// in-process store instead of failing.
	relay := newRelay(t, &config.Config{
		RedisURL: "redis://127.0.0.1:1",
	})
	clt := testClient(t, relay, "")

	re, err := httplib.ConvertResponse(clt.Get(context.Background(), clt.Endpoint("api", "status"), url.Values{}))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, re.Code())
}

func TestConfigValidation(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))

	_, err = New(context.Background(), Config{
		Settings: &config.Config{DBType: "cassandra"},
	})
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestSupervisorCollectsErrors(t *testing.T) {
	s := NewSupervisor()

	ran := make(chan struct{})
	s.RegisterFunc(func() error {
		close(ran)
		return nil
	})
	s.RegisterFunc(func() error {
		return errors.New("flaky service")
	})
	require.NoError(t, s.Start())

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("registered service never ran")
	}
	err := s.Wait()
	require.Error(t, err)
	require.Contains(t, err.Error(), "flaky service")
}

func TestSupervisorRegisterAfterStart(t *testing.T) {
	s := NewSupervisor()
	require.NoError(t, s.Start())

	ran := make(chan struct{})
	s.RegisterFunc(func() error {
		close(ran)
		return nil
	})
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("late-registered service never ran")
	}
	require.NoError(t, s.Wait())
}

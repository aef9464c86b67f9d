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

package config

import (
	"testing"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/defaults"
)

// clearEnv blanks every variable FromEnv reads so ambient values in the
// test environment cannot leak into assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range []string{
		VarPort, VarRedisURL, VarDatabaseURL, VarDBType,
		VarInstanceID, VarAdvertiseAddr, VarBrowserPath,
		VarFreeLimit, VarEnvironment,
	} {
		t.Setenv(v, "")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, defaults.HTTPListenPort, cfg.Port)
	require.Equal(t, DBMemory, cfg.DBType)
	require.Equal(t, worldgate.LocalInstanceID, cfg.InstanceID)
	require.Equal(t, defaults.FreeMonthlyRequests, cfg.FreeMonthlyLimit)
	require.Equal(t, EnvDevelopment, cfg.Environment)
	require.NotEmpty(t, cfg.AdvertiseAddr)
}

func TestFromEnvReadsVariables(t *testing.T) {
	clearEnv(t)
	t.Setenv(VarPort, "9090")
	t.Setenv(VarRedisURL, "redis://coordination:6379")
	t.Setenv(VarDatabaseURL, "postgres://gate@db/users")
	t.Setenv(VarInstanceID, "d8d7e0f3a2b1c4")
	t.Setenv(VarAdvertiseAddr, "gate-1.internal:9090")
	t.Setenv(VarFreeLimit, "500")
	t.Setenv(VarEnvironment, EnvProduction)

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, "redis://coordination:6379", cfg.RedisURL)
	require.Equal(t, DBPostgres, cfg.DBType, "database url implies postgres")
	require.Equal(t, "d8d7e0f3a2b1c4", cfg.InstanceID)
	require.Equal(t, "gate-1.internal:9090", cfg.AdvertiseAddr)
	require.Equal(t, 500, cfg.FreeMonthlyLimit)
	require.Equal(t, logrus.InfoLevel, cfg.LogLevel())
	require.True(t, cfg.LogJSON())
}

func TestFromEnvRejectsMalformedNumbers(t *testing.T) {
	clearEnv(t)
	t.Setenv(VarPort, "eighty")

	_, err := FromEnv()
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestCheckAndSetDefaults(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "port out of range",
			cfg:     Config{Port: 70000},
			wantErr: "out of range",
		},
		{
			name:    "sqlite requires a path",
			cfg:     Config{DBType: DBSQLite},
			wantErr: "requires",
		},
		{
			name:    "unknown store",
			cfg:     Config{DBType: "cassandra"},
			wantErr: "invalid",
		},
		{
			name:    "advertise addr without port",
			cfg:     Config{AdvertiseAddr: "gate-1.internal"},
			wantErr: "expected host:port",
		},
		{
			name:    "negative quota",
			cfg:     Config{FreeMonthlyLimit: -1},
			wantErr: "must be positive",
		},
		{
			name:    "unknown environment",
			cfg:     Config{Environment: "staging"},
			wantErr: "invalid",
		},
		{
			name: "full valid config",
			cfg: Config{
				Port:          8080,
				DBType:        DBSQLite,
				DatabaseURL:   "/var/lib/worldgate/users.db",
				AdvertiseAddr: "gate-1.internal:8080",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.CheckAndSetDefaults()
			if tt.wantErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestRegisterFlags(t *testing.T) {
	clearEnv(t)
	t.Setenv(VarRedisURL, "redis://from-env:6379")

	app := kingpin.New("worldgate", "test")
	app.Terminate(func(int) {})
	start := app.Command("start", "")
	var cfg Config
	RegisterFlags(start, &cfg)

	// Flags win, the environment backfills, everything else stays zero
	// for CheckAndSetDefaults to fill.
	_, err := app.Parse([]string{"start", "--port", "9999", "--db-type", "memory"})
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Port)
	require.Equal(t, DBMemory, cfg.DBType)
	require.Equal(t, "redis://from-env:6379", cfg.RedisURL)
	require.Empty(t, cfg.InstanceID)

	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, worldgate.LocalInstanceID, cfg.InstanceID)
}

func TestStringRedactsSecrets(t *testing.T) {
	cfg := Config{
		RedisURL:    "redis://:hunter2@coordination:6379",
		DatabaseURL: "postgres://gate:hunter2@db/users",
	}
	s := cfg.String()
	require.NotContains(t, s, "hunter2")
	require.Contains(t, s, "databaseURL=set")
	require.Contains(t, s, "redisURL=set")
}

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

// Package config loads relay gateway settings. Every setting is an
// environment variable so the same image runs unmodified across deploy
// targets; the command line flags declared in RegisterFlags mirror the
// variables one to one for local runs. FromEnv reads the environment
// directly, for embedding the gateway without a CLI.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/defaults"
)

// Environment variables read by FromEnv.
const (
	// VarPort is the HTTP and websocket listen port.
	VarPort = "PORT"

	// VarRedisURL is the coordination store connection string. When
	// unset the process falls back to an in-memory store and loses
	// cross-replica routing.
	VarRedisURL = "REDIS_URL"

	// VarDatabaseURL is the user store connection string, or the file
	// path when the sqlite store is selected.
	VarDatabaseURL = "DATABASE_URL"

	// VarDBType selects the user store implementation.
	VarDBType = "DB_TYPE"

	// VarInstanceID carries the replica identity assigned by the
	// platform scheduler.
	VarInstanceID = "FLY_ALLOC_ID"

	// VarAdvertiseAddr is the host:port peers use to forward requests
	// to this replica.
	VarAdvertiseAddr = "ADVERTISE_ADDR"

	// VarBrowserPath overrides the headless browser binary location.
	VarBrowserPath = "PUPPETEER_EXECUTABLE_PATH"

	// VarFreeLimit overrides the free tier monthly request quota.
	VarFreeLimit = "FREE_API_REQUESTS_LIMIT"

	// VarEnvironment switches log level and format between development
	// and production.
	VarEnvironment = "NODE_ENV"
)

// User store implementations selectable through VarDBType.
const (
	DBPostgres = "postgres"
	DBSQLite   = "sqlite"
	DBMemory   = "memory"
)

// Deployment environments selectable through VarEnvironment.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds the settings of a relay gateway process.
type Config struct {
	// Port is the TCP port the HTTP API and world socket listen on.
	Port int

	// RedisURL is the coordination store connection string. Empty
	// selects the in-memory store.
	RedisURL string

	// DatabaseURL is the user store connection string or sqlite path.
	DatabaseURL string

	// DBType selects the user store implementation.
	DBType string

	// InstanceID identifies this replica in the coordination store.
	InstanceID string

	// AdvertiseAddr is the host:port published for cross-replica
	// request forwarding.
	AdvertiseAddr string

	// BrowserPath overrides the headless browser binary location.
	BrowserPath string

	// FreeMonthlyLimit is the free tier monthly request quota.
	FreeMonthlyLimit int

	// Environment is the deployment environment name.
	Environment string
}

// FromEnv reads the process environment into a Config and applies
// defaults. Unset variables take their default values; malformed ones
// are an error rather than a silent fallback.
func FromEnv() (*Config, error) {
	cfg := &Config{
		RedisURL:      os.Getenv(VarRedisURL),
		DatabaseURL:   os.Getenv(VarDatabaseURL),
		DBType:        os.Getenv(VarDBType),
		InstanceID:    os.Getenv(VarInstanceID),
		AdvertiseAddr: os.Getenv(VarAdvertiseAddr),
		BrowserPath:   os.Getenv(VarBrowserPath),
		Environment:   os.Getenv(VarEnvironment),
	}
	if raw := os.Getenv(VarPort); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return nil, trace.BadParameter("invalid %v %q: not a number", VarPort, raw)
		}
		cfg.Port = port
	}
	if raw := os.Getenv(VarFreeLimit); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, trace.BadParameter("invalid %v %q: not a number", VarFreeLimit, raw)
		}
		cfg.FreeMonthlyLimit = limit
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Port == 0 {
		c.Port = defaults.HTTPListenPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return trace.BadParameter("invalid %v %d: out of range", VarPort, c.Port)
	}
	switch c.DBType {
	case "":
		if c.DatabaseURL != "" {
			c.DBType = DBPostgres
		} else {
			c.DBType = DBMemory
		}
	case DBPostgres, DBSQLite:
		if c.DatabaseURL == "" {
			return trace.BadParameter("%v %q requires %v to be set", VarDBType, c.DBType, VarDatabaseURL)
		}
	case DBMemory:
	default:
		return trace.BadParameter("invalid %v %q, expected %q, %q or %q",
			VarDBType, c.DBType, DBPostgres, DBSQLite, DBMemory)
	}
	if c.InstanceID == "" {
		c.InstanceID = worldgate.LocalInstanceID
	}
	if c.AdvertiseAddr == "" {
		host, err := os.Hostname()
		if err != nil {
			return trace.Wrap(err)
		}
		c.AdvertiseAddr = net.JoinHostPort(host, strconv.Itoa(c.Port))
	} else if _, _, err := net.SplitHostPort(c.AdvertiseAddr); err != nil {
		return trace.BadParameter("invalid %v %q: expected host:port", VarAdvertiseAddr, c.AdvertiseAddr)
	}
	if c.FreeMonthlyLimit == 0 {
		c.FreeMonthlyLimit = defaults.FreeMonthlyRequests
	}
	if c.FreeMonthlyLimit < 0 {
		return trace.BadParameter("invalid %v %d: must be positive", VarFreeLimit, c.FreeMonthlyLimit)
	}
	switch c.Environment {
	case "":
		c.Environment = EnvDevelopment
	case EnvDevelopment, EnvProduction:
	default:
		return trace.BadParameter("invalid %v %q, expected %q or %q",
			VarEnvironment, c.Environment, EnvDevelopment, EnvProduction)
	}
	return nil
}

// LogLevel returns the log level implied by the environment.
func (c *Config) LogLevel() logrus.Level {
	if c.Environment == EnvProduction {
		return logrus.InfoLevel
	}
	return logrus.DebugLevel
}

// LogJSON reports whether logs should be emitted as JSON for
// machine collection.
func (c *Config) LogJSON() bool {
	return c.Environment == EnvProduction
}

// String returns a loggable summary. Connection strings are reduced to
// a set/unset marker so credentials never reach the logs.
func (c *Config) String() string {
	redis, database := "unset", "unset"
	if c.RedisURL != "" {
		redis = "set"
	}
	if c.DatabaseURL != "" {
		database = "set"
	}
	return fmt.Sprintf("Config(port=%d, dbType=%s, databaseURL=%s, redisURL=%s, instanceID=%s, advertiseAddr=%s, environment=%s, freeMonthlyLimit=%d)",
		c.Port, c.DBType, database, redis, c.InstanceID, c.AdvertiseAddr, c.Environment, c.FreeMonthlyLimit)
}

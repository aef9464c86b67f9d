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
	"github.com/alecthomas/kingpin/v2"
)

// RegisterFlags declares every gateway setting as a flag on cmd, each
// backed by its environment variable. `worldgate start` therefore runs
// unflagged inside the container and stays overridable from the command
// line. Callers still run CheckAndSetDefaults after parsing.
func RegisterFlags(cmd *kingpin.CmdClause, cfg *Config) {
	cmd.Flag("port", "HTTP and websocket listen port.").
		Envar(VarPort).IntVar(&cfg.Port)
	cmd.Flag("redis-url", "Coordination store connection string. Empty runs the replica in local-only mode.").
		Envar(VarRedisURL).StringVar(&cfg.RedisURL)
	cmd.Flag("database-url", "User store connection string, or the file path for sqlite.").
		Envar(VarDatabaseURL).StringVar(&cfg.DatabaseURL)
	cmd.Flag("db-type", "User store implementation.").
		Envar(VarDBType).EnumVar(&cfg.DBType, DBPostgres, DBSQLite, DBMemory)
	cmd.Flag("instance-id", "Replica identity in the coordination store.").
		Envar(VarInstanceID).StringVar(&cfg.InstanceID)
	cmd.Flag("advertise-addr", "host:port peers use when forwarding requests to this replica.").
		Envar(VarAdvertiseAddr).StringVar(&cfg.AdvertiseAddr)
	cmd.Flag("browser-path", "Headless browser binary location.").
		Envar(VarBrowserPath).StringVar(&cfg.BrowserPath)
	cmd.Flag("free-limit", "Free tier monthly request quota.").
		Envar(VarFreeLimit).IntVar(&cfg.FreeMonthlyLimit)
	cmd.Flag("environment", "Deployment environment, controls log level and format.").
		Envar(VarEnvironment).EnumVar(&cfg.Environment, EnvDevelopment, EnvProduction)
}

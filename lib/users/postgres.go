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

package users

import (
	"context"
	"errors"

	"github.com/gravitational/trace"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/worldgate/worldgate"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	email TEXT PRIMARY KEY,
	api_key TEXT UNIQUE NOT NULL,
	subscription_status TEXT NOT NULL DEFAULT 'free',
	requests_this_month INTEGER NOT NULL DEFAULT 0,
	requests_today INTEGER NOT NULL DEFAULT 0,
	last_request_date TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const userColumns = `email, api_key, subscription_status, requests_this_month, requests_today, last_request_date, created_at`

// PostgresConfig holds parameters for the Postgres user store.
type PostgresConfig struct {
	// ConnString is the DATABASE_URL connection string.
	ConnString string
}

// CheckAndSetDefaults validates the config.
func (c *PostgresConfig) CheckAndSetDefaults() error {
	if c.ConnString == "" {
		return trace.BadParameter("missing parameter ConnString")
	}
	return nil
}

// PostgresStore is the production user store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *log.Entry
}

// NewPostgresStore connects to Postgres and bootstraps the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	pool, err := pgxpool.New(ctx, cfg.ConnString)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, trace.ConnectionProblem(err, "failed to ping database")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, trace.Wrap(err, "failed to bootstrap users schema")
	}
	logger := log.WithFields(log.Fields{
		trace.Component: worldgate.ComponentUsers,
	})
	logger.Info("Connected to Postgres user store.")
	return &PostgresStore{pool: pool, log: logger}, nil
}

// CreateUser registers an account and mints its credential.
func (s *PostgresStore) CreateUser(ctx context.Context, email string) (*User, error) {
	if email == "" {
		return nil, trace.BadParameter("missing parameter email")
	}
	key, err := newAPIKey()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO users (email, api_key) VALUES ($1, $2) RETURNING `+userColumns,
		email, key)
	user, err := scanPgUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, trace.AlreadyExists("user with email %q already exists", email)
		}
		return nil, trace.Wrap(err)
	}
	return user, nil
}

// GetByAPIKey resolves a credential.
func (s *PostgresStore) GetByAPIKey(ctx context.Context, apiKey string) (*User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE api_key = $1`, apiKey)
	user, err := scanPgUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("user not found")
		}
		return nil, trace.Wrap(err)
	}
	return user, nil
}

// RecordRequest charges one billable request in a single statement so
// the daily roll and the increments cannot interleave across replicas.
func (s *PostgresStore) RecordRequest(ctx context.Context, apiKey, today string) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE users SET
			requests_today = CASE WHEN last_request_date <> $2 THEN 1 ELSE requests_today + 1 END,
			requests_this_month = requests_this_month + 1,
			last_request_date = $2
		WHERE api_key = $1
		RETURNING `+userColumns,
		apiKey, today)
	user, err := scanPgUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("user not found")
		}
		return nil, trace.Wrap(err)
	}
	return user, nil
}

// ListUsers returns every account.
func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		user, err := scanPgUser(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// ResetAllUsage zeroes every account's counters in one statement.
func (s *PostgresStore) ResetAllUsage(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET requests_this_month = 0, requests_today = 0, last_request_date = ''`)
	return trace.Wrap(err)
}

// ResetUserUsage zeroes one account's counters.
func (s *PostgresStore) ResetUserUsage(ctx context.Context, apiKey string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET requests_this_month = 0, requests_today = 0, last_request_date = '' WHERE api_key = $1`,
		apiKey)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("user not found")
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.Email, &u.APIKey, &u.SubscriptionStatus,
		&u.RequestsThisMonth, &u.RequestsToday, &u.LastRequestDate, &u.CreatedAt)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &u, nil
}

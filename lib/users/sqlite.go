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
	"database/sql"
	"errors"
	"time"

	"github.com/gravitational/trace"
	sqlite3 "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/worldgate/worldgate"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	email TEXT PRIMARY KEY,
	api_key TEXT UNIQUE NOT NULL,
	subscription_status TEXT NOT NULL DEFAULT 'free',
	requests_this_month INTEGER NOT NULL DEFAULT 0,
	requests_today INTEGER NOT NULL DEFAULT 0,
	last_request_date TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// SQLiteConfig holds parameters for the SQLite user store.
type SQLiteConfig struct {
	// Path is the database file path, or ":memory:".
	Path string
}

// CheckAndSetDefaults validates the config.
func (c *SQLiteConfig) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing parameter Path")
	}
	return nil
}

// SQLiteStore keeps users in a SQLite file, for single-replica
// deployments that want persistence without a database server.
type SQLiteStore struct {
	db  *sql.DB
	log *log.Entry
}

// NewSQLiteStore opens the database file and bootstraps the schema.
func NewSQLiteStore(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// SQLite allows one writer; a second connection would fail with
	// SQLITE_BUSY under concurrent charges.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, trace.ConnectionProblem(err, "failed to open database at %v", cfg.Path)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, trace.Wrap(err, "failed to bootstrap users schema")
	}
	logger := log.WithFields(log.Fields{
		trace.Component: worldgate.ComponentUsers,
	})
	logger.WithField("path", cfg.Path).Info("Opened SQLite user store.")
	return &SQLiteStore{db: db, log: logger}, nil
}

// CreateUser registers an account and mints its credential.
func (s *SQLiteStore) CreateUser(ctx context.Context, email string) (*User, error) {
	if email == "" {
		return nil, trace.BadParameter("missing parameter email")
	}
	key, err := newAPIKey()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (email, api_key, created_at) VALUES (?, ?, ?)`,
		email, key, now)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return nil, trace.AlreadyExists("user with email %q already exists", email)
		}
		return nil, trace.Wrap(err)
	}
	return &User{
		Email:              email,
		APIKey:             key,
		SubscriptionStatus: StatusFree,
		CreatedAt:          now,
	}, nil
}

// GetByAPIKey resolves a credential.
func (s *SQLiteStore) GetByAPIKey(ctx context.Context, apiKey string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE api_key = ?`, apiKey)
	user, err := scanSQLUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trace.NotFound("user not found")
		}
		return nil, trace.Wrap(err)
	}
	return user, nil
}

// RecordRequest charges one billable request in a single statement.
func (s *SQLiteStore) RecordRequest(ctx context.Context, apiKey, today string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE users SET
			requests_today = CASE WHEN last_request_date <> ? THEN 1 ELSE requests_today + 1 END,
			requests_this_month = requests_this_month + 1,
			last_request_date = ?
		WHERE api_key = ?
		RETURNING `+userColumns,
		today, today, apiKey)
	user, err := scanSQLUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trace.NotFound("user not found")
		}
		return nil, trace.Wrap(err)
	}
	return user, nil
}

// ListUsers returns every account.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		user, err := scanSQLUser(rows)
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
func (s *SQLiteStore) ResetAllUsage(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET requests_this_month = 0, requests_today = 0, last_request_date = ''`)
	return trace.Wrap(err)
}

// ResetUserUsage zeroes one account's counters.
func (s *SQLiteStore) ResetUserUsage(ctx context.Context, apiKey string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET requests_this_month = 0, requests_today = 0, last_request_date = '' WHERE api_key = ?`,
		apiKey)
	if err != nil {
		return trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("user not found")
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return trace.Wrap(s.db.Close())
}

type sqlScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLUser(row sqlScanner) (*User, error) {
	var u User
	err := row.Scan(&u.Email, &u.APIKey, &u.SubscriptionStatus,
		&u.RequestsThisMonth, &u.RequestsToday, &u.LastRequestDate, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

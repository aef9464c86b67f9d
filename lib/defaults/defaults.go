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

// Package defaults contains default constants set in various parts of
// the worldgate codebase.
package defaults

import "time"

const (
	// HTTPListenPort is the port the relay API and the world socket
	// endpoint listen on.
	HTTPListenPort = 3010

	// BindIP is the address the relay binds to by default.
	BindIP = "0.0.0.0"
)

// Socket lifecycle.
const (
	// KeepAliveInterval is how often a protocol-level ping frame is sent
	// to each connected world.
	KeepAliveInterval = 20 * time.Second

	// ConnectionStaleAfter is how long a world may stay silent before
	// its connection is considered stale and Send starts refusing.
	ConnectionStaleAfter = 60 * time.Second

	// RegistrySweepInterval is how often dead connections are evicted
	// from the client registry.
	RegistrySweepInterval = 15 * time.Second

	// SocketReadLimit caps a single inbound text frame. Download replies
	// carry base64 file contents, so the limit is generous.
	SocketReadLimit = 350 << 20
)

// Request correlation.
const (
	// RequestTimeout is the reply deadline for most relay operations.
	RequestTimeout = 10 * time.Second

	// QuickRequestTimeout is the reply deadline for dice operations.
	QuickRequestTimeout = 5 * time.Second

	// MacroRequestTimeout is the reply deadline for macro execution.
	MacroRequestTimeout = 15 * time.Second

	// FileSystemRequestTimeout is the reply deadline for file-system
	// listings.
	FileSystemRequestTimeout = 15 * time.Second

	// DownloadRequestTimeout is the reply deadline for file downloads.
	DownloadRequestTimeout = 20 * time.Second

	// UploadRequestTimeout is the reply deadline for file uploads.
	UploadRequestTimeout = 30 * time.Second

	// PendingSweepInterval is how often orphaned waiters are collected.
	PendingSweepInterval = 10 * time.Second

	// PendingOrphanAge is how old a waiter may grow before the sweeper
	// removes it regardless of its own deadline.
	PendingOrphanAge = 30 * time.Second
)

// Cross-replica routing.
const (
	// ForwardTimeout is the total budget for proxying one request to the
	// owning replica.
	ForwardTimeout = 60 * time.Second

	// InstanceAdvertiseTTL is the lifetime of a replica's address record
	// in the coordination store.
	InstanceAdvertiseTTL = 90 * time.Second

	// InstanceAdvertiseInterval is how often the address record is
	// refreshed.
	InstanceAdvertiseInterval = 30 * time.Second
)

// Headless sessions.
const (
	// HandshakeTTL bounds the window between minting a handshake token
	// and redeeming it.
	HandshakeTTL = 5 * time.Minute

	// SessionTTL is the store lifetime of headless session records.
	SessionTTL = 3 * time.Hour

	// SessionResultTTL is the store lifetime of a cross-replica
	// redemption result envelope.
	SessionResultTTL = 60 * time.Second

	// SessionIdleTimeout is how long a headless session may sit without
	// relay traffic before the sweeper closes it.
	SessionIdleTimeout = 10 * time.Minute

	// SessionSweepInterval is how often idle sessions are collected.
	SessionSweepInterval = 60 * time.Second

	// SessionConnectTimeout is how long the controller waits for the
	// freshly logged-in world to open its socket back to the relay.
	SessionConnectTimeout = 5 * time.Minute

	// PendingSessionPollInterval is how often replicas poll for
	// handshake redemptions they own and for redemption results they
	// are waiting on.
	PendingSessionPollInterval = 2 * time.Second

	// PendingSessionPollTimeout caps the cross-replica redemption wait.
	PendingSessionPollTimeout = 10 * time.Minute

	// BrowserLoginAttempts and BrowserLoginInterval shape the wait for
	// the world's user-select control to appear.
	BrowserLoginAttempts = 10
	BrowserLoginInterval = 10 * time.Second

	// BrowserGameTimeout is how long to wait for the in-game view after
	// submitting credentials.
	BrowserGameTimeout = 30 * time.Second
)

// Usage accounting.
const (
	// FreeMonthlyRequests is the monthly quota for the free tier,
	// overridden by FREE_API_REQUESTS_LIMIT.
	FreeMonthlyRequests = 1000

	// FreeDailyRequests is the daily quota for the free tier.
	FreeDailyRequests = 100

	// ActiveMonthlyRequests and ActiveDailyRequests are the quotas for
	// paid subscriptions.
	ActiveMonthlyRequests = 100000
	ActiveDailyRequests   = 10000

	// MonthlyResetLockTTL bounds how long one replica may hold the
	// monthly reset lock.
	MonthlyResetLockTTL = 5 * time.Minute

	// MonthlyResetRetryDelay is the single retry delay after a failed
	// reset run.
	MonthlyResetRetryDelay = 5 * time.Minute

	// LastResetTTL keeps the last-reset marker alive slightly longer
	// than one month.
	LastResetTTL = 32 * 24 * time.Hour
)

// HTTP surface.
const (
	// MaxUploadBytes caps raw file upload bodies.
	MaxUploadBytes = 250 << 20

	// MaxJSONBodyBytes caps ordinary JSON request bodies.
	MaxJSONBodyBytes = 10 << 20

	// AssetProxyTimeout bounds one /proxy-asset fetch from a world's
	// origin.
	AssetProxyTimeout = 30 * time.Second

	// ShutdownGrace is how long in-flight HTTP requests get to finish
	// on SIGTERM.
	ShutdownGrace = 10 * time.Second
)

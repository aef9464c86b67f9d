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

// Package worldgate holds constants shared across the relay gateway.
package worldgate

const (
	// ComponentRelay is the socket connection manager for game worlds
	ComponentRelay = "relay"

	// ComponentRegistry is the process-local registry of world connections
	ComponentRegistry = "registry"

	// ComponentPending is the request/response correlation engine
	ComponentPending = "pending"

	// ComponentBackend is the coordination store adapter
	ComponentBackend = "backend"

	// ComponentUsers is the user store and usage accounting layer
	ComponentUsers = "users"

	// ComponentForward is the cross-replica request router
	ComponentForward = "forward"

	// ComponentHeadless is the headless session controller
	ComponentHeadless = "headless"

	// ComponentWeb is the HTTP API surface
	ComponentWeb = "web"

	// ComponentService is the process-level supervisor
	ComponentService = "service"
)

// Websocket close codes sent to worlds rejected at the upgrade endpoint.
const (
	// CloseNoClientID means the upgrade request did not carry a world id.
	CloseNoClientID = 4001

	// CloseNoAuth means the upgrade request did not carry a credential.
	CloseNoAuth = 4002

	// CloseDuplicateConnection means a live connection already exists for
	// the requested world id.
	CloseDuplicateConnection = 4004

	// CloseInternalError means the relay failed while registering the
	// connection.
	CloseInternalError = 4006
)

const (
	// APIKeyHeader carries the caller's credential on every
	// authenticated HTTP request.
	APIKeyHeader = "x-api-key"

	// ForwardedHeader marks a request that has already been forwarded
	// once between replicas. Its value is the forwarding instance id.
	// A request carrying it is always executed locally.
	ForwardedHeader = "X-Worldgate-Forwarded"

	// HandshakeURLHeader, HandshakeWorldHeader and HandshakeUserHeader
	// carry the headless login target on /session-handshake requests.
	HandshakeURLHeader   = "x-url"
	HandshakeWorldHeader = "x-world-name"
	HandshakeUserHeader  = "x-username"
)

const (
	// HeadlessWorldPrefix prefixes the world id derived for a
	// relay-hosted headless login.
	HeadlessWorldPrefix = "foundry-"

	// LocalInstanceID is the replica identity used when the process runs
	// outside an orchestrator.
	LocalInstanceID = "local"

	// RedactedValue replaces credential-shaped values in outbound
	// response bodies.
	RedactedValue = "[REDACTED]"
)

// DebugOutputEnvVar tells tests to use verbose debug output
const DebugOutputEnvVar = "WORLDGATE_DEBUG_TESTS"

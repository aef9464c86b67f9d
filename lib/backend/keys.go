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

package backend

import "fmt"

// Fixed keys for cluster-wide singletons.
const (
	// MonthlyResetLockKey guards the monthly usage reset so only one
	// replica performs it.
	MonthlyResetLockKey = "monthly_reset_lock"

	// LastMonthlyResetKey records when the last monthly reset ran.
	LastMonthlyResetKey = "last_monthly_reset"
)

// APIKeyInstanceKey maps an API key to the replica id that owns its
// socket connections.
func APIKeyInstanceKey(apiKey string) string {
	return fmt.Sprintf("apikey:%s:instance", apiKey)
}

// APIKeyClientsKey holds the set of world ids connected under an API key.
func APIKeyClientsKey(apiKey string) string {
	return fmt.Sprintf("apikey:%s:clients", apiKey)
}

// ClientInstanceKey maps a world id to the replica id that owns its socket.
func ClientInstanceKey(clientID string) string {
	return fmt.Sprintf("client:%s:instance", clientID)
}

// ClientLastSeenKey records the last inbound message time for a world id.
func ClientLastSeenKey(clientID string) string {
	return fmt.Sprintf("client:%s:lastSeen", clientID)
}

// ClientConnectedSinceKey records when a world id connected.
func ClientConnectedSinceKey(clientID string) string {
	return fmt.Sprintf("client:%s:connectedSince", clientID)
}

// HandshakeKey holds the fields of a minted headless handshake.
func HandshakeKey(token string) string {
	return fmt.Sprintf("handshake:%s", token)
}

// PendingSessionKey holds a redemption payload forwarded to the replica
// that minted the handshake.
func PendingSessionKey(token string) string {
	return fmt.Sprintf("pending_session:%s", token)
}

// PendingSessionPattern matches all pending redemption payloads.
const PendingSessionPattern = "pending_session:*"

// SessionResultKey holds the serialized HTTP result of a redemption
// processed on the owning replica.
func SessionResultKey(token string) string {
	return fmt.Sprintf("session_result:%s", token)
}

// HeadlessSessionKey holds the fields of an active headless session.
func HeadlessSessionKey(sessionID string) string {
	return fmt.Sprintf("headless_session:%s", sessionID)
}

// HeadlessClientKey maps a headless world id to its session id.
func HeadlessClientKey(worldID string) string {
	return fmt.Sprintf("headless_client:%s", worldID)
}

// HeadlessAPIKeySessionKey maps an API key to its headless session id.
// One headless session per API key.
func HeadlessAPIKeySessionKey(apiKey string) string {
	return fmt.Sprintf("headless_apikey:%s:session", apiKey)
}

// HeadlessAPIKeySessionPattern matches all API key to session mappings.
const HeadlessAPIKeySessionPattern = "headless_apikey:*:session"

// InstanceAddrKey publishes the dialable address of a replica so other
// replicas can forward requests to it. Refreshed by a heartbeat.
func InstanceAddrKey(instanceID string) string {
	return fmt.Sprintf("instance:%s:addr", instanceID)
}

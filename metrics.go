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

package worldgate

// Prometheus metric names exported by the relay.
const (
	// MetricConnectedWorlds is the number of worlds with a live socket
	// on this replica.
	MetricConnectedWorlds = "worldgate_connected_worlds"

	// MetricMessagesReceived counts inbound socket messages by type.
	MetricMessagesReceived = "worldgate_messages_received_total"

	// MetricMessagesBroadcast counts messages fanned out to credential
	// groups.
	MetricMessagesBroadcast = "worldgate_messages_broadcast_total"

	// MetricPendingRequests is the number of in-flight correlated
	// requests on this replica.
	MetricPendingRequests = "worldgate_pending_requests"

	// MetricOrphanedRequests counts waiters removed by the sweeper with
	// no reply.
	MetricOrphanedRequests = "worldgate_orphaned_requests_total"

	// MetricRequestsForwarded counts requests proxied to the owning
	// replica.
	MetricRequestsForwarded = "worldgate_requests_forwarded_total"

	// MetricHTTPRequests counts API requests by route and status code.
	MetricHTTPRequests = "worldgate_http_requests_total"

	// MetricHeadlessSessions is the number of headless browser sessions
	// hosted by this replica.
	MetricHeadlessSessions = "worldgate_headless_sessions"
)

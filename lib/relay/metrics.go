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

package relay

import (
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/utils"
)

// registryMetrics tracks socket and dispatch activity for one registry.
type registryMetrics struct {
	connectedWorlds   prometheus.Gauge
	messagesReceived  *prometheus.CounterVec
	messagesBroadcast prometheus.Counter
}

// newRegistryMetrics inits and registers the registry prometheus collectors.
func newRegistryMetrics() (*registryMetrics, error) {
	m := &registryMetrics{
		connectedWorlds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: worldgate.MetricConnectedWorlds,
				Help: "Number of world sockets currently attached to this replica.",
			},
		),
		messagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: worldgate.MetricMessagesReceived,
				Help: "Counts inbound socket frames by message type.",
			},
			[]string{"type"},
		),
		messagesBroadcast: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: worldgate.MetricMessagesBroadcast,
				Help: "Counts frames fanned out to credential groups.",
			},
		),
	}

	if err := utils.RegisterPrometheusCollectors(
		m.connectedWorlds,
		m.messagesReceived,
		m.messagesBroadcast,
	); err != nil {
		return nil, trace.Wrap(err)
	}

	return m, nil
}

// pendingMetrics tracks the pending-request registry.
type pendingMetrics struct {
	pendingRequests  prometheus.Gauge
	orphanedRequests prometheus.Counter
}

// newPendingMetrics inits and registers the pending-request collectors.
func newPendingMetrics() (*pendingMetrics, error) {
	m := &pendingMetrics{
		pendingRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: worldgate.MetricPendingRequests,
				Help: "Number of requests awaiting a correlated reply.",
			},
		),
		orphanedRequests: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: worldgate.MetricOrphanedRequests,
				Help: "Counts waiters removed by the sweeper without a reply.",
			},
		),
	}

	if err := utils.RegisterPrometheusCollectors(
		m.pendingRequests,
		m.orphanedRequests,
	); err != nil {
		return nil, trace.Wrap(err)
	}

	return m, nil
}

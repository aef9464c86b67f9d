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

package forward

import (
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/utils"
)

// forwarderMetrics tracks cross-replica routing activity.
type forwarderMetrics struct {
	requestsForwarded prometheus.Counter
}

// newForwarderMetrics inits and registers the forwarder collectors.
func newForwarderMetrics() (*forwarderMetrics, error) {
	m := &forwarderMetrics{
		requestsForwarded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: worldgate.MetricRequestsForwarded,
				Help: "Counts requests proxied to the replica owning the target socket.",
			},
		),
	}

	if err := utils.RegisterPrometheusCollectors(m.requestsForwarded); err != nil {
		return nil, trace.Wrap(err)
	}

	return m, nil
}

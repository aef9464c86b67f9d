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

package headless

import (
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/utils"
)

// sessionMetrics tracks browser sessions hosted by this replica.
type sessionMetrics struct {
	activeSessions prometheus.Gauge
}

// newSessionMetrics inits and registers the session collectors.
func newSessionMetrics() (*sessionMetrics, error) {
	m := &sessionMetrics{
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: worldgate.MetricHeadlessSessions,
				Help: "Number of headless browser sessions hosted by this replica.",
			},
		),
	}

	if err := utils.RegisterPrometheusCollectors(m.activeSessions); err != nil {
		return nil, trace.Wrap(err)
	}

	return m, nil
}

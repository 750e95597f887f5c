// Copyright 2026 The Botvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package botvisor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "botvisor"

// Metrics holds the collectors a Manager updates.
type Metrics struct {
	portsInUse        prometheus.Gauge
	portAcquisitions  *prometheus.CounterVec
	starts            *prometheus.CounterVec
	provisionDuration *prometheus.HistogramVec
	crashes           prometheus.Counter
	activeLaunchers   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.  A nil reg
// leaves them unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		portsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "ports_in_use",
			Help:      "Ports currently held by servers",
		}),
		portAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "port_acquisitions_total",
				Help:      "Port acquisition attempts by result",
			},
			[]string{"result"},
		),
		starts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "server_starts_total",
				Help:      "Server start attempts by result code",
			},
			[]string{"result"},
		),
		provisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "provision_duration_seconds",
				Help:      "Time spent provisioning and spawning a server",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"result"},
		),
		crashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bot_crashes_total",
			Help:      "Bot processes that exited without a stop request",
		}),
		activeLaunchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "launchers",
			Help:      "Launchers in the registry",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.portsInUse,
			m.portAcquisitions,
			m.starts,
			m.provisionDuration,
			m.crashes,
			m.activeLaunchers,
		)
	}
	return m
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return ErrorCode(err)
}

func (m *Metrics) portAcquired(err error) {
	m.portAcquisitions.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) startFinished(began time.Time, err error) {
	res := resultLabel(err)
	m.starts.WithLabelValues(res).Inc()
	m.provisionDuration.WithLabelValues(res).Observe(time.Since(began).Seconds())
}

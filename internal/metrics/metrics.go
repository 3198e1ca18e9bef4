// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the encoder client. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry          *prometheus.Registry
	messagesTotal     *prometheus.CounterVec
	requestsTotal     *prometheus.CounterVec
	reconnectsTotal   prometheus.Counter
	connected         prometheus.Gauge
	pendingRequests   prometheus.Gauge
	fallbackPolls     *prometheus.CounterVec
	refreshRestores   prometheus.Counter
	malformedPayloads prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "encoder_bus_messages_total",
			Help: "Inbound bus messages by dispatch outcome",
		}, []string{"kind"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "encoder_requests_total",
			Help: "Correlated requests by outcome (confirmed, rejected, timeout, error)",
		}, []string{"outcome"}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "encoder_reconnect_attempts_total",
			Help: "Bus connection attempts made by the reconnect loop",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "encoder_bus_connected",
			Help: "1 when the bus session is up",
		}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "encoder_pending_requests",
			Help: "Correlated requests awaiting a reply",
		}),
		fallbackPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "encoder_fallback_polls_total",
			Help: "HTTP status page polls in degraded mode",
		}, []string{"result"}),
		refreshRestores: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "encoder_broadcast_refresh_restores_total",
			Help: "Broadcast refreshes that received nothing and restored the previous list",
		}),
		malformedPayloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "encoder_malformed_payloads_total",
			Help: "Inbound payloads dropped because they failed to parse",
		}),
	}

	registry.MustRegister(
		m.messagesTotal,
		m.requestsTotal,
		m.reconnectsTotal,
		m.connected,
		m.pendingRequests,
		m.fallbackPolls,
		m.refreshRestores,
		m.malformedPayloads,
	)
	return m
}

func (m *Metrics) IncMessages(kind string) {
	if m != nil {
		m.messagesTotal.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) IncRequests(outcome string) {
	if m != nil {
		m.requestsTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncReconnects() {
	if m != nil {
		m.reconnectsTotal.Inc()
	}
}

func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.pendingRequests.Set(float64(n))
	}
}

func (m *Metrics) IncFallbackPolls(result string) {
	if m != nil {
		m.fallbackPolls.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncRefreshRestores() {
	if m != nil {
		m.refreshRestores.Inc()
	}
}

func (m *Metrics) IncMalformed() {
	if m != nil {
		m.malformedPayloads.Inc()
	}
}

// Handler serves the private registry. updateGauges runs before each scrape.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

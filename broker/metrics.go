// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bureau-foundation/rendezvous/registry"
)

const metricsNamespace = "rendezvous"

// Eviction reasons recorded in the evictions_total counter.
const (
	EvictionReplaced   = "replaced"
	EvictionIdle       = "idle"
	EvictionDisconnect = "disconnect"
)

// CONNECT outcomes recorded in the connect_requests_total counter.
const (
	ConnectConnected = "connected"
	ConnectNotFound  = "not_found"
	ConnectBusy      = "busy"
)

// Metrics holds the broker's Prometheus collectors.
type Metrics struct {
	Registrations   prometheus.Counter
	Evictions       *prometheus.CounterVec
	ConnectRequests *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	RelayBytes      *prometheus.CounterVec
	ProtocolErrors  prometheus.Counter
}

// NewMetrics creates the broker collectors and registers them with
// registerer. A nil registerer creates unregistered collectors. The
// agents_registered gauge reads agents.Len at scrape time.
func NewMetrics(registerer prometheus.Registerer, agents *registry.Registry) *Metrics {
	factory := promauto.With(registerer)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "agents_registered",
		Help:      "Number of agents currently in the registry.",
	}, func() float64 {
		return float64(agents.Len())
	})
	return &Metrics{
		Registrations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "registrations_total",
			Help:      "Total number of accepted agent registrations.",
		}),
		Evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evictions_total",
			Help:      "Total number of agents removed from the registry, by reason.",
		}, []string{"reason"}),
		ConnectRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connect_requests_total",
			Help:      "Total number of CONNECT requests, by result.",
		}, []string{"result"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Number of relay sessions in progress.",
		}),
		RelayBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "relay_bytes_total",
			Help:      "Total bytes relayed by finished sessions, by direction.",
		}, []string{"direction"}),
		ProtocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "protocol_errors_total",
			Help:      "Total number of malformed frames received.",
		}),
	}
}

// MetricsHandler serves /metrics from gatherer and a /healthz liveness
// probe.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return mux
}

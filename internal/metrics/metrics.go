// Package metrics exposes the fabric's Prometheus instrumentation. The
// HTTP endpoint that serves these (the observability surface) is out of
// core scope; this package only owns the registration and update of the
// gauges/counters/histograms themselves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayfab_agents_connected",
		Help: "Number of currently authed, registered agents.",
	})
	PendingCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayfab_pending_connections",
		Help: "Number of public connections currently awaiting rendezvous.",
	})
	RendezvousTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayfab_rendezvous_total",
		Help: "Total rendezvous attempts by outcome.",
	}, []string{"outcome"}) // matched, unmatched, timeout, dropped
	PublicConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayfab_public_connections_total",
		Help: "Total public connections accepted by outcome.",
	}, []string{"outcome"}) // dispatched, unauthorized, no_agents
	ControlErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayfab_control_errors_total",
		Help: "Total control-channel errors by kind.",
	}, []string{"kind"}) // transport, protocol, auth, proxymatch
	SpliceBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayfab_splice_bytes_total",
		Help: "Total bytes spliced between paired sockets by direction.",
	}, []string{"direction"}) // a_to_b, b_to_a
	SpliceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relayfab_splice_duration_seconds",
		Help:    "Duration of a complete splice from pairing to full close.",
		Buckets: prometheus.DefBuckets,
	})
	ValidatorFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayfab_validator_fallback_total",
		Help: "Total times the bootstrap static key was used after a transient validator error.",
	})
)

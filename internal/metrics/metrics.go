// Package metrics holds the Prometheus instrumentation shared across the
// ingest, fan-out and outbox paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Set struct {
	registry *prometheus.Registry

	IngestTotal    *prometheus.CounterVec
	IngestLatency  *prometheus.HistogramVec
	FanoutEvents   *prometheus.CounterVec
	OutboxBacklog  prometheus.Gauge
	OutboxLag      prometheus.Histogram
	OutboxFailures prometheus.Counter
	WSSessions     prometheus.Gauge
	WSDropped      prometheus.Counter
}

// New builds the metric set on a private registry so tests can construct
// as many sets as they need without duplicate-registration panics.
func New() *Set {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	factory := promauto.With(reg)
	return &Set{
		registry: reg,
		IngestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "im",
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Ingested messages by outcome.",
		}, []string{"status"}),
		IngestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "im",
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "End-to-end ingest latency including the sequence transaction.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"status"}),
		FanoutEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "im",
			Subsystem: "fanout",
			Name:      "events_total",
			Help:      "Per-recipient delivery outcomes on the gateway.",
		}, []string{"result"}),
		OutboxBacklog: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "im",
			Subsystem: "outbox",
			Name:      "claimed_batch_size",
			Help:      "Rows claimed by the most recent outbox poll.",
		}),
		OutboxLag: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "im",
			Subsystem: "outbox",
			Name:      "settle_seconds",
			Help:      "Time from message commit to outbox row completion.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		OutboxFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "im",
			Subsystem: "outbox",
			Name:      "failed_total",
			Help:      "Outbox rows parked as failed after exhausting attempts.",
		}),
		WSSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "im",
			Subsystem: "gateway",
			Name:      "sessions",
			Help:      "Open WebSocket sessions on this node.",
		}),
		WSDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "im",
			Subsystem: "gateway",
			Name:      "dropped_events_total",
			Help:      "Events shed by session backpressure.",
		}),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (s *Set) Registry() *prometheus.Registry { return s.registry }

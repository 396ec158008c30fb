package common

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Message outcomes reported by the rewrite counters.
const (
	OutcomePassthrough = "passthrough"
	OutcomeReencoded   = "reencoded"
	OutcomeDropped     = "dropped"
	OutcomeExcluded    = "excluded"
)

// RewriteCollectors groups the Prometheus instruments of the rewrite engine.
type RewriteCollectors struct {
	Messages    *prometheus.CounterVec
	Runs        *prometheus.CounterVec
	RunDuration prometheus.Histogram
	Bytes       prometheus.Counter
}

// NewRewriteCollectors creates the instruments and registers them on reg.
// A nil reg leaves them unregistered.
func NewRewriteCollectors(reg prometheus.Registerer) *RewriteCollectors {
	c := &RewriteCollectors{
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "robolog",
			Subsystem: "rewrite",
			Name:      "messages_total",
			Help:      "Messages processed by the rewrite engine, by outcome.",
		}, []string{"outcome"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "robolog",
			Subsystem: "rewrite",
			Name:      "runs_total",
			Help:      "Rewrite runs, by final status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "robolog",
			Subsystem: "rewrite",
			Name:      "run_duration_seconds",
			Help:      "Wall time of completed rewrite runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		Bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "robolog",
			Subsystem: "rewrite",
			Name:      "payload_bytes_total",
			Help:      "Payload bytes written to destination containers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.Messages, c.Runs, c.RunDuration, c.Bytes)
	}
	return c
}

// NewPromRegistry returns a registry preloaded with the Go and process
// collectors.
func NewPromRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

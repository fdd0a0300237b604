// Package metrics provides Prometheus metrics collection for quotagate.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for quotagate.
type Collector struct {
	// Decision metrics
	DecisionsTotal *prometheus.CounterVec
	DenialsTotal   *prometheus.CounterVec
	ReleasesTotal  prometheus.Counter

	// Store metrics
	StoreDuration *prometheus.HistogramVec
	StoreErrors   *prometheus.CounterVec

	// Concurrency metrics
	ConcurrencyHeld prometheus.Gauge

	// Plan metrics
	PlanReloads      prometheus.Counter
	PlanReloadErrors prometheus.Counter
}

// New creates a new metrics collector with all metrics registered.
func New() *Collector {
	return &Collector{
		DecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotagate",
				Name:      "decisions_total",
				Help:      "Total quota decisions by outcome",
			},
			[]string{"module", "function", "allowed"},
		),
		DenialsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotagate",
				Name:      "denials_total",
				Help:      "Total denied checks by reason",
			},
			[]string{"reason"},
		),
		ReleasesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "quotagate",
				Name:      "releases_total",
				Help:      "Total quota releases",
			},
		),
		StoreDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "quotagate",
				Name:      "store_op_duration_seconds",
				Help:      "Usage store operation duration in seconds",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"op"},
		),
		StoreErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotagate",
				Name:      "store_errors_total",
				Help:      "Total usage store errors",
			},
			[]string{"op"},
		),
		ConcurrencyHeld: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "quotagate",
				Name:      "concurrency_slots_held",
				Help:      "In-flight slots currently held by this process",
			},
		),
		PlanReloads: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "quotagate",
				Name:      "plan_reloads_total",
				Help:      "Total plan configuration reloads",
			},
		),
		PlanReloadErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "quotagate",
				Name:      "plan_reload_errors_total",
				Help:      "Total failed plan configuration reloads",
			},
		),
	}
}

// ObserveDecision records a decision outcome.
func (c *Collector) ObserveDecision(module, function string, allowed bool, reason string) {
	if c == nil {
		return
	}
	a := "false"
	if allowed {
		a = "true"
	}
	c.DecisionsTotal.WithLabelValues(module, function, a).Inc()
	if !allowed && reason != "" {
		c.DenialsTotal.WithLabelValues(reason).Inc()
	}
}

// ObserveStore records a store operation's latency, and its failure.
func (c *Collector) ObserveStore(op string, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.StoreDuration.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		c.StoreErrors.WithLabelValues(op).Inc()
	}
}

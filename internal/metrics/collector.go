// Package metrics exposes execution metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector records execution, risk, confirmation and pool metrics on its
// own registry.
type Collector struct {
	registry *prometheus.Registry

	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	assessmentsTotal  *prometheus.CounterVec
	confirmationTotal *prometheus.CounterVec
	fallbacksTotal    *prometheus.CounterVec
	poolConnections   *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector creates a collector whose metric names are prefixed with
// namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of code executions by outcome",
		},
		[]string{"language", "tier", "outcome"},
	)

	c.executionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Code execution wall time in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"tier"},
	)

	c.assessmentsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_assessments_total",
			Help:      "Total number of risk assessments by level",
		},
		[]string{"language", "level"},
	)

	c.confirmationTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Total number of human confirmation requests by outcome",
		},
		[]string{"outcome"},
	)

	c.fallbacksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_fallbacks_total",
			Help:      "Total number of degradations to a weaker isolation tier",
		},
		[]string{"from", "to"},
	)

	c.poolConnections = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_connections",
			Help:      "Remote sandbox connections by state",
		},
		[]string{"state"},
	)

	return c
}

// RecordExecution counts one execution. outcome is "success" or an error
// kind such as "timeout".
func (c *Collector) RecordExecution(language, tier, outcome string, elapsed time.Duration) {
	if tier == "" {
		tier = "none"
	}
	c.executionsTotal.WithLabelValues(language, tier, outcome).Inc()
	if elapsed > 0 {
		c.executionDuration.WithLabelValues(tier).Observe(elapsed.Seconds())
	}
}

func (c *Collector) RecordAssessment(language, level string) {
	c.assessmentsTotal.WithLabelValues(language, level).Inc()
}

func (c *Collector) RecordConfirmation(outcome string) {
	c.confirmationTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordFallback(from, to string) {
	c.fallbacksTotal.WithLabelValues(from, to).Inc()
}

// SetPoolStats publishes the remote pool's connection counts.
func (c *Collector) SetPoolStats(idle, acquiring, busy int) {
	c.poolConnections.WithLabelValues("idle").Set(float64(idle))
	c.poolConnections.WithLabelValues("acquiring").Set(float64(acquiring))
	c.poolConnections.WithLabelValues("busy").Set(float64(busy))
}

// Registry returns the registry the collector's metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(c.logger),
	})
}

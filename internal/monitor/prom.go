package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromSink exports monitor snapshots as Prometheus metrics. Optional;
// the monitor operates unchanged without it.
type PromSink struct {
	registry *prometheus.Registry

	cpuPercent    prometheus.Gauge
	memPercent    prometheus.Gauge
	activeAgents  prometheus.Gauge
	pending       prometheus.Gauge
	errorRate     prometheus.Gauge
	healthLevel   prometheus.Gauge
	responseTimes prometheus.Histogram
}

// NewPromSink builds a sink with its own registry.
func NewPromSink() *PromSink {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &PromSink{
		registry: reg,
		cpuPercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vaultik", Subsystem: "system", Name: "cpu_percent",
			Help: "Sampled CPU utilization.",
		}),
		memPercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vaultik", Subsystem: "system", Name: "memory_percent",
			Help: "Sampled memory utilization.",
		}),
		activeAgents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vaultik", Subsystem: "pool", Name: "active_agents",
			Help: "Live agents in the pool.",
		}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vaultik", Subsystem: "consensus", Name: "pending_decisions",
			Help: "Consensus requests in flight.",
		}),
		errorRate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vaultik", Subsystem: "pool", Name: "error_rate",
			Help: "Fraction of failed agent decisions.",
		}),
		healthLevel: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vaultik", Subsystem: "system", Name: "health_level",
			Help: "Overall health: 0 excellent through 4 failed.",
		}),
		responseTimes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vaultik", Subsystem: "pool", Name: "avg_response_ms",
			Help:    "Average agent response time per sampling cycle.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
	}
}

// Observe publishes one snapshot.
func (s *PromSink) Observe(h SystemHealth) {
	s.cpuPercent.Set(h.CPUPercent)
	s.memPercent.Set(h.MemoryPercent)
	s.activeAgents.Set(float64(h.ActiveAgents))
	s.pending.Set(float64(h.PendingDecisions))
	s.errorRate.Set(h.ErrorRate)
	s.healthLevel.Set(float64(h.Level))
	if h.AvgResponseMs > 0 {
		s.responseTimes.Observe(h.AvgResponseMs)
	}
}

// Handler serves the sink's registry for scraping.
func (s *PromSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

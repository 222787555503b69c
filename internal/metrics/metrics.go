// Package metrics defines the daemon's Prometheus metric set, registered
// once per process and updated by the daemon coordinator and agent manager.
// Modeled on leapmux's promauto-registered counters/gauges: one package-level
// Registry struct holding every metric handle, constructed once at startup
// and threaded wherever a component needs to record something.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric this daemon exposes on /metrics.
type Registry struct {
	Up       prometheus.Gauge
	Uptime   prometheus.Gauge
	Workers  prometheus.Gauge
	Agents   prometheus.Gauge
	AgentsByState *prometheus.GaugeVec
}

// New creates and registers the full metric set against reg. Pass
// prometheus.NewRegistry() for an isolated registry (tests), or nil to use
// the global default registry.
func New(reg *prometheus.Registry) *Registry {
	var factory promauto.Factory
	if reg != nil {
		factory = promauto.With(reg)
	} else {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}

	return &Registry{
		Up: factory.NewGauge(prometheus.GaugeOpts{
			Name: "activematrix_up",
			Help: "1 while the daemon is accepting work, 0 while stopping.",
		}),
		Uptime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "activematrix_uptime_seconds",
			Help: "Seconds since the daemon process started.",
		}),
		Workers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "activematrix_workers",
			Help: "Number of worker processes currently supervised.",
		}),
		Agents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "activematrix_agents_total",
			Help: "Total number of configured agents across all workers.",
		}),
		AgentsByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "activematrix_agents",
			Help: "Number of agents currently in each lifecycle state.",
		}, []string{"state"}),
	}
}

// SetAgentCounts replaces the per-state gauge values wholesale, clearing any
// state no longer present so a agent that transitions away from a state
// doesn't leave a stale nonzero reading behind.
func (r *Registry) SetAgentCounts(counts map[string]int) {
	r.AgentsByState.Reset()
	total := 0
	for state, n := range counts {
		r.AgentsByState.WithLabelValues(state).Set(float64(n))
		total += n
	}
	r.Agents.Set(float64(total))
}

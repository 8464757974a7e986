// Package metrics exposes the daemon's Prometheus instrumentation: command
// throughput and latency, registered node counts by status, event volume,
// and fabric connectivity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the daemon's collector set, backed by its own registry so
// tests can build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	NodesByStatus   *prometheus.GaugeVec
	EventsTotal     *prometheus.CounterVec
	FabricReconnects prometheus.Counter
	ToolCallsTotal  *prometheus.CounterVec
}

// New builds a collector set with the standard Go and process collectors
// registered alongside the daemon's own.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bubbaloop",
			Name:      "commands_total",
			Help:      "Node commands executed, by command kind and outcome.",
		}, []string{"command", "outcome"}),
		CommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bubbaloop",
			Name:      "command_duration_seconds",
			Help:      "Node command latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		NodesByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bubbaloop",
			Name:      "nodes",
			Help:      "Registered nodes by current status.",
		}, []string{"status"}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bubbaloop",
			Name:      "events_total",
			Help:      "Node events published, by kind.",
		}, []string{"kind"}),
		FabricReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bubbaloop",
			Name:      "fabric_reconnects_total",
			Help:      "Times the fabric session re-established its router connection.",
		}),
		ToolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bubbaloop",
			Name:      "tool_calls_total",
			Help:      "MCP tool invocations, by tool and audit result.",
		}, []string{"tool", "result"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveNodes replaces the per-status node gauges from a status count map.
func (m *Metrics) ObserveNodes(byStatus map[string]int) {
	m.NodesByStatus.Reset()
	for status, n := range byStatus {
		m.NodesByStatus.WithLabelValues(status).Set(float64(n))
	}
}

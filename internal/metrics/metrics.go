// Package metrics exposes Prometheus gauges/counters for the daemon's
// cross-cutting concerns, registered on an internal /metrics handler
// alongside the WebSocket upgrade endpoint. Grounded on a promauto-based
// Metrics struct, trimmed to this daemon's own surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the daemon's Prometheus instruments.
type Metrics struct {
	// MCPServerConnections is the current number of connected MCP child
	// processes.
	MCPServerConnections prometheus.Gauge

	// WebSocketClients is the current number of connected WebSocket
	// clients.
	WebSocketClients prometheus.Gauge

	// WorkflowExecutionsInFlight is the current number of running
	// workflow executions.
	WorkflowExecutionsInFlight prometheus.Gauge

	// CronLoopsActive is the current number of active per-workflow
	// scheduler loops.
	CronLoopsActive prometheus.Gauge

	// ToolCallsTotal counts tool invocations by tool name and outcome.
	// Labels: tool_name, status (success|error)
	ToolCallsTotal *prometheus.CounterVec

	// WorkflowExecutionsTotal counts completed workflow executions by
	// terminal status.
	// Labels: status (completed|failed|cancelled)
	WorkflowExecutionsTotal *prometheus.CounterVec
}

// New creates and registers the daemon's Prometheus metrics against reg.
// Pass prometheus.DefaultRegisterer for the process-wide default registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MCPServerConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relayd_mcp_server_connections",
			Help: "Current number of connected MCP child processes",
		}),
		WebSocketClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relayd_websocket_clients",
			Help: "Current number of connected WebSocket clients",
		}),
		WorkflowExecutionsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relayd_workflow_executions_in_flight",
			Help: "Current number of running workflow executions",
		}),
		CronLoopsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relayd_cron_loops_active",
			Help: "Current number of active per-workflow scheduler loops",
		}),
		ToolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_tool_calls_total",
			Help: "Total number of tool calls by tool name and outcome",
		}, []string{"tool_name", "status"}),
		WorkflowExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_workflow_executions_total",
			Help: "Total number of completed workflow executions by terminal status",
		}, []string{"status"}),
	}
}

// RecordToolCall records a tool invocation outcome.
func (m *Metrics) RecordToolCall(toolName string, isError bool) {
	status := "success"
	if isError {
		status = "error"
	}
	m.ToolCallsTotal.WithLabelValues(toolName, status).Inc()
}

// RecordWorkflowExecution records a workflow execution's terminal status.
func (m *Metrics) RecordWorkflowExecution(status string) {
	m.WorkflowExecutionsTotal.WithLabelValues(status).Inc()
}

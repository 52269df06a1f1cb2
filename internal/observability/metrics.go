package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects runtime metrics for provider streams, tool execution,
// task lifecycle and the event bus.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordStream("openai", "gpt-4o", "success", time.Since(start))
type Metrics struct {
	// StreamRequests counts provider stream requests.
	// Labels: provider, model, status (success|error)
	StreamRequests *prometheus.CounterVec

	// StreamDuration measures full stream duration in seconds.
	// Labels: provider, model
	StreamDuration *prometheus.HistogramVec

	// FirstEventLatency measures time until the first normalized event.
	// Labels: provider
	FirstEventLatency *prometheus.HistogramVec

	// StreamErrors counts stream failures by error kind.
	// Labels: provider, kind (transport|decode|credential|cancelled)
	StreamErrors *prometheus.CounterVec

	// TokensUsed tracks token consumption.
	// Labels: provider, type (input|output|cached|cache_creation)
	TokensUsed *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool_name, status (success|error|pending)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolDuration *prometheus.HistogramVec

	// TaskTransitions counts task state transitions.
	// Labels: from, to
	TaskTransitions *prometheus.CounterVec

	// ActiveTasks is the number of tasks in an active state.
	ActiveTasks prometheus.Gauge

	// BusPublished and BusDropped count event bus deliveries.
	// Labels: type
	BusPublished *prometheus.CounterVec
	BusDropped   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on reg. Pass
// prometheus.NewRegistry() in tests to keep registrations isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StreamRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloop_stream_requests_total",
				Help: "Total number of provider stream requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		StreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codeloop_stream_duration_seconds",
				Help:    "Duration of provider streams in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"provider", "model"},
		),

		FirstEventLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codeloop_stream_first_event_seconds",
				Help:    "Latency until the first normalized stream event",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider"},
		),

		StreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloop_stream_errors_total",
				Help: "Total number of failed streams by provider and error kind",
			},
			[]string{"provider", "kind"},
		),

		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloop_tokens_total",
				Help: "Total number of tokens reported by providers",
			},
			[]string{"provider", "type"},
		),

		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloop_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codeloop_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		TaskTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloop_task_transitions_total",
				Help: "Total number of task state transitions",
			},
			[]string{"from", "to"},
		),

		ActiveTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "codeloop_active_tasks",
				Help: "Number of tasks currently pending, running or waiting for user",
			},
		),

		BusPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloop_bus_events_published_total",
				Help: "Total number of runtime events published on the bus",
			},
			[]string{"type"},
		),

		BusDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloop_bus_events_dropped_total",
				Help: "Total number of runtime events dropped for slow subscribers",
			},
			[]string{"type"},
		),
	}
}

// RecordStream records a completed or failed stream. Safe on a nil receiver.
func (m *Metrics) RecordStream(provider, model, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.StreamRequests.WithLabelValues(provider, model, status).Inc()
	m.StreamDuration.WithLabelValues(provider, model).Observe(d.Seconds())
}

// RecordFirstEvent records time to first event.
func (m *Metrics) RecordFirstEvent(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.FirstEventLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordStreamError counts a stream failure by kind.
func (m *Metrics) RecordStreamError(provider, kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.StreamErrors.WithLabelValues(provider, kind).Inc()
}

// RecordTokens adds provider-reported token counts.
func (m *Metrics) RecordTokens(provider string, input, output, cached, cacheCreation int) {
	if m == nil {
		return
	}
	add := func(kind string, n int) {
		if n > 0 {
			m.TokensUsed.WithLabelValues(provider, kind).Add(float64(n))
		}
	}
	add("input", input)
	add("output", output)
	add("cached", cached)
	add("cache_creation", cacheCreation)
}

// RecordToolExecution records one tool call outcome.
func (m *Metrics) RecordToolExecution(toolName, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(toolName, status).Inc()
	if d > 0 {
		m.ToolDuration.WithLabelValues(toolName).Observe(d.Seconds())
	}
}

// RecordTransition counts a task state transition and keeps the active gauge
// in step.
func (m *Metrics) RecordTransition(from, to string, fromActive, toActive bool) {
	if m == nil {
		return
	}
	m.TaskTransitions.WithLabelValues(from, to).Inc()
	switch {
	case !fromActive && toActive:
		m.ActiveTasks.Inc()
	case fromActive && !toActive:
		m.ActiveTasks.Dec()
	}
}

// RecordBusEvent counts a published event and whether any subscriber missed it.
func (m *Metrics) RecordBusEvent(eventType string, dropped int) {
	if m == nil {
		return
	}
	m.BusPublished.WithLabelValues(eventType).Inc()
	if dropped > 0 {
		m.BusDropped.WithLabelValues(eventType).Add(float64(dropped))
	}
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// phases is the ordered phase list used to keep the phase gauge one-hot.
var phases = []string{
	"uninitialized", "initializing", "awaiting_scan", "ready", "disconnected", "fallback",
}

// Metrics holds the Prometheus collectors of one taskwire process.
type Metrics struct {
	registry *prometheus.Registry

	// Connectivity
	Phase            *prometheus.GaugeVec
	Transitions      *prometheus.CounterVec
	InitAttempts     prometheus.Counter
	ChannelErrors    *prometheus.CounterVec
	StaleEvents      prometheus.Counter
	SessionClears    *prometheus.CounterVec
	HealthChecks     *prometheus.CounterVec
	InboundMessages  *prometheus.CounterVec
	DroppedInbound   prometheus.Counter
	OutboundMessages *prometheus.CounterVec

	// Workflow
	TasksCompleted prometheus.Counter

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Phase: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "taskwire_whatsapp_phase",
				Help: "Current connectivity phase (1 for the active phase)",
			},
			[]string{"phase"},
		),
		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskwire_whatsapp_transitions_total",
				Help: "Phase transitions of the connectivity service",
			},
			[]string{"from", "to"},
		),
		InitAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "taskwire_whatsapp_init_attempts_total",
			Help: "Channel launches",
		}),
		ChannelErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskwire_whatsapp_channel_errors_total",
				Help: "Classified channel errors",
			},
			[]string{"kind"},
		),
		StaleEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "taskwire_whatsapp_stale_events_total",
			Help: "Channel events ignored because their instance was torn down",
		}),
		SessionClears: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskwire_whatsapp_session_clears_total",
				Help: "Session data clears by result",
			},
			[]string{"result"},
		),
		HealthChecks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskwire_whatsapp_health_checks_total",
				Help: "Periodic health checks by result",
			},
			[]string{"result"},
		),
		InboundMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskwire_whatsapp_inbound_messages_total",
				Help: "Inbound messages by interpreter outcome",
			},
			[]string{"outcome"},
		),
		DroppedInbound: f.NewCounter(prometheus.CounterOpts{
			Name: "taskwire_whatsapp_inbound_dropped_total",
			Help: "Inbound messages dropped because the queue was full",
		}),
		OutboundMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskwire_whatsapp_outbound_messages_total",
				Help: "Outbound notifications by outcome",
			},
			[]string{"outcome"},
		),
		TasksCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "taskwire_tasks_completed_by_reply_total",
			Help: "Tasks closed by a completion reply",
		}),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskwire_http_requests_total",
				Help: "Operator API requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskwire_http_request_duration_seconds",
				Help:    "Operator API latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTransition counts a phase change and moves the phase gauge.
// Safe on a nil receiver.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
	m.SetPhase(to)
}

// SetPhase sets the gauge of the active phase to 1 and the others to 0.
func (m *Metrics) SetPhase(active string) {
	if m == nil {
		return
	}
	for _, p := range phases {
		v := 0.0
		if p == active {
			v = 1
		}
		m.Phase.WithLabelValues(p).Set(v)
	}
}

// RecordOutbound counts a gateway outcome.
func (m *Metrics) RecordOutbound(outcome string) {
	if m == nil {
		return
	}
	m.OutboundMessages.WithLabelValues(outcome).Inc()
}

// RecordInbound counts an interpreter outcome.
func (m *Metrics) RecordInbound(outcome string) {
	if m == nil {
		return
	}
	m.InboundMessages.WithLabelValues(outcome).Inc()
}

// RecordTaskCompleted counts a task closed by a reply.
func (m *Metrics) RecordTaskCompleted() {
	if m == nil {
		return
	}
	m.TasksCompleted.Inc()
}

// RecordHTTPRequest records an operator API request.
func (m *Metrics) RecordHTTPRequest(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(seconds)
}

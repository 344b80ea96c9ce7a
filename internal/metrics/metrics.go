// Package metrics exposes prometheus collectors for the browser services.
// Every recording method is safe on a nil *Metrics so callers never need guards.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "browser_pilot"

// Metrics groups all collectors
type Metrics struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	queueDepth      prometheus.Gauge
	navigations     *prometheus.CounterVec
	tasks           *prometheus.CounterVec
	taskSteps       prometheus.Histogram
	parserPlans     *prometheus.CounterVec
	frames          prometheus.Counter
	frameErrors     prometheus.Counter
	activeSessions  prometheus.Gauge
	reapedSessions  prometheus.Counter
	subscribers     prometheus.Gauge
	droppedEvents   prometheus.Counter
}

// New registers all collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands executed by the session worker.",
		}, []string{"kind", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Wall time spent executing one command.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "command_queue_depth",
			Help:      "Commands waiting for the session worker.",
		}),
		navigations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "navigation_attempts_total",
			Help:      "Navigation strategy attempts by outcome.",
		}, []string{"strategy", "outcome"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Task plans run by the executor.",
		}, []string{"outcome"}),
		taskSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_steps_executed",
			Help:      "Steps executed per task plan.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		parserPlans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parser_plans_total",
			Help:      "Plans produced by the task parser by provenance.",
		}, []string{"provenance"}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Screenshots captured by the capture loop.",
		}),
		frameErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_capture_errors_total",
			Help:      "Failed capture attempts.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Live browser sessions in the registry.",
		}),
		reapedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_reaped_total",
			Help:      "Sessions closed by the idle reaper.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_subscribers",
			Help:      "Connected event bus subscribers.",
		}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_subscribers_dropped_total",
			Help:      "Subscribers removed after a failed delivery.",
		}),
	}

	reg.MustRegister(
		m.commands, m.commandDuration, m.queueDepth, m.navigations,
		m.tasks, m.taskSteps, m.parserPlans, m.frames, m.frameErrors,
		m.activeSessions, m.reapedSessions, m.subscribers, m.droppedEvents,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (m *Metrics) RecordCommand(kind string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind, outcome(ok)).Inc()
	m.commandDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) RecordNavigation(strategy string, ok bool) {
	if m == nil {
		return
	}
	m.navigations.WithLabelValues(strategy, outcome(ok)).Inc()
}

func (m *Metrics) RecordTask(ok, timedOut bool, steps int) {
	if m == nil {
		return
	}
	label := outcome(ok)
	if timedOut {
		label = "timeout"
	}
	m.tasks.WithLabelValues(label).Inc()
	m.taskSteps.Observe(float64(steps))
}

func (m *Metrics) RecordPlan(provenance string) {
	if m == nil {
		return
	}
	m.parserPlans.WithLabelValues(provenance).Inc()
}

func (m *Metrics) RecordFrame(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.frameErrors.Inc()
		return
	}
	m.frames.Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordReaped() {
	if m == nil {
		return
	}
	m.reapedSessions.Inc()
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) RecordDroppedSubscriber() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}

// Package metrics exposes Prometheus metrics for the service lifecycle,
// the recovery monitor and the task engine.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fgsvc/internal/eventbus"
	"fgsvc/internal/svcerr"
)

const Namespace = "fgsvc"

// Recorder is implemented by Prom and Noop. It satisfies engine.Recorder.
type Recorder interface {
	TaskFinished(name string, d time.Duration, err error)
	TaskDropped(name, reason string)
	OperationFailed(op string, code svcerr.Code)
	RunningCount(n int)
	Snapshot(s eventbus.HealthSnapshot)
	Recovery(kind string)
	Click(source string)
}

// Prom records into its own registry.
type Prom struct {
	registry *prometheus.Registry

	tasksTotal    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	tasksDropped  *prometheus.CounterVec
	opErrors      *prometheus.CounterVec
	running       prometheus.Gauge
	declared      prometheus.Gauge
	observed      prometheus.Gauge
	inconsistent  prometheus.Gauge
	lastCheck     prometheus.Gauge
	recoveryTotal *prometheus.CounterVec
	clicksTotal   *prometheus.CounterVec
}

// New builds the metrics and registers them, plus the Go and process
// collectors, on a fresh registry.
func New() (*Prom, error) {
	reg := prometheus.NewRegistry()
	m := &Prom{registry: reg}
	m.init()
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tasksTotal, m.taskDuration, m.tasksDropped, m.opErrors,
		m.running, m.declared, m.observed, m.inconsistent, m.lastCheck,
		m.recoveryTotal, m.clicksTotal,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Prom) init() {
	m.tasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "task",
		Name: "executions_total",
		Help: "Headless task executions by task and status",
	}, []string{"task", "status"})
	m.taskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace, Subsystem: "task",
		Name:    "duration_seconds",
		Help:    "Headless task execution time including retries",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"task"})
	m.tasksDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "task",
		Name: "dropped_total",
		Help: "Tasks dropped before execution by reason",
	}, []string{"task", "reason"})
	m.opErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "service",
		Name: "operation_errors_total",
		Help: "Failed caller-facing operations by operation and error code",
	}, []string{"op", "code"})
	m.running = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Subsystem: "service",
		Name: "running_count",
		Help: "Nested start calls not yet matched by stop",
	})
	m.declared = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Subsystem: "recovery",
		Name: "declared_running",
		Help: "Whether the controller believes the service runs (1) or not (0) at the last check",
	})
	m.observed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Subsystem: "recovery",
		Name: "observed_running",
		Help: "Whether the host reported the service running (1) or not (0) at the last check",
	})
	m.inconsistent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Subsystem: "recovery",
		Name: "inconsistent",
		Help: "1 when the last check found declared and observed state diverging",
	})
	m.lastCheck = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Subsystem: "recovery",
		Name: "last_check_timestamp_seconds",
		Help: "Time of the last reconciliation check",
	})
	m.recoveryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "recovery",
		Name: "events_total",
		Help: "Recovery events by kind",
	}, []string{"kind"})
	m.clicksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "notification",
		Name: "clicks_total",
		Help: "Notification button presses by source",
	}, []string{"source"})
}

// Registry returns the registry the metrics live in.
func (m *Prom) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Prom) TaskFinished(name string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.tasksTotal.WithLabelValues(name, status).Inc()
	m.taskDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (m *Prom) TaskDropped(name, reason string) {
	m.tasksDropped.WithLabelValues(name, reason).Inc()
}

func (m *Prom) OperationFailed(op string, code svcerr.Code) {
	m.opErrors.WithLabelValues(op, string(code)).Inc()
}

func (m *Prom) RunningCount(n int) { m.running.Set(float64(n)) }

func (m *Prom) Snapshot(s eventbus.HealthSnapshot) {
	m.declared.Set(b2f(s.DeclaredRunning))
	m.observed.Set(b2f(s.ObservedRunning))
	m.inconsistent.Set(b2f(s.DeclaredRunning != s.ObservedRunning))
	m.lastCheck.Set(float64(s.CheckedAt.Unix()))
}

func (m *Prom) Recovery(kind string) { m.recoveryTotal.WithLabelValues(kind).Inc() }

func (m *Prom) Click(source string) { m.clicksTotal.WithLabelValues(source).Inc() }

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Noop discards everything.
type Noop struct{}

func (Noop) TaskFinished(string, time.Duration, error) {}
func (Noop) TaskDropped(string, string)                {}
func (Noop) OperationFailed(string, svcerr.Code)       {}
func (Noop) RunningCount(int)                          {}
func (Noop) Snapshot(eventbus.HealthSnapshot)          {}
func (Noop) Recovery(string)                           {}
func (Noop) Click(string)                              {}

// OrNoop returns r, or Noop when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}

var (
	_ Recorder = (*Prom)(nil)
	_ Recorder = Noop{}
)

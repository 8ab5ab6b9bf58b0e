package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fault kinds recorded for worker actions.
const (
	FaultNone    = "none"
	FaultError   = "error"
	FaultTimeout = "timeout"
	FaultPanic   = "panic"
)

// Metrics groups the orchestrator collectors. A nil *Metrics is valid and
// records nothing, so packages can take it as an optional dependency.
type Metrics struct {
	registry prometheus.Gatherer

	queueDepth     *prometheus.GaugeVec
	actionDuration *prometheus.HistogramVec
	actionsTotal   *prometheus.CounterVec
	tasksStarted   *prometheus.CounterVec
	taskOutcomes   *prometheus.CounterVec
	refusedStarts  prometheus.Counter
	liveTasks      prometheus.Gauge
	repairRounds   prometheus.Counter
	paused         prometheus.Gauge
	devices        prometheus.Gauge
}

// New registers the collectors on reg. When reg is nil a private registry is
// used, which keeps tests isolated from the process-wide default.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "emuagent_worker_queue_depth",
			Help: "Number of actions waiting in a device worker queue.",
		}, []string{"serial"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "emuagent_worker_action_seconds",
			Help:    "Duration of actions executed by device workers by kind, in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 180, 600, 1800},
		}, []string{"kind"}),
		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emuagent_worker_actions_total",
			Help: "Total actions executed by device workers, by fault kind.",
		}, []string{"fault"}),
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emuagent_tasks_started_total",
			Help: "Total tasks accepted by the registry, by scope kind.",
		}, []string{"scope"}),
		taskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emuagent_task_outcomes_total",
			Help: "Total task terminal states, by outcome.",
		}, []string{"outcome"}),
		refusedStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emuagent_tasks_refused_total",
			Help: "Task starts refused because a repair round was active.",
		}),
		liveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emuagent_live_registrations",
			Help: "Number of live task registrations.",
		}),
		repairRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emuagent_repair_rounds_total",
			Help: "Total connectivity repair rounds started.",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emuagent_paused",
			Help: "1 while the global pause switch is set.",
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emuagent_devices",
			Help: "Number of devices with a running worker.",
		}),
	}
	reg.MustRegister(
		m.queueDepth,
		m.actionDuration,
		m.actionsTotal,
		m.tasksStarted,
		m.taskOutcomes,
		m.refusedStarts,
		m.liveTasks,
		m.repairRounds,
		m.paused,
		m.devices,
	)
	for _, fault := range []string{FaultNone, FaultError, FaultTimeout, FaultPanic} {
		m.actionsTotal.WithLabelValues(fault)
	}
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetQueueDepth(serial string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(serial).Set(float64(depth))
}

func (m *Metrics) DropDevice(serial string) {
	if m == nil {
		return
	}
	m.queueDepth.DeleteLabelValues(serial)
}

// ObserveAction records one worker action. kind must have bounded
// cardinality; per-task keys would create a series per device and task.
func (m *Metrics) ObserveAction(kind string, d time.Duration, fault string) {
	if m == nil {
		return
	}
	m.actionDuration.WithLabelValues(kind).Observe(d.Seconds())
	m.actionsTotal.WithLabelValues(fault).Inc()
}

func (m *Metrics) TaskStarted(scopeKind string) {
	if m == nil {
		return
	}
	m.tasksStarted.WithLabelValues(scopeKind).Inc()
}

func (m *Metrics) TaskFinished(outcome string) {
	if m == nil {
		return
	}
	m.taskOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StartRefused() {
	if m == nil {
		return
	}
	m.refusedStarts.Inc()
}

func (m *Metrics) SetLiveRegistrations(n int) {
	if m == nil {
		return
	}
	m.liveTasks.Set(float64(n))
}

func (m *Metrics) RepairRoundStarted() {
	if m == nil {
		return
	}
	m.repairRounds.Inc()
}

func (m *Metrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
}

func (m *Metrics) SetDevices(n int) {
	if m == nil {
		return
	}
	m.devices.Set(float64(n))
}

package operator

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report operator activity.
type Metrics struct {
	tasks             *prometheus.CounterVec
	tasksActive       prometheus.Gauge
	subtasks          *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	creationAttempts  *prometheus.CounterVec
	auctionWait       *prometheus.HistogramVec
	auctionPolls      prometheus.Counter
	executions        *prometheus.CounterVec
	executionDuration prometheus.Histogram
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the metrics registered with the global Prometheus
// registry, creating them on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Collectors that are already registered are reused; any other registration
// error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	const namespace, subsystem = "auctionmesh", "operator"

	return &Metrics{
		tasks: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "tasks_total",
			Help: "Tasks finished by the orchestrator, by overall status.",
		}, []string{"status"})),
		tasksActive: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "tasks_active",
			Help: "Tasks currently being orchestrated.",
		})),
		subtasks: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "subtasks_total",
			Help: "Subtasks that reached a terminal status, by status and failure reason.",
		}, []string{"status", "reason"})),
		stageDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "stage_duration_seconds",
			Help:    "Time spent in each task stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"})),
		creationAttempts: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "auction_creation_attempts_total",
			Help: "Auction creation calls, by outcome (success, retry, failed).",
		}, []string{"outcome"})),
		auctionWait: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "auction_wait_seconds",
			Help:    "Time from monitoring start to auction outcome.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"outcome"})),
		auctionPolls: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "auction_polls_total",
			Help: "Ledger reads issued by auction monitors.",
		})),
		executions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "executions_total",
			Help: "Execution attempts dispatched to winning agents, by outcome.",
		}, []string{"outcome"})),
		executionDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "execution_duration_seconds",
			Help:    "Duration of execution attempts.",
			Buckets: prometheus.DefBuckets,
		})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) T {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

func (m *Metrics) taskStarted() {
	if m == nil {
		return
	}
	m.tasksActive.Inc()
}

func (m *Metrics) taskFinished(status OverallStatus) {
	if m == nil {
		return
	}
	m.tasksActive.Dec()
	m.tasks.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) subtaskFinished(status SubtaskStatus, reason FailureReason) {
	if m == nil {
		return
	}
	m.subtasks.WithLabelValues(string(status), string(reason)).Inc()
}

func (m *Metrics) observeStage(stage Stage, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

func (m *Metrics) creationAttempt(outcome string) {
	if m == nil {
		return
	}
	m.creationAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) auctionPolled() {
	if m == nil {
		return
	}
	m.auctionPolls.Inc()
}

func (m *Metrics) auctionFinished(kind OutcomeKind, d time.Duration) {
	if m == nil {
		return
	}
	m.auctionWait.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (m *Metrics) executionAttempt(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(outcome).Inc()
	m.executionDuration.Observe(d.Seconds())
}

package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the tick engine.
type Metrics struct {
	config MetricsConfig

	// Tick metrics
	ticksCompleted prometheus.Counter
	tickDuration   prometheus.Histogram
	tickOverruns   prometheus.Counter

	// Stage metrics
	stageDuration   *prometheus.HistogramVec
	bucketsExecuted *prometheus.CounterVec
	callbacks       *prometheus.CounterVec

	// Manager metrics
	managerFailures    *prometheus.CounterVec
	registeredManagers prometheus.Gauge

	// Convergence loop metrics
	updatesPerTick   prometheus.Histogram
	convergePasses   prometheus.Histogram
	updateStorms     prometheus.Counter
	scheduledTaskRun *prometheus.CounterVec

	// Snapshot metrics
	primitivesCommitted prometheus.Counter

	// Generation metrics
	generations          *prometheus.CounterVec
	generationDuration   prometheus.Histogram
	generationSaturation prometheus.Counter
	sectionStates        *prometheus.GaugeVec
	chunkLoads           *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		ticksCompleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticks_total",
				Help:      "Total number of completed ticks",
			},
		),
		tickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tick_duration_seconds",
				Help:      "Wall time of a full tick in seconds",
				Buckets:   buckets,
			},
		),
		tickOverruns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tick_overruns_total",
				Help:      "Ticks that started more than two intervals late",
			},
		),

		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Wall time of each stage including all of its buckets",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),
		bucketsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "buckets_executed_total",
				Help:      "Sequence buckets dispatched to the worker pool",
			},
			[]string{"stage"},
		),
		callbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manager_callbacks_total",
				Help:      "Manager stage callbacks executed",
			},
			[]string{"stage", "status"},
		),

		managerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manager_failures_total",
				Help:      "Manager stage callbacks that returned an error or panicked",
			},
			[]string{"stage"},
		),
		registeredManagers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registered_managers",
				Help:      "Current number of registered async managers",
			},
		),

		updatesPerTick: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "updates_per_tick",
				Help:      "Dynamic and physics updates performed in one tick",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
			},
		),
		convergePasses: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "convergence_passes",
				Help:      "Dynamic/physics loop passes per tick",
				Buckets:   prometheus.LinearBuckets(1, 1, 10),
			},
		),
		updateStorms: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "update_storms_total",
				Help:      "Ticks whose convergence loop hit the update threshold",
			},
		),
		scheduledTaskRun: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduled_tasks_total",
				Help:      "Scheduled tasks run at tick start",
			},
			[]string{"status"},
		),

		primitivesCommitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_commits_total",
				Help:      "Snapshot primitives committed",
			},
		),

		generations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "section_generations_total",
				Help:      "Section generation attempts by result",
			},
			[]string{"result"},
		),
		generationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "section_generation_duration_seconds",
				Help:      "Time to generate and publish one section",
				Buckets:   buckets,
			},
		),
		generationSaturation: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_queue_saturation_total",
				Help:      "Generation submissions that found the queue full",
			},
		),
		sectionStates: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sections",
				Help:      "Sections by generation state",
			},
			[]string{"state"},
		),
		chunkLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunk_loads_total",
				Help:      "Chunk lookups that missed the live table, by outcome",
			},
			[]string{"outcome"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.ticksCompleted,
		m.tickDuration,
		m.tickOverruns,
		m.stageDuration,
		m.bucketsExecuted,
		m.callbacks,
		m.managerFailures,
		m.registeredManagers,
		m.updatesPerTick,
		m.convergePasses,
		m.updateStorms,
		m.scheduledTaskRun,
		m.primitivesCommitted,
		m.generations,
		m.generationDuration,
		m.generationSaturation,
		m.sectionStates,
		m.chunkLoads,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Tick Metrics

// RecordTick records a completed tick and its duration.
func (m *Metrics) RecordTick(duration time.Duration) {
	if m.ticksCompleted == nil {
		return
	}
	m.ticksCompleted.Inc()
	m.tickDuration.Observe(duration.Seconds())
}

// RecordTickOverrun records a tick that started far behind schedule.
func (m *Metrics) RecordTickOverrun() {
	if m.tickOverruns == nil {
		return
	}
	m.tickOverruns.Inc()
}

// Stage Metrics

// RecordStage records the duration of one stage and how many buckets it ran.
func (m *Metrics) RecordStage(stage string, buckets int, duration time.Duration) {
	if m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	m.bucketsExecuted.WithLabelValues(stage).Add(float64(buckets))
}

// RecordCallback records one manager callback outcome.
func (m *Metrics) RecordCallback(stage string, failed bool) {
	if m.callbacks == nil {
		return
	}
	status := "ok"
	if failed {
		status = "failed"
		m.managerFailures.WithLabelValues(stage).Inc()
	}
	m.callbacks.WithLabelValues(stage, status).Inc()
}

// SetRegisteredManagers sets the registered manager gauge.
func (m *Metrics) SetRegisteredManagers(count int) {
	if m.registeredManagers == nil {
		return
	}
	m.registeredManagers.Set(float64(count))
}

// Convergence Metrics

// RecordConvergence records the dynamic/physics loop outcome for one tick.
func (m *Metrics) RecordConvergence(updates, passes int, storm bool) {
	if m.updatesPerTick == nil {
		return
	}
	m.updatesPerTick.Observe(float64(updates))
	m.convergePasses.Observe(float64(passes))
	if storm {
		m.updateStorms.Inc()
	}
}

// RecordScheduledTask records a scheduled task run at tick start.
func (m *Metrics) RecordScheduledTask(failed bool) {
	if m.scheduledTaskRun == nil {
		return
	}
	status := "ok"
	if failed {
		status = "failed"
	}
	m.scheduledTaskRun.WithLabelValues(status).Inc()
}

// RecordCommit records how many snapshot primitives were committed.
func (m *Metrics) RecordCommit(count int) {
	if m.primitivesCommitted == nil {
		return
	}
	m.primitivesCommitted.Add(float64(count))
}

// Generation Metrics

// RecordGeneration records a section generation attempt.
func (m *Metrics) RecordGeneration(result string, duration time.Duration) {
	if m.generations == nil {
		return
	}
	m.generations.WithLabelValues(result).Inc()
	if duration > 0 {
		m.generationDuration.Observe(duration.Seconds())
	}
}

// RecordGenerationSaturation records a submission that found the queue full.
func (m *Metrics) RecordGenerationSaturation() {
	if m.generationSaturation == nil {
		return
	}
	m.generationSaturation.Inc()
}

// MoveSectionState moves one section between state gauges.
// An empty from means the section is new.
func (m *Metrics) MoveSectionState(from, to string) {
	if m.sectionStates == nil {
		return
	}
	if from != "" {
		m.sectionStates.WithLabelValues(from).Dec()
	}
	m.sectionStates.WithLabelValues(to).Inc()
}

// RecordChunkLoad records the outcome of a chunk lookup that missed the
// live table (stored, generated, absent, failed).
func (m *Metrics) RecordChunkLoad(outcome string) {
	if m.chunkLoads == nil {
		return
	}
	m.chunkLoads.WithLabelValues(outcome).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() (*http.Server, error) {
	if !m.config.Enabled {
		return nil, nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return server, nil
}

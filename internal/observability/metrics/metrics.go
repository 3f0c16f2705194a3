package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "relay_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	samplesTotal        prometheus.Counter
	sequenceViolations  prometheus.Counter
	cyclesTotal         prometheus.Counter
	cycleRMS            prometheus.Gauge
	tripAsserted        prometheus.Gauge
	phaseTransitions    *prometheus.CounterVec
	evaluationLatency   prometheus.Histogram
	sourceErrors        *prometheus.CounterVec
	outputDropped       *prometheus.CounterVec
	sinkPublishTotal    *prometheus.CounterVec
	tripEventsTotal     *prometheus.CounterVec
	notificationsTotal  *prometheus.CounterVec
	reportExportTotal   *prometheus.CounterVec
	reportExportLatency *prometheus.HistogramVec
)

// Init registers relay metrics and DB-backed gauges.
func Init(db *sql.DB, logger *zap.SugaredLogger) {
	registerOnce.Do(func() {
		samplesTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "samples_total",
				Help: "Total raw samples evaluated",
			},
		)
		sequenceViolations = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "sequence_violations_total",
				Help: "Samples rejected for non-increasing timestamps",
			},
		)
		cyclesTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "cycles_total",
				Help: "Completed RMS cycles",
			},
		)
		cycleRMS = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "cycle_rms_amperes",
				Help: "Last cycle RMS current in primary amperes",
			},
		)
		tripAsserted = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "trip_asserted",
				Help: "1 while the trip output is asserted",
			},
		)
		phaseTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "phase_transitions_total",
				Help: "Trip logic transitions by target phase",
			},
			[]string{"phase"},
		)
		evaluationLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "evaluation_latency_seconds",
				Help:    "Per-sample evaluation latency in seconds",
				Buckets: []float64{1e-7, 5e-7, 1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3},
			},
		)
		sourceErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "source_errors_total",
				Help: "Sample source failures by reason",
			},
			[]string{"reason"},
		)
		outputDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "output_dropped_total",
				Help: "Results or samples dropped on full queues",
			},
			[]string{"queue"},
		)
		sinkPublishTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sink_publish_total",
				Help: "Trip sink publications by sink and result",
			},
			[]string{"sink", "result"},
		)
		tripEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "trip_events_total",
				Help: "Trip lifecycle events by type",
			},
			[]string{"event"},
		)
		notificationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_total",
				Help: "Notification deliveries by result",
			},
			[]string{"result"},
		)
		reportExportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "report_export_total",
				Help: "Trip report exports by format and result",
			},
			[]string{"format", "result"},
		)
		reportExportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "report_export_latency_seconds",
				Help:    "Trip report export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			samplesTotal,
			sequenceViolations,
			cyclesTotal,
			cycleRMS,
			tripAsserted,
			phaseTransitions,
			evaluationLatency,
			sourceErrors,
			outputDropped,
			sinkPublishTotal,
			tripEventsTotal,
			notificationsTotal,
			reportExportTotal,
			reportExportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveSample records one evaluated sample and its latency.
func ObserveSample(duration time.Duration) {
	if samplesTotal != nil {
		samplesTotal.Inc()
	}
	if evaluationLatency != nil {
		evaluationLatency.Observe(duration.Seconds())
	}
}

// IncSequenceViolation counts a rejected sample.
func IncSequenceViolation() {
	if sequenceViolations != nil {
		sequenceViolations.Inc()
	}
}

// ObserveCycle records a completed cycle.
func ObserveCycle(rms float64, asserted bool) {
	if cyclesTotal != nil {
		cyclesTotal.Inc()
	}
	if cycleRMS != nil {
		cycleRMS.Set(rms)
	}
	if tripAsserted != nil {
		if asserted {
			tripAsserted.Set(1)
		} else {
			tripAsserted.Set(0)
		}
	}
}

// IncPhaseTransition counts a transition into phase.
func IncPhaseTransition(phase string) {
	if phase == "" {
		phase = "unknown"
	}
	if phaseTransitions != nil {
		phaseTransitions.WithLabelValues(phase).Inc()
	}
}

// IncSourceError counts a sample source failure.
func IncSourceError(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if sourceErrors != nil {
		sourceErrors.WithLabelValues(reason).Inc()
	}
}

// IncDropped counts an item dropped from a full queue.
func IncDropped(queue string) {
	if queue == "" {
		queue = "unknown"
	}
	if outputDropped != nil {
		outputDropped.WithLabelValues(queue).Inc()
	}
}

// IncSinkPublish counts a trip sink publication.
func IncSinkPublish(sink, result string) {
	if sink == "" {
		sink = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if sinkPublishTotal != nil {
		sinkPublishTotal.WithLabelValues(sink, result).Inc()
	}
}

// IncTripEvent increments trip lifecycle counters.
func IncTripEvent(event string) {
	if event == "" {
		event = "unknown"
	}
	if tripEventsTotal != nil {
		tripEventsTotal.WithLabelValues(event).Inc()
	}
}

// IncNotification counts a notification delivery attempt.
func IncNotification(result string) {
	if result == "" {
		result = resultSuccess
	}
	if notificationsTotal != nil {
		notificationsTotal.WithLabelValues(result).Inc()
	}
}

// ObserveReportExport records export latency and result.
func ObserveReportExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if reportExportTotal != nil {
		reportExportTotal.WithLabelValues(format, result).Inc()
	}
	if reportExportLatency != nil {
		reportExportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)

package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const namespace = "scalpel_autofix"

var (
	issuesDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issues_detected_total",
			Help:      "Issues reported by detectors, partitioned by category and severity.",
		},
		[]string{"category", "severity"},
	)

	filesScannedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_scanned_total",
			Help:      "Files visited by the scheduler, partitioned by result (scanned, cached, failed).",
		},
		[]string{"result"},
	)

	fixAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fix_attempts_total",
			Help:      "Strategy attempts, partitioned by strategy and result.",
		},
		[]string{"strategy", "result"},
	)

	gateFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_gate_failures_total",
			Help:      "Validation gate failures, partitioned by gate.",
		},
		[]string{"gate"},
	)

	outcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issue_outcomes_total",
			Help:      "Terminal issue outcomes.",
		},
		[]string{"outcome"},
	)

	escalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Issues offered to escalation handlers, partitioned by handler.",
		},
		[]string{"handler"},
	)

	scanDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_batch_seconds",
			Help:      "Scan batch latency in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
	)
)

// RegisterMetrics attaches the autofix collectors to the supplied registerer.
// Registering twice is not an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		issuesDetectedTotal,
		filesScannedTotal,
		fixAttemptsTotal,
		gateFailuresTotal,
		outcomesTotal,
		escalationsTotal,
		scanDurationSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveIssueDetected counts a freshly detected issue.
func ObserveIssueDetected(category, severity string) {
	issuesDetectedTotal.WithLabelValues(category, severity).Inc()
}

// ObserveFileScan counts a scheduler decision for one file.
func ObserveFileScan(result string) {
	filesScannedTotal.WithLabelValues(result).Inc()
}

// ObserveAttempt counts a strategy attempt.
func ObserveAttempt(strategy, result string) {
	fixAttemptsTotal.WithLabelValues(strategy, result).Inc()
}

// ObserveGateFailure counts a failed validation gate.
func ObserveGateFailure(gate string) {
	gateFailuresTotal.WithLabelValues(gate).Inc()
}

// ObserveOutcome counts a terminal issue outcome.
func ObserveOutcome(outcome string) {
	outcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveEscalation counts an issue offered to an escalation handler.
func ObserveEscalation(handler string) {
	escalationsTotal.WithLabelValues(handler).Inc()
}

// ObserveScan records a scan batch duration.
func ObserveScan(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	scanDurationSeconds.Observe(duration.Seconds())
}

// Tracer returns the named tracer from the global provider. Without an
// installed provider the spans are no-ops.
func Tracer(name string) trace.Tracer {
	return otel.Tracer("github.com/xkilldash9x/scalpel-autofix/" + name)
}

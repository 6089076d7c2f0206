// Package metrics records admission, release, and cancellation outcomes and
// exports them as a Prometheus textfile for the node exporter collector.
//
// Each invocation is a short-lived process, so nothing is served over HTTP.
// The recorder owns a private registry and the CLI writes it out once the
// command finishes.
package metrics

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Admission outcomes.
const (
	OutcomeAcquired = "acquired"
	OutcomeForced   = "forced"
	OutcomeSquashed = "squashed"
	OutcomeTimeout  = "timeout"
	OutcomeSkipped  = "skipped"
	OutcomeError    = "error"
)

// Recorder holds the collectors for one invocation. A nil Recorder discards
// observations.
type Recorder struct {
	registry      *prometheus.Registry
	admissions    *prometheus.CounterVec
	admissionWait *prometheus.HistogramVec
	attempts      *prometheus.HistogramVec
	releases      *prometheus.CounterVec
	cancellations *prometheus.CounterVec
}

// New returns a Recorder backed by a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_queue_admissions_total",
			Help: "Admission attempts by partition and outcome",
		}, []string{"partition", "outcome"}),
		admissionWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workflow_queue_admission_wait_seconds",
			Help:    "Time a run spent queued before admission resolved",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"partition"}),
		attempts: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workflow_queue_admission_attempts",
			Help:    "Poll attempts used before admission resolved",
			Buckets: prometheus.LinearBuckets(1, 5, 12),
		}, []string{"partition"}),
		releases: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_queue_releases_total",
			Help: "Releases by partition and resulting status",
		}, []string{"partition", "status"}),
		cancellations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_queue_cancellations_total",
			Help: "Self-cancel enforcement by mode and result",
		}, []string{"mode", "result"}),
	}
}

// ObserveAdmission records how an admission resolved.
func (r *Recorder) ObserveAdmission(partition, outcome string, waited time.Duration, attempts int) {
	if r == nil {
		return
	}
	r.admissions.WithLabelValues(partition, outcome).Inc()
	r.admissionWait.WithLabelValues(partition).Observe(waited.Seconds())
	if attempts > 0 {
		r.attempts.WithLabelValues(partition).Observe(float64(attempts))
	}
}

// ObserveRelease records a release and the status it left behind.
func (r *Recorder) ObserveRelease(partition, status string) {
	if r == nil {
		return
	}
	r.releases.WithLabelValues(partition, strings.ToLower(status)).Inc()
}

// ObserveCancellation records the result of enforcing a cancel decision.
func (r *Recorder) ObserveCancellation(mode, result string) {
	if r == nil {
		return
	}
	r.cancellations.WithLabelValues(mode, result).Inc()
}

// WriteTextfile writes every collected metric to path in the text exposition
// format. An empty path is a no-op.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || strings.TrimSpace(path) == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

package core

import (
	"time"

	"github.com/example/receiptsync/internal/metrics"
)

// Job names shared by the scheduler, the jobs endpoint and the CLI.
const (
	JobUsageReset       = "usage-reset"
	JobConnectionHealth = "connection-health"
	JobPurge            = "purge"
)

// SweepReport summarizes one sweep run.
type SweepReport struct {
	Job       string        `json:"job"`
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Cursor    string        `json:"cursor,omitempty"`
	Complete  bool          `json:"complete"`
	Duration  time.Duration `json:"duration"`
}

func newSweepReport(job string) *SweepReport {
	return &SweepReport{Job: job}
}

func (r *SweepReport) processed() {
	r.Processed++
	metrics.SweepItemsTotal.WithLabelValues(r.Job, metrics.OutcomeProcessed).Inc()
}

func (r *SweepReport) skipped() {
	r.Skipped++
	metrics.SweepItemsTotal.WithLabelValues(r.Job, metrics.OutcomeSkipped).Inc()
}

func (r *SweepReport) failed() {
	r.Failed++
	metrics.SweepItemsTotal.WithLabelValues(r.Job, metrics.OutcomeFailed).Inc()
}

func (r *SweepReport) finish(started time.Time) {
	r.Duration = time.Since(started)
	metrics.SweepDuration.WithLabelValues(r.Job).Observe(r.Duration.Seconds())
}

package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SweepFunc runs one sweep.
type SweepFunc func(ctx context.Context) (*SweepReport, error)

// Job is a named sweep and how often the scheduler runs it.
type Job struct {
	Name     string
	Interval time.Duration
	Run      SweepFunc
}

// Jobs is the set of sweeps shared by the scheduler, the jobs endpoint and the CLI.
type Jobs map[string]Job

// NewJobs registers the three periodic sweeps.
func NewJobs(reconciler *Reconciler, monitor *ConnectionMonitor, lifecycle *Lifecycle, healthInterval time.Duration) Jobs {
	if healthInterval <= 0 {
		healthInterval = 6 * time.Hour
	}
	return Jobs{
		JobUsageReset:       {Name: JobUsageReset, Interval: time.Hour, Run: reconciler.RunUsageResetSweep},
		JobConnectionHealth: {Name: JobConnectionHealth, Interval: healthInterval, Run: monitor.RunHealthSweep},
		JobPurge:            {Name: JobPurge, Interval: 24 * time.Hour, Run: lifecycle.RunPurgeSweep},
	}
}

// Names returns the registered job names in sorted order.
func (j Jobs) Names() []string {
	names := make([]string, 0, len(j))
	for name := range j {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes the named job once.
func (j Jobs) Run(ctx context.Context, name string) (*SweepReport, error) {
	job, ok := j[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown job %q", ErrInvalidArgument, name)
	}
	return job.Run(ctx)
}

// Scheduler runs every job on its own ticker.
type Scheduler struct {
	jobs   Jobs
	logger *zap.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(jobs Jobs, logger *zap.Logger) *Scheduler {
	return &Scheduler{jobs: jobs, logger: logger}
}

// Run starts one loop per job. It blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Scheduler started", zap.Strings("jobs", s.jobs.Names()))
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, job)
		}()
	}
	wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := job.Run(ctx)
			if err != nil {
				s.logger.Error("Scheduled job failed", zap.String("job", job.Name), zap.Error(err))
				continue
			}
			s.logger.Debug("Scheduled job finished", zap.String("job", job.Name), zap.Int("processed", report.Processed))
		}
	}
}

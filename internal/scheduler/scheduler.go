package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"villageevents/config"
	"villageevents/internal/domain"
)

// Scheduler runs the recurrence advancer on a cron schedule. A tick that fires
// while the previous run is still going is skipped.
type Scheduler struct {
	cron     *cron.Cron
	job      *AdvanceJob
	schedule string
	logger   *slog.Logger
}

// New parses cfg.Schedule in cfg.Timezone and registers the advance job.
func New(advancer domain.RecurrenceAdvancer, alerts domain.AlertService, logger *slog.Logger, cfg config.AdvanceConfig) (*Scheduler, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load scheduler timezone: %w", err)
	}

	cronLogger := NewCronLogger(logger)
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	job := NewAdvanceJob(advancer, alerts, logger)
	if _, err := c.AddJob(cfg.Schedule, job); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", cfg.Schedule, err)
	}

	return &Scheduler{cron: c, job: job, schedule: cfg.Schedule, logger: logger}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "schedule", s.schedule)
}

// Stop prevents new runs and waits for a running one to finish or ctx to be done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// AdvanceJob is one advancer run followed by operator alerts.
type AdvanceJob struct {
	advancer domain.RecurrenceAdvancer
	alerts   domain.AlertService
	logger   *slog.Logger
	now      func() time.Time
}

func NewAdvanceJob(advancer domain.RecurrenceAdvancer, alerts domain.AlertService, logger *slog.Logger) *AdvanceJob {
	return &AdvanceJob{advancer: advancer, alerts: alerts, logger: logger, now: time.Now}
}

// Run implements cron.Job. Failures are logged; the next tick retries.
func (j *AdvanceJob) Run() {
	_, _ = j.RunOnce(context.Background(), j.now())
}

// RunOnce advances recurrences at now and notifies the operator. Alert failures
// are logged and never change the returned result.
func (j *AdvanceJob) RunOnce(ctx context.Context, now time.Time) (*domain.AdvanceReport, error) {
	start := time.Now()
	report, err := j.advancer.Advance(ctx, now)
	if err != nil {
		j.logger.ErrorContext(ctx, "advance run failed",
			"run_id", report.RunID,
			"duration", time.Since(start),
			"error", err,
		)
	} else {
		j.logger.InfoContext(ctx, "advance run finished",
			"run_id", report.RunID,
			"created", report.CreatedCount(),
			"duration", time.Since(start),
		)
	}

	if j.alerts != nil {
		if alertErr := j.alerts.NotifyRun(ctx, report, err); alertErr != nil {
			j.logger.WarnContext(ctx, "failed to send operator alert", "run_id", report.RunID, "error", alertErr)
		}
	}
	return report, err
}

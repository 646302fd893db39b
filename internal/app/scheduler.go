/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/wistery/bonus-service/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.MaturitySweepSchedule, s.jobs.RunMaturitySweep); err != nil {
		s.logger.Error("failed to schedule maturity sweep job", "error", err)
	} else {
		s.logger.Info("scheduled maturity sweep job", "schedule", s.config.MaturitySweepSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.AccrualReconcileSchedule, s.jobs.RunAccrualReconciliation); err != nil {
		s.logger.Error("failed to schedule accrual reconciliation job", "error", err)
	} else {
		s.logger.Info("scheduled accrual reconciliation job", "schedule", s.config.AccrualReconcileSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

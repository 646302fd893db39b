/**
 * @description
 * Scheduled job implementations for the bonus-service.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/wistery/bonus-service/internal/domain"
)

const reconciliationBatchSize = 200

// Settler defines the settlement operations needed by the jobs.
type Settler interface {
	MatureBonuses(ctx context.Context) (*MaturityResult, error)
	AccruePostingBonuses(ctx context.Context, postingNumber string) (*domain.AccrualResult, error)
}

// ReconciliationStore defines the lookup needed by the accrual catch-up job.
type ReconciliationStore interface {
	ListDeliveredPostingsWithoutAccrual(ctx context.Context, limit int) ([]string, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	settler Settler
	store   ReconciliationStore
	logger  *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(settler Settler, store ReconciliationStore, logger *slog.Logger) *Jobs {
	return &Jobs{
		settler: settler,
		store:   store,
		logger:  logger,
	}
}

// RunMaturitySweep promotes frozen bonuses whose maturity window has elapsed.
func (j *Jobs) RunMaturitySweep() {
	j.logger.Info("starting maturity sweep job")
	ctx := context.Background()

	result, err := j.settler.MatureBonuses(ctx)
	if err != nil {
		j.logger.Error("maturity sweep failed", "error", err)
		return
	}

	j.logger.Info("maturity sweep job finished",
		"promoted", result.Promoted, "returned", result.Returned, "held", result.Held)
}

// RunAccrualReconciliation re-runs accrual for delivered postings that never
// got a marker, typically because a batch insert exhausted its retries.
func (j *Jobs) RunAccrualReconciliation() {
	j.logger.Info("starting accrual reconciliation job")
	ctx := context.Background()

	postings, err := j.store.ListDeliveredPostingsWithoutAccrual(ctx, reconciliationBatchSize)
	if err != nil {
		j.logger.Error("failed to list unaccrued postings", "error", err)
		return
	}
	if len(postings) == 0 {
		j.logger.Info("no postings to reconcile")
		return
	}

	j.logger.Info("found postings to reconcile", "count", len(postings))

	accrued := 0
	for _, postingNumber := range postings {
		result, err := j.settler.AccruePostingBonuses(ctx, postingNumber)
		if err != nil {
			j.logger.Error("reconciliation accrual failed", "posting_number", postingNumber, "error", err)
			continue
		}
		if !result.Skipped {
			accrued++
		}
	}

	j.logger.Info("accrual reconciliation job finished", "processed", len(postings), "accrued", accrued)
}

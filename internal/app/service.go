/**
 * @description
 * This file contains the core business logic for the bonus-service. The `Service`
 * struct orchestrates bonus accrual over the posting feed, coordinating between the
 * database repository, the referral chain resolver, and the message broker.
 *
 * Key features:
 * - Implements the accrual engine: preconditions, chain walk, percentage math.
 * - Guarantees at-most-one accrual per posting via the store's accrual marker.
 * - Publishes ledger events to RabbitMQ for asynchronous notification delivery.
 *
 * @dependencies
 * - context, errors, fmt, log/slog, math, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For message broker communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/wistery/bonus-service/internal/domain"
	"github.com/wistery/bonus-service/internal/store"
	"github.com/wistery/bonus-service/pkg/rabbitmq"
)

// Accrual skip reasons reported in AccrualResult.
const (
	SkipAlreadyAccrued   = "already_accrued"
	SkipNotDelivered     = "not_delivered"
	SkipBuyerNotFound    = "buyer_not_registered"
	SkipBuyerInactive    = "buyer_inactive"
	SkipBeforeSignup     = "order_before_registration"
	SkipZeroTotal        = "zero_order_total"
	SkipStoreUnavailable = "store_unavailable"
)

// MissingOrderPolicy controls what the maturity sweep does with a frozen bonus
// whose posting is no longer in the projection.
type MissingOrderPolicy string

const (
	MissingOrderAssumeDelivered MissingOrderPolicy = "assume_delivered"
	MissingOrderHoldFrozen      MissingOrderPolicy = "hold_frozen"
)

// Service provides the core business logic for the bonus ledger.
type Service struct {
	repo          store.Repository
	eventProducer rabbitmq.Publisher
	logger        *slog.Logger

	maturityWindow     time.Duration
	missingOrderPolicy MissingOrderPolicy

	bonusSettings      bonusSettingsCache
	withdrawalSettings withdrawalSettingsCache

	rateLimiter               WithdrawalRateLimiter
	withdrawalRatePerHour     int
	withdrawalHistoryPageSize int
}

// NewService creates a new bonus service instance.
func NewService(repo store.Repository, producer rabbitmq.Publisher, logger *slog.Logger, maturityDays int, missingOrderPolicy string) *Service {
	policy := MissingOrderAssumeDelivered
	if MissingOrderPolicy(missingOrderPolicy) == MissingOrderHoldFrozen {
		policy = MissingOrderHoldFrozen
	}
	if maturityDays <= 0 {
		maturityDays = 14
	}
	return &Service{
		repo:                      repo,
		eventProducer:             producer,
		logger:                    logger,
		maturityWindow:            time.Duration(maturityDays) * 24 * time.Hour,
		missingOrderPolicy:        policy,
		withdrawalHistoryPageSize: 50,
	}
}

// SetWithdrawalRateLimiter wires the distributed limiter for withdrawal
// request creation. A nil limiter or non-positive limit disables the check.
func (s *Service) SetWithdrawalRateLimiter(limiter WithdrawalRateLimiter, perHour int) {
	s.rateLimiter = limiter
	s.withdrawalRatePerHour = perHour
}

// AccruePostingBonuses runs one accrual pass for a delivered posting. It is
// safe to call repeatedly and concurrently for the same posting: the store's
// accrual marker guarantees at most one batch ever lands.
//
// Store failures are logged and reported as a skip rather than an error. The
// posting keeps its delivered status without a marker, so the reconciliation
// job picks it up on its next run.
func (s *Service) AccruePostingBonuses(ctx context.Context, postingNumber string) (*domain.AccrualResult, error) {
	result := &domain.AccrualResult{PostingNumber: postingNumber}

	// 1. Cheap pre-check before doing any chain work. The authoritative check
	// is the marker insert inside CreateBonusBatch.
	accrued, err := s.repo.HasAccrualForPosting(ctx, postingNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to check accrual marker: %w", err)
	}
	if accrued {
		result.Skipped = true
		result.SkipReason = SkipAlreadyAccrued
		return result, nil
	}

	// 2. The posting must exist and be delivered.
	posting, err := s.repo.FindPostingByNumber(ctx, postingNumber)
	if err != nil {
		if errors.Is(err, store.ErrPostingNotFound) {
			result.Skipped = true
			result.SkipReason = SkipNotDelivered
			return result, nil
		}
		return nil, fmt.Errorf("failed to load posting: %w", err)
	}
	if posting.Status != domain.PostingStatusDelivered {
		result.Skipped = true
		result.SkipReason = SkipNotDelivered
		return result, nil
	}

	// 3. The buyer must be a registered, active participant whose
	// registration predates the order.
	buyer, err := s.repo.FindParticipantByOzonID(ctx, posting.BuyerOzonID)
	if err != nil {
		if errors.Is(err, store.ErrParticipantNotFound) {
			result.Skipped = true
			result.SkipReason = SkipBuyerNotFound
			return result, nil
		}
		return nil, fmt.Errorf("failed to load buyer: %w", err)
	}
	if !buyer.IsActive {
		result.Skipped = true
		result.SkipReason = SkipBuyerInactive
		return result, nil
	}
	if posting.CreatedAt.Before(buyer.RegistrationDate) {
		result.Skipped = true
		result.SkipReason = SkipBeforeSignup
		return result, nil
	}
	if posting.OrderTotal <= 0 {
		result.Skipped = true
		result.SkipReason = SkipZeroTotal
		return result, nil
	}

	settings, err := s.BonusSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load bonus settings: %w", err)
	}

	// 4. Build the batch: an optional self bonus at level 0, then one row per
	// eligible chain ancestor with a non-zero configured percent.
	now := time.Now()
	availableAt := now.Add(s.maturityWindow)
	var bonuses []domain.BonusTransaction

	appendBonus := func(beneficiaryID string, level int, percent float64) {
		bonuses = append(bonuses, domain.BonusTransaction{
			ID:              uuid.New(),
			ReferrerOzonID:  beneficiaryID,
			ReferralOzonID:  buyer.OzonID,
			PostingNumber:   posting.PostingNumber,
			OrderSum:        posting.OrderTotal,
			BonusPercentage: percent,
			BonusAmount:     bonusAmount(posting.OrderTotal, percent),
			Level:           level,
			Status:          domain.BonusStatusFrozen,
			AvailableAt:     availableAt,
		})
	}

	if settings.Level0Percent > 0 {
		appendBonus(buyer.OzonID, 0, settings.Level0Percent)
	}

	chain, err := s.resolveChain(ctx, buyer, settings.MaxLevels, posting.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve referral chain: %w", err)
	}
	for _, entry := range chain {
		percent := settings.PercentForLevel(entry.Level)
		if percent <= 0 {
			continue
		}
		appendBonus(entry.Participant.OzonID, entry.Level, percent)
	}

	// 5. Persist the marker and the batch in one transaction. An empty batch
	// still writes the marker so the reconciliation job stops revisiting the
	// posting.
	created, err := s.repo.CreateBonusBatch(ctx, posting.PostingNumber, bonuses)
	if err != nil {
		s.logger.Error("bonus batch insert failed after retries",
			"posting_number", posting.PostingNumber, "error", err)
		result.Skipped = true
		result.SkipReason = SkipStoreUnavailable
		return result, nil
	}
	if !created {
		result.Skipped = true
		result.SkipReason = SkipAlreadyAccrued
		return result, nil
	}

	result.Accrued = len(bonuses)
	for _, b := range bonuses {
		result.TotalAmount += b.BonusAmount
	}
	s.logger.Info("bonuses accrued",
		"posting_number", posting.PostingNumber,
		"buyer", buyer.OzonID,
		"rows", result.Accrued,
		"total_amount", result.TotalAmount)

	if s.eventProducer != nil && result.Accrued > 0 {
		event := rabbitmq.BonusAccruedEvent{
			PostingNumber: posting.PostingNumber,
			BuyerOzonID:   buyer.OzonID,
			Rows:          result.Accrued,
			TotalAmount:   result.TotalAmount,
			Timestamp:     now,
		}
		if err := s.eventProducer.PublishBonusAccruedEvent(ctx, event); err != nil {
			s.logger.Warn("bonus accrued event publish failed",
				"posting_number", posting.PostingNumber, "error", err)
		}
	}
	return result, nil
}

// bonusAmount computes the kopeck bonus for an order sum and a percent,
// rounding half away from zero.
func bonusAmount(orderSum int64, percent float64) int64 {
	return int64(math.Round(float64(orderSum) * percent / 100))
}

// RegisterParticipant creates a participant, or reactivates an inactive one.
// An already active participant is returned unchanged.
func (s *Service) RegisterParticipant(ctx context.Context, req domain.RegisterParticipantRequest) (*domain.RegisterParticipantResult, error) {
	if req.OzonID == "" {
		return nil, &ValidationError{Code: "missing_ozon_id", Message: "ozon_id is required"}
	}

	existing, err := s.repo.FindParticipantByOzonID(ctx, req.OzonID)
	if err != nil && !errors.Is(err, store.ErrParticipantNotFound) {
		return nil, fmt.Errorf("failed to look up participant: %w", err)
	}
	if existing != nil {
		if existing.IsActive {
			return &domain.RegisterParticipantResult{Participant: existing}, nil
		}
		// Reactivation resets the registration date so earlier orders stay
		// outside the accrual window.
		reactivated, err := s.repo.ReactivateParticipant(ctx, req.OzonID, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to reactivate participant: %w", err)
		}
		s.logger.Info("participant reactivated", "ozon_id", req.OzonID)
		return &domain.RegisterParticipantResult{Participant: reactivated, Reactivated: true}, nil
	}

	language := req.Language
	if language == "" {
		language = "ru"
	}
	participant := &domain.Participant{
		ID:               uuid.New(),
		OzonID:           req.OzonID,
		TelegramID:       req.TelegramID,
		Name:             req.Name,
		Username:         req.Username,
		ReferrerID:       req.ReferrerID,
		Language:         language,
		IsActive:         true,
		RegistrationDate: time.Now(),
	}
	if err := s.repo.CreateParticipant(ctx, participant); err != nil {
		return nil, fmt.Errorf("failed to create participant: %w", err)
	}
	s.logger.Info("participant registered", "ozon_id", req.OzonID, "has_referrer", req.ReferrerID != nil)
	return &domain.RegisterParticipantResult{Participant: participant, Created: true}, nil
}

// DeactivateParticipant soft-deactivates a participant. Existing ledger rows
// are untouched; the participant simply stops receiving new accruals.
func (s *Service) DeactivateParticipant(ctx context.Context, ozonID string) (*domain.DeactivateParticipantResult, error) {
	alreadyInactive, err := s.repo.DeactivateParticipant(ctx, ozonID)
	if err != nil {
		return nil, err
	}
	referrals, err := s.repo.CountDirectReferrals(ctx, ozonID)
	if err != nil {
		return nil, fmt.Errorf("failed to count referrals: %w", err)
	}
	if !alreadyInactive {
		s.logger.Info("participant deactivated", "ozon_id", ozonID, "direct_referrals", referrals)
	}
	return &domain.DeactivateParticipantResult{
		OzonID:             ozonID,
		WasAlreadyInactive: alreadyInactive,
		DirectReferrals:    referrals,
	}, nil
}

// FindParticipant resolves a participant by ozon id, telegram id, or username.
// Exactly one selector should be set; they are tried in that order.
func (s *Service) FindParticipant(ctx context.Context, ozonID string, telegramID int64, username string) (*domain.Participant, error) {
	switch {
	case ozonID != "":
		return s.repo.FindParticipantByOzonID(ctx, ozonID)
	case telegramID != 0:
		return s.repo.FindParticipantByTelegramID(ctx, telegramID)
	case username != "":
		return s.repo.FindParticipantByUsername(ctx, username)
	default:
		return nil, &ValidationError{Code: "missing_selector", Message: "one of ozon_id, telegram_id, username is required"}
	}
}

// GetBalanceSummary returns a participant's ledger position.
func (s *Service) GetBalanceSummary(ctx context.Context, ozonID string) (*domain.BalanceSummary, error) {
	return s.repo.GetBalanceSummary(ctx, ozonID)
}

// GetDailyBonusSummary returns the per-level accrual report for one day.
func (s *Service) GetDailyBonusSummary(ctx context.Context, referrerOzonID string, day time.Time) (*domain.DailyBonusSummary, error) {
	return s.repo.GetDailyBonusSummary(ctx, referrerOzonID, day)
}

// ListActiveParticipants returns all active participants.
func (s *Service) ListActiveParticipants(ctx context.Context) ([]domain.Participant, error) {
	return s.repo.ListActiveParticipants(ctx)
}

/**
 * @description
 * Settlement logic for the frozen side of the ledger: the maturity sweep that
 * promotes frozen bonuses once their window elapses, and the reversal paths
 * that void bonuses when orders come back.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wistery/bonus-service/internal/domain"
	"github.com/wistery/bonus-service/internal/store"
	"github.com/wistery/bonus-service/pkg/rabbitmq"
)

const maturityBatchSize = 500

// MaturityResult reports one sweep pass.
type MaturityResult struct {
	Promoted int `json:"promoted"`
	Returned int `json:"returned"`
	Held     int `json:"held"`
}

// MatureBonuses promotes every frozen bonus whose maturity window has elapsed.
// Each bonus is re-checked against its posting's current status: a cancelled
// posting voids the bonus instead of releasing it, and a posting that has
// vanished from the projection is settled per the configured policy.
func (s *Service) MatureBonuses(ctx context.Context) (*MaturityResult, error) {
	result := &MaturityResult{}
	now := time.Now()

	// Postings already handled in this pass, so one cancelled order with rows
	// across several levels is only reversed once.
	reversedPostings := map[string]bool{}

	for {
		bonuses, err := s.repo.ListMaturedFrozenBonuses(ctx, now, maturityBatchSize)
		if err != nil {
			return result, fmt.Errorf("failed to list matured bonuses: %w", err)
		}
		if len(bonuses) == 0 {
			return result, nil
		}

		progressed := false
		for _, bonus := range bonuses {
			outcome, err := s.settleMaturedBonus(ctx, bonus, reversedPostings)
			if err != nil {
				s.logger.Error("maturity settlement failed",
					"bonus_id", bonus.ID, "posting_number", bonus.PostingNumber, "error", err)
				continue
			}
			switch outcome {
			case domain.BonusStatusAvailable:
				result.Promoted++
				progressed = true
			case domain.BonusStatusReturned:
				result.Returned++
				progressed = true
			default:
				result.Held++
			}
		}
		// Every remaining row was held (or failed); another pass would spin on
		// the same rows.
		if !progressed {
			return result, nil
		}
		if len(bonuses) < maturityBatchSize {
			return result, nil
		}
	}
}

func (s *Service) settleMaturedBonus(ctx context.Context, bonus domain.BonusTransaction, reversedPostings map[string]bool) (string, error) {
	posting, err := s.repo.FindPostingByNumber(ctx, bonus.PostingNumber)
	if err != nil && !errors.Is(err, store.ErrPostingNotFound) {
		return "", fmt.Errorf("failed to load posting: %w", err)
	}

	switch {
	case posting == nil:
		if s.missingOrderPolicy == MissingOrderHoldFrozen {
			s.logger.Warn("posting missing at maturity; holding bonus frozen",
				"bonus_id", bonus.ID, "posting_number", bonus.PostingNumber)
			return domain.BonusStatusFrozen, nil
		}
		return s.promoteBonus(ctx, bonus)
	case posting.Status == domain.PostingStatusCancelled:
		if !reversedPostings[bonus.PostingNumber] {
			reversedPostings[bonus.PostingNumber] = true
			if _, _, err := s.repo.ReverseBonusesForPosting(ctx, bonus.PostingNumber, 1.0, time.Now()); err != nil {
				return "", fmt.Errorf("failed to reverse cancelled posting: %w", err)
			}
		}
		return domain.BonusStatusReturned, nil
	default:
		return s.promoteBonus(ctx, bonus)
	}
}

func (s *Service) promoteBonus(ctx context.Context, bonus domain.BonusTransaction) (string, error) {
	if err := s.repo.UpdateBonusStatus(ctx, bonus.ID, domain.BonusStatusAvailable); err != nil {
		return "", fmt.Errorf("failed to promote bonus: %w", err)
	}
	if s.eventProducer != nil {
		event := rabbitmq.BonusMaturedEvent{
			BonusID:        bonus.ID,
			ReferrerOzonID: bonus.ReferrerOzonID,
			PostingNumber:  bonus.PostingNumber,
			Amount:         bonus.BonusAmount,
			Timestamp:      time.Now(),
		}
		if err := s.eventProducer.PublishBonusMaturedEvent(ctx, event); err != nil {
			s.logger.Warn("bonus matured event publish failed", "bonus_id", bonus.ID, "error", err)
		}
	}
	return domain.BonusStatusAvailable, nil
}

// ReverseOrderBonuses voids bonuses for a returned or cancelled posting. A nil
// returnAmount means the whole order came back. A partial amount voids each
// bonus proportionally: ratio = returnAmount / order sum, capped at 1.
// Already withdrawn bonuses are never clawed back.
func (s *Service) ReverseOrderBonuses(ctx context.Context, postingNumber string, returnAmount *int64) (int, int64, error) {
	ratio := 1.0
	if returnAmount != nil {
		orderSum, err := s.orderSumForPosting(ctx, postingNumber)
		if err != nil {
			return 0, 0, err
		}
		if orderSum <= 0 {
			return 0, 0, nil
		}
		ratio = float64(*returnAmount) / float64(orderSum)
		if ratio > 1.0 {
			ratio = 1.0
		}
		if ratio <= 0 {
			return 0, 0, nil
		}
	}

	reversed, returned, err := s.repo.ReverseBonusesForPosting(ctx, postingNumber, ratio, time.Now())
	if err != nil {
		return 0, 0, fmt.Errorf("failed to reverse bonuses: %w", err)
	}
	if reversed > 0 {
		s.logger.Info("bonuses reversed",
			"posting_number", postingNumber, "rows", reversed, "returned_amount", returned, "ratio", ratio)
		if s.eventProducer != nil {
			event := rabbitmq.BonusReversedEvent{
				PostingNumber:  postingNumber,
				Rows:           reversed,
				ReturnedAmount: returned,
				Timestamp:      time.Now(),
			}
			if err := s.eventProducer.PublishBonusReversedEvent(ctx, event); err != nil {
				s.logger.Warn("bonus reversed event publish failed", "posting_number", postingNumber, "error", err)
			}
		}
	}
	return reversed, returned, nil
}

// ReversePartialReturn handles a per-item return: it records the returned
// quantity on the projection, then voids the matching fraction of every live
// bonus. Repeated partial returns on one posting accumulate.
func (s *Service) ReversePartialReturn(ctx context.Context, event domain.PartialReturnEvent) (int, int64, error) {
	if event.ReturnedQuantity <= 0 {
		return 0, 0, nil
	}

	if err := s.repo.RecordItemReturn(ctx, event.PostingNumber, event.SKU, event.ReturnedQuantity); err != nil {
		if !errors.Is(err, store.ErrOrderItemNotFound) {
			return 0, 0, fmt.Errorf("failed to record item return: %w", err)
		}
		// The item line never made it into the projection; reverse by the
		// event's own price data.
		s.logger.Warn("item line missing for partial return",
			"posting_number", event.PostingNumber, "sku", event.SKU)
	}

	unitPrice := event.UnitPrice
	if unitPrice <= 0 {
		// Return events from the feed may omit the price; fall back to the
		// projected item line.
		price, err := s.projectedItemPrice(ctx, event.PostingNumber, event.SKU)
		if err != nil {
			return 0, 0, err
		}
		if price <= 0 {
			s.logger.Warn("no price for partial return; skipping reversal",
				"posting_number", event.PostingNumber, "sku", event.SKU)
			return 0, 0, nil
		}
		unitPrice = price
	}

	returnedValue := unitPrice * int64(event.ReturnedQuantity)
	return s.ReverseOrderBonuses(ctx, event.PostingNumber, &returnedValue)
}

func (s *Service) projectedItemPrice(ctx context.Context, postingNumber, sku string) (int64, error) {
	items, err := s.repo.ListOrderItems(ctx, postingNumber)
	if err != nil {
		return 0, fmt.Errorf("failed to load order items: %w", err)
	}
	for _, item := range items {
		if item.SKU == sku {
			return item.Price, nil
		}
	}
	return 0, nil
}

func (s *Service) orderSumForPosting(ctx context.Context, postingNumber string) (int64, error) {
	posting, err := s.repo.FindPostingByNumber(ctx, postingNumber)
	if err == nil {
		return posting.OrderTotal, nil
	}
	if !errors.Is(err, store.ErrPostingNotFound) {
		return 0, fmt.Errorf("failed to load posting: %w", err)
	}
	// Fall back to the sum captured on the ledger rows at accrual time.
	bonuses, err := s.repo.ListBonusesByPosting(ctx, postingNumber)
	if err != nil {
		return 0, fmt.Errorf("failed to load bonuses: %w", err)
	}
	if len(bonuses) == 0 {
		return 0, nil
	}
	return bonuses[0].OrderSum, nil
}

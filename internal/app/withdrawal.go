/**
 * @description
 * Withdrawal request lifecycle: creation with its validation gauntlet, admin
 * approval (which consumes the ledger FIFO), rejection, completion, and user
 * cancellation.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wistery/bonus-service/internal/domain"
	"github.com/wistery/bonus-service/internal/store"
	"github.com/wistery/bonus-service/pkg/rabbitmq"
)

// ValidationError is a user-facing refusal. Handlers map it to 422 with the
// code and message passed through to the bot.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

// WithdrawalRateLimiter throttles request creation per participant.
type WithdrawalRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// CreateWithdrawalRequest opens a payout request after running the validation
// chain: rate limit, one-active-request rule, minimum amount, available
// balance, cooldown. Any refusal surfaces as a ValidationError and leaves no
// state behind.
func (s *Service) CreateWithdrawalRequest(ctx context.Context, input domain.CreateWithdrawalRequestInput) (*domain.WithdrawalRequest, error) {
	if input.Amount <= 0 {
		return nil, &ValidationError{Code: "invalid_amount", Message: "withdrawal amount must be positive"}
	}

	// 1. Distributed rate limit, when configured.
	if s.rateLimiter != nil && s.withdrawalRatePerHour > 0 {
		count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, "withdrawal_request", input.OzonID, s.withdrawalRatePerHour, time.Hour)
		if err != nil {
			s.logger.Warn("withdrawal rate limiter unavailable; allowing request", "ozon_id", input.OzonID, "error", err)
		} else if count > s.withdrawalRatePerHour {
			return nil, &ValidationError{
				Code:    "rate_limited",
				Message: fmt.Sprintf("too many withdrawal requests, retry in %d seconds", retryAfter),
			}
		}
	}

	// 2. At most one request may be in processing or approved.
	active, err := s.repo.FindActiveWithdrawalRequest(ctx, input.OzonID)
	if err != nil && !errors.Is(err, store.ErrRequestNotFound) {
		return nil, fmt.Errorf("failed to check active requests: %w", err)
	}
	if active != nil {
		return nil, &ValidationError{Code: "active_request_exists", Message: "a withdrawal request is already in progress"}
	}

	settings, err := s.WithdrawalSettings(ctx)
	if err != nil {
		return nil, err
	}

	// 3. Minimum amount.
	if input.Amount < settings.MinWithdrawalAmount {
		return nil, &ValidationError{
			Code:    "below_minimum",
			Message: fmt.Sprintf("withdrawal amount is below the minimum of %d kopecks", settings.MinWithdrawalAmount),
		}
	}

	// 4. Available balance.
	balance, err := s.repo.GetBalanceSummary(ctx, input.OzonID)
	if err != nil {
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}
	if input.Amount > balance.Available {
		return nil, &ValidationError{
			Code:    "insufficient_balance",
			Message: fmt.Sprintf("available balance is %d kopecks", balance.Available),
		}
	}

	// 5. Cooldown since the last completed or rejected request.
	if settings.DaysBetweenWithdrawals > 0 {
		last, err := s.repo.FindLastFinishedWithdrawalRequest(ctx, input.OzonID)
		if err != nil && !errors.Is(err, store.ErrRequestNotFound) {
			return nil, fmt.Errorf("failed to check withdrawal history: %w", err)
		}
		if last != nil && last.ProcessedAt != nil {
			nextAllowed := last.ProcessedAt.Add(time.Duration(settings.DaysBetweenWithdrawals) * 24 * time.Hour)
			if time.Now().Before(nextAllowed) {
				return nil, &ValidationError{
					Code:    "cooldown_active",
					Message: fmt.Sprintf("next withdrawal is allowed after %s", nextAllowed.Format("2006-01-02")),
				}
			}
		}
	}

	request := &domain.WithdrawalRequest{
		ID:             uuid.New(),
		UserOzonID:     input.OzonID,
		UserTelegramID: input.TelegramID,
		Amount:         input.Amount,
		Status:         domain.WithdrawalStatusProcessing,
	}
	if err := s.repo.CreateWithdrawalRequest(ctx, request); err != nil {
		return nil, fmt.Errorf("failed to create withdrawal request: %w", err)
	}
	s.logger.Info("withdrawal request created",
		"request_id", request.ID, "ozon_id", input.OzonID, "amount", input.Amount)
	return request, nil
}

// ApproveWithdrawalRequest approves a processing request, consuming available
// bonuses oldest-first inside one store transaction. On insufficient coverage
// the ledger is untouched and the request stays in processing.
func (s *Service) ApproveWithdrawalRequest(ctx context.Context, requestID uuid.UUID, adminID string) (*domain.WithdrawalRequest, []domain.WithdrawalTransaction, error) {
	request, consumed, err := s.repo.ApproveWithdrawalRequestAtomic(ctx, requestID, adminID)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientAvailable) {
			return nil, nil, &ValidationError{Code: "insufficient_balance", Message: "available bonuses no longer cover the request"}
		}
		return nil, nil, err
	}

	s.logger.Info("withdrawal request approved",
		"request_id", request.ID, "ozon_id", request.UserOzonID,
		"amount", request.Amount, "bonuses_consumed", len(consumed))

	if s.eventProducer != nil {
		event := rabbitmq.WithdrawalApprovedEvent{
			RequestID:      request.ID,
			UserOzonID:     request.UserOzonID,
			UserTelegramID: request.UserTelegramID,
			Amount:         request.Amount,
			Timestamp:      time.Now(),
		}
		if err := s.eventProducer.PublishWithdrawalApprovedEvent(ctx, event); err != nil {
			s.logger.Warn("withdrawal approved event publish failed", "request_id", request.ID, "error", err)
		}
	}
	return request, consumed, nil
}

// RejectWithdrawalRequest refuses a processing request. The reason is
// mandatory and is relayed to the participant by the bot.
func (s *Service) RejectWithdrawalRequest(ctx context.Context, requestID uuid.UUID, adminID, reason string) (*domain.WithdrawalRequest, error) {
	if reason == "" {
		return nil, &ValidationError{Code: "missing_reason", Message: "a rejection reason is required"}
	}
	request, err := s.repo.RejectWithdrawalRequest(ctx, requestID, adminID, reason)
	if err != nil {
		return nil, err
	}
	s.logger.Info("withdrawal request rejected", "request_id", request.ID, "admin", adminID)
	return request, nil
}

// CompleteWithdrawalRequest flags an approved request as paid out. The actual
// money movement happens outside this service.
func (s *Service) CompleteWithdrawalRequest(ctx context.Context, requestID uuid.UUID) (*domain.WithdrawalRequest, error) {
	request, err := s.repo.CompleteWithdrawalRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("withdrawal request completed", "request_id", request.ID)
	return request, nil
}

// CancelWithdrawalRequest deletes a participant's own request while it is
// still in processing.
func (s *Service) CancelWithdrawalRequest(ctx context.Context, requestID uuid.UUID, ozonID string) error {
	if err := s.repo.DeleteProcessingWithdrawalRequest(ctx, requestID, ozonID); err != nil {
		return err
	}
	s.logger.Info("withdrawal request cancelled", "request_id", requestID, "ozon_id", ozonID)
	return nil
}

// GetWithdrawalRequest returns one request with its consumed bonus rows.
func (s *Service) GetWithdrawalRequest(ctx context.Context, requestID uuid.UUID) (*domain.WithdrawalRequest, []domain.WithdrawalTransaction, error) {
	request, err := s.repo.GetWithdrawalRequestByID(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	transactions, err := s.repo.ListWithdrawalTransactions(ctx, requestID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load withdrawal transactions: %w", err)
	}
	return request, transactions, nil
}

// ListPendingWithdrawalRequests returns requests awaiting admin action.
func (s *Service) ListPendingWithdrawalRequests(ctx context.Context) ([]domain.WithdrawalRequest, error) {
	return s.repo.ListPendingWithdrawalRequests(ctx)
}

// ListWithdrawalRequestsByUser returns a participant's request history.
func (s *Service) ListWithdrawalRequestsByUser(ctx context.Context, ozonID string) ([]domain.WithdrawalRequest, error) {
	return s.repo.ListWithdrawalRequestsByUser(ctx, ozonID, s.withdrawalHistoryPageSize)
}

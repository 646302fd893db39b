/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the bonus-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/wistery/bonus-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Participant methods
	FindParticipantByOzonID(ctx context.Context, ozonID string) (*domain.Participant, error)
	FindParticipantByTelegramID(ctx context.Context, telegramID int64) (*domain.Participant, error)
	FindParticipantByUsername(ctx context.Context, username string) (*domain.Participant, error)
	CreateParticipant(ctx context.Context, p *domain.Participant) error
	ReactivateParticipant(ctx context.Context, ozonID string, registrationDate time.Time) (*domain.Participant, error)
	DeactivateParticipant(ctx context.Context, ozonID string) (alreadyInactive bool, err error)
	CountDirectReferrals(ctx context.Context, ozonID string) (int, error)
	ListActiveParticipants(ctx context.Context) ([]domain.Participant, error)

	// Settings methods
	GetBonusSettings(ctx context.Context) (*domain.BonusSettings, error)
	UpdateBonusSettings(ctx context.Context, req domain.UpdateBonusSettingsRequest) (*domain.BonusSettings, error)
	GetWithdrawalSettings(ctx context.Context) (*domain.WithdrawalSettings, error)
	UpdateWithdrawalSettings(ctx context.Context, req domain.UpdateWithdrawalSettingsRequest) (*domain.WithdrawalSettings, error)

	// Posting projection methods
	FindPostingByNumber(ctx context.Context, postingNumber string) (*domain.Posting, error)
	UpsertPosting(ctx context.Context, p *domain.Posting, items []domain.OrderItem) error
	UpdatePostingStatus(ctx context.Context, postingNumber, status string) error
	RecordItemReturn(ctx context.Context, postingNumber, sku string, returnedQuantity int) error
	ListOrderItems(ctx context.Context, postingNumber string) ([]domain.OrderItem, error)
	ListDeliveredPostingsWithoutAccrual(ctx context.Context, limit int) ([]string, error)

	// Bonus ledger methods
	HasAccrualForPosting(ctx context.Context, postingNumber string) (bool, error)
	CreateBonusBatch(ctx context.Context, postingNumber string, bonuses []domain.BonusTransaction) (created bool, err error)
	ListBonusesByPosting(ctx context.Context, postingNumber string) ([]domain.BonusTransaction, error)
	ListMaturedFrozenBonuses(ctx context.Context, now time.Time, limit int) ([]domain.BonusTransaction, error)
	UpdateBonusStatus(ctx context.Context, bonusID uuid.UUID, status string) error
	ReverseBonusesForPosting(ctx context.Context, postingNumber string, ratio float64, returnedAt time.Time) (reversed int, returnedAmount int64, err error)
	GetBalanceSummary(ctx context.Context, ozonID string) (*domain.BalanceSummary, error)
	GetDailyBonusSummary(ctx context.Context, referrerOzonID string, day time.Time) (*domain.DailyBonusSummary, error)

	// Withdrawal methods
	CreateWithdrawalRequest(ctx context.Context, req *domain.WithdrawalRequest) error
	GetWithdrawalRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.WithdrawalRequest, error)
	FindActiveWithdrawalRequest(ctx context.Context, ozonID string) (*domain.WithdrawalRequest, error)
	FindLastFinishedWithdrawalRequest(ctx context.Context, ozonID string) (*domain.WithdrawalRequest, error)
	ApproveWithdrawalRequestAtomic(ctx context.Context, requestID uuid.UUID, adminID string) (*domain.WithdrawalRequest, []domain.WithdrawalTransaction, error)
	RejectWithdrawalRequest(ctx context.Context, requestID uuid.UUID, adminID, reason string) (*domain.WithdrawalRequest, error)
	CompleteWithdrawalRequest(ctx context.Context, requestID uuid.UUID) (*domain.WithdrawalRequest, error)
	DeleteProcessingWithdrawalRequest(ctx context.Context, requestID uuid.UUID, ozonID string) error
	ListPendingWithdrawalRequests(ctx context.Context) ([]domain.WithdrawalRequest, error)
	ListWithdrawalRequestsByUser(ctx context.Context, ozonID string, limit int) ([]domain.WithdrawalRequest, error)
	ListWithdrawalTransactions(ctx context.Context, requestID uuid.UUID) ([]domain.WithdrawalTransaction, error)
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Withdrawal request statuses. A user-cancelled request is deleted outright
// and never reaches a terminal status.
const (
	WithdrawalStatusProcessing = "processing"
	WithdrawalStatusApproved   = "approved"
	WithdrawalStatusRejected   = "rejected"
	WithdrawalStatusCompleted  = "completed"
)

// WithdrawalRequest is a participant's payout request. At most one request per
// participant may be in 'processing' or 'approved' at a time.
type WithdrawalRequest struct {
	ID             uuid.UUID  `json:"id"`
	UserOzonID     string     `json:"user_ozon_id"`
	UserTelegramID int64      `json:"user_telegram_id"`
	Amount         int64      `json:"amount"` // in kopecks
	Status         string     `json:"status"` // 'processing', 'approved', 'rejected', 'completed'
	AdminComment   *string    `json:"admin_comment,omitempty"`
	ProcessedBy    *string    `json:"processed_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// WithdrawalTransaction links an approved request to one consumed bonus row.
// Amount is the portion drawn from that row, which can be less than the row's
// bonus amount for the last row consumed.
type WithdrawalTransaction struct {
	ID                  uuid.UUID `json:"id"`
	WithdrawalRequestID uuid.UUID `json:"withdrawal_request_id"`
	BonusTransactionID  uuid.UUID `json:"bonus_transaction_id"`
	Amount              int64     `json:"amount"` // in kopecks
	CreatedAt           time.Time `json:"created_at"`
}

// WithdrawalSettings is the singleton payout policy.
type WithdrawalSettings struct {
	MinWithdrawalAmount    int64     `json:"min_withdrawal_amount"` // in kopecks
	DaysBetweenWithdrawals int       `json:"days_between_withdrawals"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// UpdateWithdrawalSettingsRequest is the DTO for the admin payout policy
// update endpoint. Nil fields are left unchanged.
type UpdateWithdrawalSettingsRequest struct {
	MinWithdrawalAmount    *int64 `json:"min_withdrawal_amount,omitempty"`
	DaysBetweenWithdrawals *int   `json:"days_between_withdrawals,omitempty"`
}

// CreateWithdrawalRequestInput is the DTO for opening a withdrawal request.
type CreateWithdrawalRequestInput struct {
	OzonID     string `json:"ozon_id"`
	TelegramID int64  `json:"telegram_id"`
	Amount     int64  `json:"amount"` // in kopecks
}

/**
 * @description
 * This file defines the core ledger models for the bonus-service.
 * These structs represent the referral bonus ledger rows, the bonus settings
 * singleton, and the DTOs used by the accrual and reporting layers.
 *
 * @notes
 * - Amounts are stored as `int64` to represent the value in the smallest currency
 *   unit (kopecks), which avoids floating-point inaccuracies with financial data.
 * - Percentages stay as float64 because they are configuration, not money.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Bonus transaction statuses.
const (
	BonusStatusFrozen    = "frozen"
	BonusStatusAvailable = "available"
	BonusStatusWithdrawn = "withdrawn"
	BonusStatusReturned  = "returned"
)

// Posting statuses the ledger reacts to.
const (
	PostingStatusDelivered = "delivered"
	PostingStatusCancelled = "cancelled"
)

// BonusTransaction is one accrued bonus row in the ledger. Every delivered
// order produces at most one row per beneficiary in the referral chain.
// This struct maps directly to the `bonus_transactions` table.
type BonusTransaction struct {
	ID              uuid.UUID  `json:"id"`
	ReferrerOzonID  string     `json:"referrer_ozon_id"`
	ReferralOzonID  string     `json:"referral_ozon_id"`
	PostingNumber   string     `json:"posting_number"`
	OrderSum        int64      `json:"order_sum"` // in kopecks
	BonusPercentage float64    `json:"bonus_percentage"`
	BonusAmount     int64      `json:"bonus_amount"` // in kopecks
	Level           int        `json:"level"`        // 0 = buyer's own purchase
	Status          string     `json:"status"`       // 'frozen', 'available', 'withdrawn', 'returned'
	AvailableAt     time.Time  `json:"available_at"`
	ReturnedAmount  int64      `json:"returned_amount"` // in kopecks, accumulated over reversals
	ReturnedAt      *time.Time `json:"returned_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// BonusSettings is the singleton percentage configuration. A zero percent at a
// level disables accrual for that level.
type BonusSettings struct {
	MaxLevels     int       `json:"max_levels"`
	Level0Percent float64   `json:"level_0_percent"`
	Level1Percent float64   `json:"level_1_percent"`
	Level2Percent float64   `json:"level_2_percent"`
	Level3Percent float64   `json:"level_3_percent"`
	Level4Percent float64   `json:"level_4_percent"`
	Level5Percent float64   `json:"level_5_percent"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PercentForLevel returns the configured percent for a chain level, or 0 for
// levels beyond the configured table.
func (s BonusSettings) PercentForLevel(level int) float64 {
	switch level {
	case 0:
		return s.Level0Percent
	case 1:
		return s.Level1Percent
	case 2:
		return s.Level2Percent
	case 3:
		return s.Level3Percent
	case 4:
		return s.Level4Percent
	case 5:
		return s.Level5Percent
	default:
		return 0
	}
}

// UpdateBonusSettingsRequest is the DTO for the admin settings update endpoint.
// Nil fields are left unchanged.
type UpdateBonusSettingsRequest struct {
	MaxLevels     *int     `json:"max_levels,omitempty"`
	Level0Percent *float64 `json:"level_0_percent,omitempty"`
	Level1Percent *float64 `json:"level_1_percent,omitempty"`
	Level2Percent *float64 `json:"level_2_percent,omitempty"`
	Level3Percent *float64 `json:"level_3_percent,omitempty"`
	Level4Percent *float64 `json:"level_4_percent,omitempty"`
	Level5Percent *float64 `json:"level_5_percent,omitempty"`
}

// AccrualResult reports what a single accrual pass produced.
type AccrualResult struct {
	PostingNumber string `json:"posting_number"`
	Accrued       int    `json:"accrued"`
	TotalAmount   int64  `json:"total_amount"` // in kopecks
	Skipped       bool   `json:"skipped"`
	SkipReason    string `json:"skip_reason,omitempty"`
}

// DailyBonusLine is one transaction-level line inside a daily summary.
type DailyBonusLine struct {
	PostingNumber  string  `json:"posting_number"`
	ReferralOzonID string  `json:"referral_ozon_id"`
	ReferralName   string  `json:"referral_name,omitempty"`
	ItemName       string  `json:"item_name,omitempty"`
	Level          int     `json:"level"`
	Percent        float64 `json:"percent"`
	BonusAmount    int64   `json:"bonus_amount"` // in kopecks
}

// DailyBonusLevelSummary aggregates one referral level for a day.
type DailyBonusLevelSummary struct {
	Level       int              `json:"level"`
	Count       int              `json:"count"`
	TotalAmount int64            `json:"total_amount"` // in kopecks
	Lines       []DailyBonusLine `json:"lines"`
}

// DailyBonusSummary is the per-referrer daily accrual report.
type DailyBonusSummary struct {
	ReferrerOzonID string                   `json:"referrer_ozon_id"`
	Date           string                   `json:"date"` // YYYY-MM-DD
	TotalAmount    int64                    `json:"total_amount"`
	Levels         []DailyBonusLevelSummary `json:"levels"`
}

// BalanceSummary reports a participant's ledger position.
type BalanceSummary struct {
	OzonID    string `json:"ozon_id"`
	Available int64  `json:"available"` // in kopecks
	Frozen    int64  `json:"frozen"`    // in kopecks
	Withdrawn int64  `json:"withdrawn"` // in kopecks
	Total     int64  `json:"total"`     // available + frozen
}

/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to participants, postings, the bonus ledger, and withdrawals.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wistery/bonus-service/internal/domain"
)

var (
	ErrParticipantNotFound   = errors.New("participant not found")
	ErrPostingNotFound       = errors.New("posting not found")
	ErrOrderItemNotFound     = errors.New("order item not found")
	ErrBonusNotFound         = errors.New("bonus transaction not found")
	ErrRequestNotFound       = errors.New("withdrawal request not found")
	ErrRequestNotProcessing  = errors.New("withdrawal request is not processing")
	ErrRequestNotApproved    = errors.New("withdrawal request is not approved")
	ErrInsufficientAvailable = errors.New("insufficient available bonus balance")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const participantColumns = `id, ozon_id, telegram_id, name, COALESCE(username, ''), referrer_id, language, is_active, registration_date, deactivated_at, created_at, updated_at`

func scanParticipant(row pgx.Row) (*domain.Participant, error) {
	var p domain.Participant
	err := row.Scan(
		&p.ID,
		&p.OzonID,
		&p.TelegramID,
		&p.Name,
		&p.Username,
		&p.ReferrerID,
		&p.Language,
		&p.IsActive,
		&p.RegistrationDate,
		&p.DeactivatedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrParticipantNotFound
		}
		return nil, err
	}
	return &p, nil
}

// FindParticipantByOzonID retrieves a participant by their marketplace id.
func (r *PostgresRepository) FindParticipantByOzonID(ctx context.Context, ozonID string) (*domain.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE ozon_id = $1`
	return scanParticipant(r.db.QueryRow(ctx, query, ozonID))
}

// FindParticipantByTelegramID retrieves a participant by their Telegram id.
func (r *PostgresRepository) FindParticipantByTelegramID(ctx context.Context, telegramID int64) (*domain.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE telegram_id = $1`
	return scanParticipant(r.db.QueryRow(ctx, query, telegramID))
}

// FindParticipantByUsername retrieves a participant by Telegram username, case-insensitively.
func (r *PostgresRepository) FindParticipantByUsername(ctx context.Context, username string) (*domain.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE lower(btrim(username)) = lower(btrim($1))`
	return scanParticipant(r.db.QueryRow(ctx, query, username))
}

// CreateParticipant inserts a new participant row.
func (r *PostgresRepository) CreateParticipant(ctx context.Context, p *domain.Participant) error {
	query := `
		INSERT INTO participants (id, ozon_id, telegram_id, name, username, referrer_id, language, is_active, registration_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		p.ID, p.OzonID, p.TelegramID, p.Name, p.Username, p.ReferrerID, p.Language, p.IsActive, p.RegistrationDate,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

// ReactivateParticipant flips an inactive participant back to active and resets
// their registration date, so orders placed before the reactivation stay
// ineligible for accrual.
func (r *PostgresRepository) ReactivateParticipant(ctx context.Context, ozonID string, registrationDate time.Time) (*domain.Participant, error) {
	query := `
		UPDATE participants
		SET is_active = TRUE, registration_date = $2, deactivated_at = NULL, updated_at = NOW()
		WHERE ozon_id = $1
		RETURNING ` + participantColumns
	return scanParticipant(r.db.QueryRow(ctx, query, ozonID, registrationDate))
}

// DeactivateParticipant soft-deactivates a participant. The call is idempotent
// and reports whether the row was already inactive.
func (r *PostgresRepository) DeactivateParticipant(ctx context.Context, ozonID string) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var isActive bool
	err = tx.QueryRow(ctx, `SELECT is_active FROM participants WHERE ozon_id = $1 FOR UPDATE`, ozonID).Scan(&isActive)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, ErrParticipantNotFound
		}
		return false, err
	}
	if !isActive {
		return true, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		UPDATE participants
		SET is_active = FALSE, deactivated_at = NOW(), updated_at = NOW()
		WHERE ozon_id = $1
	`, ozonID)
	if err != nil {
		return false, err
	}
	return false, tx.Commit(ctx)
}

// CountDirectReferrals counts participants whose referrer_id points at the given id.
func (r *PostgresRepository) CountDirectReferrals(ctx context.Context, ozonID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM participants WHERE referrer_id = $1`, ozonID).Scan(&count)
	return count, err
}

// ListActiveParticipants returns all active participants ordered by registration.
func (r *PostgresRepository) ListActiveParticipants(ctx context.Context) ([]domain.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE is_active = TRUE ORDER BY registration_date`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, *p)
	}
	return participants, rows.Err()
}

// GetBonusSettings returns the singleton percentage configuration, seeding the
// row with table defaults on first access.
func (r *PostgresRepository) GetBonusSettings(ctx context.Context) (*domain.BonusSettings, error) {
	if _, err := r.db.Exec(ctx, `INSERT INTO bonus_settings (id) VALUES (1) ON CONFLICT (id) DO NOTHING`); err != nil {
		return nil, err
	}
	var s domain.BonusSettings
	query := `
		SELECT max_levels, level_0_percent, level_1_percent, level_2_percent, level_3_percent, level_4_percent, level_5_percent, updated_at
		FROM bonus_settings WHERE id = 1
	`
	err := r.db.QueryRow(ctx, query).Scan(
		&s.MaxLevels,
		&s.Level0Percent, &s.Level1Percent, &s.Level2Percent,
		&s.Level3Percent, &s.Level4Percent, &s.Level5Percent,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateBonusSettings applies a partial update to the singleton row. Nil
// request fields keep their current value.
func (r *PostgresRepository) UpdateBonusSettings(ctx context.Context, req domain.UpdateBonusSettingsRequest) (*domain.BonusSettings, error) {
	if _, err := r.db.Exec(ctx, `INSERT INTO bonus_settings (id) VALUES (1) ON CONFLICT (id) DO NOTHING`); err != nil {
		return nil, err
	}
	var s domain.BonusSettings
	query := `
		UPDATE bonus_settings
		SET max_levels      = COALESCE($1, max_levels),
		    level_0_percent = COALESCE($2, level_0_percent),
		    level_1_percent = COALESCE($3, level_1_percent),
		    level_2_percent = COALESCE($4, level_2_percent),
		    level_3_percent = COALESCE($5, level_3_percent),
		    level_4_percent = COALESCE($6, level_4_percent),
		    level_5_percent = COALESCE($7, level_5_percent),
		    updated_at      = NOW()
		WHERE id = 1
		RETURNING max_levels, level_0_percent, level_1_percent, level_2_percent, level_3_percent, level_4_percent, level_5_percent, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		req.MaxLevels,
		req.Level0Percent, req.Level1Percent, req.Level2Percent,
		req.Level3Percent, req.Level4Percent, req.Level5Percent,
	).Scan(
		&s.MaxLevels,
		&s.Level0Percent, &s.Level1Percent, &s.Level2Percent,
		&s.Level3Percent, &s.Level4Percent, &s.Level5Percent,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetWithdrawalSettings returns the singleton payout policy, seeding defaults
// on first access.
func (r *PostgresRepository) GetWithdrawalSettings(ctx context.Context) (*domain.WithdrawalSettings, error) {
	if _, err := r.db.Exec(ctx, `INSERT INTO withdrawal_settings (id) VALUES (1) ON CONFLICT (id) DO NOTHING`); err != nil {
		return nil, err
	}
	var s domain.WithdrawalSettings
	query := `SELECT min_withdrawal_amount, days_between_withdrawals, updated_at FROM withdrawal_settings WHERE id = 1`
	err := r.db.QueryRow(ctx, query).Scan(&s.MinWithdrawalAmount, &s.DaysBetweenWithdrawals, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateWithdrawalSettings applies a partial update to the payout policy.
func (r *PostgresRepository) UpdateWithdrawalSettings(ctx context.Context, req domain.UpdateWithdrawalSettingsRequest) (*domain.WithdrawalSettings, error) {
	if _, err := r.db.Exec(ctx, `INSERT INTO withdrawal_settings (id) VALUES (1) ON CONFLICT (id) DO NOTHING`); err != nil {
		return nil, err
	}
	var s domain.WithdrawalSettings
	query := `
		UPDATE withdrawal_settings
		SET min_withdrawal_amount    = COALESCE($1, min_withdrawal_amount),
		    days_between_withdrawals = COALESCE($2, days_between_withdrawals),
		    updated_at               = NOW()
		WHERE id = 1
		RETURNING min_withdrawal_amount, days_between_withdrawals, updated_at
	`
	err := r.db.QueryRow(ctx, query, req.MinWithdrawalAmount, req.DaysBetweenWithdrawals).
		Scan(&s.MinWithdrawalAmount, &s.DaysBetweenWithdrawals, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FindPostingByNumber retrieves one posting projection row.
func (r *PostgresRepository) FindPostingByNumber(ctx context.Context, postingNumber string) (*domain.Posting, error) {
	var p domain.Posting
	query := `
		SELECT posting_number, buyer_ozon_id, status, order_total, COALESCE(cabinet, ''), created_at, sync_time
		FROM postings WHERE posting_number = $1
	`
	err := r.db.QueryRow(ctx, query, postingNumber).Scan(
		&p.PostingNumber, &p.BuyerOzonID, &p.Status, &p.OrderTotal, &p.Cabinet, &p.CreatedAt, &p.SyncTime,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPostingNotFound
		}
		return nil, err
	}
	return &p, nil
}

// UpsertPosting writes the posting projection and its item lines in one
// transaction. Item upserts preserve any returned_quantity already recorded.
func (r *PostgresRepository) UpsertPosting(ctx context.Context, p *domain.Posting, items []domain.OrderItem) error {
	return withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.db.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx, `
			INSERT INTO postings (posting_number, buyer_ozon_id, status, order_total, cabinet, created_at, sync_time)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NOW())
			ON CONFLICT (posting_number) DO UPDATE
			SET buyer_ozon_id = EXCLUDED.buyer_ozon_id,
			    status        = EXCLUDED.status,
			    order_total   = EXCLUDED.order_total,
			    cabinet       = EXCLUDED.cabinet,
			    sync_time     = NOW()
		`, p.PostingNumber, p.BuyerOzonID, p.Status, p.OrderTotal, p.Cabinet, p.CreatedAt)
		if err != nil {
			return err
		}

		for _, item := range items {
			_, err = tx.Exec(ctx, `
				INSERT INTO order_items (posting_number, sku, name, price, quantity, returned_quantity)
				VALUES ($1, $2, $3, $4, $5, 0)
				ON CONFLICT (posting_number, sku) DO UPDATE
				SET name = EXCLUDED.name, price = EXCLUDED.price, quantity = EXCLUDED.quantity
			`, p.PostingNumber, item.SKU, item.Name, item.Price, item.Quantity)
			if err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
}

// UpdatePostingStatus updates the status of one posting.
func (r *PostgresRepository) UpdatePostingStatus(ctx context.Context, postingNumber, status string) error {
	return withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `
			UPDATE postings SET status = $2, sync_time = NOW() WHERE posting_number = $1
		`, postingNumber, status)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrPostingNotFound
		}
		return nil
	})
}

// RecordItemReturn accumulates a returned quantity on one item line, capped at
// the ordered quantity.
func (r *PostgresRepository) RecordItemReturn(ctx context.Context, postingNumber, sku string, returnedQuantity int) error {
	return withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `
			UPDATE order_items
			SET returned_quantity = LEAST(quantity, returned_quantity + $3)
			WHERE posting_number = $1 AND sku = $2
		`, postingNumber, sku, returnedQuantity)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrOrderItemNotFound
		}
		return nil
	})
}

// ListOrderItems returns the item lines of one posting.
func (r *PostgresRepository) ListOrderItems(ctx context.Context, postingNumber string) ([]domain.OrderItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT posting_number, sku, name, price, quantity, returned_quantity
		FROM order_items WHERE posting_number = $1 ORDER BY sku
	`, postingNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.PostingNumber, &item.SKU, &item.Name, &item.Price, &item.Quantity, &item.ReturnedQuantity); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListDeliveredPostingsWithoutAccrual finds delivered postings the accrual
// engine has not yet marked, for the reconciliation job.
func (r *PostgresRepository) ListDeliveredPostingsWithoutAccrual(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT p.posting_number
		FROM postings p
		LEFT JOIN bonus_accruals a ON a.posting_number = p.posting_number
		WHERE p.status = 'delivered' AND a.posting_number IS NULL
		ORDER BY p.created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var numbers []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		numbers = append(numbers, n)
	}
	return numbers, rows.Err()
}

// HasAccrualForPosting reports whether the accrual marker exists for a posting.
func (r *PostgresRepository) HasAccrualForPosting(ctx context.Context, postingNumber string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bonus_accruals WHERE posting_number = $1)`, postingNumber).Scan(&exists)
	return exists, err
}

// CreateBonusBatch inserts the accrual marker and all bonus rows for one
// posting in a single transaction. The marker's primary key is the uniqueness
// backstop: a concurrent accrual for the same posting loses the marker insert
// and the whole batch is dropped, so it returns (false, nil).
func (r *PostgresRepository) CreateBonusBatch(ctx context.Context, postingNumber string, bonuses []domain.BonusTransaction) (bool, error) {
	created := false
	err := withRetry(ctx, func(ctx context.Context) error {
		created = false
		tx, err := r.db.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx, `
			INSERT INTO bonus_accruals (posting_number, created_at) VALUES ($1, NOW())
			ON CONFLICT (posting_number) DO NOTHING
		`, postingNumber)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return tx.Commit(ctx)
		}

		for i := range bonuses {
			b := &bonuses[i]
			err = tx.QueryRow(ctx, `
				INSERT INTO bonus_transactions (
					id, referrer_ozon_id, referral_ozon_id, posting_number, order_sum,
					bonus_percentage, bonus_amount, level, status, available_at, returned_amount, created_at
				)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, NOW())
				RETURNING created_at
			`,
				b.ID, b.ReferrerOzonID, b.ReferralOzonID, b.PostingNumber, b.OrderSum,
				b.BonusPercentage, b.BonusAmount, b.Level, b.Status, b.AvailableAt,
			).Scan(&b.CreatedAt)
			if err != nil {
				return err
			}
		}
		created = true
		return tx.Commit(ctx)
	})
	return created, err
}

const bonusColumns = `id, referrer_ozon_id, referral_ozon_id, posting_number, order_sum, bonus_percentage, bonus_amount, level, status, available_at, returned_amount, returned_at, created_at`

func scanBonus(row pgx.Row) (*domain.BonusTransaction, error) {
	var b domain.BonusTransaction
	err := row.Scan(
		&b.ID, &b.ReferrerOzonID, &b.ReferralOzonID, &b.PostingNumber, &b.OrderSum,
		&b.BonusPercentage, &b.BonusAmount, &b.Level, &b.Status, &b.AvailableAt,
		&b.ReturnedAmount, &b.ReturnedAt, &b.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBonusNotFound
		}
		return nil, err
	}
	return &b, nil
}

// ListBonusesByPosting returns every bonus row accrued for one posting.
func (r *PostgresRepository) ListBonusesByPosting(ctx context.Context, postingNumber string) ([]domain.BonusTransaction, error) {
	rows, err := r.db.Query(ctx, `SELECT `+bonusColumns+` FROM bonus_transactions WHERE posting_number = $1 ORDER BY level`, postingNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bonuses []domain.BonusTransaction
	for rows.Next() {
		b, err := scanBonus(rows)
		if err != nil {
			return nil, err
		}
		bonuses = append(bonuses, *b)
	}
	return bonuses, rows.Err()
}

// ListMaturedFrozenBonuses returns frozen rows whose maturity window has
// elapsed, oldest first.
func (r *PostgresRepository) ListMaturedFrozenBonuses(ctx context.Context, now time.Time, limit int) ([]domain.BonusTransaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+bonusColumns+`
		FROM bonus_transactions
		WHERE status = 'frozen' AND available_at <= $1
		ORDER BY available_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bonuses []domain.BonusTransaction
	for rows.Next() {
		b, err := scanBonus(rows)
		if err != nil {
			return nil, err
		}
		bonuses = append(bonuses, *b)
	}
	return bonuses, rows.Err()
}

// UpdateBonusStatus sets the status of one bonus row.
func (r *PostgresRepository) UpdateBonusStatus(ctx context.Context, bonusID uuid.UUID, status string) error {
	return withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `UPDATE bonus_transactions SET status = $2 WHERE id = $1`, bonusID, status)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrBonusNotFound
		}
		return nil
	})
}

// reversalVoid computes the portion of one bonus row voided by a reversal.
// The fraction applies to the originally accrued amount (remaining plus what
// earlier reversals already voided), so repeated partial returns on one
// posting accumulate to the full amount instead of compounding on the shrunk
// remainder. The result is capped at the remaining amount.
func reversalVoid(remaining, returnedSoFar int64, ratio float64) int64 {
	voided := int64(math.Round(float64(remaining+returnedSoFar) * ratio))
	if voided > remaining {
		voided = remaining
	}
	return voided
}

// ReverseBonusesForPosting voids the given fraction of every non-withdrawn
// bonus row of a posting in one transaction. The fraction is relative to each
// row's originally accrued amount; the voided portion moves from bonus_amount
// into returned_amount, and a row whose remaining amount reaches zero flips to
// 'returned'. Already withdrawn rows are never touched.
func (r *PostgresRepository) ReverseBonusesForPosting(ctx context.Context, postingNumber string, ratio float64, returnedAt time.Time) (int, int64, error) {
	if ratio > 1.0 {
		ratio = 1.0
	}
	var reversed int
	var totalReturned int64
	err := withRetry(ctx, func(ctx context.Context) error {
		reversed = 0
		totalReturned = 0
		tx, err := r.db.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		rows, err := tx.Query(ctx, `
			SELECT id, bonus_amount, returned_amount, status
			FROM bonus_transactions
			WHERE posting_number = $1 AND status IN ('frozen', 'available')
			ORDER BY created_at
			FOR UPDATE
		`, postingNumber)
		if err != nil {
			return err
		}

		type reversal struct {
			id        uuid.UUID
			remaining int64
			voided    int64
			status    string
		}
		var reversals []reversal
		for rows.Next() {
			var rv reversal
			var amount, returnedSoFar int64
			if err := rows.Scan(&rv.id, &amount, &returnedSoFar, &rv.status); err != nil {
				rows.Close()
				return err
			}
			rv.voided = reversalVoid(amount, returnedSoFar, ratio)
			rv.remaining = amount - rv.voided
			reversals = append(reversals, rv)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, rv := range reversals {
			// A partial reversal keeps the row alive with the shrunk amount.
			status := rv.status
			if rv.remaining == 0 || ratio >= 1.0 {
				status = domain.BonusStatusReturned
			}
			_, err = tx.Exec(ctx, `
				UPDATE bonus_transactions
				SET bonus_amount    = $2,
				    returned_amount = returned_amount + $3,
				    status          = $4,
				    returned_at     = CASE WHEN $4 = 'returned' THEN $5 ELSE returned_at END
				WHERE id = $1
			`, rv.id, rv.remaining, rv.voided, status, returnedAt)
			if err != nil {
				return err
			}
			reversed++
			totalReturned += rv.voided
		}
		return tx.Commit(ctx)
	})
	return reversed, totalReturned, err
}

// GetBalanceSummary aggregates a participant's ledger position.
func (r *PostgresRepository) GetBalanceSummary(ctx context.Context, ozonID string) (*domain.BalanceSummary, error) {
	summary := domain.BalanceSummary{OzonID: ozonID}
	query := `
		SELECT
			COALESCE(SUM(bonus_amount) FILTER (WHERE status = 'available'), 0),
			COALESCE(SUM(bonus_amount) FILTER (WHERE status = 'frozen'), 0),
			COALESCE(SUM(bonus_amount) FILTER (WHERE status = 'withdrawn'), 0)
		FROM bonus_transactions
		WHERE referrer_ozon_id = $1
	`
	err := r.db.QueryRow(ctx, query, ozonID).Scan(&summary.Available, &summary.Frozen, &summary.Withdrawn)
	if err != nil {
		return nil, err
	}
	summary.Total = summary.Available + summary.Frozen
	return &summary, nil
}

// GetDailyBonusSummary builds the per-level accrual report for one referrer
// and one calendar day.
func (r *PostgresRepository) GetDailyBonusSummary(ctx context.Context, referrerOzonID string, day time.Time) (*domain.DailyBonusSummary, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	dayEnd := dayStart.Add(24 * time.Hour)

	rows, err := r.db.Query(ctx, `
		SELECT bt.posting_number, bt.referral_ozon_id, COALESCE(p.name, ''), bt.level, bt.bonus_percentage, bt.bonus_amount,
		       COALESCE((SELECT oi.name FROM order_items oi WHERE oi.posting_number = bt.posting_number ORDER BY oi.sku LIMIT 1), '')
		FROM bonus_transactions bt
		LEFT JOIN participants p ON p.ozon_id = bt.referral_ozon_id
		WHERE bt.referrer_ozon_id = $1
		  AND bt.created_at >= $2 AND bt.created_at < $3
		  AND bt.status <> 'returned'
		ORDER BY bt.level, bt.created_at
	`, referrerOzonID, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byLevel := make(map[int]*domain.DailyBonusLevelSummary)
	summary := &domain.DailyBonusSummary{
		ReferrerOzonID: referrerOzonID,
		Date:           dayStart.Format("2006-01-02"),
	}
	for rows.Next() {
		var line domain.DailyBonusLine
		if err := rows.Scan(&line.PostingNumber, &line.ReferralOzonID, &line.ReferralName, &line.Level, &line.Percent, &line.BonusAmount, &line.ItemName); err != nil {
			return nil, err
		}
		lvl, ok := byLevel[line.Level]
		if !ok {
			lvl = &domain.DailyBonusLevelSummary{Level: line.Level}
			byLevel[line.Level] = lvl
		}
		lvl.Count++
		lvl.TotalAmount += line.BonusAmount
		lvl.Lines = append(lvl.Lines, line)
		summary.TotalAmount += line.BonusAmount
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	levels := make([]int, 0, len(byLevel))
	for level := range byLevel {
		levels = append(levels, level)
	}
	sort.Ints(levels)
	for _, level := range levels {
		summary.Levels = append(summary.Levels, *byLevel[level])
	}
	return summary, nil
}

const withdrawalRequestColumns = `id, user_ozon_id, user_telegram_id, amount, status, admin_comment, processed_by, created_at, processed_at, completed_at`

func scanWithdrawalRequest(row pgx.Row) (*domain.WithdrawalRequest, error) {
	var req domain.WithdrawalRequest
	err := row.Scan(
		&req.ID, &req.UserOzonID, &req.UserTelegramID, &req.Amount, &req.Status,
		&req.AdminComment, &req.ProcessedBy, &req.CreatedAt, &req.ProcessedAt, &req.CompletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}

// CreateWithdrawalRequest inserts a new request in 'processing'.
func (r *PostgresRepository) CreateWithdrawalRequest(ctx context.Context, req *domain.WithdrawalRequest) error {
	query := `
		INSERT INTO withdrawal_requests (id, user_ozon_id, user_telegram_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING created_at
	`
	return withRetry(ctx, func(ctx context.Context) error {
		return r.db.QueryRow(ctx, query, req.ID, req.UserOzonID, req.UserTelegramID, req.Amount, req.Status).Scan(&req.CreatedAt)
	})
}

// GetWithdrawalRequestByID retrieves one request.
func (r *PostgresRepository) GetWithdrawalRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.WithdrawalRequest, error) {
	query := `SELECT ` + withdrawalRequestColumns + ` FROM withdrawal_requests WHERE id = $1`
	return scanWithdrawalRequest(r.db.QueryRow(ctx, query, requestID))
}

// FindActiveWithdrawalRequest returns the participant's request in
// 'processing' or 'approved', if any.
func (r *PostgresRepository) FindActiveWithdrawalRequest(ctx context.Context, ozonID string) (*domain.WithdrawalRequest, error) {
	query := `
		SELECT ` + withdrawalRequestColumns + `
		FROM withdrawal_requests
		WHERE user_ozon_id = $1 AND status IN ('processing', 'approved')
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanWithdrawalRequest(r.db.QueryRow(ctx, query, ozonID))
}

// FindLastFinishedWithdrawalRequest returns the participant's most recently
// processed completed or rejected request, for cooldown enforcement.
func (r *PostgresRepository) FindLastFinishedWithdrawalRequest(ctx context.Context, ozonID string) (*domain.WithdrawalRequest, error) {
	query := `
		SELECT ` + withdrawalRequestColumns + `
		FROM withdrawal_requests
		WHERE user_ozon_id = $1 AND status IN ('completed', 'rejected') AND processed_at IS NOT NULL
		ORDER BY processed_at DESC
		LIMIT 1
	`
	return scanWithdrawalRequest(r.db.QueryRow(ctx, query, ozonID))
}

// ApproveWithdrawalRequestAtomic approves a processing request and consumes
// the participant's available bonus rows oldest-first, all in one transaction.
// A partially drawn row still flips wholly to 'withdrawn'; the join row
// records only the drawn amount. If the available rows cannot cover the
// request the transaction rolls back and ErrInsufficientAvailable surfaces,
// leaving the request in 'processing'.
func (r *PostgresRepository) ApproveWithdrawalRequestAtomic(ctx context.Context, requestID uuid.UUID, adminID string) (*domain.WithdrawalRequest, []domain.WithdrawalTransaction, error) {
	var approved *domain.WithdrawalRequest
	var consumed []domain.WithdrawalTransaction
	err := withRetry(ctx, func(ctx context.Context) error {
		approved = nil
		consumed = nil
		tx, err := r.db.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		req, err := scanWithdrawalRequest(tx.QueryRow(ctx,
			`SELECT `+withdrawalRequestColumns+` FROM withdrawal_requests WHERE id = $1 FOR UPDATE`, requestID))
		if err != nil {
			return err
		}
		if req.Status != domain.WithdrawalStatusProcessing {
			return ErrRequestNotProcessing
		}

		rows, err := tx.Query(ctx, `
			SELECT id, bonus_amount
			FROM bonus_transactions
			WHERE referrer_ozon_id = $1 AND status = 'available'
			ORDER BY created_at
			FOR UPDATE
		`, req.UserOzonID)
		if err != nil {
			return err
		}

		type availableRow struct {
			id     uuid.UUID
			amount int64
		}
		var available []availableRow
		for rows.Next() {
			var row availableRow
			if err := rows.Scan(&row.id, &row.amount); err != nil {
				rows.Close()
				return err
			}
			available = append(available, row)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		remaining := req.Amount
		now := time.Now()
		for _, row := range available {
			if remaining <= 0 {
				break
			}
			draw := row.amount
			if draw > remaining {
				draw = remaining
			}
			if _, err := tx.Exec(ctx, `UPDATE bonus_transactions SET status = 'withdrawn' WHERE id = $1`, row.id); err != nil {
				return err
			}
			wt := domain.WithdrawalTransaction{
				ID:                  uuid.New(),
				WithdrawalRequestID: req.ID,
				BonusTransactionID:  row.id,
				Amount:              draw,
				CreatedAt:           now,
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO withdrawal_transactions (id, withdrawal_request_id, bonus_transaction_id, amount, created_at)
				VALUES ($1, $2, $3, $4, $5)
			`, wt.ID, wt.WithdrawalRequestID, wt.BonusTransactionID, wt.Amount, wt.CreatedAt); err != nil {
				return err
			}
			consumed = append(consumed, wt)
			remaining -= draw
		}
		if remaining > 0 {
			return fmt.Errorf("%w: short %d kopecks for request %s", ErrInsufficientAvailable, remaining, req.ID)
		}

		approved, err = scanWithdrawalRequest(tx.QueryRow(ctx, `
			UPDATE withdrawal_requests
			SET status = 'approved', processed_by = $2, processed_at = NOW()
			WHERE id = $1
			RETURNING `+withdrawalRequestColumns, requestID, adminID))
		if err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, nil, err
	}
	return approved, consumed, nil
}

// RejectWithdrawalRequest moves a processing request to the terminal
// 'rejected' state without touching the ledger.
func (r *PostgresRepository) RejectWithdrawalRequest(ctx context.Context, requestID uuid.UUID, adminID, reason string) (*domain.WithdrawalRequest, error) {
	var req *domain.WithdrawalRequest
	err := withRetry(ctx, func(ctx context.Context) error {
		var scanErr error
		req, scanErr = scanWithdrawalRequest(r.db.QueryRow(ctx, `
			UPDATE withdrawal_requests
			SET status = 'rejected', admin_comment = $3, processed_by = $2, processed_at = NOW()
			WHERE id = $1 AND status = 'processing'
			RETURNING `+withdrawalRequestColumns, requestID, adminID, reason))
		return scanErr
	})
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, ErrRequestNotFound) {
		return nil, err
	}
	if _, lookupErr := r.GetWithdrawalRequestByID(ctx, requestID); lookupErr != nil {
		return nil, lookupErr
	}
	return nil, ErrRequestNotProcessing
}

// CompleteWithdrawalRequest flags an approved request as paid out.
func (r *PostgresRepository) CompleteWithdrawalRequest(ctx context.Context, requestID uuid.UUID) (*domain.WithdrawalRequest, error) {
	var req *domain.WithdrawalRequest
	err := withRetry(ctx, func(ctx context.Context) error {
		var scanErr error
		req, scanErr = scanWithdrawalRequest(r.db.QueryRow(ctx, `
			UPDATE withdrawal_requests
			SET status = 'completed', completed_at = NOW()
			WHERE id = $1 AND status = 'approved'
			RETURNING `+withdrawalRequestColumns, requestID))
		return scanErr
	})
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, ErrRequestNotFound) {
		return nil, err
	}
	if _, lookupErr := r.GetWithdrawalRequestByID(ctx, requestID); lookupErr != nil {
		return nil, lookupErr
	}
	return nil, ErrRequestNotApproved
}

// DeleteProcessingWithdrawalRequest removes a participant's own request while
// it is still in 'processing'. Once an admin has acted on it, cancellation is
// refused.
func (r *PostgresRepository) DeleteProcessingWithdrawalRequest(ctx context.Context, requestID uuid.UUID, ozonID string) error {
	var deleted bool
	err := withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `
			DELETE FROM withdrawal_requests
			WHERE id = $1 AND user_ozon_id = $2 AND status = 'processing'
		`, requestID, ozonID)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return err
	}
	if !deleted {
		if _, lookupErr := r.GetWithdrawalRequestByID(ctx, requestID); lookupErr != nil {
			return lookupErr
		}
		return ErrRequestNotProcessing
	}
	return nil
}

// ListPendingWithdrawalRequests returns all requests awaiting admin action.
func (r *PostgresRepository) ListPendingWithdrawalRequests(ctx context.Context) ([]domain.WithdrawalRequest, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+withdrawalRequestColumns+`
		FROM withdrawal_requests
		WHERE status = 'processing'
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWithdrawalRequests(rows)
}

// ListWithdrawalRequestsByUser returns a participant's request history, newest first.
func (r *PostgresRepository) ListWithdrawalRequestsByUser(ctx context.Context, ozonID string, limit int) ([]domain.WithdrawalRequest, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+withdrawalRequestColumns+`
		FROM withdrawal_requests
		WHERE user_ozon_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, ozonID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWithdrawalRequests(rows)
}

func collectWithdrawalRequests(rows pgx.Rows) ([]domain.WithdrawalRequest, error) {
	var requests []domain.WithdrawalRequest
	for rows.Next() {
		req, err := scanWithdrawalRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *req)
	}
	return requests, rows.Err()
}

// ListWithdrawalTransactions returns the bonus rows consumed by one request.
func (r *PostgresRepository) ListWithdrawalTransactions(ctx context.Context, requestID uuid.UUID) ([]domain.WithdrawalTransaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, withdrawal_request_id, bonus_transaction_id, amount, created_at
		FROM withdrawal_transactions
		WHERE withdrawal_request_id = $1
		ORDER BY created_at
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []domain.WithdrawalTransaction
	for rows.Next() {
		var wt domain.WithdrawalTransaction
		if err := rows.Scan(&wt.ID, &wt.WithdrawalRequestID, &wt.BonusTransactionID, &wt.Amount, &wt.CreatedAt); err != nil {
			return nil, err
		}
		transactions = append(transactions, wt)
	}
	return transactions, rows.Err()
}

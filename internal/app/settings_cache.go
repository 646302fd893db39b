/**
 * @description
 * Process-wide caches for the two settings singletons. Reads hit the cache
 * under a read lock; every write path goes through the repository and then
 * replaces the cached snapshot, so stale reads are bounded to the moment
 * between commit and invalidation.
 */

package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/wistery/bonus-service/internal/domain"
)

type bonusSettingsCache struct {
	mu    sync.RWMutex
	value *domain.BonusSettings
}

type withdrawalSettingsCache struct {
	mu    sync.RWMutex
	value *domain.WithdrawalSettings
}

// BonusSettings returns the cached percentage configuration, loading it from
// the store on first use or after invalidation.
func (s *Service) BonusSettings(ctx context.Context) (*domain.BonusSettings, error) {
	s.bonusSettings.mu.RLock()
	cached := s.bonusSettings.value
	s.bonusSettings.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	settings, err := s.repo.GetBonusSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load bonus settings: %w", err)
	}
	s.bonusSettings.mu.Lock()
	s.bonusSettings.value = settings
	s.bonusSettings.mu.Unlock()
	return settings, nil
}

// InvalidateBonusSettings drops the cached snapshot.
func (s *Service) InvalidateBonusSettings() {
	s.bonusSettings.mu.Lock()
	s.bonusSettings.value = nil
	s.bonusSettings.mu.Unlock()
}

// UpdateBonusSettings applies a partial settings update and refreshes the cache.
func (s *Service) UpdateBonusSettings(ctx context.Context, req domain.UpdateBonusSettingsRequest) (*domain.BonusSettings, error) {
	updated, err := s.repo.UpdateBonusSettings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to update bonus settings: %w", err)
	}
	s.bonusSettings.mu.Lock()
	s.bonusSettings.value = updated
	s.bonusSettings.mu.Unlock()
	s.logger.Info("bonus settings updated", "max_levels", updated.MaxLevels)
	return updated, nil
}

// WithdrawalSettings returns the cached payout policy.
func (s *Service) WithdrawalSettings(ctx context.Context) (*domain.WithdrawalSettings, error) {
	s.withdrawalSettings.mu.RLock()
	cached := s.withdrawalSettings.value
	s.withdrawalSettings.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	settings, err := s.repo.GetWithdrawalSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load withdrawal settings: %w", err)
	}
	s.withdrawalSettings.mu.Lock()
	s.withdrawalSettings.value = settings
	s.withdrawalSettings.mu.Unlock()
	return settings, nil
}

// InvalidateWithdrawalSettings drops the cached snapshot.
func (s *Service) InvalidateWithdrawalSettings() {
	s.withdrawalSettings.mu.Lock()
	s.withdrawalSettings.value = nil
	s.withdrawalSettings.mu.Unlock()
}

// UpdateWithdrawalSettings applies a partial policy update and refreshes the cache.
func (s *Service) UpdateWithdrawalSettings(ctx context.Context, req domain.UpdateWithdrawalSettingsRequest) (*domain.WithdrawalSettings, error) {
	updated, err := s.repo.UpdateWithdrawalSettings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to update withdrawal settings: %w", err)
	}
	s.withdrawalSettings.mu.Lock()
	s.withdrawalSettings.value = updated
	s.withdrawalSettings.mu.Unlock()
	s.logger.Info("withdrawal settings updated",
		"min_amount", updated.MinWithdrawalAmount,
		"cooldown_days", updated.DaysBetweenWithdrawals)
	return updated, nil
}

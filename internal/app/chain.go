package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wistery/bonus-service/internal/domain"
	"github.com/wistery/bonus-service/internal/store"
)

// resolveChain walks the referral graph upward from the buyer and returns the
// ancestors eligible for a bonus on an order placed at orderAt.
//
// The level counter advances on every hop, active or not: an inactive ancestor
// is excluded from the result but still consumes its level slot, so the people
// above them keep their configured percents. The walk stops at the first
// ancestor registered after the order, at a dangling referrer id, at
// maxLevels, or when a cycle is detected.
func (s *Service) resolveChain(ctx context.Context, buyer *domain.Participant, maxLevels int, orderAt time.Time) ([]domain.ChainEntry, error) {
	if maxLevels <= 0 {
		return nil, nil
	}

	visited := map[string]bool{buyer.OzonID: true}
	var entries []domain.ChainEntry
	current := buyer
	for level := 1; level <= maxLevels; level++ {
		if current.ReferrerID == nil || *current.ReferrerID == "" {
			break
		}
		referrerID := *current.ReferrerID
		if visited[referrerID] {
			s.logger.Warn("referral cycle detected; stopping chain walk",
				"buyer", buyer.OzonID, "at", referrerID, "level", level)
			break
		}
		visited[referrerID] = true

		referrer, err := s.repo.FindParticipantByOzonID(ctx, referrerID)
		if err != nil {
			if errors.Is(err, store.ErrParticipantNotFound) {
				break
			}
			return nil, fmt.Errorf("failed to load referrer %s: %w", referrerID, err)
		}
		// An order placed before the referrer joined earns them nothing, and
		// nothing for anyone above them either.
		if orderAt.Before(referrer.RegistrationDate) {
			break
		}
		if referrer.IsActive {
			entries = append(entries, domain.ChainEntry{Participant: referrer, Level: level})
		}
		current = referrer
	}
	return entries, nil
}

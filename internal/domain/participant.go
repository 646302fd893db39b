package domain

import (
	"time"

	"github.com/google/uuid"
)

// Participant is a registered program member. The referral graph lives in
// ReferrerID, which points at the participant who invited this one.
type Participant struct {
	ID               uuid.UUID  `json:"id"`
	OzonID           string     `json:"ozon_id"`
	TelegramID       int64      `json:"telegram_id"`
	Name             string     `json:"name"`
	Username         string     `json:"username,omitempty"`
	ReferrerID       *string    `json:"referrer_id,omitempty"` // ozon_id of the inviter
	Language         string     `json:"language"`
	IsActive         bool       `json:"is_active"`
	RegistrationDate time.Time  `json:"registration_date"`
	DeactivatedAt    *time.Time `json:"deactivated_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// RegisterParticipantRequest is the DTO for participant registration.
type RegisterParticipantRequest struct {
	OzonID     string  `json:"ozon_id"`
	TelegramID int64   `json:"telegram_id"`
	Name       string  `json:"name"`
	Username   string  `json:"username,omitempty"`
	ReferrerID *string `json:"referrer_id,omitempty"`
	Language   string  `json:"language,omitempty"`
}

// RegisterParticipantResult reports whether the call created, reactivated, or
// simply returned an existing participant.
type RegisterParticipantResult struct {
	Participant *Participant `json:"participant"`
	Created     bool         `json:"created"`
	Reactivated bool         `json:"reactivated"`
}

// DeactivateParticipantResult reports the outcome of a soft deactivation.
type DeactivateParticipantResult struct {
	OzonID             string `json:"ozon_id"`
	WasAlreadyInactive bool   `json:"was_already_inactive"`
	DirectReferrals    int    `json:"direct_referrals"`
}

// ChainEntry is one eligible beneficiary produced by the referral chain walk.
type ChainEntry struct {
	Participant *Participant
	Level       int
}

/**
 * @description
 * This file contains the HTTP handlers for the bonus-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/wistery/bonus-service/internal/app"
	"github.com/wistery/bonus-service/internal/domain"
	"github.com/wistery/bonus-service/internal/store"
)

// BonusHandlers holds the application service that handlers will use.
type BonusHandlers struct {
	service *app.Service
}

// NewBonusHandlers creates a new instance of BonusHandlers.
func NewBonusHandlers(service *app.Service) *BonusHandlers {
	return &BonusHandlers{service: service}
}

// AccrueHandler triggers one accrual pass for a posting. Repeated calls for
// the same posting are reported as skipped, not failed.
func (h *BonusHandlers) AccrueHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PostingNumber string `json:"posting_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.PostingNumber) == "" {
		h.writeError(w, http.StatusBadRequest, "posting_number is required")
		return
	}

	result, err := h.service.AccruePostingBonuses(r.Context(), strings.TrimSpace(req.PostingNumber))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ReverseHandler voids bonuses for a returned or cancelled posting. An absent
// return_amount reverses the whole order.
func (h *BonusHandlers) ReverseHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PostingNumber string `json:"posting_number"`
		ReturnAmount  *int64 `json:"return_amount,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.PostingNumber) == "" {
		h.writeError(w, http.StatusBadRequest, "posting_number is required")
		return
	}
	if req.ReturnAmount != nil && *req.ReturnAmount <= 0 {
		h.writeError(w, http.StatusBadRequest, "return_amount must be positive")
		return
	}

	reversed, returned, err := h.service.ReverseOrderBonuses(r.Context(), strings.TrimSpace(req.PostingNumber), req.ReturnAmount)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"posting_number":  req.PostingNumber,
		"rows":            reversed,
		"returned_amount": returned,
	})
}

// PartialReturnHandler voids the returned fraction of a posting's bonuses.
func (h *BonusHandlers) PartialReturnHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.PartialReturnEvent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.PostingNumber) == "" {
		h.writeError(w, http.StatusBadRequest, "posting_number is required")
		return
	}
	if req.ReturnedQuantity <= 0 || req.UnitPrice < 0 {
		h.writeError(w, http.StatusBadRequest, "returned_quantity must be positive")
		return
	}

	reversed, returned, err := h.service.ReversePartialReturn(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"posting_number":  req.PostingNumber,
		"rows":            reversed,
		"returned_amount": returned,
	})
}

// MaturityHandler runs the maturity sweep on demand.
func (h *BonusHandlers) MaturityHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.MatureBonuses(r.Context())
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// BalanceHandler returns a participant's ledger position.
func (h *BonusHandlers) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	ozonID := chi.URLParam(r, "ozonID")
	summary, err := h.service.GetBalanceSummary(r.Context(), ozonID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// DailySummaryHandler returns the per-level accrual report for one day.
// The date query parameter defaults to today.
func (h *BonusHandlers) DailySummaryHandler(w http.ResponseWriter, r *http.Request) {
	ozonID := chi.URLParam(r, "ozonID")
	day := time.Now()
	if dateStr := r.URL.Query().Get("date"); dateStr != "" {
		parsed, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}

	summary, err := h.service.GetDailyBonusSummary(r.Context(), ozonID, day)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// RegisterParticipantHandler creates or reactivates a participant.
func (h *BonusHandlers) RegisterParticipantHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.RegisterParticipant(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, result)
}

// DeactivateParticipantHandler soft-deactivates a participant.
func (h *BonusHandlers) DeactivateParticipantHandler(w http.ResponseWriter, r *http.Request) {
	ozonID := chi.URLParam(r, "ozonID")
	result, err := h.service.DeactivateParticipant(r.Context(), ozonID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// FindParticipantHandler resolves a participant by ozon_id, telegram_id, or username.
func (h *BonusHandlers) FindParticipantHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var telegramID int64
	if raw := q.Get("telegram_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "telegram_id must be an integer")
			return
		}
		telegramID = parsed
	}

	participant, err := h.service.FindParticipant(r.Context(), q.Get("ozon_id"), telegramID, q.Get("username"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, participant)
}

// ListActiveParticipantsHandler returns all active participants.
func (h *BonusHandlers) ListActiveParticipantsHandler(w http.ResponseWriter, r *http.Request) {
	participants, err := h.service.ListActiveParticipants(r.Context())
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"participants": participants,
		"count":        len(participants),
	})
}

// GetBonusSettingsHandler returns the percentage configuration.
func (h *BonusHandlers) GetBonusSettingsHandler(w http.ResponseWriter, r *http.Request) {
	settings, err := h.service.BonusSettings(r.Context())
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, settings)
}

// UpdateBonusSettingsHandler applies a partial settings update.
func (h *BonusHandlers) UpdateBonusSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateBonusSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	settings, err := h.service.UpdateBonusSettings(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, settings)
}

// GetWithdrawalSettingsHandler returns the payout policy.
func (h *BonusHandlers) GetWithdrawalSettingsHandler(w http.ResponseWriter, r *http.Request) {
	settings, err := h.service.WithdrawalSettings(r.Context())
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, settings)
}

// UpdateWithdrawalSettingsHandler applies a partial policy update.
func (h *BonusHandlers) UpdateWithdrawalSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateWithdrawalSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	settings, err := h.service.UpdateWithdrawalSettings(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, settings)
}

// handleServiceError maps service and store errors to HTTP statuses.
func (h *BonusHandlers) handleServiceError(w http.ResponseWriter, err error) {
	var validationErr *app.ValidationError
	switch {
	case errors.As(err, &validationErr):
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": validationErr.Message,
			"code":  validationErr.Code,
		})
	case errors.Is(err, store.ErrParticipantNotFound),
		errors.Is(err, store.ErrPostingNotFound),
		errors.Is(err, store.ErrBonusNotFound),
		errors.Is(err, store.ErrRequestNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrRequestNotProcessing),
		errors.Is(err, store.ErrRequestNotApproved):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInsufficientAvailable):
		h.writeError(w, http.StatusConflict, "available bonuses no longer cover the request")
	default:
		log.Printf("level=error component=api msg=\"unhandled service error\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *BonusHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *BonusHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

/**
 * @description
 * HTTP handlers for the withdrawal request lifecycle: creation and
 * cancellation on behalf of participants, approval, rejection, and completion
 * on behalf of admins.
 */

package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/wistery/bonus-service/internal/domain"
)

// CreateWithdrawalHandler opens a payout request.
func (h *BonusHandlers) CreateWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateWithdrawalRequestInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.OzonID) == "" {
		h.writeError(w, http.StatusBadRequest, "ozon_id and amount are required")
		return
	}

	request, err := h.service.CreateWithdrawalRequest(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, request)
}

// CancelWithdrawalHandler deletes a participant's own processing request.
func (h *BonusHandlers) CancelWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.parseRequestID(w, r)
	if !ok {
		return
	}
	ozonID := strings.TrimSpace(r.URL.Query().Get("ozon_id"))
	if ozonID == "" {
		h.writeError(w, http.StatusBadRequest, "ozon_id is required")
		return
	}

	if err := h.service.CancelWithdrawalRequest(r.Context(), requestID, ozonID); err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ApproveWithdrawalHandler approves a processing request and consumes the
// participant's available bonuses.
func (h *BonusHandlers) ApproveWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.parseRequestID(w, r)
	if !ok {
		return
	}
	var req struct {
		AdminID string `json:"admin_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.AdminID) == "" {
		h.writeError(w, http.StatusBadRequest, "admin_id is required")
		return
	}

	request, consumed, err := h.service.ApproveWithdrawalRequest(r.Context(), requestID, strings.TrimSpace(req.AdminID))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"request":           request,
		"bonuses_consumed":  len(consumed),
		"withdrawal_detail": consumed,
	})
}

// RejectWithdrawalHandler refuses a processing request with a mandatory reason.
func (h *BonusHandlers) RejectWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.parseRequestID(w, r)
	if !ok {
		return
	}
	var req struct {
		AdminID string `json:"admin_id"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.AdminID) == "" {
		h.writeError(w, http.StatusBadRequest, "admin_id is required")
		return
	}

	request, err := h.service.RejectWithdrawalRequest(r.Context(), requestID, strings.TrimSpace(req.AdminID), strings.TrimSpace(req.Reason))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, request)
}

// CompleteWithdrawalHandler flags an approved request as paid out.
func (h *BonusHandlers) CompleteWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.parseRequestID(w, r)
	if !ok {
		return
	}
	request, err := h.service.CompleteWithdrawalRequest(r.Context(), requestID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, request)
}

// GetWithdrawalHandler returns one request with its consumed bonus rows.
func (h *BonusHandlers) GetWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.parseRequestID(w, r)
	if !ok {
		return
	}
	request, transactions, err := h.service.GetWithdrawalRequest(r.Context(), requestID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"request":      request,
		"transactions": transactions,
	})
}

// ListPendingWithdrawalsHandler returns requests awaiting admin action.
func (h *BonusHandlers) ListPendingWithdrawalsHandler(w http.ResponseWriter, r *http.Request) {
	requests, err := h.service.ListPendingWithdrawalRequests(r.Context())
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": requests,
		"count":    len(requests),
	})
}

// ListWithdrawalsByUserHandler returns a participant's request history.
func (h *BonusHandlers) ListWithdrawalsByUserHandler(w http.ResponseWriter, r *http.Request) {
	ozonID := strings.TrimSpace(r.URL.Query().Get("ozon_id"))
	if ozonID == "" {
		h.writeError(w, http.StatusBadRequest, "ozon_id is required")
		return
	}
	requests, err := h.service.ListWithdrawalRequestsByUser(r.Context(), ozonID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": requests,
		"count":    len(requests),
	})
}

func (h *BonusHandlers) parseRequestID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	requestID, err := uuid.Parse(chi.URLParam(r, "requestID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "request id must be a UUID")
		return uuid.Nil, false
	}
	return requestID, true
}

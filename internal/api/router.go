/**
 * @description
 * This file sets up the HTTP router for the bonus-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// BonusRoutes creates and returns a new router for the bonus service.
func BonusRoutes(h *BonusHandlers, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Every business route requires the shared service key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		// Ledger operations
		r.Post("/accruals", h.AccrueHandler)
		r.Post("/reversals", h.ReverseHandler)
		r.Post("/reversals/partial", h.PartialReturnHandler)
		r.Post("/maturity/run", h.MaturityHandler)

		// Participant directory
		r.Post("/participants", h.RegisterParticipantHandler)
		r.Get("/participants", h.FindParticipantHandler)
		r.Get("/participants/active", h.ListActiveParticipantsHandler)
		r.Post("/participants/{ozonID}/deactivate", h.DeactivateParticipantHandler)
		r.Get("/participants/{ozonID}/balance", h.BalanceHandler)
		r.Get("/participants/{ozonID}/daily-summary", h.DailySummaryHandler)

		// Withdrawal lifecycle
		r.Post("/withdrawals", h.CreateWithdrawalHandler)
		r.Get("/withdrawals", h.ListWithdrawalsByUserHandler)
		r.Get("/withdrawals/pending", h.ListPendingWithdrawalsHandler)
		r.Get("/withdrawals/{requestID}", h.GetWithdrawalHandler)
		r.Delete("/withdrawals/{requestID}", h.CancelWithdrawalHandler)
		r.Post("/withdrawals/{requestID}/approve", h.ApproveWithdrawalHandler)
		r.Post("/withdrawals/{requestID}/reject", h.RejectWithdrawalHandler)
		r.Post("/withdrawals/{requestID}/complete", h.CompleteWithdrawalHandler)

		// Settings
		r.Get("/settings/bonus", h.GetBonusSettingsHandler)
		r.Put("/settings/bonus", h.UpdateBonusSettingsHandler)
		r.Get("/settings/withdrawal", h.GetWithdrawalSettingsHandler)
		r.Put("/settings/withdrawal", h.UpdateWithdrawalSettingsHandler)
	})

	return r
}

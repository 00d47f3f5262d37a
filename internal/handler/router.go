package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/fixedasset/patient-token-system/internal/middleware"
)

// SetupRouter wires the HTTP routes and middleware.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Post("/api/staff/login", h.StaffLogin)

	r.Route("/api/patients/{patientID}", func(r chi.Router) {
		r.Route("/tokens", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Post("/transfer", h.TransferTokens)
			r.Get("/transactions", h.GetTransactions)
			r.Get("/transactions/{tokenType}", h.GetTransactionsByKind)
			r.Get("/total-minted/{tokenType}", h.GetTotalMinted)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.Middleware)

				r.Post("/asset/update", h.UpdateAssetTokens)
				r.Post("/health/update", h.UpdateHealthTokens)
			})
		})

		r.Route("/deposits", func(r chi.Router) {
			r.Post("/", h.SubmitDeposit)
			r.Get("/", h.GetDeposits)
			r.Get("/total-tokens", h.GetTotalDepositTokens)
			r.Get("/status/{status}", h.GetDepositsByStatus)
			r.Get("/{depositID}", h.GetDeposit)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.Middleware)

				r.Post("/{depositID}/approve", h.ApproveDeposit)
				r.Post("/{depositID}/reject", h.RejectDeposit)
				r.Put("/{depositID}/status", h.UpdateDepositStatus)
			})
		})

		r.Route("/benefits", func(r chi.Router) {
			r.Get("/available", h.GetAvailableBenefits)
			r.Post("/redeem", h.RedeemBenefit)
			r.Get("/history", h.GetRedemptionHistory)
			r.Get("/total-redeemed", h.GetTotalRedeemed)
			r.Get("/redemption/{redemptionID}", h.GetRedemption)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.Middleware)

				r.Post("/redemption/{redemptionID}/approve", h.ApproveRedemption)
				r.Post("/redemption/{redemptionID}/complete", h.CompleteRedemption)
			})
		})

		r.Get("/dashboard", h.GetDashboard)
		r.Get("/dashboard/summary", h.GetDashboardSummary)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

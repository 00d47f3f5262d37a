package handler

import (
	"net/http"

	"github.com/fixedasset/patient-token-system/internal/model"
)

type dashboardResponse struct {
	TokenBalances     *model.Balance              `json:"tokenBalances"`
	RecentDeposits    []depositResponse           `json:"recentDeposits"`
	AvailableBenefits []model.BenefitAvailability `json:"availableBenefits"`
	RedemptionHistory []redemptionResponse        `json:"redemptionHistory"`
	Statistics        model.DashboardStats        `json:"statistics"`
}

// GetDashboard returns the full patient dashboard.
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	patientID, ok := patientIDParam(w, r)
	if !ok {
		return
	}

	dashboard, err := h.service.Dashboard(r.Context(), patientID)
	if err != nil {
		h.writeServiceError(w, "get dashboard", err)
		return
	}

	writeJSON(w, http.StatusOK, dashboardResponse{
		TokenBalances:     &dashboard.Balance,
		RecentDeposits:    toDepositResponses(dashboard.RecentDeposits),
		AvailableBenefits: dashboard.AvailableBenefits,
		RedemptionHistory: toRedemptionResponses(dashboard.RecentRedemptions),
		Statistics:        dashboard.Stats,
	})
}

// GetDashboardSummary returns the compact dashboard variant.
func (h *Handler) GetDashboardSummary(w http.ResponseWriter, r *http.Request) {
	patientID, ok := patientIDParam(w, r)
	if !ok {
		return
	}

	summary, err := h.service.DashboardSummary(r.Context(), patientID)
	if err != nil {
		h.writeServiceError(w, "get dashboard summary", err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fixedasset/patient-token-system/internal/model"
	"github.com/fixedasset/patient-token-system/internal/validation"
)

type redemptionResponse struct {
	RedemptionID   string  `json:"redemptionId"`
	PatientID      int64   `json:"patientId"`
	ServiceType    string  `json:"serviceType"`
	HTAmount       float64 `json:"htAmount"`
	Status         string  `json:"status"`
	HospitalID     *string `json:"hospitalId,omitempty"`
	TransactionRef *string `json:"transactionRef,omitempty"`
	Description    string  `json:"description,omitempty"`
	CreatedAt      string  `json:"createdAt"`
	ProcessedAt    *string `json:"processedAt,omitempty"`
	CompletedAt    *string `json:"completedAt,omitempty"`
}

func toRedemptionResponse(red *model.Redemption) redemptionResponse {
	return redemptionResponse{
		RedemptionID:   red.RedemptionID,
		PatientID:      red.PatientID,
		ServiceType:    red.ServiceType,
		HTAmount:       red.HTAmount,
		Status:         string(red.Status),
		HospitalID:     red.HospitalID,
		TransactionRef: red.TransactionRef,
		Description:    red.Description,
		CreatedAt:      red.CreatedAt.Format(time.RFC3339),
		ProcessedAt:    formatTime(red.ProcessedAt),
		CompletedAt:    formatTime(red.CompletedAt),
	}
}

func toRedemptionResponses(redemptions []model.Redemption) []redemptionResponse {
	resp := make([]redemptionResponse, 0, len(redemptions))
	for i := range redemptions {
		resp = append(resp, toRedemptionResponse(&redemptions[i]))
	}
	return resp
}

func redemptionIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "redemptionID")
	if !validation.IsValidExternalID(id, "RED") {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return "", false
	}
	return id, true
}

// GetAvailableBenefits returns the catalog with per-patient eligibility.
func (h *Handler) GetAvailableBenefits(w http.ResponseWriter, r *http.Request) {
	patientID, ok := patientIDParam(w, r)
	if !ok {
		return
	}

	benefits, err := h.service.AvailableBenefits(r.Context(), patientID)
	if err != nil {
		h.writeServiceError(w, "get available benefits", err)
		return
	}

	writeJSON(w, http.StatusOK, benefits)
}

type redeemRequest struct {
	ServiceType string  `json:"serviceType"`
	HTAmount    float64 `json:"htAmount"`
}

// RedeemBenefit submits a redemption request for the patient.
func (h *Handler) RedeemBenefit(w http.ResponseWriter, r *http.Request) {
	patientID, ok := patientIDParam(w, r)
	if !ok {
		return
	}

	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.ServiceType == "" || req.HTAmount <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	redemption, err := h.service.RedeemBenefit(r.Context(), patientID, req.ServiceType, req.HTAmount)
	if err != nil {
		h.writeServiceError(w, "redeem benefit", err)
		return
	}

	writeJSON(w, http.StatusCreated, toRedemptionResponse(redemption))
}

// GetRedemptionHistory returns the redemption history of the patient.
func (h *Handler) GetRedemptionHistory(w http.ResponseWriter, r *http.Request) {
	patientID, ok := patientIDParam(w, r)
	if !ok {
		return
	}

	redemptions, err := h.service.RedemptionHistory(r.Context(), patientID)
	if err != nil {
		h.writeServiceError(w, "get redemption history", err)
		return
	}

	if len(redemptions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, toRedemptionResponses(redemptions))
}

// GetRedemption returns one redemption of the patient.
func (h *Handler) GetRedemption(w http.ResponseWriter, r *http.Request) {
	patientID, ok := patientIDParam(w, r)
	if !ok {
		return
	}

	redemptionID, ok := redemptionIDParam(w, r)
	if !ok {
		return
	}

	redemption, err := h.service.GetRedemption(r.Context(), patientID, redemptionID)
	if err != nil {
		h.writeServiceError(w, "get redemption", err)
		return
	}

	writeJSON(w, http.StatusOK, toRedemptionResponse(redemption))
}

type approveRedemptionRequest struct {
	HospitalID string `json:"hospitalId"`
}

// ApproveRedemption approves a pending redemption and burns health tokens.
func (h *Handler) ApproveRedemption(w http.ResponseWriter, r *http.Request) {
	patientID, ok := patientIDParam(w, r)
	if !ok {
		return
	}

	redemptionID, ok := redemptionIDParam(w, r)
	if !ok {
		return
	}

	var req approveRedemptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.HospitalID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ApproveRedemption(r.Context(), patientID, redemptionID, req.HospitalID); err != nil {
		h.writeServiceError(w, "approve redemption", err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type completeRedemptionRequest struct {
	TransactionRef string `json:"transactionRef"`
}

// CompleteRedemption records the settlement reference on an approved
// redemption.
func (h *Handler) CompleteRedemption(w http.ResponseWriter, r *http.Request) {
	patientID, ok := patientIDParam(w, r)
	if !ok {
		return
	}

	redemptionID, ok := redemptionIDParam(w, r)
	if !ok {
		return
	}

	var req completeRedemptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidSettlementRef(req.TransactionRef) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	if err := h.service.CompleteRedemption(r.Context(), patientID, redemptionID, req.TransactionRef); err != nil {
		h.writeServiceError(w, "complete redemption", err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetTotalRedeemed returns the total of health tokens over completed
// redemptions.
func (h *Handler) GetTotalRedeemed(w http.ResponseWriter, r *http.Request) {
	patientID, ok := patientIDParam(w, r)
	if !ok {
		return
	}

	total, err := h.service.TotalRedeemedHT(r.Context(), patientID)
	if err != nil {
		h.writeServiceError(w, "get total redeemed", err)
		return
	}

	writeJSON(w, http.StatusOK, totalResponse{Total: total})
}

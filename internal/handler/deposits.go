package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fixedasset/patient-token-system/internal/model"
	"github.com/fixedasset/patient-token-system/internal/validation"
)

type depositResponse struct {
	DepositID    string   `json:"depositId"`
	PatientID    int64    `json:"patientId"`
	AssetType    string   `json:"assetType"`
	AssetValue   float64  `json:"assetValue"`
	TokensMinted *float64 `json:"tokensMinted,omitempty"`
	ExternalRef  *string  `json:"externalDepositRef,omitempty"`
	Status       string   `json:"status"`
	Metadata     string   `json:"metadata,omitempty"`
	CreatedAt    string   `json:"createdAt"`
	ProcessedAt  *string  `json:"processedAt,omitempty"`
}

func toDepositResponse(d *model.Deposit) depositResponse {
	return depositResponse{
		DepositID:    d.DepositID,
		PatientID:    d.PatientID,
		AssetType:    d.AssetType,
		AssetValue:   d.AssetValue,
		TokensMinted: d.TokensMinted,
		ExternalRef:  d.ExternalRef,
		Status:       string(d.Status),
		Metadata:     d.Metadata,
		CreatedAt:    d.CreatedAt.Format(time.RFC3339),
		ProcessedAt:  formatTime(d.ProcessedAt),
	}
}

func toDepositResponses(deposits []model.Deposit) []depositResponse {
	resp := make([]depositResponse, 0, len(deposits))
	for i := range deposits {
		resp = append(resp, toDepositResponse(&deposits[i]))
	}
	return resp
}

// depositIDParam parses and validates the external deposit id path parameter.
func depositIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "depositID")
	if !validation.IsValidExternalID(id, "DEP") {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return "", false
	}
	return id, true
}

type submitDepositRequest struct {
	AssetType   string  `json:"assetType"`
	AssetValue  float64 `json:"assetValue"`
	Description string  `json:"description"`
}

// SubmitDeposit accepts a new asset deposit for the patient.
func (h *Handler) SubmitDeposit(w http.ResponseWriter, r *http.Request) {
	patientID, ok := patientIDParam(w, r)
	if !ok {
		return
	}

	var req submitDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.AssetType == "" || req.AssetValue <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	deposit, err := h.service.SubmitDeposit(r.Context(), patientID, req.AssetType, req.AssetValue, req.Description)
	if err != nil {
		h.writeServiceError(w, "submit deposit", err)
		return
	}

	writeJSON(w, http.StatusCreated, toDepositResponse(deposit))
}

// GetDeposits returns the deposits of the patient.
func (h *Handler) GetDeposits(w http.ResponseWriter, r *http.Request) {
	patientID, ok := patientIDParam(w, r)
	if !ok {
		return
	}

	deposits, err := h.service.GetDeposits(r.Context(), patientID)
	if err != nil {
		h.writeServiceError(w, "get deposits", err)
		return
	}

	if len(deposits) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, toDepositResponses(deposits))
}

// GetDeposit returns one deposit of the patient.
func (h *Handler) GetDeposit(w http.ResponseWriter, r *http.Request) {
	patientID, ok := patientIDParam(w, r)
	if !ok {
		return
	}

	depositID, ok := depositIDParam(w, r)
	if !ok {
		return
	}

	deposit, err := h.service.GetDeposit(r.Context(), patientID, depositID)
	if err != nil {
		h.writeServiceError(w, "get deposit", err)
		return
	}

	writeJSON(w, http.StatusOK, toDepositResponse(deposit))
}

// GetDepositsByStatus returns the deposits of the patient in one state.
func (h *Handler) GetDepositsByStatus(w http.ResponseWriter, r *http.Request) {
	patientID, ok := patientIDParam(w, r)
	if !ok {
		return
	}

	status := model.DepositStatus(chi.URLParam(r, "status"))

	deposits, err := h.service.GetDepositsByStatus(r.Context(), patientID, status)
	if err != nil {
		h.writeServiceError(w, "get deposits by status", err)
		return
	}

	if len(deposits) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, toDepositResponses(deposits))
}

type approveDepositRequest struct {
	TokensToMint float64 `json:"tokensToMint"`
	ExternalRef  string  `json:"externalRef"`
}

// ApproveDeposit approves a pending deposit and mints asset tokens.
func (h *Handler) ApproveDeposit(w http.ResponseWriter, r *http.Request) {
	patientID, ok := patientIDParam(w, r)
	if !ok {
		return
	}

	depositID, ok := depositIDParam(w, r)
	if !ok {
		return
	}

	var req approveDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.TokensToMint <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.ExternalRef != "" && !validation.IsValidSettlementRef(req.ExternalRef) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	if err := h.service.ApproveDeposit(r.Context(), patientID, depositID, req.TokensToMint, req.ExternalRef); err != nil {
		h.writeServiceError(w, "approve deposit", err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type rejectDepositRequest struct {
	Reason string `json:"reason"`
}

// RejectDeposit rejects a pending deposit with a reason.
func (h *Handler) RejectDeposit(w http.ResponseWriter, r *http.Request) {
	patientID, ok := patientIDParam(w, r)
	if !ok {
		return
	}

	depositID, ok := depositIDParam(w, r)
	if !ok {
		return
	}

	var req rejectDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Reason == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RejectDeposit(r.Context(), patientID, depositID, req.Reason); err != nil {
		h.writeServiceError(w, "reject deposit", err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type updateDepositStatusRequest struct {
	Status      string  `json:"status"`
	ExternalRef *string `json:"externalRef,omitempty"`
}

// UpdateDepositStatus marks an approved deposit as processed once external
// settlement finalized.
func (h *Handler) UpdateDepositStatus(w http.ResponseWriter, r *http.Request) {
	patientID, ok := patientIDParam(w, r)
	if !ok {
		return
	}

	depositID, ok := depositIDParam(w, r)
	if !ok {
		return
	}

	var req updateDepositStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Status == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.ExternalRef != nil && !validation.IsValidSettlementRef(*req.ExternalRef) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	err := h.service.UpdateDepositStatus(r.Context(), patientID, depositID, model.DepositStatus(req.Status), req.ExternalRef)
	if err != nil {
		h.writeServiceError(w, "update deposit status", err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetTotalDepositTokens returns the minted total over processed deposits.
func (h *Handler) GetTotalDepositTokens(w http.ResponseWriter, r *http.Request) {
	patientID, ok := patientIDParam(w, r)
	if !ok {
		return
	}

	total, err := h.service.TotalProcessedTokens(r.Context(), patientID)
	if err != nil {
		h.writeServiceError(w, "get total deposit tokens", err)
		return
	}

	writeJSON(w, http.StatusOK, totalResponse{Total: total})
}

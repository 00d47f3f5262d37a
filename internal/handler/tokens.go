package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fixedasset/patient-token-system/internal/model"
)

// GetBalance returns the token balances of the patient.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	patientID, ok := patientIDParam(w, r)
	if !ok {
		return
	}

	balance, err := h.service.GetTokenBalance(r.Context(), patientID)
	if err != nil {
		h.writeServiceError(w, "get balance", err)
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

type adjustRequest struct {
	Amount float64 `json:"amount"`
}

func (h *Handler) adjustTokens(w http.ResponseWriter, r *http.Request, kind model.TokenKind) {
	patientID, ok := patientIDParam(w, r)
	if !ok {
		return
	}

	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Amount == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.AdjustTokens(r.Context(), patientID, kind, req.Amount); err != nil {
		h.writeServiceError(w, "adjust tokens", err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// UpdateAssetTokens applies a direct asset token adjustment.
func (h *Handler) UpdateAssetTokens(w http.ResponseWriter, r *http.Request) {
	h.adjustTokens(w, r, model.TokenKindAsset)
}

// UpdateHealthTokens applies a direct health token adjustment.
func (h *Handler) UpdateHealthTokens(w http.ResponseWriter, r *http.Request) {
	h.adjustTokens(w, r, model.TokenKindHealth)
}

type transferRequest struct {
	ToPatientID int64   `json:"toPatientId"`
	Amount      float64 `json:"amount"`
}

// TransferTokens moves asset tokens to another patient.
func (h *Handler) TransferTokens(w http.ResponseWriter, r *http.Request) {
	patientID, ok := patientIDParam(w, r)
	if !ok {
		return
	}

	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.ToPatientID <= 0 || req.Amount <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.TransferAssetTokens(r.Context(), patientID, req.ToPatientID, req.Amount); err != nil {
		h.writeServiceError(w, "transfer tokens", err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type transactionResponse struct {
	ID              int64   `json:"id"`
	TransactionType string  `json:"transactionType"`
	TokenType       string  `json:"tokenType"`
	Amount          float64 `json:"amount"`
	Status          string  `json:"status"`
	ExternalRef     *string `json:"externalRef,omitempty"`
	Metadata        string  `json:"metadata,omitempty"`
	CreatedAt       string  `json:"createdAt"`
	ConfirmedAt     *string `json:"confirmedAt,omitempty"`
}

func toTransactionResponses(transactions []model.Transaction) []transactionResponse {
	resp := make([]transactionResponse, 0, len(transactions))
	for _, t := range transactions {
		resp = append(resp, transactionResponse{
			ID:              t.ID,
			TransactionType: string(t.Type),
			TokenType:       string(t.TokenKind),
			Amount:          t.Amount,
			Status:          string(t.Status),
			ExternalRef:     t.ExternalRef,
			Metadata:        t.Metadata,
			CreatedAt:       t.CreatedAt.Format(time.RFC3339),
			ConfirmedAt:     formatTime(t.ConfirmedAt),
		})
	}
	return resp
}

// GetTransactions returns the full ledger history of the patient.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	patientID, ok := patientIDParam(w, r)
	if !ok {
		return
	}

	transactions, err := h.service.GetTransactions(r.Context(), patientID)
	if err != nil {
		h.writeServiceError(w, "get transactions", err)
		return
	}

	if len(transactions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, toTransactionResponses(transactions))
}

// GetTransactionsByKind returns the ledger history for one token kind.
func (h *Handler) GetTransactionsByKind(w http.ResponseWriter, r *http.Request) {
	patientID, ok := patientIDParam(w, r)
	if !ok {
		return
	}

	kind := model.TokenKind(chi.URLParam(r, "tokenType"))
	if !kind.Valid() {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	transactions, err := h.service.GetTransactionsByKind(r.Context(), patientID, kind)
	if err != nil {
		h.writeServiceError(w, "get transactions by kind", err)
		return
	}

	if len(transactions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, toTransactionResponses(transactions))
}

type totalResponse struct {
	Total float64 `json:"total"`
}

// GetTotalMinted returns the minted total for one token kind.
func (h *Handler) GetTotalMinted(w http.ResponseWriter, r *http.Request) {
	patientID, ok := patientIDParam(w, r)
	if !ok {
		return
	}

	kind := model.TokenKind(chi.URLParam(r, "tokenType"))
	if !kind.Valid() {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	total, err := h.service.TotalMinted(r.Context(), patientID, kind)
	if err != nil {
		h.writeServiceError(w, "get total minted", err)
		return
	}

	writeJSON(w, http.StatusOK, totalResponse{Total: total})
}

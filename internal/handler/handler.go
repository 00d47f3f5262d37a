// Package handler contains the HTTP handlers of the patient token service.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fixedasset/patient-token-system/internal/middleware"
	"github.com/fixedasset/patient-token-system/internal/model"
	"github.com/fixedasset/patient-token-system/internal/repository"
	"github.com/fixedasset/patient-token-system/internal/service"
)

// Service defines the business logic contract used by the HTTP handlers.
type Service interface {
	GetTokenBalance(ctx context.Context, patientID int64) (*model.Balance, error)
	AdjustTokens(ctx context.Context, patientID int64, kind model.TokenKind, amount float64) error
	TransferAssetTokens(ctx context.Context, fromPatientID, toPatientID int64, amount float64) error
	GetTransactions(ctx context.Context, patientID int64) ([]model.Transaction, error)
	GetTransactionsByKind(ctx context.Context, patientID int64, kind model.TokenKind) ([]model.Transaction, error)
	TotalMinted(ctx context.Context, patientID int64, kind model.TokenKind) (float64, error)

	SubmitDeposit(ctx context.Context, patientID int64, assetType string, assetValue float64, description string) (*model.Deposit, error)
	GetDeposit(ctx context.Context, patientID int64, depositID string) (*model.Deposit, error)
	GetDeposits(ctx context.Context, patientID int64) ([]model.Deposit, error)
	GetDepositsByStatus(ctx context.Context, patientID int64, status model.DepositStatus) ([]model.Deposit, error)
	ApproveDeposit(ctx context.Context, patientID int64, depositID string, tokensToMint float64, externalRef string) error
	RejectDeposit(ctx context.Context, patientID int64, depositID, reason string) error
	UpdateDepositStatus(ctx context.Context, patientID int64, depositID string, status model.DepositStatus, externalRef *string) error
	TotalProcessedTokens(ctx context.Context, patientID int64) (float64, error)

	AvailableBenefits(ctx context.Context, patientID int64) ([]model.BenefitAvailability, error)
	RedeemBenefit(ctx context.Context, patientID int64, serviceType string, htAmount float64) (*model.Redemption, error)
	GetRedemption(ctx context.Context, patientID int64, redemptionID string) (*model.Redemption, error)
	RedemptionHistory(ctx context.Context, patientID int64) ([]model.Redemption, error)
	ApproveRedemption(ctx context.Context, patientID int64, redemptionID, hospitalID string) error
	CompleteRedemption(ctx context.Context, patientID int64, redemptionID, transactionRef string) error
	TotalRedeemedHT(ctx context.Context, patientID int64) (float64, error)

	Dashboard(ctx context.Context, patientID int64) (*model.Dashboard, error)
	DashboardSummary(ctx context.Context, patientID int64) (*model.DashboardSummary, error)
}

// Handler implements the HTTP API.
type Handler struct {
	service         Service
	logger          *zap.Logger
	authMiddleware  *middleware.AuthMiddleware
	staffAccessCode string
}

// NewHandler creates a new HTTP handler.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, staffAccessCode string) *Handler {
	return &Handler{
		service:         s,
		logger:          logger,
		authMiddleware:  auth,
		staffAccessCode: staffAccessCode,
	}
}

// patientIDParam parses the patient id path parameter. Writes 400 and
// returns false on a malformed value.
func patientIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "patientID"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// writeServiceError maps core errors to HTTP status codes. The taxonomy
// lives in the service and repository packages; only this boundary decides
// wire codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, service.ErrPatientNotFound),
		errors.Is(err, repository.ErrDepositNotFound),
		errors.Is(err, repository.ErrRedemptionNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrInvalidStateTransition):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, repository.ErrInsufficientBalance):
		http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
	case errors.Is(err, service.ErrExternalSettlement):
		h.logger.Error(op, zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	case errors.Is(err, service.ErrUnknownBenefit):
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
	default:
		h.logger.Error(op, zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

type staffLoginRequest struct {
	StaffID    string `json:"staffId"`
	AccessCode string `json:"accessCode"`
}

// StaffLogin authenticates hospital staff with the shared access code and
// installs the signed cookie that gates the approval endpoints.
func (h *Handler) StaffLogin(w http.ResponseWriter, r *http.Request) {
	var req staffLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.StaffID == "" || req.AccessCode == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if h.staffAccessCode == "" || req.AccessCode != h.staffAccessCode {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	h.authMiddleware.SetAuthCookie(w, req.StaffID)
	w.WriteHeader(http.StatusOK)
}

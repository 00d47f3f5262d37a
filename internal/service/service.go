// Package service implements the ledger and workflow logic of the patient
// token service.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/fixedasset/patient-token-system/internal/directory"
	"github.com/fixedasset/patient-token-system/internal/model"
	"github.com/fixedasset/patient-token-system/internal/repository"
)

// ErrPatientNotFound is returned when the patient directory does not know
// the patient.
var (
	ErrPatientNotFound = errors.New("patient not found")
	// ErrExternalSettlement is returned when the token bridge call fails. The
	// workflow entity stays in its pre-call state.
	ErrExternalSettlement = errors.New("external settlement failed")
	// ErrUnknownBenefit is returned for a service type missing from the catalog.
	ErrUnknownBenefit = errors.New("unknown benefit service type")
)

// Repository describes the data access contract used by the service.
type Repository interface {
	Close() error
	GetBalance(ctx context.Context, patientID int64) (*repository.BalanceRow, error)
	Credit(ctx context.Context, patientID int64, kind model.TokenKind, amountCents int64, txType model.TransactionType, externalRef *string, metadata string) error
	Debit(ctx context.Context, patientID int64, kind model.TokenKind, amountCents int64, txType model.TransactionType, externalRef *string, metadata string) error
	TransferAsset(ctx context.Context, fromPatientID, toPatientID, amountCents int64) error
	GetTransactionsByPatient(ctx context.Context, patientID int64) ([]model.Transaction, error)
	GetTransactionsByPatientAndKind(ctx context.Context, patientID int64, kind model.TokenKind) ([]model.Transaction, error)
	SumMintedByPatientAndKind(ctx context.Context, patientID int64, kind model.TokenKind) (int64, error)
	CreateDeposit(ctx context.Context, depositID string, patientID int64, assetType string, assetValueCents int64, description string) (*model.Deposit, error)
	GetDeposit(ctx context.Context, patientID int64, depositID string) (*model.Deposit, error)
	GetDepositsByPatient(ctx context.Context, patientID int64) ([]model.Deposit, error)
	GetDepositsByPatientAndStatus(ctx context.Context, patientID int64, status model.DepositStatus) ([]model.Deposit, error)
	ApproveDeposit(ctx context.Context, patientID int64, depositID string, tokensMintedCents int64, externalRef string) error
	RejectDeposit(ctx context.Context, patientID int64, depositID, reason string) error
	MarkDepositProcessed(ctx context.Context, patientID int64, depositID string, externalRef *string) error
	SumProcessedDepositTokens(ctx context.Context, patientID int64) (int64, error)
	CreateRedemption(ctx context.Context, redemptionID string, patientID int64, serviceType string, htAmountCents int64, status model.RedemptionStatus, description string) (*model.Redemption, error)
	GetRedemption(ctx context.Context, patientID int64, redemptionID string) (*model.Redemption, error)
	GetRedemptionsByPatient(ctx context.Context, patientID int64) ([]model.Redemption, error)
	ApproveRedemption(ctx context.Context, patientID int64, redemptionID, hospitalID string) error
	CompleteRedemption(ctx context.Context, patientID int64, redemptionID, transactionRef string) error
	SumRedeemedHT(ctx context.Context, patientID int64) (int64, error)
}

// Settler performs mint and burn settlement against the token bridge.
type Settler interface {
	Mint(ctx context.Context, walletRef string, amount float64, reference, metadata string) (string, error)
	Burn(ctx context.Context, walletRef string, amount float64) (bool, error)
}

// Directory resolves patient existence and wallet addresses.
type Directory interface {
	Exists(ctx context.Context, patientID int64) (bool, error)
	WalletAddress(ctx context.Context, patientID int64) (string, error)
}

// Service contains the ledger and workflow logic.
type Service struct {
	repo      Repository
	settler   Settler
	directory Directory
	catalog   []model.Benefit
}

// NewService creates the service. The directory may be nil, in which case
// patient existence checks are skipped and wallets are synthesized. The
// benefit catalog is read-only and injected once at startup.
func NewService(repo Repository, settler Settler, dir Directory, catalog []model.Benefit) *Service {
	return &Service{
		repo:      repo,
		settler:   settler,
		directory: dir,
		catalog:   catalog,
	}
}

// Close releases service resources.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// toCents converts an edge token amount to the stored integer representation.
func toCents(v float64) int64 {
	return int64(math.Round(v * 100))
}

func fromCents(c int64) float64 {
	return float64(c) / 100
}

func (s *Service) ensurePatient(ctx context.Context, patientID int64) error {
	if s.directory == nil {
		return nil
	}

	exists, err := s.directory.Exists(ctx, patientID)
	if err != nil {
		return fmt.Errorf("check patient: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %d", ErrPatientNotFound, patientID)
	}
	return nil
}

func (s *Service) walletFor(ctx context.Context, patientID int64) (string, error) {
	if s.directory == nil {
		return fmt.Sprintf("sim-wallet-%d", patientID), nil
	}

	wallet, err := s.directory.WalletAddress(ctx, patientID)
	if err != nil {
		if errors.Is(err, directory.ErrPatientNotFound) {
			return "", fmt.Errorf("%w: %d", ErrPatientNotFound, patientID)
		}
		return "", fmt.Errorf("resolve wallet: %w", err)
	}
	return wallet, nil
}

func externalID(prefix string) string {
	return prefix + "-" + strings.ToUpper(uuid.NewString()[:8])
}

// GetTokenBalance returns the patient balance, creating a zero balance on
// first access.
func (s *Service) GetTokenBalance(ctx context.Context, patientID int64) (*model.Balance, error) {
	if err := s.ensurePatient(ctx, patientID); err != nil {
		return nil, err
	}

	row, err := s.repo.GetBalance(ctx, patientID)
	if err != nil {
		return nil, err
	}

	return &model.Balance{
		PatientID:        patientID,
		AssetTokens:      fromCents(row.AssetCents),
		HealthTokens:     fromCents(row.HealthCents),
		LastAssetUpdate:  row.LastAssetUpdate,
		LastHealthUpdate: row.LastHealthUpdate,
	}, nil
}

// AdjustTokens applies a direct balance adjustment. A positive amount is a
// mint credit, a negative one a burn debit; both are audited. A debit that
// exceeds the balance fails with repository.ErrInsufficientBalance and writes
// nothing.
func (s *Service) AdjustTokens(ctx context.Context, patientID int64, kind model.TokenKind, amount float64) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown token kind: %s", kind)
	}
	if amount == 0 {
		return errors.New("adjustment amount must be non-zero")
	}
	if err := s.ensurePatient(ctx, patientID); err != nil {
		return err
	}

	name := "Asset"
	if kind == model.TokenKindHealth {
		name = "Health"
	}

	if amount > 0 {
		meta := fmt.Sprintf("%s tokens minted", name)
		return s.repo.Credit(ctx, patientID, kind, toCents(amount), model.TransactionTypeMint, nil, meta)
	}

	meta := fmt.Sprintf("%s tokens burned", name)
	return s.repo.Debit(ctx, patientID, kind, toCents(-amount), model.TransactionTypeBurn, nil, meta)
}

// TransferAssetTokens moves asset tokens between two patients.
func (s *Service) TransferAssetTokens(ctx context.Context, fromPatientID, toPatientID int64, amount float64) error {
	if amount <= 0 {
		return errors.New("transfer amount must be positive")
	}
	if fromPatientID == toPatientID {
		return errors.New("transfer requires two distinct patients")
	}
	if err := s.ensurePatient(ctx, fromPatientID); err != nil {
		return err
	}
	if err := s.ensurePatient(ctx, toPatientID); err != nil {
		return err
	}

	return s.repo.TransferAsset(ctx, fromPatientID, toPatientID, toCents(amount))
}

// GetTransactions returns the full ledger history of a patient.
func (s *Service) GetTransactions(ctx context.Context, patientID int64) ([]model.Transaction, error) {
	if err := s.ensurePatient(ctx, patientID); err != nil {
		return nil, err
	}
	return s.repo.GetTransactionsByPatient(ctx, patientID)
}

// GetTransactionsByKind returns the ledger history for one token kind.
func (s *Service) GetTransactionsByKind(ctx context.Context, patientID int64, kind model.TokenKind) ([]model.Transaction, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown token kind: %s", kind)
	}
	if err := s.ensurePatient(ctx, patientID); err != nil {
		return nil, err
	}
	return s.repo.GetTransactionsByPatientAndKind(ctx, patientID, kind)
}

// TotalMinted returns the sum of minted tokens for one kind.
func (s *Service) TotalMinted(ctx context.Context, patientID int64, kind model.TokenKind) (float64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("unknown token kind: %s", kind)
	}
	if err := s.ensurePatient(ctx, patientID); err != nil {
		return 0, err
	}

	total, err := s.repo.SumMintedByPatientAndKind(ctx, patientID, kind)
	if err != nil {
		return 0, err
	}
	return fromCents(total), nil
}

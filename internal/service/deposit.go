package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/fixedasset/patient-token-system/internal/model"
	"github.com/fixedasset/patient-token-system/internal/repository"
)

// SubmitDeposit creates a PENDING asset deposit. No balance effect until
// approval.
func (s *Service) SubmitDeposit(ctx context.Context, patientID int64, assetType string, assetValue float64, description string) (*model.Deposit, error) {
	if assetType == "" {
		return nil, errors.New("asset type is required")
	}
	if assetValue <= 0 {
		return nil, errors.New("asset value must be positive")
	}
	if err := s.ensurePatient(ctx, patientID); err != nil {
		return nil, err
	}

	return s.repo.CreateDeposit(ctx, externalID("DEP"), patientID, assetType, toCents(assetValue), description)
}

// GetDeposit returns one deposit of the patient. A deposit owned by another
// patient is reported as not found.
func (s *Service) GetDeposit(ctx context.Context, patientID int64, depositID string) (*model.Deposit, error) {
	return s.repo.GetDeposit(ctx, patientID, depositID)
}

// GetDeposits returns all deposits of the patient, newest first.
func (s *Service) GetDeposits(ctx context.Context, patientID int64) ([]model.Deposit, error) {
	if err := s.ensurePatient(ctx, patientID); err != nil {
		return nil, err
	}
	return s.repo.GetDepositsByPatient(ctx, patientID)
}

// GetDepositsByStatus returns the deposits of the patient in one workflow state.
func (s *Service) GetDepositsByStatus(ctx context.Context, patientID int64, status model.DepositStatus) ([]model.Deposit, error) {
	switch status {
	case model.DepositStatusPending, model.DepositStatusApproved, model.DepositStatusProcessed, model.DepositStatusRejected:
	default:
		return nil, fmt.Errorf("unknown deposit status: %s", status)
	}
	if err := s.ensurePatient(ctx, patientID); err != nil {
		return nil, err
	}
	return s.repo.GetDepositsByPatientAndStatus(ctx, patientID, status)
}

// ApproveDeposit settles the mint with the token bridge and then, in one
// storage transaction, flips the deposit to APPROVED, credits asset tokens
// and records the MINT. A bridge failure leaves the deposit PENDING. When the
// caller supplies an already-settled reference it is validated and used as
// is; otherwise the bridge produces one.
func (s *Service) ApproveDeposit(ctx context.Context, patientID int64, depositID string, tokensToMint float64, externalRef string) error {
	if tokensToMint <= 0 {
		return errors.New("tokens to mint must be positive")
	}

	deposit, err := s.repo.GetDeposit(ctx, patientID, depositID)
	if err != nil {
		return err
	}
	if deposit.Status != model.DepositStatusPending {
		return fmt.Errorf("%w: deposit %s is %s", repository.ErrInvalidStateTransition, depositID, deposit.Status)
	}

	ref := externalRef
	if ref == "" {
		wallet, err := s.walletFor(ctx, patientID)
		if err != nil {
			return err
		}

		ref, err = s.settler.Mint(ctx, wallet, tokensToMint, depositID, deposit.Metadata)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrExternalSettlement, err)
		}
	}

	return s.repo.ApproveDeposit(ctx, patientID, depositID, toCents(tokensToMint), ref)
}

// RejectDeposit flips a PENDING deposit to REJECTED with a reason.
func (s *Service) RejectDeposit(ctx context.Context, patientID int64, depositID, reason string) error {
	if reason == "" {
		return errors.New("rejection reason is required")
	}
	return s.repo.RejectDeposit(ctx, patientID, depositID, reason)
}

// UpdateDepositStatus performs the generic status transition. Only
// APPROVED to PROCESSED is permitted here; approval and rejection have their
// own operations, and REJECTED and PROCESSED are terminal.
func (s *Service) UpdateDepositStatus(ctx context.Context, patientID int64, depositID string, status model.DepositStatus, externalRef *string) error {
	if status != model.DepositStatusProcessed {
		return fmt.Errorf("%w: cannot set deposit status to %s directly", repository.ErrInvalidStateTransition, status)
	}
	return s.repo.MarkDepositProcessed(ctx, patientID, depositID, externalRef)
}

// TotalProcessedTokens returns the sum of minted tokens over PROCESSED
// deposits of the patient.
func (s *Service) TotalProcessedTokens(ctx context.Context, patientID int64) (float64, error) {
	if err := s.ensurePatient(ctx, patientID); err != nil {
		return 0, err
	}

	total, err := s.repo.SumProcessedDepositTokens(ctx, patientID)
	if err != nil {
		return 0, err
	}
	return fromCents(total), nil
}

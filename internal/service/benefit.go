package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/fixedasset/patient-token-system/internal/model"
	"github.com/fixedasset/patient-token-system/internal/repository"
)

// AvailableBenefits returns the catalog annotated with per-patient
// eligibility against the current health token balance. Pure read.
func (s *Service) AvailableBenefits(ctx context.Context, patientID int64) ([]model.BenefitAvailability, error) {
	balance, err := s.GetTokenBalance(ctx, patientID)
	if err != nil {
		return nil, err
	}

	res := make([]model.BenefitAvailability, 0, len(s.catalog))
	for _, b := range s.catalog {
		available := balance.HealthTokens >= b.HTCost
		eligibility := "Eligible"
		if !available {
			eligibility = fmt.Sprintf("Requires %g HT (Current: %g HT)", b.HTCost, balance.HealthTokens)
		}

		res = append(res, model.BenefitAvailability{
			Benefit:     b,
			Available:   available,
			Eligibility: eligibility,
		})
	}

	return res, nil
}

func (s *Service) catalogEntry(serviceType string) (model.Benefit, bool) {
	for _, b := range s.catalog {
		if b.ServiceType == serviceType {
			return b, true
		}
	}
	return model.Benefit{}, false
}

// RedeemBenefit submits a redemption request. A request the balance cannot
// cover is persisted as REJECTED with a readable reason and returned without
// error; eligible requests start PENDING with a generated external id.
func (s *Service) RedeemBenefit(ctx context.Context, patientID int64, serviceType string, htAmount float64) (*model.Redemption, error) {
	if htAmount <= 0 {
		return nil, errors.New("redemption amount must be positive")
	}
	if _, ok := s.catalogEntry(serviceType); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBenefit, serviceType)
	}

	balance, err := s.GetTokenBalance(ctx, patientID)
	if err != nil {
		return nil, err
	}

	if balance.HealthTokens < htAmount {
		reason := fmt.Sprintf("Insufficient health tokens. Available: %g HT, Required: %g HT", balance.HealthTokens, htAmount)
		return s.repo.CreateRedemption(ctx, externalID("RED"), patientID, serviceType, toCents(htAmount), model.RedemptionStatusRejected, reason)
	}

	description := fmt.Sprintf("Redeeming %s service", serviceType)
	return s.repo.CreateRedemption(ctx, externalID("RED"), patientID, serviceType, toCents(htAmount), model.RedemptionStatusPending, description)
}

// GetRedemption returns one redemption of the patient. An ownership mismatch
// is reported as not found.
func (s *Service) GetRedemption(ctx context.Context, patientID int64, redemptionID string) (*model.Redemption, error) {
	return s.repo.GetRedemption(ctx, patientID, redemptionID)
}

// RedemptionHistory returns the redemption history, newest first.
func (s *Service) RedemptionHistory(ctx context.Context, patientID int64) ([]model.Redemption, error) {
	if err := s.ensurePatient(ctx, patientID); err != nil {
		return nil, err
	}
	return s.repo.GetRedemptionsByPatient(ctx, patientID)
}

// ApproveRedemption burns the health tokens with the token bridge and then,
// in one storage transaction, debits HT, records the BURN and flips the
// redemption to APPROVED. Only a PENDING redemption reaches the bridge. A
// bridge failure or a lost debit race leaves the redemption PENDING.
func (s *Service) ApproveRedemption(ctx context.Context, patientID int64, redemptionID, hospitalID string) error {
	if hospitalID == "" {
		return errors.New("hospital id is required")
	}

	red, err := s.repo.GetRedemption(ctx, patientID, redemptionID)
	if err != nil {
		return err
	}
	if red.Status != model.RedemptionStatusPending {
		return fmt.Errorf("%w: redemption %s is %s", repository.ErrInvalidStateTransition, redemptionID, red.Status)
	}

	wallet, err := s.walletFor(ctx, patientID)
	if err != nil {
		return err
	}

	ok, err := s.settler.Burn(ctx, wallet, red.HTAmount)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExternalSettlement, err)
	}
	if !ok {
		return fmt.Errorf("%w: bridge refused burn", ErrExternalSettlement)
	}

	return s.repo.ApproveRedemption(ctx, patientID, redemptionID, hospitalID)
}

// CompleteRedemption records the external settlement reference on an
// APPROVED redemption. No balance effect, tokens were burned at approval.
func (s *Service) CompleteRedemption(ctx context.Context, patientID int64, redemptionID, transactionRef string) error {
	if transactionRef == "" {
		return errors.New("transaction reference is required")
	}
	return s.repo.CompleteRedemption(ctx, patientID, redemptionID, transactionRef)
}

// TotalRedeemedHT returns the sum of health tokens over COMPLETED
// redemptions of the patient.
func (s *Service) TotalRedeemedHT(ctx context.Context, patientID int64) (float64, error) {
	if err := s.ensurePatient(ctx, patientID); err != nil {
		return 0, err
	}

	total, err := s.repo.SumRedeemedHT(ctx, patientID)
	if err != nil {
		return 0, err
	}
	return fromCents(total), nil
}

package service

import (
	"context"

	"github.com/fixedasset/patient-token-system/internal/model"
)

const recentLimit = 5

// Dashboard composes the read-only patient dashboard: balances, recent
// deposits, available benefits, recent redemptions and counters. Mutates
// nothing.
func (s *Service) Dashboard(ctx context.Context, patientID int64) (*model.Dashboard, error) {
	balance, err := s.GetTokenBalance(ctx, patientID)
	if err != nil {
		return nil, err
	}

	deposits, err := s.repo.GetDepositsByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}

	benefits, err := s.AvailableBenefits(ctx, patientID)
	if err != nil {
		return nil, err
	}

	redemptions, err := s.repo.GetRedemptionsByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}

	stats := model.DashboardStats{
		TotalDeposits:    len(deposits),
		TotalRedemptions: len(redemptions),
	}
	for _, d := range deposits {
		if d.Status == model.DepositStatusPending {
			stats.PendingDeposits++
		}
	}
	for _, r := range redemptions {
		if r.Status == model.RedemptionStatusCompleted {
			stats.CompletedRedemptions++
		}
	}

	return &model.Dashboard{
		Balance:           *balance,
		RecentDeposits:    firstN(deposits, recentLimit),
		AvailableBenefits: benefits,
		RecentRedemptions: firstN(redemptions, recentLimit),
		Stats:             stats,
	}, nil
}

// DashboardSummary composes the compact dashboard variant.
func (s *Service) DashboardSummary(ctx context.Context, patientID int64) (*model.DashboardSummary, error) {
	balance, err := s.GetTokenBalance(ctx, patientID)
	if err != nil {
		return nil, err
	}

	deposits, err := s.repo.GetDepositsByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}

	redemptions, err := s.repo.GetRedemptionsByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}

	totalRedeemed, err := s.repo.SumRedeemedHT(ctx, patientID)
	if err != nil {
		return nil, err
	}

	summary := &model.DashboardSummary{
		AssetTokens:      balance.AssetTokens,
		HealthTokens:     balance.HealthTokens,
		TotalDeposits:    len(deposits),
		TotalRedemptions: len(redemptions),
		TotalRedeemedHT:  fromCents(totalRedeemed),
	}
	for _, d := range deposits {
		switch d.Status {
		case model.DepositStatusPending:
			summary.PendingDeposits++
		case model.DepositStatusApproved:
			summary.ApprovedDeposits++
		}
	}
	for _, r := range redemptions {
		if r.Status == model.RedemptionStatusCompleted {
			summary.CompletedRedemptions++
		}
	}

	return summary, nil
}

func firstN[T any](items []T, n int) []T {
	if len(items) <= n {
		return items
	}
	return items[:n]
}

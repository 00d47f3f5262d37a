package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fixedasset/patient-token-system/internal/chain"
	"github.com/fixedasset/patient-token-system/internal/model"
	"github.com/fixedasset/patient-token-system/internal/repository"
)

// fakeRepo is an in-memory repository with the same conditional-update
// semantics as the PostgreSQL implementation.
type fakeRepo struct {
	mu           sync.Mutex
	balances     map[int64]*repository.BalanceRow
	transactions []model.Transaction
	deposits     map[string]*model.Deposit
	redemptions  map[string]*model.Redemption
	nextID       int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		balances:    make(map[int64]*repository.BalanceRow),
		deposits:    make(map[string]*model.Deposit),
		redemptions: make(map[string]*model.Redemption),
	}
}

func (f *fakeRepo) Close() error { return nil }

func (f *fakeRepo) balanceRow(patientID int64) *repository.BalanceRow {
	row, ok := f.balances[patientID]
	if !ok {
		row = &repository.BalanceRow{}
		f.balances[patientID] = row
	}
	return row
}

func (f *fakeRepo) appendTransaction(patientID int64, txType model.TransactionType, kind model.TokenKind, amountCents int64, externalRef *string, metadata string) {
	f.nextID++
	now := time.Now()
	f.transactions = append(f.transactions, model.Transaction{
		ID:          f.nextID,
		PatientID:   patientID,
		Type:        txType,
		TokenKind:   kind,
		Amount:      float64(amountCents) / 100,
		Status:      model.TransactionStatusConfirmed,
		ExternalRef: externalRef,
		Metadata:    metadata,
		CreatedAt:   now,
		ConfirmedAt: &now,
	})
}

func (f *fakeRepo) GetBalance(ctx context.Context, patientID int64) (*repository.BalanceRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.balanceRow(patientID)
	cp := *row
	return &cp, nil
}

func (f *fakeRepo) Credit(ctx context.Context, patientID int64, kind model.TokenKind, amountCents int64, txType model.TransactionType, externalRef *string, metadata string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	row := f.balanceRow(patientID)
	now := time.Now()
	if kind == model.TokenKindAsset {
		row.AssetCents += amountCents
		row.LastAssetUpdate = &now
	} else {
		row.HealthCents += amountCents
		row.LastHealthUpdate = &now
	}

	f.appendTransaction(patientID, txType, kind, amountCents, externalRef, metadata)
	return nil
}

func (f *fakeRepo) Debit(ctx context.Context, patientID int64, kind model.TokenKind, amountCents int64, txType model.TransactionType, externalRef *string, metadata string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.debitLocked(patientID, kind, amountCents); err != nil {
		return err
	}

	f.appendTransaction(patientID, txType, kind, amountCents, externalRef, metadata)
	return nil
}

func (f *fakeRepo) debitLocked(patientID int64, kind model.TokenKind, amountCents int64) error {
	row := f.balanceRow(patientID)
	now := time.Now()
	if kind == model.TokenKindAsset {
		if row.AssetCents < amountCents {
			return repository.ErrInsufficientBalance
		}
		row.AssetCents -= amountCents
		row.LastAssetUpdate = &now
		return nil
	}

	if row.HealthCents < amountCents {
		return repository.ErrInsufficientBalance
	}
	row.HealthCents -= amountCents
	row.LastHealthUpdate = &now
	return nil
}

func (f *fakeRepo) TransferAsset(ctx context.Context, fromPatientID, toPatientID, amountCents int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.debitLocked(fromPatientID, model.TokenKindAsset, amountCents); err != nil {
		return err
	}

	row := f.balanceRow(toPatientID)
	now := time.Now()
	row.AssetCents += amountCents
	row.LastAssetUpdate = &now

	f.appendTransaction(fromPatientID, model.TransactionTypeTransfer, model.TokenKindAsset, amountCents, nil, fmt.Sprintf("Transferred to patient %d", toPatientID))
	f.appendTransaction(toPatientID, model.TransactionTypeTransfer, model.TokenKindAsset, amountCents, nil, fmt.Sprintf("Received from patient %d", fromPatientID))
	return nil
}

func (f *fakeRepo) GetTransactionsByPatient(ctx context.Context, patientID int64) ([]model.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var res []model.Transaction
	for _, t := range f.transactions {
		if t.PatientID == patientID {
			res = append(res, t)
		}
	}
	return res, nil
}

func (f *fakeRepo) GetTransactionsByPatientAndKind(ctx context.Context, patientID int64, kind model.TokenKind) ([]model.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var res []model.Transaction
	for _, t := range f.transactions {
		if t.PatientID == patientID && t.TokenKind == kind {
			res = append(res, t)
		}
	}
	return res, nil
}

func (f *fakeRepo) SumMintedByPatientAndKind(ctx context.Context, patientID int64, kind model.TokenKind) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var total int64
	for _, t := range f.transactions {
		if t.PatientID == patientID && t.TokenKind == kind && t.Type == model.TransactionTypeMint {
			total += int64(t.Amount * 100)
		}
	}
	return total, nil
}

func (f *fakeRepo) CreateDeposit(ctx context.Context, depositID string, patientID int64, assetType string, assetValueCents int64, description string) (*model.Deposit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	d := &model.Deposit{
		ID:         f.nextID,
		DepositID:  depositID,
		PatientID:  patientID,
		AssetType:  assetType,
		AssetValue: float64(assetValueCents) / 100,
		Status:     model.DepositStatusPending,
		Metadata:   description,
		CreatedAt:  time.Now(),
	}
	f.deposits[depositID] = d
	cp := *d
	return &cp, nil
}

func (f *fakeRepo) findDepositLocked(patientID int64, depositID string) (*model.Deposit, error) {
	d, ok := f.deposits[depositID]
	if !ok || d.PatientID != patientID {
		return nil, repository.ErrDepositNotFound
	}
	return d, nil
}

func (f *fakeRepo) GetDeposit(ctx context.Context, patientID int64, depositID string) (*model.Deposit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, err := f.findDepositLocked(patientID, depositID)
	if err != nil {
		return nil, err
	}
	cp := *d
	return &cp, nil
}

func (f *fakeRepo) GetDepositsByPatient(ctx context.Context, patientID int64) ([]model.Deposit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var res []model.Deposit
	for _, d := range f.deposits {
		if d.PatientID == patientID {
			res = append(res, *d)
		}
	}
	return res, nil
}

func (f *fakeRepo) GetDepositsByPatientAndStatus(ctx context.Context, patientID int64, status model.DepositStatus) ([]model.Deposit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var res []model.Deposit
	for _, d := range f.deposits {
		if d.PatientID == patientID && d.Status == status {
			res = append(res, *d)
		}
	}
	return res, nil
}

func (f *fakeRepo) ApproveDeposit(ctx context.Context, patientID int64, depositID string, tokensMintedCents int64, externalRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, err := f.findDepositLocked(patientID, depositID)
	if err != nil {
		return err
	}
	if d.Status != model.DepositStatusPending {
		return fmt.Errorf("%w: deposit %s is %s", repository.ErrInvalidStateTransition, depositID, d.Status)
	}

	now := time.Now()
	minted := float64(tokensMintedCents) / 100
	d.Status = model.DepositStatusApproved
	d.TokensMinted = &minted
	d.ExternalRef = &externalRef
	d.ProcessedAt = &now

	row := f.balanceRow(patientID)
	row.AssetCents += tokensMintedCents
	row.LastAssetUpdate = &now

	f.appendTransaction(patientID, model.TransactionTypeMint, model.TokenKindAsset, tokensMintedCents, &externalRef, fmt.Sprintf("Asset tokens minted for deposit %s", depositID))
	return nil
}

func (f *fakeRepo) RejectDeposit(ctx context.Context, patientID int64, depositID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, err := f.findDepositLocked(patientID, depositID)
	if err != nil {
		return err
	}
	if d.Status != model.DepositStatusPending {
		return fmt.Errorf("%w: deposit %s is %s", repository.ErrInvalidStateTransition, depositID, d.Status)
	}

	now := time.Now()
	d.Status = model.DepositStatusRejected
	d.Metadata = reason
	d.ProcessedAt = &now
	return nil
}

func (f *fakeRepo) MarkDepositProcessed(ctx context.Context, patientID int64, depositID string, externalRef *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, err := f.findDepositLocked(patientID, depositID)
	if err != nil {
		return err
	}
	if d.Status != model.DepositStatusApproved {
		return fmt.Errorf("%w: deposit %s is %s", repository.ErrInvalidStateTransition, depositID, d.Status)
	}

	now := time.Now()
	d.Status = model.DepositStatusProcessed
	if externalRef != nil {
		d.ExternalRef = externalRef
	}
	d.ProcessedAt = &now
	return nil
}

func (f *fakeRepo) SumProcessedDepositTokens(ctx context.Context, patientID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var total int64
	for _, d := range f.deposits {
		if d.PatientID == patientID && d.Status == model.DepositStatusProcessed && d.TokensMinted != nil {
			total += int64(*d.TokensMinted * 100)
		}
	}
	return total, nil
}

func (f *fakeRepo) CreateRedemption(ctx context.Context, redemptionID string, patientID int64, serviceType string, htAmountCents int64, status model.RedemptionStatus, description string) (*model.Redemption, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	red := &model.Redemption{
		ID:           f.nextID,
		RedemptionID: redemptionID,
		PatientID:    patientID,
		ServiceType:  serviceType,
		HTAmount:     float64(htAmountCents) / 100,
		Status:       status,
		Description:  description,
		CreatedAt:    time.Now(),
	}
	f.redemptions[redemptionID] = red
	cp := *red
	return &cp, nil
}

func (f *fakeRepo) findRedemptionLocked(patientID int64, redemptionID string) (*model.Redemption, error) {
	red, ok := f.redemptions[redemptionID]
	if !ok || red.PatientID != patientID {
		return nil, repository.ErrRedemptionNotFound
	}
	return red, nil
}

func (f *fakeRepo) GetRedemption(ctx context.Context, patientID int64, redemptionID string) (*model.Redemption, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	red, err := f.findRedemptionLocked(patientID, redemptionID)
	if err != nil {
		return nil, err
	}
	cp := *red
	return &cp, nil
}

func (f *fakeRepo) GetRedemptionsByPatient(ctx context.Context, patientID int64) ([]model.Redemption, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var res []model.Redemption
	for _, red := range f.redemptions {
		if red.PatientID == patientID {
			res = append(res, *red)
		}
	}
	return res, nil
}

func (f *fakeRepo) ApproveRedemption(ctx context.Context, patientID int64, redemptionID, hospitalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	red, err := f.findRedemptionLocked(patientID, redemptionID)
	if err != nil {
		return err
	}
	if red.Status != model.RedemptionStatusPending {
		return fmt.Errorf("%w: redemption %s is %s", repository.ErrInvalidStateTransition, redemptionID, red.Status)
	}

	htCents := int64(red.HTAmount * 100)
	if err := f.debitLocked(patientID, model.TokenKindHealth, htCents); err != nil {
		return err
	}

	now := time.Now()
	red.Status = model.RedemptionStatusApproved
	red.HospitalID = &hospitalID
	red.ProcessedAt = &now

	f.appendTransaction(patientID, model.TransactionTypeBurn, model.TokenKindHealth, htCents, nil, fmt.Sprintf("Health tokens burned for redemption %s", redemptionID))
	return nil
}

func (f *fakeRepo) CompleteRedemption(ctx context.Context, patientID int64, redemptionID, transactionRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	red, err := f.findRedemptionLocked(patientID, redemptionID)
	if err != nil {
		return err
	}
	if red.Status != model.RedemptionStatusApproved {
		return fmt.Errorf("%w: redemption %s is %s", repository.ErrInvalidStateTransition, redemptionID, red.Status)
	}

	now := time.Now()
	red.Status = model.RedemptionStatusCompleted
	red.TransactionRef = &transactionRef
	red.CompletedAt = &now
	return nil
}

func (f *fakeRepo) SumRedeemedHT(ctx context.Context, patientID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var total int64
	for _, red := range f.redemptions {
		if red.PatientID == patientID && red.Status == model.RedemptionStatusCompleted {
			total += int64(red.HTAmount * 100)
		}
	}
	return total, nil
}

// countingSettler records how often the bridge is invoked.
type countingSettler struct {
	mu    sync.Mutex
	mints int
	burns int
}

func (c *countingSettler) Mint(_ context.Context, _ string, _ float64, _, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mints++
	return "0xcafe", nil
}

func (c *countingSettler) Burn(_ context.Context, _ string, _ float64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.burns++
	return true, nil
}

var testCatalog = []model.Benefit{
	{ServiceType: "CHECKUP", Description: "Regular Health Checkup", HTCost: 10},
	{ServiceType: "SPECIALIST", Description: "Specialist Consultation", HTCost: 25},
}

func newTestService(repo Repository) *Service {
	return NewService(repo, chain.NewSimulator(), nil, testCatalog)
}

func TestDebitNeverGoesNegative(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	if err := svc.AdjustTokens(ctx, 1, model.TokenKindHealth, 10); err != nil {
		t.Fatalf("credit: %v", err)
	}

	err := svc.AdjustTokens(ctx, 1, model.TokenKindHealth, -25)
	if !errors.Is(err, repository.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	balance, err := svc.GetTokenBalance(ctx, 1)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.HealthTokens != 10 {
		t.Fatalf("balance changed by failed debit: %v", balance.HealthTokens)
	}

	transactions, err := svc.GetTransactions(ctx, 1)
	if err != nil {
		t.Fatalf("get transactions: %v", err)
	}
	if len(transactions) != 1 {
		t.Fatalf("failed debit must not leave a transaction row, got %d rows", len(transactions))
	}
	if transactions[0].Type != model.TransactionTypeMint || transactions[0].Amount != 10 {
		t.Fatalf("unexpected audit row: %+v", transactions[0])
	}
}

func TestDepositApprovalScenario(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	deposit, err := svc.SubmitDeposit(ctx, 7, "GOLD", 1000, "gold bar deposit")
	if err != nil {
		t.Fatalf("submit deposit: %v", err)
	}
	if deposit.Status != model.DepositStatusPending {
		t.Fatalf("new deposit must be PENDING, got %s", deposit.Status)
	}

	if err := svc.ApproveDeposit(ctx, 7, deposit.DepositID, 50, "0xabc"); err != nil {
		t.Fatalf("approve deposit: %v", err)
	}

	approved, err := svc.GetDeposit(ctx, 7, deposit.DepositID)
	if err != nil {
		t.Fatalf("get deposit: %v", err)
	}
	if approved.Status != model.DepositStatusApproved {
		t.Fatalf("expected APPROVED, got %s", approved.Status)
	}
	if approved.TokensMinted == nil || *approved.TokensMinted != 50 {
		t.Fatalf("tokensMinted not recorded: %v", approved.TokensMinted)
	}
	if approved.ExternalRef == nil || *approved.ExternalRef != "0xabc" {
		t.Fatalf("external ref not recorded: %v", approved.ExternalRef)
	}

	balance, err := svc.GetTokenBalance(ctx, 7)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.AssetTokens != 50 {
		t.Fatalf("expected 50 AT, got %v", balance.AssetTokens)
	}

	transactions, err := svc.GetTransactionsByKind(ctx, 7, model.TokenKindAsset)
	if err != nil {
		t.Fatalf("get transactions: %v", err)
	}
	if len(transactions) != 1 || transactions[0].Type != model.TransactionTypeMint || transactions[0].Amount != 50 {
		t.Fatalf("expected one MINT/AT row of 50, got %+v", transactions)
	}
}

func TestApproveDepositTwice(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	deposit, err := svc.SubmitDeposit(ctx, 2, "SILVER", 500, "")
	if err != nil {
		t.Fatalf("submit deposit: %v", err)
	}

	if err := svc.ApproveDeposit(ctx, 2, deposit.DepositID, 20, "0xaa11"); err != nil {
		t.Fatalf("first approve: %v", err)
	}

	err = svc.ApproveDeposit(ctx, 2, deposit.DepositID, 20, "0xaa11")
	if !errors.Is(err, repository.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}

	balance, err := svc.GetTokenBalance(ctx, 2)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.AssetTokens != 20 {
		t.Fatalf("double approval changed balance twice: %v", balance.AssetTokens)
	}
}

func TestRedeemInsufficientBalancePersistsRejection(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	if err := svc.AdjustTokens(ctx, 3, model.TokenKindHealth, 3); err != nil {
		t.Fatalf("credit: %v", err)
	}

	red, err := svc.RedeemBenefit(ctx, 3, "CHECKUP", 10)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if red.Status != model.RedemptionStatusRejected {
		t.Fatalf("expected REJECTED, got %s", red.Status)
	}
	if red.Description == "" {
		t.Fatalf("rejection must carry a readable reason")
	}

	balance, err := svc.GetTokenBalance(ctx, 3)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.HealthTokens != 3 {
		t.Fatalf("rejected redemption touched the balance: %v", balance.HealthTokens)
	}

	history, err := svc.RedemptionHistory(ctx, 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Status != model.RedemptionStatusRejected {
		t.Fatalf("rejected redemption must be persisted, got %+v", history)
	}
}

func TestRedemptionHappyPath(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	if err := svc.AdjustTokens(ctx, 4, model.TokenKindHealth, 30); err != nil {
		t.Fatalf("credit: %v", err)
	}

	red, err := svc.RedeemBenefit(ctx, 4, "CHECKUP", 10)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if red.Status != model.RedemptionStatusPending {
		t.Fatalf("expected PENDING, got %s", red.Status)
	}

	if err := svc.ApproveRedemption(ctx, 4, red.RedemptionID, "H1"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	approved, err := svc.GetRedemption(ctx, 4, red.RedemptionID)
	if err != nil {
		t.Fatalf("get redemption: %v", err)
	}
	if approved.Status != model.RedemptionStatusApproved {
		t.Fatalf("expected APPROVED, got %s", approved.Status)
	}
	if approved.HospitalID == nil || *approved.HospitalID != "H1" {
		t.Fatalf("hospital id not recorded: %v", approved.HospitalID)
	}

	balance, err := svc.GetTokenBalance(ctx, 4)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.HealthTokens != 20 {
		t.Fatalf("expected 20 HT after burn, got %v", balance.HealthTokens)
	}

	burns, err := svc.GetTransactionsByKind(ctx, 4, model.TokenKindHealth)
	if err != nil {
		t.Fatalf("get transactions: %v", err)
	}
	var burnCount int
	for _, tr := range burns {
		if tr.Type == model.TransactionTypeBurn {
			burnCount++
		}
	}
	if burnCount != 1 {
		t.Fatalf("expected exactly one BURN row, got %d", burnCount)
	}

	if err := svc.CompleteRedemption(ctx, 4, red.RedemptionID, "0xdef"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	completed, err := svc.GetRedemption(ctx, 4, red.RedemptionID)
	if err != nil {
		t.Fatalf("get redemption: %v", err)
	}
	if completed.Status != model.RedemptionStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", completed.Status)
	}
	if completed.TransactionRef == nil || *completed.TransactionRef != "0xdef" {
		t.Fatalf("transaction ref not recorded: %v", completed.TransactionRef)
	}

	total, err := svc.TotalRedeemedHT(ctx, 4)
	if err != nil {
		t.Fatalf("total redeemed: %v", err)
	}
	if total != 10 {
		t.Fatalf("expected total redeemed 10, got %v", total)
	}
}

func TestApproveRedemptionTwiceBurnsOnce(t *testing.T) {
	repo := newFakeRepo()
	settler := &countingSettler{}
	svc := NewService(repo, settler, nil, testCatalog)
	ctx := context.Background()

	if err := svc.AdjustTokens(ctx, 12, model.TokenKindHealth, 30); err != nil {
		t.Fatalf("credit: %v", err)
	}

	red, err := svc.RedeemBenefit(ctx, 12, "CHECKUP", 10)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}

	if err := svc.ApproveRedemption(ctx, 12, red.RedemptionID, "H1"); err != nil {
		t.Fatalf("first approve: %v", err)
	}

	err = svc.ApproveRedemption(ctx, 12, red.RedemptionID, "H1")
	if !errors.Is(err, repository.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}

	if settler.burns != 1 {
		t.Fatalf("an approved redemption must not reach the bridge again, got %d burns", settler.burns)
	}

	if err := svc.CompleteRedemption(ctx, 12, red.RedemptionID, "0xdef"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	err = svc.ApproveRedemption(ctx, 12, red.RedemptionID, "H1")
	if !errors.Is(err, repository.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition for completed redemption, got %v", err)
	}
	if settler.burns != 1 {
		t.Fatalf("a completed redemption must not reach the bridge, got %d burns", settler.burns)
	}

	balance, err := svc.GetTokenBalance(ctx, 12)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.HealthTokens != 20 {
		t.Fatalf("repeat approvals changed the balance: %v", balance.HealthTokens)
	}
}

func TestConcurrentApprovalsRaceForBalance(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	if err := svc.AdjustTokens(ctx, 5, model.TokenKindHealth, 10); err != nil {
		t.Fatalf("credit: %v", err)
	}

	first, err := svc.RedeemBenefit(ctx, 5, "CHECKUP", 6)
	if err != nil {
		t.Fatalf("redeem first: %v", err)
	}
	second, err := svc.RedeemBenefit(ctx, 5, "CHECKUP", 6)
	if err != nil {
		t.Fatalf("redeem second: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{first.RedemptionID, second.RedemptionID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = svc.ApproveRedemption(ctx, 5, id, "H1")
		}(i, id)
	}
	wg.Wait()

	var succeeded, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, repository.ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || insufficient != 1 {
		t.Fatalf("expected exactly one success and one insufficient-balance, got %d/%d", succeeded, insufficient)
	}

	balance, err := svc.GetTokenBalance(ctx, 5)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.HealthTokens != 4 {
		t.Fatalf("expected 4 HT after the race, got %v", balance.HealthTokens)
	}
}

func TestTransferRecordsBothLegs(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	if err := svc.AdjustTokens(ctx, 10, model.TokenKindAsset, 100); err != nil {
		t.Fatalf("credit: %v", err)
	}

	if err := svc.TransferAssetTokens(ctx, 10, 11, 30); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	from, _ := svc.GetTokenBalance(ctx, 10)
	to, _ := svc.GetTokenBalance(ctx, 11)
	if from.AssetTokens != 70 || to.AssetTokens != 30 {
		t.Fatalf("unexpected balances after transfer: %v / %v", from.AssetTokens, to.AssetTokens)
	}

	for _, patientID := range []int64{10, 11} {
		transactions, err := svc.GetTransactions(ctx, patientID)
		if err != nil {
			t.Fatalf("get transactions: %v", err)
		}
		var legs int
		for _, tr := range transactions {
			if tr.Type == model.TransactionTypeTransfer {
				legs++
				if tr.Amount <= 0 {
					t.Fatalf("transfer amounts must be positive, got %v", tr.Amount)
				}
			}
		}
		if legs != 1 {
			t.Fatalf("expected one transfer leg for patient %d, got %d", patientID, legs)
		}
	}
}

func TestRedeemUnknownBenefit(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	_, err := svc.RedeemBenefit(context.Background(), 1, "SURGERY", 10)
	if !errors.Is(err, ErrUnknownBenefit) {
		t.Fatalf("expected ErrUnknownBenefit, got %v", err)
	}
}

func TestAvailableBenefitsEligibility(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	if err := svc.AdjustTokens(ctx, 6, model.TokenKindHealth, 15); err != nil {
		t.Fatalf("credit: %v", err)
	}

	benefits, err := svc.AvailableBenefits(ctx, 6)
	if err != nil {
		t.Fatalf("available benefits: %v", err)
	}
	if len(benefits) != len(testCatalog) {
		t.Fatalf("expected %d entries, got %d", len(testCatalog), len(benefits))
	}

	for _, b := range benefits {
		switch b.ServiceType {
		case "CHECKUP":
			if !b.Available || b.Eligibility != "Eligible" {
				t.Fatalf("CHECKUP should be available at 15 HT: %+v", b)
			}
		case "SPECIALIST":
			if b.Available {
				t.Fatalf("SPECIALIST should not be available at 15 HT: %+v", b)
			}
			if b.Eligibility == "" || b.Eligibility == "Eligible" {
				t.Fatalf("ineligible entry must explain the shortfall: %+v", b)
			}
		}
	}
}

func TestUpdateDepositStatusTransitions(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	deposit, err := svc.SubmitDeposit(ctx, 8, "GOLD", 100, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// PROCESSED requires an approved deposit.
	err = svc.UpdateDepositStatus(ctx, 8, deposit.DepositID, model.DepositStatusProcessed, nil)
	if !errors.Is(err, repository.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition for PENDING deposit, got %v", err)
	}

	// Only PROCESSED may be set through the generic transition.
	err = svc.UpdateDepositStatus(ctx, 8, deposit.DepositID, model.DepositStatusApproved, nil)
	if !errors.Is(err, repository.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition for direct approve, got %v", err)
	}

	if err := svc.ApproveDeposit(ctx, 8, deposit.DepositID, 10, "0xbb22"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := svc.UpdateDepositStatus(ctx, 8, deposit.DepositID, model.DepositStatusProcessed, nil); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	total, err := svc.TotalProcessedTokens(ctx, 8)
	if err != nil {
		t.Fatalf("total processed: %v", err)
	}
	if total != 10 {
		t.Fatalf("expected 10 processed tokens, got %v", total)
	}

	err = svc.RejectDeposit(ctx, 8, deposit.DepositID, "late")
	if !errors.Is(err, repository.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition rejecting a PROCESSED deposit, got %v", err)
	}
}

func TestOwnershipMismatchIsNotFound(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	deposit, err := svc.SubmitDeposit(ctx, 20, "GOLD", 100, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err = svc.GetDeposit(ctx, 21, deposit.DepositID)
	if !errors.Is(err, repository.ErrDepositNotFound) {
		t.Fatalf("ownership mismatch must surface as not found, got %v", err)
	}

	if err := svc.AdjustTokens(ctx, 20, model.TokenKindHealth, 30); err != nil {
		t.Fatalf("credit: %v", err)
	}
	red, err := svc.RedeemBenefit(ctx, 20, "CHECKUP", 10)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}

	err = svc.ApproveRedemption(ctx, 21, red.RedemptionID, "H1")
	if !errors.Is(err, repository.ErrRedemptionNotFound) {
		t.Fatalf("ownership mismatch must surface as not found, got %v", err)
	}
}

func TestAdjustTokensValidation(t *testing.T) {
	svc := newTestService(newFakeRepo())
	ctx := context.Background()

	if err := svc.AdjustTokens(ctx, 1, model.TokenKindAsset, 0); err == nil {
		t.Fatalf("expected error for zero amount")
	}
	if err := svc.AdjustTokens(ctx, 1, model.TokenKind("XX"), 5); err == nil {
		t.Fatalf("expected error for unknown token kind")
	}
	if err := svc.TransferAssetTokens(ctx, 1, 1, 5); err == nil {
		t.Fatalf("expected error for self transfer")
	}
	if _, err := svc.RedeemBenefit(ctx, 1, "CHECKUP", -1); err == nil {
		t.Fatalf("expected error for negative amount")
	}
}

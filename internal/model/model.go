// Package model contains the domain entities of the patient token service.
package model

import "time"

// TokenKind identifies one of the two token balances tracked per patient.
type TokenKind string

const (
	TokenKindAsset  TokenKind = "AT"
	TokenKindHealth TokenKind = "HT"
)

// Valid reports whether the kind is one of the known token kinds.
func (k TokenKind) Valid() bool {
	return k == TokenKindAsset || k == TokenKindHealth
}

// TransactionType describes the direction of a ledger mutation. Amounts are
// always positive; the type conveys direction.
type TransactionType string

const (
	TransactionTypeMint     TransactionType = "MINT"
	TransactionTypeBurn     TransactionType = "BURN"
	TransactionTypeTransfer TransactionType = "TRANSFER"
	TransactionTypeRedeem   TransactionType = "REDEEM"
)

// TransactionStatus describes the settlement state of a ledger record.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusConfirmed TransactionStatus = "CONFIRMED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

// DepositStatus describes the workflow state of an asset deposit.
type DepositStatus string

const (
	DepositStatusPending   DepositStatus = "PENDING"
	DepositStatusApproved  DepositStatus = "APPROVED"
	DepositStatusProcessed DepositStatus = "PROCESSED"
	DepositStatusRejected  DepositStatus = "REJECTED"
)

// RedemptionStatus describes the workflow state of a benefit redemption.
type RedemptionStatus string

const (
	RedemptionStatusPending   RedemptionStatus = "PENDING"
	RedemptionStatusApproved  RedemptionStatus = "APPROVED"
	RedemptionStatusCompleted RedemptionStatus = "COMPLETED"
	RedemptionStatusRejected  RedemptionStatus = "REJECTED"
)

// Balance holds the two token balances of a patient.
type Balance struct {
	PatientID        int64      `json:"patientId"`
	AssetTokens      float64    `json:"assetTokenBalance"`
	HealthTokens     float64    `json:"healthTokenBalance"`
	LastAssetUpdate  *time.Time `json:"lastAssetUpdate,omitempty"`
	LastHealthUpdate *time.Time `json:"lastHealthUpdate,omitempty"`
}

// Transaction is one append-only ledger record. A row exists only for balance
// mutations that committed.
type Transaction struct {
	ID          int64
	PatientID   int64
	Type        TransactionType
	TokenKind   TokenKind
	Amount      float64
	Status      TransactionStatus
	ExternalRef *string
	Metadata    string
	CreatedAt   time.Time
	ConfirmedAt *time.Time
}

// Deposit is a submitted physical asset awaiting conversion into asset tokens.
type Deposit struct {
	ID           int64
	DepositID    string
	PatientID    int64
	AssetType    string
	AssetValue   float64
	TokensMinted *float64
	ExternalRef  *string
	Status       DepositStatus
	Metadata     string
	CreatedAt    time.Time
	ProcessedAt  *time.Time
}

// Redemption is a request to exchange health tokens for a benefit.
type Redemption struct {
	ID             int64
	RedemptionID   string
	PatientID      int64
	ServiceType    string
	HTAmount       float64
	Status         RedemptionStatus
	HospitalID     *string
	TransactionRef *string
	Description    string
	CreatedAt      time.Time
	ProcessedAt    *time.Time
	CompletedAt    *time.Time
}

// Benefit is one entry of the read-only benefit catalog.
type Benefit struct {
	ServiceType string  `json:"serviceType"`
	Description string  `json:"description"`
	HTCost      float64 `json:"htCost"`
}

// BenefitAvailability is a catalog entry annotated with per-patient
// eligibility against the current health token balance.
type BenefitAvailability struct {
	Benefit
	Available   bool   `json:"available"`
	Eligibility string `json:"eligibility"`
}

// DashboardStats are the counters shown on the patient dashboard.
type DashboardStats struct {
	TotalDeposits        int `json:"totalDeposits"`
	PendingDeposits      int `json:"pendingDeposits"`
	TotalRedemptions     int `json:"totalRedemptions"`
	CompletedRedemptions int `json:"completedRedemptions"`
}

// Dashboard aggregates read-only views for a single patient.
type Dashboard struct {
	Balance           Balance
	RecentDeposits    []Deposit
	AvailableBenefits []BenefitAvailability
	RecentRedemptions []Redemption
	Stats             DashboardStats
}

// DashboardSummary is the compact dashboard variant.
type DashboardSummary struct {
	AssetTokens          float64 `json:"assetTokens"`
	HealthTokens         float64 `json:"healthTokens"`
	TotalDeposits        int     `json:"totalDeposits"`
	PendingDeposits      int     `json:"pendingDeposits"`
	ApprovedDeposits     int     `json:"approvedDeposits"`
	TotalRedemptions     int     `json:"totalRedemptions"`
	CompletedRedemptions int     `json:"completedRedemptions"`
	TotalRedeemedHT      float64 `json:"totalRedeemedHT"`
}

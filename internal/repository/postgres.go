// Package repository contains the PostgreSQL data access layer.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/fixedasset/patient-token-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrInsufficientBalance is returned when a debit exceeds the stored balance.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDepositNotFound is returned when no deposit matches the id and patient.
	ErrDepositNotFound = errors.New("deposit not found")
	// ErrRedemptionNotFound is returned when no redemption matches the id and patient.
	ErrRedemptionNotFound = errors.New("redemption not found")
	// ErrInvalidStateTransition is returned when a workflow action is attempted
	// from a state that does not permit it.
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// BalanceRow holds the stored balance of a patient in token cents.
type BalanceRow struct {
	AssetCents       int64
	HealthCents      int64
	LastAssetUpdate  *time.Time
	LastHealthUpdate *time.Time
}

// PostgresRepository provides access to the PostgreSQL store.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates the repository and initializes the schema
// through migrations.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry re-runs fn on serialization failures, deadlocks and transient
// connection errors. Used on the contended mutation paths.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close closes the connection pool.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// balanceColumns maps a token kind to its balance and last-update columns.
func balanceColumns(kind model.TokenKind) (string, string, error) {
	switch kind {
	case model.TokenKindAsset:
		return "asset_balance", "last_asset_update", nil
	case model.TokenKindHealth:
		return "health_balance", "last_health_update", nil
	default:
		return "", "", fmt.Errorf("unknown token kind: %s", kind)
	}
}

// ensureBalance creates the zero balance row for the patient if it does not
// exist yet. Safe to call repeatedly and concurrently.
func ensureBalance(ctx context.Context, tx pgx.Tx, patientID int64) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO token_balances (patient_id) VALUES ($1) ON CONFLICT (patient_id) DO NOTHING`,
		patientID,
	)
	if err != nil {
		return fmt.Errorf("ensure balance row: %w", err)
	}
	return nil
}

// insertTransaction appends one CONFIRMED ledger record. Called only after
// the balance mutation in the same transaction succeeded.
func insertTransaction(ctx context.Context, tx pgx.Tx, patientID int64, txType model.TransactionType, kind model.TokenKind, amountCents int64, externalRef *string, metadata string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO token_transactions (patient_id, transaction_type, token_kind, amount, status, external_ref, metadata, confirmed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		patientID, string(txType), string(kind), amountCents, string(model.TransactionStatusConfirmed), externalRef, metadata,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetBalance returns the balance row of the patient, creating a zero row on
// first access.
func (r *PostgresRepository) GetBalance(ctx context.Context, patientID int64) (*BalanceRow, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureBalance(ctx, tx, patientID); err != nil {
		return nil, err
	}

	var row BalanceRow
	err = tx.QueryRow(ctx,
		`SELECT asset_balance, health_balance, last_asset_update, last_health_update
		 FROM token_balances WHERE patient_id = $1`,
		patientID,
	).Scan(&row.AssetCents, &row.HealthCents, &row.LastAssetUpdate, &row.LastHealthUpdate)
	if err != nil {
		return nil, fmt.Errorf("select balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &row, nil
}

// Credit unconditionally increases the balance and appends the matching
// ledger record in the same transaction.
func (r *PostgresRepository) Credit(ctx context.Context, patientID int64, kind model.TokenKind, amountCents int64, txType model.TransactionType, externalRef *string, metadata string) error {
	balanceCol, updateCol, err := balanceColumns(kind)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureBalance(ctx, tx, patientID); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`UPDATE token_balances
		 SET `+balanceCol+` = `+balanceCol+` + $2, `+updateCol+` = now(), updated_at = now()
		 WHERE patient_id = $1`,
		patientID, amountCents,
	)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}

	if err := insertTransaction(ctx, tx, patientID, txType, kind, amountCents, externalRef, metadata); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// Debit decreases the balance with a single conditional update. The update is
// the sole correctness mechanism against concurrent debits: when the stored
// balance is smaller than the amount no row is touched, ErrInsufficientBalance
// is returned and no ledger record is written.
func (r *PostgresRepository) Debit(ctx context.Context, patientID int64, kind model.TokenKind, amountCents int64, txType model.TransactionType, externalRef *string, metadata string) error {
	balanceCol, updateCol, err := balanceColumns(kind)
	if err != nil {
		return err
	}

	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := ensureBalance(ctx, tx, patientID); err != nil {
			return err
		}

		cmdTag, err := tx.Exec(ctx,
			`UPDATE token_balances
			 SET `+balanceCol+` = `+balanceCol+` - $2, `+updateCol+` = now(), updated_at = now()
			 WHERE patient_id = $1 AND `+balanceCol+` >= $2`,
			patientID, amountCents,
		)
		if err != nil {
			return fmt.Errorf("debit balance: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			return ErrInsufficientBalance
		}

		if err := insertTransaction(ctx, tx, patientID, txType, kind, amountCents, externalRef, metadata); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// TransferAsset moves asset tokens between two patients. The sender debit is
// conditional; both legs are recorded as positive TRANSFER rows.
func (r *PostgresRepository) TransferAsset(ctx context.Context, fromPatientID, toPatientID, amountCents int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := ensureBalance(ctx, tx, fromPatientID); err != nil {
			return err
		}
		if err := ensureBalance(ctx, tx, toPatientID); err != nil {
			return err
		}

		cmdTag, err := tx.Exec(ctx,
			`UPDATE token_balances
			 SET asset_balance = asset_balance - $2, last_asset_update = now(), updated_at = now()
			 WHERE patient_id = $1 AND asset_balance >= $2`,
			fromPatientID, amountCents,
		)
		if err != nil {
			return fmt.Errorf("debit sender: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrInsufficientBalance
		}

		_, err = tx.Exec(ctx,
			`UPDATE token_balances
			 SET asset_balance = asset_balance + $2, last_asset_update = now(), updated_at = now()
			 WHERE patient_id = $1`,
			toPatientID, amountCents,
		)
		if err != nil {
			return fmt.Errorf("credit receiver: %w", err)
		}

		outMeta := fmt.Sprintf("Transferred to patient %d", toPatientID)
		if err := insertTransaction(ctx, tx, fromPatientID, model.TransactionTypeTransfer, model.TokenKindAsset, amountCents, nil, outMeta); err != nil {
			return err
		}

		inMeta := fmt.Sprintf("Received from patient %d", fromPatientID)
		if err := insertTransaction(ctx, tx, toPatientID, model.TransactionTypeTransfer, model.TokenKindAsset, amountCents, nil, inMeta); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

func scanTransactions(rows pgx.Rows) ([]model.Transaction, error) {
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var (
			t           model.Transaction
			txType      string
			kind        string
			amountCents int64
			status      string
		)
		if err := rows.Scan(&t.ID, &t.PatientID, &txType, &kind, &amountCents, &status, &t.ExternalRef, &t.Metadata, &t.CreatedAt, &t.ConfirmedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}

		t.Type = model.TransactionType(txType)
		t.TokenKind = model.TokenKind(kind)
		t.Amount = float64(amountCents) / 100
		t.Status = model.TransactionStatus(status)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

const transactionColumns = `id, patient_id, transaction_type, token_kind, amount, status, external_ref, metadata, created_at, confirmed_at`

// GetTransactionsByPatient returns the ledger history of a patient, newest first.
func (r *PostgresRepository) GetTransactionsByPatient(ctx context.Context, patientID int64) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM token_transactions
		 WHERE patient_id = $1
		 ORDER BY created_at DESC`,
		patientID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}

	return scanTransactions(rows)
}

// GetTransactionsByPatientAndKind returns the ledger history for one token kind.
func (r *PostgresRepository) GetTransactionsByPatientAndKind(ctx context.Context, patientID int64, kind model.TokenKind) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM token_transactions
		 WHERE patient_id = $1 AND token_kind = $2
		 ORDER BY created_at DESC`,
		patientID, string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions by kind: %w", err)
	}

	return scanTransactions(rows)
}

// SumMintedByPatientAndKind returns the total of MINT records in token cents.
func (r *PostgresRepository) SumMintedByPatientAndKind(ctx context.Context, patientID int64, kind model.TokenKind) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::BIGINT
		 FROM token_transactions
		 WHERE patient_id = $1 AND token_kind = $2 AND transaction_type = $3`,
		patientID, string(kind), string(model.TransactionTypeMint),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum minted: %w", err)
	}
	return total, nil
}

// CreateDeposit stores a new PENDING deposit and returns it.
func (r *PostgresRepository) CreateDeposit(ctx context.Context, depositID string, patientID int64, assetType string, assetValueCents int64, description string) (*model.Deposit, error) {
	d := &model.Deposit{
		DepositID:  depositID,
		PatientID:  patientID,
		AssetType:  assetType,
		AssetValue: float64(assetValueCents) / 100,
		Status:     model.DepositStatusPending,
		Metadata:   description,
	}

	err := r.pool.QueryRow(ctx,
		`INSERT INTO asset_deposits (deposit_id, patient_id, asset_type, asset_value, status, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		depositID, patientID, assetType, assetValueCents, string(model.DepositStatusPending), description,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("deposit id collision: %w", err)
		}
		return nil, fmt.Errorf("insert deposit: %w", err)
	}

	return d, nil
}

func scanDeposits(rows pgx.Rows) ([]model.Deposit, error) {
	defer rows.Close()

	var res []model.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func scanDeposit(row pgx.Row) (*model.Deposit, error) {
	var (
		d               model.Deposit
		assetValueCents int64
		mintedCents     *int64
		status          string
	)
	err := row.Scan(&d.ID, &d.DepositID, &d.PatientID, &d.AssetType, &assetValueCents, &mintedCents, &d.ExternalRef, &status, &d.Metadata, &d.CreatedAt, &d.ProcessedAt)
	if err != nil {
		return nil, err
	}

	d.AssetValue = float64(assetValueCents) / 100
	if mintedCents != nil {
		v := float64(*mintedCents) / 100
		d.TokensMinted = &v
	}
	d.Status = model.DepositStatus(status)
	return &d, nil
}

const depositColumns = `id, deposit_id, patient_id, asset_type, asset_value, tokens_minted, external_ref, status, metadata, created_at, processed_at`

// GetDeposit returns the deposit matching the external id and patient. A
// deposit owned by a different patient is reported as not found.
func (r *PostgresRepository) GetDeposit(ctx context.Context, patientID int64, depositID string) (*model.Deposit, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+depositColumns+`
		 FROM asset_deposits
		 WHERE deposit_id = $1 AND patient_id = $2`,
		depositID, patientID,
	)

	d, err := scanDeposit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDepositNotFound
		}
		return nil, fmt.Errorf("select deposit: %w", err)
	}

	return d, nil
}

// GetDepositsByPatient returns all deposits of a patient, newest first.
func (r *PostgresRepository) GetDepositsByPatient(ctx context.Context, patientID int64) ([]model.Deposit, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+depositColumns+`
		 FROM asset_deposits
		 WHERE patient_id = $1
		 ORDER BY created_at DESC`,
		patientID,
	)
	if err != nil {
		return nil, fmt.Errorf("select deposits: %w", err)
	}

	return scanDeposits(rows)
}

// GetDepositsByPatientAndStatus returns the deposits of a patient in the
// given workflow state.
func (r *PostgresRepository) GetDepositsByPatientAndStatus(ctx context.Context, patientID int64, status model.DepositStatus) ([]model.Deposit, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+depositColumns+`
		 FROM asset_deposits
		 WHERE patient_id = $1 AND status = $2
		 ORDER BY created_at DESC`,
		patientID, string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("select deposits by status: %w", err)
	}

	return scanDeposits(rows)
}

// classifyDepositUpdate distinguishes a missing deposit from a state
// precondition failure after a conditional update touched no rows.
func classifyDepositUpdate(ctx context.Context, tx pgx.Tx, patientID int64, depositID string) error {
	var status string
	err := tx.QueryRow(ctx,
		`SELECT status FROM asset_deposits WHERE deposit_id = $1 AND patient_id = $2`,
		depositID, patientID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDepositNotFound
		}
		return fmt.Errorf("select deposit status: %w", err)
	}
	return fmt.Errorf("%w: deposit %s is %s", ErrInvalidStateTransition, depositID, status)
}

// ApproveDeposit flips a PENDING deposit to APPROVED, credits asset tokens and
// appends the MINT record, all in one transaction. The status precondition is
// part of the update itself, so double approval cannot credit twice.
func (r *PostgresRepository) ApproveDeposit(ctx context.Context, patientID int64, depositID string, tokensMintedCents int64, externalRef string) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`UPDATE asset_deposits
			 SET status = $3, tokens_minted = $4, external_ref = $5, processed_at = now()
			 WHERE deposit_id = $1 AND patient_id = $2 AND status = $6`,
			depositID, patientID, string(model.DepositStatusApproved), tokensMintedCents, externalRef, string(model.DepositStatusPending),
		)
		if err != nil {
			return fmt.Errorf("approve deposit: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return classifyDepositUpdate(ctx, tx, patientID, depositID)
		}

		if err := ensureBalance(ctx, tx, patientID); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE token_balances
			 SET asset_balance = asset_balance + $2, last_asset_update = now(), updated_at = now()
			 WHERE patient_id = $1`,
			patientID, tokensMintedCents,
		)
		if err != nil {
			return fmt.Errorf("credit minted tokens: %w", err)
		}

		meta := fmt.Sprintf("Asset tokens minted for deposit %s", depositID)
		if err := insertTransaction(ctx, tx, patientID, model.TransactionTypeMint, model.TokenKindAsset, tokensMintedCents, &externalRef, meta); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// RejectDeposit flips a PENDING deposit to REJECTED and stores the reason.
// No balance effect.
func (r *PostgresRepository) RejectDeposit(ctx context.Context, patientID int64, depositID, reason string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`UPDATE asset_deposits
		 SET status = $3, metadata = $4, processed_at = now()
		 WHERE deposit_id = $1 AND patient_id = $2 AND status = $5`,
		depositID, patientID, string(model.DepositStatusRejected), reason, string(model.DepositStatusPending),
	)
	if err != nil {
		return fmt.Errorf("reject deposit: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return classifyDepositUpdate(ctx, tx, patientID, depositID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// MarkDepositProcessed flips an APPROVED deposit to PROCESSED once external
// settlement finalized, optionally recording a fresh settlement reference.
func (r *PostgresRepository) MarkDepositProcessed(ctx context.Context, patientID int64, depositID string, externalRef *string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`UPDATE asset_deposits
		 SET status = $3, external_ref = COALESCE($4, external_ref), processed_at = now()
		 WHERE deposit_id = $1 AND patient_id = $2 AND status = $5`,
		depositID, patientID, string(model.DepositStatusProcessed), externalRef, string(model.DepositStatusApproved),
	)
	if err != nil {
		return fmt.Errorf("mark deposit processed: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return classifyDepositUpdate(ctx, tx, patientID, depositID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// SumProcessedDepositTokens returns the total of minted tokens over PROCESSED
// deposits in token cents.
func (r *PostgresRepository) SumProcessedDepositTokens(ctx context.Context, patientID int64) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(tokens_minted), 0)::BIGINT
		 FROM asset_deposits
		 WHERE patient_id = $1 AND status = $2`,
		patientID, string(model.DepositStatusProcessed),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum processed deposit tokens: %w", err)
	}
	return total, nil
}

// CreateRedemption stores a new redemption row. Low-balance requests are
// persisted as REJECTED for auditability; eligible ones start PENDING.
func (r *PostgresRepository) CreateRedemption(ctx context.Context, redemptionID string, patientID int64, serviceType string, htAmountCents int64, status model.RedemptionStatus, description string) (*model.Redemption, error) {
	red := &model.Redemption{
		RedemptionID: redemptionID,
		PatientID:    patientID,
		ServiceType:  serviceType,
		HTAmount:     float64(htAmountCents) / 100,
		Status:       status,
		Description:  description,
	}

	err := r.pool.QueryRow(ctx,
		`INSERT INTO benefit_redemptions (redemption_id, patient_id, service_type, ht_amount, status, description)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		redemptionID, patientID, serviceType, htAmountCents, string(status), description,
	).Scan(&red.ID, &red.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("redemption id collision: %w", err)
		}
		return nil, fmt.Errorf("insert redemption: %w", err)
	}

	return red, nil
}

func scanRedemption(row pgx.Row) (*model.Redemption, error) {
	var (
		red           model.Redemption
		htAmountCents int64
		status        string
	)
	err := row.Scan(&red.ID, &red.RedemptionID, &red.PatientID, &red.ServiceType, &htAmountCents, &status, &red.HospitalID, &red.TransactionRef, &red.Description, &red.CreatedAt, &red.ProcessedAt, &red.CompletedAt)
	if err != nil {
		return nil, err
	}

	red.HTAmount = float64(htAmountCents) / 100
	red.Status = model.RedemptionStatus(status)
	return &red, nil
}

const redemptionColumns = `id, redemption_id, patient_id, service_type, ht_amount, status, hospital_id, transaction_ref, description, created_at, processed_at, completed_at`

// GetRedemption returns the redemption matching the external id and patient.
// An ownership mismatch is reported as not found.
func (r *PostgresRepository) GetRedemption(ctx context.Context, patientID int64, redemptionID string) (*model.Redemption, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+redemptionColumns+`
		 FROM benefit_redemptions
		 WHERE redemption_id = $1 AND patient_id = $2`,
		redemptionID, patientID,
	)

	red, err := scanRedemption(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRedemptionNotFound
		}
		return nil, fmt.Errorf("select redemption: %w", err)
	}

	return red, nil
}

// GetRedemptionsByPatient returns the redemption history, newest first.
func (r *PostgresRepository) GetRedemptionsByPatient(ctx context.Context, patientID int64) ([]model.Redemption, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+redemptionColumns+`
		 FROM benefit_redemptions
		 WHERE patient_id = $1
		 ORDER BY created_at DESC`,
		patientID,
	)
	if err != nil {
		return nil, fmt.Errorf("select redemptions: %w", err)
	}
	defer rows.Close()

	var res []model.Redemption
	for rows.Next() {
		red, err := scanRedemption(rows)
		if err != nil {
			return nil, fmt.Errorf("scan redemption: %w", err)
		}
		res = append(res, *red)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func classifyRedemptionUpdate(ctx context.Context, tx pgx.Tx, patientID int64, redemptionID string) error {
	var status string
	err := tx.QueryRow(ctx,
		`SELECT status FROM benefit_redemptions WHERE redemption_id = $1 AND patient_id = $2`,
		redemptionID, patientID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRedemptionNotFound
		}
		return fmt.Errorf("select redemption status: %w", err)
	}
	return fmt.Errorf("%w: redemption %s is %s", ErrInvalidStateTransition, redemptionID, status)
}

// ApproveRedemption flips a PENDING redemption to APPROVED, debits health
// tokens conditionally and appends the BURN record, all in one transaction.
// When the debit condition fails the whole transaction rolls back and the
// redemption stays PENDING.
func (r *PostgresRepository) ApproveRedemption(ctx context.Context, patientID int64, redemptionID, hospitalID string) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var htAmountCents int64
		err = tx.QueryRow(ctx,
			`UPDATE benefit_redemptions
			 SET status = $3, hospital_id = $4, processed_at = now()
			 WHERE redemption_id = $1 AND patient_id = $2 AND status = $5
			 RETURNING ht_amount`,
			redemptionID, patientID, string(model.RedemptionStatusApproved), hospitalID, string(model.RedemptionStatusPending),
		).Scan(&htAmountCents)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return classifyRedemptionUpdate(ctx, tx, patientID, redemptionID)
			}
			return fmt.Errorf("approve redemption: %w", err)
		}

		if err := ensureBalance(ctx, tx, patientID); err != nil {
			return err
		}

		cmdTag, err := tx.Exec(ctx,
			`UPDATE token_balances
			 SET health_balance = health_balance - $2, last_health_update = now(), updated_at = now()
			 WHERE patient_id = $1 AND health_balance >= $2`,
			patientID, htAmountCents,
		)
		if err != nil {
			return fmt.Errorf("debit health tokens: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrInsufficientBalance
		}

		meta := fmt.Sprintf("Health tokens burned for redemption %s", redemptionID)
		if err := insertTransaction(ctx, tx, patientID, model.TransactionTypeBurn, model.TokenKindHealth, htAmountCents, nil, meta); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// CompleteRedemption flips an APPROVED redemption to COMPLETED and records
// the external settlement reference. No balance effect.
func (r *PostgresRepository) CompleteRedemption(ctx context.Context, patientID int64, redemptionID, transactionRef string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`UPDATE benefit_redemptions
		 SET status = $3, transaction_ref = $4, completed_at = now()
		 WHERE redemption_id = $1 AND patient_id = $2 AND status = $5`,
		redemptionID, patientID, string(model.RedemptionStatusCompleted), transactionRef, string(model.RedemptionStatusApproved),
	)
	if err != nil {
		return fmt.Errorf("complete redemption: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return classifyRedemptionUpdate(ctx, tx, patientID, redemptionID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// SumRedeemedHT returns the total of health tokens over COMPLETED redemptions
// in token cents.
func (r *PostgresRepository) SumRedeemedHT(ctx context.Context, patientID int64) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(ht_amount), 0)::BIGINT
		 FROM benefit_redemptions
		 WHERE patient_id = $1 AND status = $2`,
		patientID, string(model.RedemptionStatusCompleted),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum redeemed health tokens: %w", err)
	}
	return total, nil
}

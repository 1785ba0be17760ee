/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface: account
 * lookups, the WAITING row written at submission, the callback upsert keyed on the unique
 * internal_id, and retention of callbacks whose account could not be resolved.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: NUMERIC amounts, read back as text.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/godzika/sferocoinapi/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const foreignKeyViolation = "23503"

const transactionColumns = `
	id, internal_id, operation_type, asset, amount::text, from_address, to_address,
	tx_hash, tx_link, block_number, confirmations, status, error_message,
	account_id, client_reference, created_at, updated_at`

// PostgresRepository is the PostgreSQL implementation of Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindAccountByID retrieves an account by its id.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID int64) (*domain.Account, error) {
	var account domain.Account
	err := r.db.QueryRow(ctx,
		`SELECT id, username, wallet_address, created_at FROM accounts WHERE id = $1`,
		accountID,
	).Scan(&account.ID, &account.Username, &account.WalletAddress, &account.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// SetAccountWalletAddress stores the wallet address only while none is set.
func (r *PostgresRepository) SetAccountWalletAddress(ctx context.Context, accountID int64, address string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE accounts
		SET wallet_address = $2
		WHERE id = $1 AND (wallet_address IS NULL OR btrim(wallet_address) = '')`,
		accountID, address,
	)
	if err != nil {
		return fmt.Errorf("set wallet address: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.FindAccountByID(ctx, accountID); err != nil {
		return err
	}
	return ErrWalletAlreadySet
}

// CreatePendingTransaction inserts the WAITING row for an accepted submission. If a callback
// already created the row, the existing row is returned unchanged.
func (r *PostgresRepository) CreatePendingTransaction(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	created, err := scanTransaction(r.db.QueryRow(ctx, `
		INSERT INTO transactions (
			internal_id, operation_type, asset, amount, from_address, to_address,
			status, account_id, client_reference, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, now(), now())
		ON CONFLICT (internal_id) DO NOTHING
		RETURNING `+transactionColumns,
		tx.InternalID,
		tx.OperationType,
		tx.Asset,
		tx.Amount.String(),
		tx.FromAddress,
		tx.ToAddress,
		string(domain.StatusWaiting),
		tx.AccountID,
		tx.ClientReference,
	))
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("insert pending transaction: %w", err)
	}
	return r.FindTransactionByInternalID(ctx, tx.InternalID)
}

// ApplyCallback creates or updates the row for payload.InternalID in one database transaction.
// Concurrent first deliveries race on the unique index: one insert wins and the other
// falls through to the locked update path.
func (r *PostgresRepository) ApplyCallback(ctx context.Context, payload *domain.CallbackPayload) (*domain.ReconcileResult, error) {
	dbTx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin callback transaction: %w", err)
	}
	defer dbTx.Rollback(ctx)

	created, err := scanTransaction(dbTx.QueryRow(ctx, `
		INSERT INTO transactions (
			internal_id, operation_type, asset, amount, from_address, to_address,
			tx_hash, tx_link, block_number, confirmations, status, error_message,
			account_id, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
		ON CONFLICT (internal_id) DO NOTHING
		RETURNING `+transactionColumns,
		payload.InternalID,
		payload.OperationType,
		payload.Asset,
		payload.Amount.String(),
		payload.FromAddress,
		payload.ToAddress,
		payload.TxHash,
		payload.TxLink,
		payload.BlockNumber,
		payload.Confirmations,
		string(payload.Status),
		payload.ErrorMessage,
		payload.AccountID,
	))
	switch {
	case err == nil:
		if err := dbTx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit callback insert: %w", err)
		}
		return &domain.ReconcileResult{Outcome: domain.OutcomeCreated, Transaction: created}, nil
	case isForeignKeyViolation(err):
		return nil, ErrAccountNotFound
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("insert callback transaction: %w", err)
	}

	// Lock the existing row so concurrent callbacks for the same id apply one at a time.
	current, err := scanTransaction(dbTx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE internal_id = $1 FOR UPDATE`,
		payload.InternalID,
	))
	if err != nil {
		return nil, fmt.Errorf("lock transaction: %w", err)
	}

	if conflict := domain.CallbackConflict(current, payload); conflict != "" {
		if err := dbTx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit ignored callback: %w", err)
		}
		return &domain.ReconcileResult{
			Outcome:        domain.OutcomeIgnored,
			PreviousStatus: current.Status,
			Transaction:    current,
			Conflict:       conflict,
		}, nil
	}

	updated, err := scanTransaction(dbTx.QueryRow(ctx, `
		UPDATE transactions
		SET status = $2,
			tx_hash = $3,
			tx_link = $4,
			confirmations = $5,
			block_number = $6,
			error_message = $7,
			account_id = COALESCE(account_id, $8),
			updated_at = GREATEST(now(), created_at)
		WHERE internal_id = $1
		RETURNING `+transactionColumns,
		payload.InternalID,
		string(payload.Status),
		payload.TxHash,
		payload.TxLink,
		payload.Confirmations,
		payload.BlockNumber,
		payload.ErrorMessage,
		payload.AccountID,
	))
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("update callback transaction: %w", err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit callback update: %w", err)
	}

	return &domain.ReconcileResult{
		Outcome:        domain.OutcomeUpdated,
		PreviousStatus: current.Status,
		Transaction:    updated,
	}, nil
}

// FindTransactionByInternalID retrieves a transaction by its gateway correlation id.
func (r *PostgresRepository) FindTransactionByInternalID(ctx context.Context, internalID string) (*domain.Transaction, error) {
	tx, err := scanTransaction(r.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE internal_id = $1`,
		internalID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// ListStaleWaitingTransactions returns WAITING rows created before olderThan, oldest first.
func (r *PostgresRepository) ListStaleWaitingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`,
		string(domain.StatusWaiting), olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale transactions: %w", err)
	}
	defer rows.Close()

	var stale []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		stale = append(stale, *tx)
	}
	return stale, rows.Err()
}

// SaveUnmatchedCallback keeps the latest payload for an internal id until it is resolved.
func (r *PostgresRepository) SaveUnmatchedCallback(ctx context.Context, callback domain.UnmatchedCallback) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO unmatched_callbacks (internal_id, account_id, payload, reason)
		VALUES ($1, $2, $3::jsonb, $4)
		ON CONFLICT (internal_id) WHERE resolved_at IS NULL AND abandoned_at IS NULL
		DO UPDATE SET
			account_id = EXCLUDED.account_id,
			payload = EXCLUDED.payload,
			reason = EXCLUDED.reason,
			received_at = now(),
			next_attempt_at = now()`,
		callback.InternalID,
		callback.AccountID,
		string(callback.Payload),
		callback.Reason,
	)
	if err != nil {
		return fmt.Errorf("save unmatched callback: %w", err)
	}
	return nil
}

// ListUnmatchedCallbacks returns open unmatched callbacks that are due, earliest due first.
func (r *PostgresRepository) ListUnmatchedCallbacks(ctx context.Context, dueBy time.Time, limit int) ([]domain.UnmatchedCallback, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, internal_id, account_id, payload::text, reason, attempts, received_at, next_attempt_at, resolved_at, abandoned_at
		FROM unmatched_callbacks
		WHERE resolved_at IS NULL AND abandoned_at IS NULL AND next_attempt_at <= $1
		ORDER BY next_attempt_at, id
		LIMIT $2`,
		dueBy,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query unmatched callbacks: %w", err)
	}
	defer rows.Close()

	var callbacks []domain.UnmatchedCallback
	for rows.Next() {
		var (
			cb      domain.UnmatchedCallback
			payload string
		)
		if err := rows.Scan(&cb.ID, &cb.InternalID, &cb.AccountID, &payload, &cb.Reason, &cb.Attempts, &cb.ReceivedAt, &cb.NextAttemptAt, &cb.ResolvedAt, &cb.AbandonedAt); err != nil {
			return nil, err
		}
		cb.Payload = []byte(payload)
		callbacks = append(callbacks, cb)
	}
	return callbacks, rows.Err()
}

// RecordUnmatchedCallbackAttempt counts a replay that still could not be matched.
func (r *PostgresRepository) RecordUnmatchedCallbackAttempt(ctx context.Context, id int64, nextAttemptAt time.Time, abandon bool) error {
	_, err := r.db.Exec(ctx, `
		UPDATE unmatched_callbacks
		SET attempts = attempts + 1,
			next_attempt_at = $2,
			abandoned_at = CASE WHEN $3::boolean THEN now() ELSE NULL END
		WHERE id = $1 AND resolved_at IS NULL AND abandoned_at IS NULL`,
		id,
		nextAttemptAt,
		abandon,
	)
	return err
}

// MarkUnmatchedCallbackResolved closes an unmatched callback after a successful replay.
func (r *PostgresRepository) MarkUnmatchedCallbackResolved(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE unmatched_callbacks
		SET resolved_at = now(), attempts = attempts + 1
		WHERE id = $1 AND resolved_at IS NULL AND abandoned_at IS NULL`,
		id,
	)
	return err
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		tx     domain.Transaction
		amount string
		status string
	)
	err := row.Scan(
		&tx.ID,
		&tx.InternalID,
		&tx.OperationType,
		&tx.Asset,
		&amount,
		&tx.FromAddress,
		&tx.ToAddress,
		&tx.TxHash,
		&tx.TxLink,
		&tx.BlockNumber,
		&tx.Confirmations,
		&status,
		&tx.ErrorMessage,
		&tx.AccountID,
		&tx.ClientReference,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse stored amount %q: %w", amount, err)
	}
	tx.Status = domain.TransactionStatus(status)
	return &tx, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation
}

/**
 * @description
 * This file defines the `Repository` interface, the contract for all data access used by the
 * transfer service. Business logic depends on this interface; PostgreSQL and in-memory
 * implementations satisfy it.
 *
 * @dependencies
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/godzika/sferocoinapi/internal/domain"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrWalletAlreadySet    = errors.New("wallet address already set")
)

// Repository defines the set of methods for interacting with the ledger.
type Repository interface {
	// Account methods
	FindAccountByID(ctx context.Context, accountID int64) (*domain.Account, error)
	// SetAccountWalletAddress stores address only if the account has none yet.
	// It returns ErrWalletAlreadySet when another address is already stored.
	SetAccountWalletAddress(ctx context.Context, accountID int64, address string) error

	// Transaction methods
	// CreatePendingTransaction inserts a WAITING row. An existing row with the same internal id
	// is left untouched and returned.
	CreatePendingTransaction(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error)
	// ApplyCallback atomically creates or updates the row keyed by payload.InternalID.
	// Terminal rows only accept a replay of their own status.
	ApplyCallback(ctx context.Context, payload *domain.CallbackPayload) (*domain.ReconcileResult, error)
	FindTransactionByInternalID(ctx context.Context, internalID string) (*domain.Transaction, error)
	ListStaleWaitingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)

	// Unmatched callback methods
	// SaveUnmatchedCallback keeps one open row per internal id, refreshing its payload and
	// making it due for replay immediately.
	SaveUnmatchedCallback(ctx context.Context, callback domain.UnmatchedCallback) error
	// ListUnmatchedCallbacks returns open rows due at or before dueBy, earliest due first.
	ListUnmatchedCallbacks(ctx context.Context, dueBy time.Time, limit int) ([]domain.UnmatchedCallback, error)
	// RecordUnmatchedCallbackAttempt counts a failed replay and schedules the next one.
	// When abandon is set the row is closed without being resolved.
	RecordUnmatchedCallbackAttempt(ctx context.Context, id int64, nextAttemptAt time.Time, abandon bool) error
	MarkUnmatchedCallbackResolved(ctx context.Context, id int64) error
}

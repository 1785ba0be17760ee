/**
 * @description
 * This file defines the core domain models for the transfer service: accounts, transfer
 * requests, and the persisted transaction ledger record with its status state machine.
 *
 * @notes
 * - Amounts use shopspring/decimal and are stored as NUMERIC(20,8); they never pass
 *   through a binary float.
 * - SUCCESSFUL and FAILED are terminal and absorbing.
 */

package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownStatus is returned when a status value is not part of the state machine.
var ErrUnknownStatus = errors.New("unknown transaction status")

// Ledger amounts are NUMERIC(20, 8): at most 8 decimal places and 12 integer digits.
const (
	AmountScale         = 8
	AmountIntegerDigits = 12
)

var amountLimit = decimal.New(1, AmountIntegerDigits)

// CheckAmountRange reports why amount cannot be stored exactly in the ledger, or nil if it can.
func CheckAmountRange(amount decimal.Decimal) error {
	if !amount.Equal(amount.Truncate(AmountScale)) {
		return fmt.Errorf("amount supports at most %d decimal places", AmountScale)
	}
	if amount.Abs().GreaterThanOrEqual(amountLimit) {
		return fmt.Errorf("amount must be below %s", amountLimit.String())
	}
	return nil
}

// TransactionStatus is the lifecycle state of a transfer.
type TransactionStatus string

const (
	StatusWaiting    TransactionStatus = "WAITING"
	StatusSuccessful TransactionStatus = "SUCCESSFUL"
	StatusFailed     TransactionStatus = "FAILED"
)

// ParseTransactionStatus validates a raw status string. Unknown values are an error, never a default.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch status := TransactionStatus(strings.TrimSpace(raw)); status {
	case StatusWaiting, StatusSuccessful, StatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
}

// IsTerminal reports whether no further status change is allowed.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusSuccessful || s == StatusFailed
}

// CanTransitionTo reports whether a callback carrying next may be applied to a record in state s.
// A terminal state only accepts a replay of itself.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	if s.IsTerminal() {
		return s == next
	}
	return true
}

// Account is the owner of a custodial wallet. Account storage is managed outside this service;
// only the fields needed by the transfer path are read here.
type Account struct {
	ID            int64     `json:"id"`
	Username      string    `json:"username"`
	WalletAddress *string   `json:"walletAddress,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// HasWallet reports whether a non-empty wallet address has been provisioned.
func (a *Account) HasWallet() bool {
	return a != nil && a.WalletAddress != nil && strings.TrimSpace(*a.WalletAddress) != ""
}

// TransferRequest is the DTO for an inbound transfer request.
type TransferRequest struct {
	AccountID int64           `json:"accountId"`
	Amount    decimal.Decimal `json:"amount"`
	ToAddress string          `json:"toAddress"`
}

// TransferResult is returned to the caller once the gateway accepted a transfer.
type TransferResult struct {
	InternalID      string            `json:"internalId"`
	Status          TransactionStatus `json:"status"`
	ClientReference string            `json:"clientReference"`
}

// Transaction is the ledger record for a transfer. It maps to the `transactions` table.
type Transaction struct {
	ID              int64             `json:"id"`
	InternalID      string            `json:"internalId"`
	OperationType   string            `json:"operationType"`
	Asset           string            `json:"asset"`
	Amount          decimal.Decimal   `json:"amount"`
	FromAddress     string            `json:"fromAddress"`
	ToAddress       string            `json:"toAddress"`
	TxHash          *string           `json:"txHash"`
	TxLink          *string           `json:"txLink"`
	BlockNumber     *int64            `json:"blockNumber"`
	Confirmations   *int64            `json:"confirmations"`
	Status          TransactionStatus `json:"status"`
	ErrorMessage    *string           `json:"errorMessage"`
	AccountID       *int64            `json:"accountId"`
	ClientReference *string           `json:"clientReference,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// ReconcileOutcome describes what a callback did to the ledger.
type ReconcileOutcome string

const (
	OutcomeCreated ReconcileOutcome = "created"
	OutcomeUpdated ReconcileOutcome = "updated"
	OutcomeIgnored ReconcileOutcome = "ignored"
)

// Reasons an ignored callback was not applied.
const (
	ConflictTerminalStatus  = "terminal_status"
	ConflictAccountMismatch = "account_mismatch"
)

// ReconcileResult is the result of applying one callback.
type ReconcileResult struct {
	Outcome        ReconcileOutcome
	PreviousStatus TransactionStatus
	Transaction    *Transaction
	// Conflict is set when Outcome is OutcomeIgnored.
	Conflict string
}

// CallbackConflict returns the reason current must not take payload, or "" when it may.
// A row owned by another account is never touched; terminal rows only accept their own status.
func CallbackConflict(current *Transaction, payload *CallbackPayload) string {
	if current.AccountID != nil && *current.AccountID != payload.AccountID {
		return ConflictAccountMismatch
	}
	if !current.Status.CanTransitionTo(payload.Status) {
		return ConflictTerminalStatus
	}
	return ""
}

// StatusChanged reports whether the callback moved the record to a new status.
func (r *ReconcileResult) StatusChanged() bool {
	if r == nil || r.Transaction == nil || r.Outcome == OutcomeIgnored {
		return false
	}
	return r.Outcome == OutcomeCreated || r.PreviousStatus != r.Transaction.Status
}

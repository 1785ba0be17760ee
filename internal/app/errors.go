package app

import (
	"errors"
	"fmt"

	"github.com/godzika/sferocoinapi/internal/domain"
	"github.com/godzika/sferocoinapi/internal/store"
)

var (
	ErrInvalidRequest      = errors.New("invalid transfer request")
	ErrUnauthorized        = errors.New("caller is not authorized for this account")
	ErrWalletNotConfigured = errors.New("account has no wallet address configured")
	ErrInvalidRecipient    = errors.New("recipient address is invalid")
	ErrBalanceUnavailable  = errors.New("balance not available")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSubmissionFailed    = errors.New("transfer submission failed")
	ErrWalletUnavailable   = errors.New("wallet provisioning unavailable")
	ErrRateLimited         = errors.New("too many transfer requests")
)

// Result codes returned to callers and used as metric labels.
const (
	CodeOK                  = "OK"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeAccountNotFound     = "ACCOUNT_NOT_FOUND"
	CodeTransactionNotFound = "TRANSACTION_NOT_FOUND"
	CodeWalletNotConfigured = "WALLET_NOT_CONFIGURED"
	CodeInvalidRecipient    = "INVALID_RECIPIENT"
	CodeBalanceUnavailable  = "BALANCE_UNAVAILABLE"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeSubmissionFailed    = "SUBMISSION_FAILED"
	CodeWalletUnavailable   = "WALLET_UNAVAILABLE"
	CodeRateLimited         = "RATE_LIMITED"
	CodeBadPayload          = "BAD_PAYLOAD"
	CodeMissingFields       = "MISSING_FIELDS"
	CodeNullField           = "NULL_FIELD"
	CodeUnknownStatus       = "UNKNOWN_STATUS"
	CodeInternal            = "INTERNAL"
)

// RateLimitError carries the number of seconds until the caller's window resets.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %ds", ErrRateLimited, e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// ResultCode maps an error returned by this package to its stable result code.
func ResultCode(err error) string {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, store.ErrAccountNotFound):
		return CodeAccountNotFound
	case errors.Is(err, store.ErrTransactionNotFound):
		return CodeTransactionNotFound
	case errors.Is(err, ErrWalletNotConfigured):
		return CodeWalletNotConfigured
	case errors.Is(err, ErrInvalidRecipient):
		return CodeInvalidRecipient
	case errors.Is(err, ErrBalanceUnavailable):
		return CodeBalanceUnavailable
	case errors.Is(err, ErrInsufficientBalance):
		return CodeInsufficientBalance
	case errors.Is(err, ErrSubmissionFailed):
		return CodeSubmissionFailed
	case errors.Is(err, ErrWalletUnavailable):
		return CodeWalletUnavailable
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, domain.ErrMissingFields):
		return CodeMissingFields
	case errors.Is(err, domain.ErrNullField):
		return CodeNullField
	case errors.Is(err, domain.ErrUnknownStatus):
		return CodeUnknownStatus
	case errors.Is(err, domain.ErrBadPayload):
		return CodeBadPayload
	default:
		return CodeInternal
	}
}

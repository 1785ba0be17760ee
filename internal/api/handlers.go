/**
 * @description
 * This file contains the HTTP handlers for the caller-facing transfer endpoints. Handlers
 * parse requests, call the application service and map its errors to status codes and
 * stable error codes.
 *
 * @dependencies
 * - internal/app: Transfer orchestration and result codes.
 */

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/godzika/sferocoinapi/internal/app"
	"github.com/godzika/sferocoinapi/internal/domain"
	"github.com/sirupsen/logrus"
)

const maxRequestBodyBytes = 1 << 20

// TransferHandlers holds the application service that handlers will use.
type TransferHandlers struct {
	service *app.Service
	logger  *logrus.Entry
}

// NewTransferHandlers creates a new instance of TransferHandlers.
func NewTransferHandlers(service *app.Service) *TransferHandlers {
	return &TransferHandlers{service: service, logger: logrus.WithField("component", "api")}
}

type transferAcceptedResponse struct {
	Status          domain.TransactionStatus `json:"status"`
	InternalID      string                   `json:"internalId"`
	ClientReference string                   `json:"clientReference"`
}

type walletResponse struct {
	WalletAddress string `json:"walletAddress"`
}

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error  string   `json:"error"`
	Code   string   `json:"code"`
	Fields []string `json:"fields,omitempty"`
}

// TransferHandler handles POST /transfer.
func (h *TransferHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := GetCallerID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, app.CodeUnauthorized, "Caller identity missing", nil)
		return
	}

	var req domain.TransferRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, app.CodeInvalidRequest, "Invalid request body", nil)
		return
	}

	result, err := h.service.RequestTransfer(r.Context(), callerID, req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, transferAcceptedResponse{
		Status:          result.Status,
		InternalID:      result.InternalID,
		ClientReference: result.ClientReference,
	})
}

// GetTransactionHandler handles GET /transactions/{internalId}.
func (h *TransferHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := GetCallerID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, app.CodeUnauthorized, "Caller identity missing", nil)
		return
	}

	tx, err := h.service.GetTransaction(r.Context(), callerID, chi.URLParam(r, "internalId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// ProvisionWalletHandler handles POST /accounts/me/wallet.
func (h *TransferHandlers) ProvisionWalletHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := GetCallerID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, app.CodeUnauthorized, "Caller identity missing", nil)
		return
	}

	address, created, err := h.service.ProvisionWallet(r.Context(), callerID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, walletResponse{WalletAddress: address})
}

func (h *TransferHandlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := app.ResultCode(err)
	status := statusForCode(code)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(logrus.Fields{"path": r.URL.Path, "code": code}).Error("request failed")
	}

	var limited *app.RateLimitError
	if errors.As(err, &limited) {
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds))
	}
	writeError(w, status, code, messageForCode(code), nil)
}

// statusForCode maps a result code to its HTTP status.
func statusForCode(code string) int {
	switch code {
	case app.CodeInvalidRequest, app.CodeInvalidRecipient, app.CodeInsufficientBalance,
		app.CodeBadPayload, app.CodeMissingFields, app.CodeNullField, app.CodeUnknownStatus:
		return http.StatusBadRequest
	case app.CodeUnauthorized:
		return http.StatusUnauthorized
	case app.CodeAccountNotFound, app.CodeTransactionNotFound:
		return http.StatusNotFound
	case app.CodeRateLimited:
		return http.StatusTooManyRequests
	case app.CodeBalanceUnavailable, app.CodeSubmissionFailed, app.CodeWalletUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func messageForCode(code string) string {
	switch code {
	case app.CodeInvalidRequest:
		return "Invalid transfer request"
	case app.CodeUnauthorized:
		return "Not authorized for this account"
	case app.CodeAccountNotFound:
		return "Account not found"
	case app.CodeTransactionNotFound:
		return "Transaction not found"
	case app.CodeWalletNotConfigured:
		return "Account has no wallet configured"
	case app.CodeInvalidRecipient:
		return "Recipient address is invalid"
	case app.CodeBalanceUnavailable:
		return "Balance is temporarily unavailable"
	case app.CodeInsufficientBalance:
		return "Insufficient balance"
	case app.CodeSubmissionFailed:
		return "Transfer could not be submitted"
	case app.CodeWalletUnavailable:
		return "Wallet could not be provisioned"
	case app.CodeRateLimited:
		return "Too many transfer requests"
	case app.CodeBadPayload:
		return "Malformed callback payload"
	case app.CodeMissingFields:
		return "Callback is missing required fields"
	case app.CodeNullField:
		return "Callback has a null required field"
	case app.CodeUnknownStatus:
		return "Callback has an unknown status"
	default:
		return "Internal server error"
	}
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, code, message string, fields []string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Fields: fields})
}

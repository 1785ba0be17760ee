package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/godzika/sferocoinapi/internal/app"
	"github.com/godzika/sferocoinapi/internal/domain"
	"github.com/sirupsen/logrus"
)

// WebhookHandler receives transaction status callbacks from the gateway.
type WebhookHandler struct {
	reconciler *app.Reconciler
	secret     string
	logger     *logrus.Entry
}

// NewWebhookHandler creates the callback handler. An empty secret disables signature checks.
func NewWebhookHandler(reconciler *app.Reconciler, secret string) *WebhookHandler {
	return &WebhookHandler{
		reconciler: reconciler,
		secret:     secret,
		logger:     logrus.WithField("component", "webhook"),
	}
}

type callbackAckResponse struct {
	Message    string                  `json:"message"`
	InternalID string                  `json:"internalId"`
	Outcome    domain.ReconcileOutcome `json:"outcome"`
}

// TransactionStatusHandler handles POST /webhook/transaction-status. Every reconciled delivery,
// including repeats and ignored stale ones, is acknowledged with 200.
func (h *WebhookHandler) TransactionStatusHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, app.CodeBadPayload, "Unreadable callback body", nil)
		return
	}

	if h.secret != "" && !validSignature(h.secret, body, r.Header.Get(SignatureHeader)) {
		h.logger.WithField("remote_addr", r.RemoteAddr).Warn("callback signature rejected")
		writeError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "Invalid callback signature", nil)
		return
	}

	result, err := h.reconciler.HandleCallback(r.Context(), body)
	if err != nil {
		code := app.ResultCode(err)
		status := statusForCode(code)
		if status >= http.StatusInternalServerError {
			h.logger.WithError(err).Error("callback reconciliation failed")
		}
		var fieldErr *domain.FieldError
		var fields []string
		if errors.As(err, &fieldErr) {
			fields = fieldErr.Fields
		}
		writeError(w, status, code, messageForCode(code), fields)
		return
	}

	writeJSON(w, http.StatusOK, callbackAckResponse{
		Message:    "Transaction status updated",
		InternalID: result.Transaction.InternalID,
		Outcome:    result.Outcome,
	})
}

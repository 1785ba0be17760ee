/**
 * @description
 * This package provides a client for the external Web3 gateway that custodies wallets and
 * executes on-chain transfers. It wraps the four gateway operations (address validation,
 * balance lookup, transfer submission, wallet provisioning) with a per-call timeout and
 * exponential backoff on transient failures.
 *
 * @notes
 * - ValidateAddress fails closed: any error yields false.
 * - SubmitTransfer always carries an idempotency key, which is what makes its retries safe.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Balances and amounts.
 * - github.com/sirupsen/logrus: Structured logging.
 */
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	ErrBalanceUnavailable = errors.New("balance not available")
	ErrSubmissionRejected = errors.New("transfer submission rejected")
	ErrWalletUnavailable  = errors.New("wallet provisioning unavailable")
)

// Operation names used in logs and metrics.
const (
	OpValidateAddress = "validate_address"
	OpGetBalance      = "get_balance"
	OpSubmitTransfer  = "submit_transfer"
	OpProvisionWallet = "provision_wallet"
)

// Observer receives the duration and outcome of each gateway operation.
type Observer func(op, outcome string, duration time.Duration)

// Client is a client for the Web3 gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Retry      RetryPolicy
	Observer   Observer

	logger *logrus.Entry
}

// NewClient creates a gateway client. timeout bounds each individual HTTP attempt.
func NewClient(baseURL, apiKey string, timeout time.Duration, retry RetryPolicy) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		Retry:  retry,
		logger: logrus.WithField("component", "gateway_client"),
	}
}

// SubmitTransferRequest is the payload of POST /web3/submit-transaction.
type SubmitTransferRequest struct {
	AccountID       int64           `json:"user_id"`
	Amount          decimal.Decimal `json:"-"`
	FromAddress     string          `json:"from_address"`
	ToAddress       string          `json:"to_address"`
	CallbackURL     string          `json:"callback_url"`
	ClientReference string          `json:"client_reference"`
}

// MarshalJSON sends amount_sfc as a JSON number without losing precision.
func (r SubmitTransferRequest) MarshalJSON() ([]byte, error) {
	type alias SubmitTransferRequest
	return json.Marshal(struct {
		alias
		AmountSFC json.Number `json:"amount_sfc"`
	}{
		alias:     alias(r),
		AmountSFC: json.Number(r.Amount.String()),
	})
}

// SubmitTransferResponse is the gateway's acknowledgement of an accepted job.
type SubmitTransferResponse struct {
	Status     string `json:"status"`
	InternalID string `json:"internal_id"`
}

// ErrorResponse is a non-2xx answer from the gateway.
type ErrorResponse struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ErrorResponse) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway %s failed with status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("gateway %s failed with status %d: %s", e.Op, e.StatusCode, e.Message)
}

type validateAddressResponse struct {
	IsValid *bool `json:"is_valid"`
}

type balanceResponse struct {
	BalanceSFC *decimal.Decimal `json:"balance_sfc"`
}

type walletResponse struct {
	WalletAddress string `json:"walletAddress"`
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// ValidateAddress asks the gateway whether address is a valid recipient. Any transport error,
// non-2xx status or unexpected body yields false.
func (c *Client) ValidateAddress(ctx context.Context, address string) bool {
	start := time.Now()
	query := url.Values{"address": []string{address}}
	status, body, err := c.do(ctx, OpValidateAddress, http.MethodGet, "/web3/validate-address", query, nil, nil)
	if err != nil {
		c.observe(OpValidateAddress, "error", start)
		c.logger.WithFields(logrus.Fields{"op": OpValidateAddress, "address": address}).WithError(err).Warn("address validation failed; rejecting")
		return false
	}
	if !is2xx(status) {
		c.observe(OpValidateAddress, "error", start)
		c.logger.WithFields(logrus.Fields{"op": OpValidateAddress, "status": status, "address": address}).Warn("non-2xx response; rejecting address")
		return false
	}

	var resp validateAddressResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.IsValid == nil {
		c.observe(OpValidateAddress, "malformed", start)
		c.logger.WithFields(logrus.Fields{"op": OpValidateAddress, "address": address}).Warn("unexpected response shape; rejecting address")
		return false
	}
	c.observe(OpValidateAddress, "ok", start)
	return *resp.IsValid
}

// GetBalance returns the asset balance held at address. Any failure is reported as
// ErrBalanceUnavailable; it is never a zero balance.
func (c *Client) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	start := time.Now()
	query := url.Values{"address": []string{address}}
	status, body, err := c.do(ctx, OpGetBalance, http.MethodGet, "/web3/balance", query, nil, nil)
	if err != nil {
		c.observe(OpGetBalance, "error", start)
		return decimal.Zero, fmt.Errorf("%w: %v", ErrBalanceUnavailable, err)
	}
	if !is2xx(status) {
		c.observe(OpGetBalance, "error", start)
		return decimal.Zero, fmt.Errorf("%w: %v", ErrBalanceUnavailable, c.errorResponse(OpGetBalance, status, body))
	}

	var resp balanceResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.BalanceSFC == nil {
		c.observe(OpGetBalance, "malformed", start)
		c.logger.WithFields(logrus.Fields{"op": OpGetBalance, "address": address}).Warn("unexpected response shape")
		return decimal.Zero, fmt.Errorf("%w: malformed balance response", ErrBalanceUnavailable)
	}
	c.observe(OpGetBalance, "ok", start)
	return *resp.BalanceSFC, nil
}

// SubmitTransfer hands a transfer to the gateway for asynchronous execution. Success means the
// job was accepted, not executed. The returned internal id is the correlation key for callbacks.
func (c *Client) SubmitTransfer(ctx context.Context, req SubmitTransferRequest) (*SubmitTransferResponse, error) {
	start := time.Now()
	if strings.TrimSpace(req.ClientReference) == "" {
		return nil, fmt.Errorf("%w: missing client reference", ErrSubmissionRejected)
	}
	headers := map[string]string{"Idempotency-Key": req.ClientReference}
	status, body, err := c.do(ctx, OpSubmitTransfer, http.MethodPost, "/web3/submit-transaction", nil, req, headers)
	if err != nil {
		c.observe(OpSubmitTransfer, "error", start)
		return nil, fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
	}
	if !is2xx(status) {
		c.observe(OpSubmitTransfer, "rejected", start)
		return nil, fmt.Errorf("%w: %v", ErrSubmissionRejected, c.errorResponse(OpSubmitTransfer, status, body))
	}

	var resp SubmitTransferResponse
	if err := json.Unmarshal(body, &resp); err != nil || strings.TrimSpace(resp.InternalID) == "" {
		c.observe(OpSubmitTransfer, "malformed", start)
		c.logger.WithFields(logrus.Fields{"op": OpSubmitTransfer, "status": status, "client_reference": req.ClientReference}).Error("accepted response without internal_id")
		return nil, fmt.Errorf("%w: response missing internal_id", ErrSubmissionRejected)
	}
	if status != http.StatusAccepted {
		c.logger.WithFields(logrus.Fields{"op": OpSubmitTransfer, "status": status, "internal_id": resp.InternalID}).Warn("unexpected success status; treating as accepted")
	}
	c.observe(OpSubmitTransfer, "ok", start)
	c.logger.WithFields(logrus.Fields{
		"op":               OpSubmitTransfer,
		"internal_id":      resp.InternalID,
		"client_reference": req.ClientReference,
		"user_id":          req.AccountID,
	}).Info("transfer accepted by gateway")
	return &resp, nil
}

// ProvisionWallet asks the gateway to mint a new custodial wallet. Each successful call may
// return a different address, so callers must persist the result immediately.
func (c *Client) ProvisionWallet(ctx context.Context) (string, error) {
	start := time.Now()
	status, body, err := c.do(ctx, OpProvisionWallet, http.MethodPost, "/web3/generate-wallet", nil, nil, nil)
	if err != nil {
		c.observe(OpProvisionWallet, "error", start)
		return "", fmt.Errorf("%w: %v", ErrWalletUnavailable, err)
	}
	if !is2xx(status) {
		c.observe(OpProvisionWallet, "error", start)
		return "", fmt.Errorf("%w: %v", ErrWalletUnavailable, c.errorResponse(OpProvisionWallet, status, body))
	}

	var resp walletResponse
	if err := json.Unmarshal(body, &resp); err != nil || strings.TrimSpace(resp.WalletAddress) == "" {
		c.observe(OpProvisionWallet, "malformed", start)
		return "", fmt.Errorf("%w: response missing walletAddress", ErrWalletUnavailable)
	}
	c.observe(OpProvisionWallet, "ok", start)
	return resp.WalletAddress, nil
}

// do executes one gateway call, retrying transport errors and 429/5xx responses with backoff.
// It returns the last status and body seen.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, payload interface{}, headers map[string]string) (int, []byte, error) {
	var rawBody []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		rawBody = encoded
	}

	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	attempts := c.Retry.attempts()
	var (
		status int
		body   []byte
		err    error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := c.Retry.backoff(attempt - 1)
			c.logger.WithFields(logrus.Fields{"op": op, "attempt": attempt, "delay": delay.String()}).Warn("retrying gateway call")
			if sleepErr := sleep(ctx, delay); sleepErr != nil {
				return status, body, sleepErr
			}
		}

		status, body, err = c.send(ctx, op, method, endpoint, rawBody, headers)
		if err != nil {
			if isRetryableError(ctx, err) {
				continue
			}
			return 0, nil, err
		}
		if !isRetryableStatus(status) {
			return status, body, nil
		}
	}
	return status, body, err
}

func (c *Client) send(ctx context.Context, op, method, endpoint string, rawBody []byte, headers map[string]string) (int, []byte, error) {
	var reader io.Reader
	if rawBody != nil {
		reader = bytes.NewReader(rawBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if rawBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) errorResponse(op string, status int, body []byte) *ErrorResponse {
	errResp := &ErrorResponse{Op: op, StatusCode: status}
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		errResp.Message = parsed.Message
		if errResp.Message == "" {
			errResp.Message = parsed.Error
		}
	}
	if errResp.Message == "" {
		c.logger.WithFields(logrus.Fields{"op": op, "status": status}).Warn("non-2xx response (unparsable error body)")
	} else {
		c.logger.WithFields(logrus.Fields{"op": op, "status": status, "detail": errResp.Message}).Warn("non-2xx response")
	}
	return errResp
}

func (c *Client) observe(op, outcome string, start time.Time) {
	if c.Observer != nil {
		c.Observer(op, outcome, time.Since(start))
	}
}

func is2xx(status int) bool {
	return status >= 200 && status < 300
}

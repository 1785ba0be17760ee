/**
 * @description
 * This file contains the transfer orchestration logic. The `Service` validates and authorizes
 * a transfer request, runs the pre-flight checks against the Web3 gateway, submits the
 * transfer with an idempotency token and records the WAITING row that reconciliation later
 * updates.
 *
 * Key features:
 * - Authorization happens before any gateway call.
 * - Submission runs detached from the inbound request so a client abort cannot cancel it.
 * - The balance check is a best-effort pre-check; the gateway serialises actual movement.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Amounts and balances.
 * - github.com/ethereum/go-ethereum/common: Local EVM address shape check.
 * - internal/store, pkg/gatewayclient, pkg/rabbitmq: Data access, gateway and events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/godzika/sferocoinapi/internal/domain"
	"github.com/godzika/sferocoinapi/internal/metrics"
	"github.com/godzika/sferocoinapi/internal/store"
	"github.com/godzika/sferocoinapi/pkg/gatewayclient"
	"github.com/godzika/sferocoinapi/pkg/rabbitmq"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	transferRateLimitScope = "transfer"
	maxClientReferenceLen  = 255
)

// Gateway is the subset of the Web3 gateway used by the service.
type Gateway interface {
	ValidateAddress(ctx context.Context, address string) bool
	GetBalance(ctx context.Context, address string) (decimal.Decimal, error)
	SubmitTransfer(ctx context.Context, req gatewayclient.SubmitTransferRequest) (*gatewayclient.SubmitTransferResponse, error)
	ProvisionWallet(ctx context.Context) (string, error)
}

// RateLimiter counts requests per subject within a fixed window. A non-empty reference already
// counted in the current window is not counted again.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject, reference string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// clientReferenceNamespace scopes caller idempotency keys to derived client references.
var clientReferenceNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:sferocoin:transfer-client-reference"))

// ClientReference derives the token sent to the gateway for a caller-supplied idempotency key.
// The same key from different accounts yields different tokens.
func ClientReference(accountID int64, idempotencyKey string) string {
	name := fmt.Sprintf("%d:%s", accountID, strings.TrimSpace(idempotencyKey))
	return uuid.NewSHA1(clientReferenceNamespace, []byte(name)).String()
}

// Options holds the transfer settings resolved from configuration.
type Options struct {
	CallbackURL        string
	Asset              string
	OperationType      string
	RequireEVMAddress  bool
	SubmitTimeout      time.Duration
	RateLimitPerMinute int
}

// Service provides the transfer orchestration logic.
type Service struct {
	repo     store.Repository
	gateway  Gateway
	producer rabbitmq.Publisher
	limiter  RateLimiter
	opts     Options

	newReference func() string
	logger       *logrus.Entry
}

// NewService creates a new transfer service instance.
func NewService(repo store.Repository, gateway Gateway, producer rabbitmq.Publisher, opts Options) *Service {
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 30 * time.Second
	}
	return &Service{
		repo:         repo,
		gateway:      gateway,
		producer:     producer,
		opts:         opts,
		newReference: uuid.NewString,
		logger:       logrus.WithField("component", "orchestrator"),
	}
}

// SetRateLimiter enables per-account transfer rate limiting.
func (s *Service) SetRateLimiter(limiter RateLimiter) {
	s.limiter = limiter
}

// RequestTransfer validates, authorizes and submits a transfer on behalf of callerID.
// idempotencyKey is optional. When set, the client reference is derived from it and the account,
// so a retried request reuses its token; when empty a fresh reference is minted.
func (s *Service) RequestTransfer(ctx context.Context, callerID string, req domain.TransferRequest, idempotencyKey string) (result *domain.TransferResult, err error) {
	defer func() { metrics.RecordTransfer(ResultCode(err)) }()

	log := s.logger.WithField("account_id", req.AccountID)

	if err := validateTransferRequest(req, idempotencyKey); err != nil {
		log.WithError(err).Info("transfer rejected")
		return nil, err
	}
	if strings.TrimSpace(callerID) != strconv.FormatInt(req.AccountID, 10) {
		log.WithField("caller_id", callerID).Warn("caller does not own the account")
		return nil, ErrUnauthorized
	}

	reference := s.newReference()
	limiterReference := ""
	if strings.TrimSpace(idempotencyKey) != "" {
		reference = ClientReference(req.AccountID, idempotencyKey)
		limiterReference = reference
	}
	log = log.WithField("client_reference", reference)

	if err := s.consumeRateLimit(ctx, req.AccountID, limiterReference); err != nil {
		return nil, err
	}

	account, err := s.repo.FindAccountByID(ctx, req.AccountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load account: %w", err)
	}
	if !account.HasWallet() {
		log.Error("account has no wallet address configured")
		return nil, ErrWalletNotConfigured
	}
	fromAddress := strings.TrimSpace(*account.WalletAddress)
	toAddress := strings.TrimSpace(req.ToAddress)

	if s.opts.RequireEVMAddress && !common.IsHexAddress(toAddress) {
		return nil, fmt.Errorf("%w: not an EVM address", ErrInvalidRecipient)
	}
	if !s.gateway.ValidateAddress(ctx, toAddress) {
		return nil, ErrInvalidRecipient
	}

	balance, err := s.gateway.GetBalance(ctx, fromAddress)
	if err != nil {
		log.WithError(err).Warn("balance lookup failed")
		return nil, fmt.Errorf("%w: %v", ErrBalanceUnavailable, err)
	}
	if balance.LessThan(req.Amount) {
		log.WithFields(logrus.Fields{"balance": balance.String(), "amount": req.Amount.String()}).Info("insufficient balance")
		return nil, ErrInsufficientBalance
	}

	if s.opts.CallbackURL == "" {
		return nil, errors.New("callback url is not configured")
	}

	// Past this point the gateway may already be processing, so the inbound cancellation is dropped.
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SubmitTimeout)
	defer cancel()

	accepted, err := s.gateway.SubmitTransfer(submitCtx, gatewayclient.SubmitTransferRequest{
		AccountID:       req.AccountID,
		Amount:          req.Amount,
		FromAddress:     fromAddress,
		ToAddress:       toAddress,
		CallbackURL:     s.opts.CallbackURL,
		ClientReference: reference,
	})
	if err != nil {
		log.WithError(err).Error("transfer submission failed")
		return nil, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}

	log = log.WithField("internal_id", accepted.InternalID)
	log.Info("transfer accepted by gateway")

	accountID := req.AccountID
	pending := &domain.Transaction{
		InternalID:      accepted.InternalID,
		OperationType:   s.opts.OperationType,
		Asset:           s.opts.Asset,
		Amount:          req.Amount,
		FromAddress:     fromAddress,
		ToAddress:       toAddress,
		Status:          domain.StatusWaiting,
		AccountID:       &accountID,
		ClientReference: &reference,
	}
	stored, err := s.repo.CreatePendingTransaction(submitCtx, pending)
	if err != nil {
		// The gateway owns the transfer now; the first callback creates the row instead.
		log.WithError(err).Error("failed to persist pending transaction")
		stored = pending
	}
	publishEvent(submitCtx, s.producer, s.logger, transactionEvent(domain.EventTransferSubmitted, stored))

	return &domain.TransferResult{
		InternalID:      accepted.InternalID,
		Status:          domain.StatusWaiting,
		ClientReference: reference,
	}, nil
}

// ProvisionWallet returns the caller's wallet address, minting one through the gateway when none
// is stored. created reports whether a new address was stored by this call.
func (s *Service) ProvisionWallet(ctx context.Context, callerID string) (address string, created bool, err error) {
	accountID, err := strconv.ParseInt(strings.TrimSpace(callerID), 10, 64)
	if err != nil || accountID <= 0 {
		return "", false, ErrUnauthorized
	}
	log := s.logger.WithField("account_id", accountID)

	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return "", false, err
		}
		return "", false, fmt.Errorf("load account: %w", err)
	}
	if account.HasWallet() {
		return *account.WalletAddress, false, nil
	}

	// A minted address must be stored even if the caller goes away.
	provisionCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SubmitTimeout)
	defer cancel()

	minted, err := s.gateway.ProvisionWallet(provisionCtx)
	if err != nil {
		log.WithError(err).Error("wallet provisioning failed")
		return "", false, fmt.Errorf("%w: %v", ErrWalletUnavailable, err)
	}
	minted = strings.TrimSpace(minted)
	if minted == "" || (s.opts.RequireEVMAddress && !common.IsHexAddress(minted)) {
		log.WithField("wallet_address", minted).Error("gateway returned an unusable wallet address")
		return "", false, fmt.Errorf("%w: unusable address", ErrWalletUnavailable)
	}

	err = s.repo.SetAccountWalletAddress(provisionCtx, accountID, minted)
	switch {
	case err == nil:
		log.WithField("wallet_address", minted).Info("wallet provisioned")
		return minted, true, nil
	case errors.Is(err, store.ErrWalletAlreadySet):
		// A concurrent request stored its address first; the one minted here is orphaned upstream.
		log.WithField("orphaned_wallet_address", minted).Warn("wallet already provisioned concurrently")
		account, err := s.repo.FindAccountByID(provisionCtx, accountID)
		if err != nil {
			return "", false, fmt.Errorf("reload account: %w", err)
		}
		return *account.WalletAddress, false, nil
	default:
		log.WithError(err).WithField("orphaned_wallet_address", minted).Error("failed to store wallet address")
		return "", false, fmt.Errorf("store wallet address: %w", err)
	}
}

// GetTransaction returns a transaction owned by callerID. Transactions of other accounts are
// reported as not found.
func (s *Service) GetTransaction(ctx context.Context, callerID, internalID string) (*domain.Transaction, error) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return nil, ErrUnauthorized
	}
	if strings.TrimSpace(internalID) == "" {
		return nil, fmt.Errorf("%w: internal id is required", ErrInvalidRequest)
	}
	tx, err := s.repo.FindTransactionByInternalID(ctx, internalID)
	if err != nil {
		return nil, err
	}
	if tx.AccountID == nil || strconv.FormatInt(*tx.AccountID, 10) != callerID {
		return nil, store.ErrTransactionNotFound
	}
	return tx, nil
}

func validateTransferRequest(req domain.TransferRequest, idempotencyKey string) error {
	var problems []string
	if req.AccountID <= 0 {
		problems = append(problems, "accountId is required")
	}
	if strings.TrimSpace(req.ToAddress) == "" {
		problems = append(problems, "toAddress is required")
	}
	if !req.Amount.IsPositive() {
		problems = append(problems, "amount must be greater than zero")
	} else if err := domain.CheckAmountRange(req.Amount); err != nil {
		problems = append(problems, err.Error())
	}
	if len(strings.TrimSpace(idempotencyKey)) > maxClientReferenceLen {
		problems = append(problems, "idempotency key is too long")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// consumeRateLimit fails open: a limiter outage must not block transfers.
func (s *Service) consumeRateLimit(ctx context.Context, accountID int64, reference string) error {
	if s.limiter == nil || s.opts.RateLimitPerMinute <= 0 {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, transferRateLimitScope, strconv.FormatInt(accountID, 10), reference, s.opts.RateLimitPerMinute, time.Minute)
	if err != nil {
		s.logger.WithError(err).WithField("account_id", accountID).Warn("rate limiter unavailable; allowing request")
		return nil
	}
	if count > s.opts.RateLimitPerMinute {
		return &RateLimitError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

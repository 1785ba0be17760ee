/**
 * @description
 * This file contains the reconciliation of gateway status callbacks into the ledger.
 * Callbacks arrive at least once and in any order; the repository upsert keyed on the
 * internal id makes them idempotent and keeps terminal statuses absorbing.
 *
 * Callbacks whose account cannot be resolved are retained as unmatched and replayed later.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/godzika/sferocoinapi/internal/domain"
	"github.com/godzika/sferocoinapi/internal/metrics"
	"github.com/godzika/sferocoinapi/internal/store"
	"github.com/godzika/sferocoinapi/pkg/rabbitmq"
	"github.com/sirupsen/logrus"
)

const (
	unmatchedReplayBatch = 100
	// An unmatched callback is abandoned after this many failed replays.
	unmatchedMaxAttempts  = 12
	unmatchedInitialDelay = time.Minute
	unmatchedMaxDelay     = 6 * time.Hour
)

// Reconciler applies gateway callbacks to the ledger.
type Reconciler struct {
	repo     store.Repository
	producer rabbitmq.Publisher
	logger   *logrus.Entry
	now      func() time.Time
}

// NewReconciler creates a callback reconciler.
func NewReconciler(repo store.Repository, producer rabbitmq.Publisher) *Reconciler {
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	return &Reconciler{
		repo:     repo,
		producer: producer,
		logger:   logrus.WithField("component", "reconciler"),
		now:      time.Now,
	}
}

// HandleCallback decodes body and applies it. Shape errors are returned before the store is
// touched. store.ErrAccountNotFound is returned after the callback has been retained.
func (r *Reconciler) HandleCallback(ctx context.Context, body []byte) (*domain.ReconcileResult, error) {
	payload, err := domain.DecodeCallbackPayload(body)
	if err != nil {
		metrics.RecordCallback("rejected", "")
		r.logger.WithError(err).Warn("callback rejected")
		return nil, err
	}

	result, err := r.reconcile(ctx, payload)
	if errors.Is(err, store.ErrAccountNotFound) {
		r.retainUnmatched(ctx, payload, err)
	}
	return result, err
}

func (r *Reconciler) reconcile(ctx context.Context, payload *domain.CallbackPayload) (*domain.ReconcileResult, error) {
	log := r.logger.WithFields(logrus.Fields{
		"internal_id": payload.InternalID,
		"status":      payload.Status,
		"account_id":  payload.AccountID,
	})

	if _, err := r.repo.FindAccountByID(ctx, payload.AccountID); err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load account: %w", err)
	}

	result, err := r.repo.ApplyCallback(ctx, payload)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, err
		}
		log.WithError(err).Error("failed to apply callback")
		return nil, fmt.Errorf("apply callback: %w", err)
	}
	metrics.RecordCallback(string(result.Outcome), string(payload.Status))

	switch result.Outcome {
	case domain.OutcomeIgnored:
		event := transactionEvent(domain.EventTransitionConflict, result.Transaction)
		switch result.Conflict {
		case domain.ConflictAccountMismatch:
			log.WithField("stored_account_id", *result.Transaction.AccountID).Warn("ignored callback for a transaction owned by another account")
			event.Reason = fmt.Sprintf("callback user_id %d does not own transaction %s", payload.AccountID, payload.InternalID)
		default:
			log.WithField("stored_status", result.PreviousStatus).Warn("ignored status change on terminal transaction")
			event.Reason = fmt.Sprintf("callback status %s conflicts with terminal status %s", payload.Status, result.PreviousStatus)
		}
		publishEvent(ctx, r.producer, r.logger, event)
		return result, nil
	case domain.OutcomeUpdated:
		if mismatch := staticFieldMismatch(result.Transaction, payload); mismatch != "" {
			log.WithField("field", mismatch).Warn("callback static field differs from stored transaction")
		}
	}

	log.WithFields(logrus.Fields{
		"outcome":         result.Outcome,
		"previous_status": result.PreviousStatus,
	}).Info("callback applied")

	if result.StatusChanged() {
		publishEvent(ctx, r.producer, r.logger, transactionEvent(domain.EventStatusChanged, result.Transaction))
	}
	return result, nil
}

func (r *Reconciler) retainUnmatched(ctx context.Context, payload *domain.CallbackPayload, cause error) {
	log := r.logger.WithFields(logrus.Fields{
		"internal_id": payload.InternalID,
		"account_id":  payload.AccountID,
	})
	log.Error("callback references an unknown account; retaining for replay")

	err := r.repo.SaveUnmatchedCallback(ctx, domain.UnmatchedCallback{
		InternalID: payload.InternalID,
		AccountID:  payload.AccountID,
		Payload:    payload.Raw,
		Reason:     cause.Error(),
	})
	if err != nil {
		log.WithError(err).Error("failed to retain unmatched callback")
	} else {
		metrics.RecordUnmatchedCallback("retained")
	}

	accountID := payload.AccountID
	publishEvent(ctx, r.producer, r.logger, domain.TransactionEvent{
		EventID:     newEventID(),
		EventType:   domain.EventUnmatchedCallback,
		InternalID:  payload.InternalID,
		Status:      payload.Status,
		AccountID:   &accountID,
		Asset:       payload.Asset,
		Amount:      payload.Amount.String(),
		FromAddress: payload.FromAddress,
		ToAddress:   payload.ToAddress,
		Reason:      cause.Error(),
		OccurredAt:  now(),
	})
}

// ReplayUnmatched retries the unmatched callbacks that are due and returns how many were resolved.
// Each failure pushes the row back with a growing delay, so rows that never resolve do not
// hold up newer ones, and the row is abandoned after unmatchedMaxAttempts.
func (r *Reconciler) ReplayUnmatched(ctx context.Context) (int, error) {
	open, err := r.repo.ListUnmatchedCallbacks(ctx, r.now(), unmatchedReplayBatch)
	if err != nil {
		return 0, fmt.Errorf("list unmatched callbacks: %w", err)
	}

	resolved := 0
	for _, cb := range open {
		log := r.logger.WithFields(logrus.Fields{"unmatched_id": cb.ID, "internal_id": cb.InternalID})

		payload, err := domain.DecodeCallbackPayload(cb.Payload)
		if err != nil {
			log.WithError(err).Error("stored unmatched callback no longer decodes")
			r.recordAttempt(ctx, cb, true, log)
			continue
		}

		_, err = r.reconcile(ctx, payload)
		switch {
		case err == nil:
			if err := r.repo.MarkUnmatchedCallbackResolved(ctx, cb.ID); err != nil {
				log.WithError(err).Error("failed to mark unmatched callback resolved")
				continue
			}
			metrics.RecordUnmatchedCallback("replayed")
			log.Info("unmatched callback replayed")
			resolved++
		case errors.Is(err, store.ErrAccountNotFound):
			r.recordAttempt(ctx, cb, false, log)
		default:
			log.WithError(err).Warn("unmatched callback replay failed")
			r.recordAttempt(ctx, cb, false, log)
		}
	}
	return resolved, nil
}

func (r *Reconciler) recordAttempt(ctx context.Context, cb domain.UnmatchedCallback, permanent bool, log *logrus.Entry) {
	attempts := cb.Attempts + 1
	abandon := permanent || attempts >= unmatchedMaxAttempts
	next := r.now().Add(unmatchedRetryDelay(attempts))

	if err := r.repo.RecordUnmatchedCallbackAttempt(ctx, cb.ID, next, abandon); err != nil {
		log.WithError(err).Warn("failed to record replay attempt")
		return
	}
	if abandon {
		metrics.RecordUnmatchedCallback("abandoned")
		log.WithField("attempts", attempts).Error("unmatched callback abandoned")
		return
	}
	metrics.RecordUnmatchedCallback("still_unmatched")
}

// unmatchedRetryDelay doubles from unmatchedInitialDelay per failed attempt, capped at unmatchedMaxDelay.
func unmatchedRetryDelay(attempts int) time.Duration {
	delay := unmatchedInitialDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= unmatchedMaxDelay {
			return unmatchedMaxDelay
		}
	}
	return delay
}

// staticFieldMismatch names the first static field whose stored value differs from the callback.
// Static fields are never overwritten by callbacks.
func staticFieldMismatch(tx *domain.Transaction, payload *domain.CallbackPayload) string {
	switch {
	case tx == nil:
		return ""
	case !tx.Amount.Equal(payload.Amount):
		return "amount"
	case tx.Asset != payload.Asset:
		return "asset"
	case !strings.EqualFold(tx.FromAddress, payload.FromAddress):
		return "from_address"
	case !strings.EqualFold(tx.ToAddress, payload.ToAddress):
		return "to_address"
	default:
		return ""
	}
}

package app

import (
	"context"
	"errors"
	"time"

	"github.com/godzika/sferocoinapi/internal/domain"
	"github.com/godzika/sferocoinapi/internal/store"
	"github.com/sirupsen/logrus"
)

// ReplayConsumer applies raw callback payloads published to ReplayRoutingKey.
type ReplayConsumer struct {
	reconciler *Reconciler
	logger     *logrus.Entry
}

func NewReplayConsumer(reconciler *Reconciler) *ReplayConsumer {
	return &ReplayConsumer{
		reconciler: reconciler,
		logger:     logrus.WithField("component", "replay_consumer"),
	}
}

// HandleMessage returns false only for transient failures, so the broker re-queues the message.
func (c *ReplayConsumer) HandleMessage(body []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := c.reconciler.HandleCallback(ctx, body)
	switch {
	case err == nil:
		c.logger.WithFields(logrus.Fields{
			"internal_id": result.Transaction.InternalID,
			"outcome":     result.Outcome,
		}).Info("replayed callback")
		return true
	case isPayloadError(err):
		c.logger.WithError(err).Warn("dropping malformed replay payload")
		return true
	case errors.Is(err, store.ErrAccountNotFound):
		// Already retained as unmatched; the scheduled replay picks it up.
		return true
	default:
		c.logger.WithError(err).Error("replay failed")
		return false
	}
}

func isPayloadError(err error) bool {
	return errors.Is(err, domain.ErrBadPayload) ||
		errors.Is(err, domain.ErrMissingFields) ||
		errors.Is(err, domain.ErrNullField) ||
		errors.Is(err, domain.ErrUnknownStatus)
}

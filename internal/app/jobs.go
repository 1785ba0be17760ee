/**
 * @description
 * Scheduled ledger maintenance jobs: the stale WAITING sweep and the unmatched callback replay.
 */
package app

import (
	"context"
	"time"

	"github.com/godzika/sferocoinapi/internal/domain"
	"github.com/godzika/sferocoinapi/internal/metrics"
	"github.com/godzika/sferocoinapi/internal/store"
	"github.com/godzika/sferocoinapi/pkg/rabbitmq"
	"github.com/sirupsen/logrus"
)

const (
	staleSweepBatch = 500
	jobTimeout      = 2 * time.Minute
)

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo       store.Repository
	reconciler *Reconciler
	producer   rabbitmq.Publisher
	staleAfter time.Duration
	now        func() time.Time
	logger     *logrus.Entry
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo store.Repository, reconciler *Reconciler, producer rabbitmq.Publisher, staleAfter time.Duration) *Jobs {
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	return &Jobs{
		repo:       repo,
		reconciler: reconciler,
		producer:   producer,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logrus.WithField("component", "jobs"),
	}
}

// SweepStaleTransfers reports WAITING transfers that have not heard from the gateway within staleAfter.
func (j *Jobs) SweepStaleTransfers() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	cutoff := j.now().Add(-j.staleAfter)
	stale, err := j.repo.ListStaleWaitingTransactions(ctx, cutoff, staleSweepBatch)
	if err != nil {
		j.logger.WithError(err).Error("stale transfer sweep failed")
		return
	}
	metrics.SetStaleTransfers(len(stale))

	for i := range stale {
		tx := &stale[i]
		j.logger.WithFields(logrus.Fields{
			"internal_id": tx.InternalID,
			"created_at":  tx.CreatedAt,
			"age":         j.now().Sub(tx.CreatedAt).Round(time.Second).String(),
		}).Warn("transfer still waiting for gateway callback")

		event := transactionEvent(domain.EventStaleTransfer, tx)
		event.Reason = "no terminal callback within " + j.staleAfter.String()
		publishEvent(ctx, j.producer, j.logger, event)
	}
	j.logger.WithField("count", len(stale)).Info("stale transfer sweep finished")
}

// ReplayUnmatchedCallbacks retries callbacks that were retained because their account was unknown.
func (j *Jobs) ReplayUnmatchedCallbacks() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	resolved, err := j.reconciler.ReplayUnmatched(ctx)
	if err != nil {
		j.logger.WithError(err).Error("unmatched callback replay failed")
		return
	}
	j.logger.WithField("resolved", resolved).Info("unmatched callback replay finished")
}

package app

import (
	"context"
	"time"

	"github.com/godzika/sferocoinapi/internal/domain"
	"github.com/godzika/sferocoinapi/pkg/rabbitmq"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ReplayRoutingKey is the routing key operators publish raw callback payloads to for a manual replay.
const ReplayRoutingKey = "transaction.callback.replay"

const publishTimeout = 5 * time.Second

func transactionEvent(eventType string, tx *domain.Transaction) domain.TransactionEvent {
	return domain.TransactionEvent{
		EventID:       newEventID(),
		EventType:     eventType,
		InternalID:    tx.InternalID,
		Status:        tx.Status,
		AccountID:     tx.AccountID,
		Asset:         tx.Asset,
		Amount:        tx.Amount.String(),
		FromAddress:   tx.FromAddress,
		ToAddress:     tx.ToAddress,
		TxHash:        tx.TxHash,
		Confirmations: tx.Confirmations,
		ErrorMessage:  tx.ErrorMessage,
		OccurredAt:    now(),
	}
}

func newEventID() string {
	return uuid.NewString()
}

func now() time.Time {
	return time.Now().UTC()
}

// publishEvent never fails the caller: the ledger row is the source of truth and events are best effort.
func publishEvent(ctx context.Context, producer rabbitmq.Publisher, logger *logrus.Entry, event domain.TransactionEvent) {
	if producer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := producer.PublishTransactionEvent(ctx, event); err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"event_type":  event.EventType,
			"internal_id": event.InternalID,
		}).Warn("event publish failed")
	}
}

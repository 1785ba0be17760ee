package domain

import (
	"encoding/json"
	"time"
)

// Event types published on the events exchange.
const (
	EventTransferSubmitted  = "transfer.submitted"
	EventStatusChanged      = "transaction.status_changed"
	EventStaleTransfer      = "transaction.stale"
	EventUnmatchedCallback  = "transaction.callback.unmatched"
	EventTransitionConflict = "transaction.status_conflict"
)

// TransactionEvent is the message published to the broker for ledger lifecycle changes.
type TransactionEvent struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	InternalID    string            `json:"internal_id"`
	Status        TransactionStatus `json:"status,omitempty"`
	AccountID     *int64            `json:"account_id,omitempty"`
	Asset         string            `json:"asset,omitempty"`
	Amount        string            `json:"amount,omitempty"`
	FromAddress   string            `json:"from_address,omitempty"`
	ToAddress     string            `json:"to_address,omitempty"`
	TxHash        *string           `json:"tx_hash,omitempty"`
	Confirmations *int64            `json:"confirmations,omitempty"`
	ErrorMessage  *string           `json:"error_message,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// UnmatchedCallback is a callback retained because its account could not be resolved.
// It is open until it is resolved by a replay or abandoned after too many attempts.
type UnmatchedCallback struct {
	ID            int64           `json:"id"`
	InternalID    string          `json:"internal_id"`
	AccountID     int64           `json:"account_id"`
	Payload       json.RawMessage `json:"payload"`
	Reason        string          `json:"reason"`
	Attempts      int             `json:"attempts"`
	ReceivedAt    time.Time       `json:"received_at"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	AbandonedAt   *time.Time      `json:"abandoned_at,omitempty"`
}

// IsOpen reports whether the callback is still waiting for a replay.
func (c *UnmatchedCallback) IsOpen() bool {
	return c.ResolvedAt == nil && c.AbandonedAt == nil
}

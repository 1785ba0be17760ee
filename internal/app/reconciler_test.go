package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/godzika/sferocoinapi/internal/domain"
	"github.com/godzika/sferocoinapi/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withCallbackFields(overrides map[string]interface{}) map[string]interface{} {
	fields := map[string]interface{}{
		"internal_id":    "gw-1",
		"status":         "WAITING",
		"tx_hash":        "0xhash",
		"operation_type": "TRANSFER",
		"asset":          "SFC",
		"amount":         "12.5",
		"from_address":   senderWallet,
		"to_address":     recipient,
		"user_id":        7,
		"tx_link":        nil,
		"confirmations":  1,
		"block_number":   nil,
		"error_message":  nil,
	}
	for key, value := range overrides {
		fields[key] = value
	}
	return fields
}

func callbackBody(t *testing.T, fields map[string]interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(fields)
	require.NoError(t, err)
	return body
}

func newReconcilerFixture(t *testing.T) (*Reconciler, *store.MemoryRepository, *recordingPublisher) {
	t.Helper()
	repo := store.NewMemoryRepository()
	wallet := senderWallet
	repo.PutAccount(domain.Account{ID: 7, Username: "alice", WalletAddress: &wallet})
	publisher := &recordingPublisher{}
	return NewReconciler(repo, publisher), repo, publisher
}

func TestHandleCallback_ShapeErrorsLeaveStoreUntouched(t *testing.T) {
	missingInternalID := withCallbackFields(nil)
	delete(missingInternalID, "internal_id")

	tests := []struct {
		name string
		body []byte
		want string
	}{
		{name: "missing internal id", body: callbackBody(t, missingInternalID), want: CodeMissingFields},
		{name: "null required field", body: callbackBody(t, withCallbackFields(map[string]interface{}{"tx_hash": nil})), want: CodeNullField},
		{name: "unparseable body", body: []byte(`{"internal_id":`), want: CodeBadPayload},
		{name: "unknown status", body: callbackBody(t, withCallbackFields(map[string]interface{}{"status": "PENDING"})), want: CodeUnknownStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reconciler, repo, publisher := newReconcilerFixture(t)
			_, err := reconciler.HandleCallback(context.Background(), tt.body)
			require.Error(t, err)
			assert.Equal(t, tt.want, ResultCode(err))
			assert.Zero(t, repo.TransactionCount())
			assert.Empty(t, publisher.types())
		})
	}
}

func TestHandleCallback_MissingInternalIDIsReportedByName(t *testing.T) {
	reconciler, _, _ := newReconcilerFixture(t)
	fields := withCallbackFields(nil)
	delete(fields, "internal_id")

	_, err := reconciler.HandleCallback(context.Background(), callbackBody(t, fields))
	var fieldErr *domain.FieldError
	require.ErrorAs(t, err, &fieldErr)
	assert.Equal(t, []string{"internal_id"}, fieldErr.Fields)
}

func TestHandleCallback_CreatesThenReplaysIdempotently(t *testing.T) {
	reconciler, repo, publisher := newReconcilerFixture(t)
	body := callbackBody(t, withCallbackFields(map[string]interface{}{"status": "SUCCESSFUL"}))

	first, err := reconciler.HandleCallback(context.Background(), body)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCreated, first.Outcome)

	second, err := reconciler.HandleCallback(context.Background(), body)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUpdated, second.Outcome)

	assert.Equal(t, first.Transaction.Status, second.Transaction.Status)
	assert.Equal(t, first.Transaction.TxHash, second.Transaction.TxHash)
	assert.Equal(t, first.Transaction.Confirmations, second.Transaction.Confirmations)
	assert.Equal(t, first.Transaction.TxLink, second.Transaction.TxLink)
	assert.Equal(t, first.Transaction.BlockNumber, second.Transaction.BlockNumber)
	assert.Equal(t, first.Transaction.ErrorMessage, second.Transaction.ErrorMessage)
	assert.Equal(t, 1, repo.TransactionCount())
	// Only the first delivery changed the status.
	assert.Equal(t, []string{domain.EventStatusChanged}, publisher.types())
}

func TestHandleCallback_TerminalStatusIsNotRegressed(t *testing.T) {
	reconciler, repo, publisher := newReconcilerFixture(t)

	_, err := reconciler.HandleCallback(context.Background(), callbackBody(t, withCallbackFields(map[string]interface{}{"status": "SUCCESSFUL"})))
	require.NoError(t, err)

	stale := callbackBody(t, withCallbackFields(map[string]interface{}{"status": "WAITING", "confirmations": 0}))
	result, err := reconciler.HandleCallback(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIgnored, result.Outcome)

	stored, err := repo.FindTransactionByInternalID(context.Background(), "gw-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccessful, stored.Status)
	require.NotNil(t, stored.Confirmations)
	assert.Equal(t, int64(1), *stored.Confirmations)
	require.NotNil(t, stored.TxHash)
	assert.Equal(t, "0xhash", *stored.TxHash)
	assert.Equal(t, []string{domain.EventStatusChanged, domain.EventTransitionConflict}, publisher.types())
}

func TestHandleCallback_UnknownAccountIsRetainedAndReplayed(t *testing.T) {
	reconciler, repo, publisher := newReconcilerFixture(t)
	body := callbackBody(t, withCallbackFields(map[string]interface{}{"user_id": 404, "status": "SUCCESSFUL"}))

	_, err := reconciler.HandleCallback(context.Background(), body)
	require.ErrorIs(t, err, store.ErrAccountNotFound)
	assert.Zero(t, repo.TransactionCount())
	assert.Equal(t, []string{domain.EventUnmatchedCallback}, publisher.types())

	later := time.Now().Add(24 * time.Hour)
	open, err := repo.ListUnmatchedCallbacks(context.Background(), later, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "gw-1", open[0].InternalID)
	assert.JSONEq(t, string(body), string(open[0].Payload))

	resolved, err := reconciler.ReplayUnmatched(context.Background())
	require.NoError(t, err)
	assert.Zero(t, resolved)
	open, err = repo.ListUnmatchedCallbacks(context.Background(), later, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 1, open[0].Attempts)
	assert.True(t, open[0].NextAttemptAt.After(time.Now()), "failed replay is pushed back")

	repo.PutAccount(domain.Account{ID: 404, Username: "late"})
	resolved, err = reconciler.ReplayUnmatched(context.Background())
	require.NoError(t, err)
	assert.Zero(t, resolved, "row is not due yet")

	reconciler.now = func() time.Time { return time.Now().Add(time.Hour) }
	resolved, err = reconciler.ReplayUnmatched(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	stored, err := repo.FindTransactionByInternalID(context.Background(), "gw-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccessful, stored.Status)
	open, err = repo.ListUnmatchedCallbacks(context.Background(), later, 10)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestReplayUnmatched_UnresolvableRowsDoNotStarveNewerOnes(t *testing.T) {
	reconciler, repo, _ := newReconcilerFixture(t)
	ctx := context.Background()

	for i := 0; i <= unmatchedReplayBatch; i++ {
		body := callbackBody(t, withCallbackFields(map[string]interface{}{
			"internal_id": fmt.Sprintf("gw-orphan-%d", i),
			"user_id":     1000 + i,
		}))
		_, err := reconciler.HandleCallback(ctx, body)
		require.ErrorIs(t, err, store.ErrAccountNotFound)
	}
	_, err := reconciler.HandleCallback(ctx, callbackBody(t, withCallbackFields(map[string]interface{}{
		"internal_id": "gw-late",
		"user_id":     900,
	})))
	require.ErrorIs(t, err, store.ErrAccountNotFound)
	repo.PutAccount(domain.Account{ID: 900, Username: "late"})

	start := time.Now()
	reconciler.now = func() time.Time { return start }
	resolved, err := reconciler.ReplayUnmatched(ctx)
	require.NoError(t, err)
	assert.Zero(t, resolved, "first batch holds only the oldest orphans")

	reconciler.now = func() time.Time { return start.Add(2 * unmatchedInitialDelay) }
	resolved, err = reconciler.ReplayUnmatched(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	stored, err := repo.FindTransactionByInternalID(ctx, "gw-late")
	require.NoError(t, err)
	require.NotNil(t, stored.AccountID)
	assert.Equal(t, int64(900), *stored.AccountID)
}

func TestReplayUnmatched_AbandonsAfterMaxAttempts(t *testing.T) {
	reconciler, repo, publisher := newReconcilerFixture(t)
	ctx := context.Background()
	_, err := reconciler.HandleCallback(ctx, callbackBody(t, withCallbackFields(map[string]interface{}{"user_id": 404})))
	require.ErrorIs(t, err, store.ErrAccountNotFound)

	clock := time.Now()
	reconciler.now = func() time.Time { return clock }
	farFuture := clock.Add(365 * 24 * time.Hour)

	for attempt := 1; attempt < unmatchedMaxAttempts; attempt++ {
		clock = clock.Add(unmatchedMaxDelay + time.Minute)
		_, err := reconciler.ReplayUnmatched(ctx)
		require.NoError(t, err)
	}
	open, err := repo.ListUnmatchedCallbacks(ctx, farFuture, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, unmatchedMaxAttempts-1, open[0].Attempts)

	clock = clock.Add(unmatchedMaxDelay + time.Minute)
	_, err = reconciler.ReplayUnmatched(ctx)
	require.NoError(t, err)
	open, err = repo.ListUnmatchedCallbacks(ctx, farFuture, 10)
	require.NoError(t, err)
	assert.Empty(t, open)

	// A later delivery of the same callback is retained again.
	_, err = reconciler.HandleCallback(ctx, callbackBody(t, withCallbackFields(map[string]interface{}{"user_id": 404})))
	require.ErrorIs(t, err, store.ErrAccountNotFound)
	open, err = repo.ListUnmatchedCallbacks(ctx, farFuture, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Zero(t, open[0].Attempts)
	assert.Equal(t, domain.EventUnmatchedCallback, publisher.types()[len(publisher.types())-1])
}

func TestReplayUnmatched_UndecodablePayloadIsAbandoned(t *testing.T) {
	reconciler, repo, _ := newReconcilerFixture(t)
	ctx := context.Background()
	require.NoError(t, repo.SaveUnmatchedCallback(ctx, domain.UnmatchedCallback{
		InternalID: "gw-broken",
		AccountID:  404,
		Payload:    []byte(`{"internal_id":`),
		Reason:     "account not found",
	}))

	resolved, err := reconciler.ReplayUnmatched(ctx)
	require.NoError(t, err)
	assert.Zero(t, resolved)

	open, err := repo.ListUnmatchedCallbacks(ctx, time.Now().Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestUnmatchedRetryDelay(t *testing.T) {
	assert.Equal(t, time.Minute, unmatchedRetryDelay(1))
	assert.Equal(t, 2*time.Minute, unmatchedRetryDelay(2))
	assert.Equal(t, 4*time.Minute, unmatchedRetryDelay(3))
	assert.Equal(t, unmatchedMaxDelay, unmatchedRetryDelay(unmatchedMaxAttempts))
}

func TestHandleCallback_ForeignAccountIsAConflict(t *testing.T) {
	reconciler, repo, publisher := newReconcilerFixture(t)
	ctx := context.Background()
	repo.PutAccount(domain.Account{ID: 8, Username: "mallory"})

	_, err := reconciler.HandleCallback(ctx, callbackBody(t, withCallbackFields(nil)))
	require.NoError(t, err)

	foreign := callbackBody(t, withCallbackFields(map[string]interface{}{
		"user_id":       8,
		"status":        "FAILED",
		"tx_hash":       "0xother",
		"confirmations": 0,
	}))
	result, err := reconciler.HandleCallback(ctx, foreign)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIgnored, result.Outcome)
	assert.Equal(t, domain.ConflictAccountMismatch, result.Conflict)

	stored, err := repo.FindTransactionByInternalID(ctx, "gw-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaiting, stored.Status)
	require.NotNil(t, stored.AccountID)
	assert.Equal(t, int64(7), *stored.AccountID)
	require.NotNil(t, stored.TxHash)
	assert.Equal(t, "0xhash", *stored.TxHash)

	types := publisher.types()
	require.NotEmpty(t, types)
	assert.Equal(t, domain.EventTransitionConflict, types[len(types)-1])
	last := publisher.events[len(publisher.events)-1]
	assert.Contains(t, last.Reason, "user_id 8")
}

func TestHandleCallback_ConcurrentFirstDeliveries(t *testing.T) {
	reconciler, repo, _ := newReconcilerFixture(t)
	bodies := [][]byte{
		callbackBody(t, withCallbackFields(map[string]interface{}{"internal_id": "gw-race", "confirmations": 1})),
		callbackBody(t, withCallbackFields(map[string]interface{}{"internal_id": "gw-race", "confirmations": 2})),
	}

	var wg sync.WaitGroup
	errs := make([]error, len(bodies))
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = reconciler.HandleCallback(context.Background(), bodies[i])
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, repo.TransactionCount())
	stored, err := repo.FindTransactionByInternalID(context.Background(), "gw-race")
	require.NoError(t, err)
	assert.Contains(t, []int64{1, 2}, *stored.Confirmations)
}

type failingLookupRepo struct {
	*store.MemoryRepository
}

func (r *failingLookupRepo) FindAccountByID(ctx context.Context, accountID int64) (*domain.Account, error) {
	return nil, errors.New("connection refused")
}

func TestReplayConsumer_HandleMessage(t *testing.T) {
	reconciler, repo, _ := newReconcilerFixture(t)
	consumer := NewReplayConsumer(reconciler)

	assert.True(t, consumer.HandleMessage(callbackBody(t, withCallbackFields(nil))), "valid payload is acked")
	assert.True(t, consumer.HandleMessage([]byte(`not json`)), "malformed payload is dropped")
	assert.True(t, consumer.HandleMessage(callbackBody(t, withCallbackFields(map[string]interface{}{"internal_id": "gw-2", "user_id": 404}))), "unknown account is retained")

	open, err := repo.ListUnmatchedCallbacks(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	failing := NewReplayConsumer(NewReconciler(&failingLookupRepo{MemoryRepository: repo}, nil))
	assert.False(t, failing.HandleMessage(callbackBody(t, withCallbackFields(nil))), "transient failure is re-queued")
}

func TestSweepStaleTransfers(t *testing.T) {
	reconciler, repo, publisher := newReconcilerFixture(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return created })

	_, err := reconciler.HandleCallback(context.Background(), callbackBody(t, withCallbackFields(map[string]interface{}{"internal_id": "gw-old"})))
	require.NoError(t, err)
	_, err = reconciler.HandleCallback(context.Background(), callbackBody(t, withCallbackFields(map[string]interface{}{"internal_id": "gw-done", "status": "FAILED"})))
	require.NoError(t, err)

	jobs := NewJobs(repo, reconciler, publisher, 30*time.Minute)
	jobs.now = func() time.Time { return created.Add(time.Hour) }
	jobs.SweepStaleTransfers()

	var stale []domain.TransactionEvent
	for _, event := range publisher.events {
		if event.EventType == domain.EventStaleTransfer {
			stale = append(stale, event)
		}
	}
	require.Len(t, stale, 1)
	assert.Equal(t, "gw-old", stale[0].InternalID)
}

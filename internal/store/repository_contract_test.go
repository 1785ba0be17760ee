package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/godzika/sferocoinapi/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// repositoryHarness builds a fresh repository and seeds accounts into it.
type repositoryHarness struct {
	newRepo     func(t *testing.T) Repository
	seedAccount func(t *testing.T, repo Repository, id int64, wallet *string)
}

func runRepositoryContract(t *testing.T, h repositoryHarness) {
	t.Run("callback replay is idempotent", func(t *testing.T) {
		repo := h.newRepo(t)
		h.seedAccount(t, repo, 7, nil)
		ctx := context.Background()

		payload := testCallback("gw-replay", domain.StatusSuccessful)
		first, err := repo.ApplyCallback(ctx, payload)
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeCreated, first.Outcome)

		second, err := repo.ApplyCallback(ctx, payload)
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeUpdated, second.Outcome)

		assertSameLedgerState(t, first.Transaction, second.Transaction)
		assert.False(t, second.Transaction.UpdatedAt.Before(second.Transaction.CreatedAt))
	})

	t.Run("concurrent first deliveries produce one row", func(t *testing.T) {
		repo := h.newRepo(t)
		h.seedAccount(t, repo, 7, nil)
		ctx := context.Background()

		one, two := int64(1), int64(2)
		payloads := []*domain.CallbackPayload{
			testCallback("gw-race", domain.StatusWaiting),
			testCallback("gw-race", domain.StatusWaiting),
		}
		payloads[0].Confirmations = &one
		payloads[1].Confirmations = &two

		results := make([]*domain.ReconcileResult, len(payloads))
		errs := make([]error, len(payloads))
		var wg sync.WaitGroup
		for i := range payloads {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = repo.ApplyCallback(ctx, payloads[i])
			}(i)
		}
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		assert.Equal(t, results[0].Transaction.ID, results[1].Transaction.ID)
		outcomes := []domain.ReconcileOutcome{results[0].Outcome, results[1].Outcome}
		assert.ElementsMatch(t, []domain.ReconcileOutcome{domain.OutcomeCreated, domain.OutcomeUpdated}, outcomes)

		stored, err := repo.FindTransactionByInternalID(ctx, "gw-race")
		require.NoError(t, err)
		require.NotNil(t, stored.Confirmations)
		assert.Contains(t, []int64{1, 2}, *stored.Confirmations)
	})

	t.Run("terminal status is absorbing", func(t *testing.T) {
		repo := h.newRepo(t)
		h.seedAccount(t, repo, 7, nil)
		ctx := context.Background()

		_, err := repo.ApplyCallback(ctx, testCallback("gw-terminal", domain.StatusSuccessful))
		require.NoError(t, err)

		for _, stale := range []domain.TransactionStatus{domain.StatusWaiting, domain.StatusFailed} {
			payload := testCallback("gw-terminal", stale)
			payload.TxHash = "0xstale"
			result, err := repo.ApplyCallback(ctx, payload)
			require.NoError(t, err)
			assert.Equal(t, domain.OutcomeIgnored, result.Outcome)
			assert.Equal(t, domain.StatusSuccessful, result.PreviousStatus)
			assert.Equal(t, domain.ConflictTerminalStatus, result.Conflict)
		}

		stored, err := repo.FindTransactionByInternalID(ctx, "gw-terminal")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusSuccessful, stored.Status)
		require.NotNil(t, stored.TxHash)
		assert.Equal(t, "0xhash", *stored.TxHash)
	})

	t.Run("callback from another account is ignored", func(t *testing.T) {
		repo := h.newRepo(t)
		h.seedAccount(t, repo, 7, nil)
		h.seedAccount(t, repo, 8, nil)
		ctx := context.Background()

		_, err := repo.ApplyCallback(ctx, testCallback("gw-owned", domain.StatusWaiting))
		require.NoError(t, err)

		foreign := testCallback("gw-owned", domain.StatusFailed)
		foreign.AccountID = 8
		foreign.TxHash = "0xforeign"
		result, err := repo.ApplyCallback(ctx, foreign)
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeIgnored, result.Outcome)
		assert.Equal(t, domain.ConflictAccountMismatch, result.Conflict)

		stored, err := repo.FindTransactionByInternalID(ctx, "gw-owned")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusWaiting, stored.Status)
		require.NotNil(t, stored.AccountID)
		assert.Equal(t, int64(7), *stored.AccountID)
		require.NotNil(t, stored.TxHash)
		assert.Equal(t, "0xhash", *stored.TxHash)
	})

	t.Run("pending row becomes a pure update", func(t *testing.T) {
		repo := h.newRepo(t)
		h.seedAccount(t, repo, 7, nil)
		ctx := context.Background()

		accountID := int64(7)
		reference := "ref-1"
		pending, err := repo.CreatePendingTransaction(ctx, &domain.Transaction{
			InternalID:      "gw-pending",
			OperationType:   "TRANSFER",
			Asset:           "SFC",
			Amount:          decimal.RequireFromString("12.5"),
			FromAddress:     testFrom,
			ToAddress:       testTo,
			AccountID:       &accountID,
			ClientReference: &reference,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusWaiting, pending.Status)
		assert.Nil(t, pending.TxHash)

		result, err := repo.ApplyCallback(ctx, testCallback("gw-pending", domain.StatusSuccessful))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeUpdated, result.Outcome)
		assert.Equal(t, domain.StatusWaiting, result.PreviousStatus)
		assert.Equal(t, pending.ID, result.Transaction.ID)
		assert.Equal(t, domain.StatusSuccessful, result.Transaction.Status)
		require.NotNil(t, result.Transaction.ClientReference)
		assert.Equal(t, "ref-1", *result.Transaction.ClientReference)
		assert.True(t, result.Transaction.Amount.Equal(decimal.RequireFromString("12.5")))
	})

	t.Run("pending insert after callback keeps the callback row", func(t *testing.T) {
		repo := h.newRepo(t)
		h.seedAccount(t, repo, 7, nil)
		ctx := context.Background()

		_, err := repo.ApplyCallback(ctx, testCallback("gw-early", domain.StatusSuccessful))
		require.NoError(t, err)

		accountID := int64(7)
		existing, err := repo.CreatePendingTransaction(ctx, &domain.Transaction{
			InternalID: "gw-early", OperationType: "TRANSFER", Asset: "SFC",
			Amount: decimal.RequireFromString("12.5"), FromAddress: testFrom, ToAddress: testTo, AccountID: &accountID,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusSuccessful, existing.Status)
	})

	t.Run("callback for unknown account", func(t *testing.T) {
		repo := h.newRepo(t)
		payload := testCallback("gw-orphan", domain.StatusSuccessful)
		payload.AccountID = 404

		_, err := repo.ApplyCallback(context.Background(), payload)
		assert.ErrorIs(t, err, ErrAccountNotFound)
		_, err = repo.FindTransactionByInternalID(context.Background(), "gw-orphan")
		assert.ErrorIs(t, err, ErrTransactionNotFound)
	})

	t.Run("wallet address is set once", func(t *testing.T) {
		repo := h.newRepo(t)
		h.seedAccount(t, repo, 7, nil)
		ctx := context.Background()

		require.NoError(t, repo.SetAccountWalletAddress(ctx, 7, testFrom))
		assert.ErrorIs(t, repo.SetAccountWalletAddress(ctx, 7, testTo), ErrWalletAlreadySet)
		assert.ErrorIs(t, repo.SetAccountWalletAddress(ctx, 99, testTo), ErrAccountNotFound)

		account, err := repo.FindAccountByID(ctx, 7)
		require.NoError(t, err)
		require.True(t, account.HasWallet())
		assert.Equal(t, testFrom, *account.WalletAddress)
	})

	t.Run("unmatched callbacks keep one open row per id", func(t *testing.T) {
		repo := h.newRepo(t)
		ctx := context.Background()
		soon := time.Now().Add(time.Minute)

		cb := domain.UnmatchedCallback{InternalID: "gw-lost", AccountID: 404, Payload: []byte(`{"a":1}`), Reason: "account not found"}
		require.NoError(t, repo.SaveUnmatchedCallback(ctx, cb))
		cb.Payload = []byte(`{"a":2}`)
		require.NoError(t, repo.SaveUnmatchedCallback(ctx, cb))

		open, err := repo.ListUnmatchedCallbacks(ctx, soon, 10)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.JSONEq(t, `{"a":2}`, string(open[0].Payload))

		require.NoError(t, repo.MarkUnmatchedCallbackResolved(ctx, open[0].ID))
		open, err = repo.ListUnmatchedCallbacks(ctx, soon, 10)
		require.NoError(t, err)
		assert.Empty(t, open)
	})

	t.Run("unmatched callbacks are listed by due time", func(t *testing.T) {
		repo := h.newRepo(t)
		ctx := context.Background()
		soon := time.Now().Add(time.Minute)

		require.NoError(t, repo.SaveUnmatchedCallback(ctx, domain.UnmatchedCallback{InternalID: "gw-first", AccountID: 404, Payload: []byte(`{}`), Reason: "account not found"}))
		open, err := repo.ListUnmatchedCallbacks(ctx, soon, 10)
		require.NoError(t, err)
		require.Len(t, open, 1)
		first := open[0]

		retryAt := time.Now().Add(time.Hour)
		require.NoError(t, repo.RecordUnmatchedCallbackAttempt(ctx, first.ID, retryAt, false))
		require.NoError(t, repo.SaveUnmatchedCallback(ctx, domain.UnmatchedCallback{InternalID: "gw-second", AccountID: 405, Payload: []byte(`{}`), Reason: "account not found"}))

		open, err = repo.ListUnmatchedCallbacks(ctx, soon, 10)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "gw-second", open[0].InternalID)

		open, err = repo.ListUnmatchedCallbacks(ctx, retryAt.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, open, 2)
		assert.Equal(t, "gw-second", open[0].InternalID)
		assert.Equal(t, "gw-first", open[1].InternalID)
		assert.Equal(t, 1, open[1].Attempts)
	})

	t.Run("abandoned unmatched callbacks leave the queue", func(t *testing.T) {
		repo := h.newRepo(t)
		ctx := context.Background()
		later := time.Now().Add(24 * time.Hour)

		cb := domain.UnmatchedCallback{InternalID: "gw-dead", AccountID: 404, Payload: []byte(`{}`), Reason: "account not found"}
		require.NoError(t, repo.SaveUnmatchedCallback(ctx, cb))
		open, err := repo.ListUnmatchedCallbacks(ctx, later, 10)
		require.NoError(t, err)
		require.Len(t, open, 1)
		deadID := open[0].ID

		require.NoError(t, repo.RecordUnmatchedCallbackAttempt(ctx, deadID, time.Now(), true))
		open, err = repo.ListUnmatchedCallbacks(ctx, later, 10)
		require.NoError(t, err)
		assert.Empty(t, open)

		// A fresh delivery for the same id opens a new row.
		require.NoError(t, repo.SaveUnmatchedCallback(ctx, cb))
		open, err = repo.ListUnmatchedCallbacks(ctx, later, 10)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.NotEqual(t, deadID, open[0].ID)
		assert.Zero(t, open[0].Attempts)
	})

	t.Run("stale waiting transactions", func(t *testing.T) {
		repo := h.newRepo(t)
		h.seedAccount(t, repo, 7, nil)
		ctx := context.Background()

		_, err := repo.ApplyCallback(ctx, testCallback("gw-waiting", domain.StatusWaiting))
		require.NoError(t, err)
		_, err = repo.ApplyCallback(ctx, testCallback("gw-done", domain.StatusFailed))
		require.NoError(t, err)

		stale, err := repo.ListStaleWaitingTransactions(ctx, time.Now().Add(time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "gw-waiting", stale[0].InternalID)

		stale, err = repo.ListStaleWaitingTransactions(ctx, time.Now().Add(-time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, stale)
	})
}

const (
	testFrom = "0x1111111111111111111111111111111111111111"
	testTo   = "0x2222222222222222222222222222222222222222"
)

func testCallback(internalID string, status domain.TransactionStatus) *domain.CallbackPayload {
	confirmations := int64(3)
	link := "https://explorer.example.com/tx/0xhash"
	return &domain.CallbackPayload{
		InternalID:    internalID,
		Status:        status,
		TxHash:        "0xhash",
		OperationType: "TRANSFER",
		Asset:         "SFC",
		Amount:        decimal.RequireFromString("12.5"),
		FromAddress:   testFrom,
		ToAddress:     testTo,
		AccountID:     7,
		TxLink:        &link,
		Confirmations: &confirmations,
	}
}

func assertSameLedgerState(t *testing.T, want, got *domain.Transaction) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.InternalID, got.InternalID)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.TxHash, got.TxHash)
	assert.Equal(t, want.TxLink, got.TxLink)
	assert.Equal(t, want.Confirmations, got.Confirmations)
	assert.Equal(t, want.BlockNumber, got.BlockNumber)
	assert.Equal(t, want.ErrorMessage, got.ErrorMessage)
	assert.Equal(t, want.AccountID, got.AccountID)
	assert.True(t, want.Amount.Equal(got.Amount))
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
}

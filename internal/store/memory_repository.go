package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godzika/sferocoinapi/internal/domain"
)

// MemoryRepository is an in-memory Repository. A single mutex stands in for the database's
// unique index and row locks, so it gives the same upsert guarantees as PostgresRepository.
type MemoryRepository struct {
	mu sync.Mutex

	now func() time.Time

	accounts     map[int64]*domain.Account
	transactions map[string]*domain.Transaction
	unmatched    map[int64]*domain.UnmatchedCallback
	nextTxID     int64
	nextCBID     int64
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:          time.Now,
		accounts:     map[int64]*domain.Account{},
		transactions: map[string]*domain.Transaction{},
		unmatched:    map[int64]*domain.UnmatchedCallback{},
	}
}

// SetClock overrides the time source.
func (m *MemoryRepository) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// PutAccount inserts or replaces an account.
func (m *MemoryRepository) PutAccount(account domain.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = m.now()
	}
	if account.WalletAddress != nil {
		address := *account.WalletAddress
		account.WalletAddress = &address
	}
	m.accounts[account.ID] = &account
}

// TransactionCount returns the number of stored transactions.
func (m *MemoryRepository) TransactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transactions)
}

func (m *MemoryRepository) FindAccountByID(ctx context.Context, accountID int64) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copied := *account
	if account.WalletAddress != nil {
		address := *account.WalletAddress
		copied.WalletAddress = &address
	}
	return &copied, nil
}

func (m *MemoryRepository) SetAccountWalletAddress(ctx context.Context, accountID int64, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if account.WalletAddress != nil && strings.TrimSpace(*account.WalletAddress) != "" {
		return ErrWalletAlreadySet
	}
	account.WalletAddress = &address
	return nil
}

func (m *MemoryRepository) CreatePendingTransaction(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.transactions[tx.InternalID]; ok {
		return cloneTransaction(existing), nil
	}
	if tx.AccountID != nil {
		if _, ok := m.accounts[*tx.AccountID]; !ok {
			return nil, ErrAccountNotFound
		}
	}

	now := m.now()
	m.nextTxID++
	row := cloneTransaction(tx)
	row.ID = m.nextTxID
	row.Status = domain.StatusWaiting
	row.CreatedAt = now
	row.UpdatedAt = now
	m.transactions[row.InternalID] = row
	return cloneTransaction(row), nil
}

func (m *MemoryRepository) ApplyCallback(ctx context.Context, payload *domain.CallbackPayload) (*domain.ReconcileResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[payload.AccountID]; !ok {
		return nil, ErrAccountNotFound
	}

	now := m.now()
	current, ok := m.transactions[payload.InternalID]
	if !ok {
		m.nextTxID++
		accountID := payload.AccountID
		row := &domain.Transaction{
			ID:            m.nextTxID,
			InternalID:    payload.InternalID,
			OperationType: payload.OperationType,
			Asset:         payload.Asset,
			Amount:        payload.Amount,
			FromAddress:   payload.FromAddress,
			ToAddress:     payload.ToAddress,
			AccountID:     &accountID,
			CreatedAt:     now,
		}
		applyMutableFields(row, payload, now)
		m.transactions[row.InternalID] = row
		return &domain.ReconcileResult{Outcome: domain.OutcomeCreated, Transaction: cloneTransaction(row)}, nil
	}

	previous := current.Status
	if conflict := domain.CallbackConflict(current, payload); conflict != "" {
		return &domain.ReconcileResult{
			Outcome:        domain.OutcomeIgnored,
			PreviousStatus: previous,
			Transaction:    cloneTransaction(current),
			Conflict:       conflict,
		}, nil
	}

	if current.AccountID == nil {
		accountID := payload.AccountID
		current.AccountID = &accountID
	}
	applyMutableFields(current, payload, now)
	return &domain.ReconcileResult{
		Outcome:        domain.OutcomeUpdated,
		PreviousStatus: previous,
		Transaction:    cloneTransaction(current),
	}, nil
}

func (m *MemoryRepository) FindTransactionByInternalID(ctx context.Context, internalID string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[internalID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return cloneTransaction(tx), nil
}

func (m *MemoryRepository) ListStaleWaitingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []domain.Transaction
	for _, tx := range m.transactions {
		if tx.Status == domain.StatusWaiting && tx.CreatedAt.Before(olderThan) {
			stale = append(stale, *cloneTransaction(tx))
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (m *MemoryRepository) SaveUnmatchedCallback(ctx context.Context, callback domain.UnmatchedCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, existing := range m.unmatched {
		if existing.InternalID == callback.InternalID && existing.IsOpen() {
			existing.AccountID = callback.AccountID
			existing.Payload = append([]byte(nil), callback.Payload...)
			existing.Reason = callback.Reason
			existing.ReceivedAt = now
			existing.NextAttemptAt = now
			return nil
		}
	}
	m.nextCBID++
	stored := callback
	stored.ID = m.nextCBID
	stored.Payload = append([]byte(nil), callback.Payload...)
	stored.Attempts = 0
	stored.ReceivedAt = now
	stored.NextAttemptAt = now
	stored.ResolvedAt = nil
	stored.AbandonedAt = nil
	m.unmatched[stored.ID] = &stored
	return nil
}

func (m *MemoryRepository) ListUnmatchedCallbacks(ctx context.Context, dueBy time.Time, limit int) ([]domain.UnmatchedCallback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var open []domain.UnmatchedCallback
	for _, cb := range m.unmatched {
		if cb.IsOpen() && !cb.NextAttemptAt.After(dueBy) {
			open = append(open, *cb)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		if !open[i].NextAttemptAt.Equal(open[j].NextAttemptAt) {
			return open[i].NextAttemptAt.Before(open[j].NextAttemptAt)
		}
		return open[i].ID < open[j].ID
	})
	if limit > 0 && len(open) > limit {
		open = open[:limit]
	}
	return open, nil
}

func (m *MemoryRepository) RecordUnmatchedCallbackAttempt(ctx context.Context, id int64, nextAttemptAt time.Time, abandon bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.unmatched[id]
	if !ok || !cb.IsOpen() {
		return nil
	}
	cb.Attempts++
	cb.NextAttemptAt = nextAttemptAt
	if abandon {
		now := m.now()
		cb.AbandonedAt = &now
	}
	return nil
}

func (m *MemoryRepository) MarkUnmatchedCallbackResolved(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.unmatched[id]; ok && cb.IsOpen() {
		now := m.now()
		cb.ResolvedAt = &now
		cb.Attempts++
	}
	return nil
}

func applyMutableFields(row *domain.Transaction, payload *domain.CallbackPayload, now time.Time) {
	txHash := payload.TxHash
	row.Status = payload.Status
	row.TxHash = &txHash
	row.TxLink = cloneString(payload.TxLink)
	row.Confirmations = cloneInt(payload.Confirmations)
	row.BlockNumber = cloneInt(payload.BlockNumber)
	row.ErrorMessage = cloneString(payload.ErrorMessage)
	if now.Before(row.CreatedAt) {
		now = row.CreatedAt
	}
	row.UpdatedAt = now
}

func cloneTransaction(tx *domain.Transaction) *domain.Transaction {
	copied := *tx
	copied.TxHash = cloneString(tx.TxHash)
	copied.TxLink = cloneString(tx.TxLink)
	copied.ErrorMessage = cloneString(tx.ErrorMessage)
	copied.ClientReference = cloneString(tx.ClientReference)
	copied.BlockNumber = cloneInt(tx.BlockNumber)
	copied.Confirmations = cloneInt(tx.Confirmations)
	copied.AccountID = cloneInt(tx.AccountID)
	return &copied
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneInt(n *int64) *int64 {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}

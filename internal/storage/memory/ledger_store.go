package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"credit-ledger-indexer/internal/domain"
	"credit-ledger-indexer/internal/idhash"
	"credit-ledger-indexer/internal/storage"
)

// LedgerStore is an in-memory implementation of storage.LedgerStore.
// Transactions are fully serialized: Begin waits until the previous
// transaction ends, and writes become visible only on Commit.
type LedgerStore struct {
	// txLock is a one-slot semaphore held by the open transaction.
	txLock chan struct{}

	mu      sync.RWMutex
	entries map[domain.EntryKey]*domain.LedgerEntry
	applied map[string]appliedEvent // keyed by event id
	nextID  int64
}

type appliedEvent struct {
	projectID   string
	blockNumber uint64
}

var _ storage.LedgerStore = (*LedgerStore)(nil)

// NewLedgerStore creates a new in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		txLock:  make(chan struct{}, 1),
		entries: make(map[domain.EntryKey]*domain.LedgerEntry),
		applied: make(map[string]appliedEvent),
	}
}

// Begin opens a transaction, waiting for any open one to finish.
func (s *LedgerStore) Begin(ctx context.Context) (storage.LedgerTx, error) {
	select {
	case s.txLock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &ledgerTx{
		store:   s,
		writes:  make(map[domain.EntryKey]*domain.LedgerEntry),
		applied: make(map[string]appliedEvent),
	}, nil
}

// GetByOwner retrieves committed entries of a wallet ordered by (project_id, token_id).
func (s *LedgerStore) GetByOwner(_ context.Context, ownerWallet string) ([]*domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.LedgerEntry
	for _, e := range s.entries {
		if e.OwnerWallet == ownerWallet {
			entryCopy := *e
			result = append(result, &entryCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].ProjectID != result[j].ProjectID {
			return result[i].ProjectID < result[j].ProjectID
		}
		return lessTokenID(result[i].TokenID, result[j].TokenID)
	})

	return result, nil
}

// GetByToken retrieves committed entries of a token ordered by owner_wallet.
func (s *LedgerStore) GetByToken(_ context.Context, projectID, tokenID string) ([]*domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.LedgerEntry
	for _, e := range s.entries {
		if e.ProjectID == projectID && e.TokenID == tokenID {
			entryCopy := *e
			result = append(result, &entryCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].OwnerWallet < result[j].OwnerWallet
	})

	return result, nil
}

// LastAppliedBlock returns the highest block of an applied event of a project.
func (s *LedgerStore) LastAppliedBlock(_ context.Context, projectID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		max   uint64
		found bool
	)
	for _, a := range s.applied {
		if a.projectID == projectID && (!found || a.blockNumber > max) {
			max = a.blockNumber
			found = true
		}
	}
	if !found {
		return 0, storage.ErrNotFound
	}
	return max, nil
}

// lessTokenID orders decimal token ids numerically.
func lessTokenID(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// ledgerTx stages writes until Commit. A nil value in writes marks a delete.
type ledgerTx struct {
	store   *LedgerStore
	writes  map[domain.EntryKey]*domain.LedgerEntry
	applied map[string]appliedEvent
	done    bool
}

func (tx *ledgerTx) lookup(key domain.EntryKey) (*domain.LedgerEntry, bool) {
	if e, staged := tx.writes[key]; staged {
		return e, e != nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	e, ok := tx.store.entries[key]
	return e, ok
}

// FindForUpdate retrieves an entry by key.
func (tx *ledgerTx) FindForUpdate(_ context.Context, key domain.EntryKey) (*domain.LedgerEntry, error) {
	if tx.done {
		return nil, storage.ErrTxClosed
	}
	e, ok := tx.lookup(key)
	if !ok {
		return nil, storage.ErrNotFound
	}
	entryCopy := *e
	return &entryCopy, nil
}

// Create stages a new entry.
func (tx *ledgerTx) Create(_ context.Context, e *domain.LedgerEntry) error {
	if tx.done {
		return storage.ErrTxClosed
	}
	if e == nil || e.TokenID == "" || e.OwnerWallet == "" || e.ProjectID == "" || !e.Quantity.IsPositive() {
		return storage.ErrInvalidInput
	}
	if _, exists := tx.lookup(e.Key()); exists {
		return storage.ErrDuplicateKey
	}

	tx.store.mu.Lock()
	tx.store.nextID++
	e.ID = tx.store.nextID
	tx.store.mu.Unlock()

	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	entryCopy := *e
	tx.writes[e.Key()] = &entryCopy
	return nil
}

// Save stages a quantity update of an existing entry.
func (tx *ledgerTx) Save(_ context.Context, e *domain.LedgerEntry) error {
	if tx.done {
		return storage.ErrTxClosed
	}
	if e == nil || !e.Quantity.IsPositive() {
		return storage.ErrInvalidInput
	}
	current, exists := tx.lookup(e.Key())
	if !exists {
		return storage.ErrNotFound
	}

	updated := *current
	updated.Quantity = e.Quantity
	updated.UpdatedAt = time.Now().UTC()
	e.UpdatedAt = updated.UpdatedAt
	tx.writes[e.Key()] = &updated
	return nil
}

// Delete stages removal of an entry.
func (tx *ledgerTx) Delete(_ context.Context, e *domain.LedgerEntry) error {
	if tx.done {
		return storage.ErrTxClosed
	}
	if e == nil {
		return storage.ErrInvalidInput
	}
	if _, exists := tx.lookup(e.Key()); !exists {
		return storage.ErrNotFound
	}
	tx.writes[e.Key()] = nil
	return nil
}

// MarkApplied stages the applied-event record.
func (tx *ledgerTx) MarkApplied(_ context.Context, projectID string, ref domain.EventRef) error {
	if tx.done {
		return storage.ErrTxClosed
	}
	id := idhash.ComputeEventID(ref)
	if _, staged := tx.applied[id]; staged {
		return storage.ErrDuplicateKey
	}

	tx.store.mu.RLock()
	_, exists := tx.store.applied[id]
	tx.store.mu.RUnlock()
	if exists {
		return storage.ErrDuplicateKey
	}

	tx.applied[id] = appliedEvent{projectID: projectID, blockNumber: ref.BlockNumber}
	return nil
}

// Commit publishes staged writes and releases the transaction.
func (tx *ledgerTx) Commit(_ context.Context) error {
	if tx.done {
		return storage.ErrTxClosed
	}

	tx.store.mu.Lock()
	for key, e := range tx.writes {
		if e == nil {
			delete(tx.store.entries, key)
			continue
		}
		tx.store.entries[key] = e
	}
	for id, a := range tx.applied {
		tx.store.applied[id] = a
	}
	tx.store.mu.Unlock()

	tx.release()
	return nil
}

// Rollback discards staged writes. No-op once the transaction has ended.
func (tx *ledgerTx) Rollback(_ context.Context) error {
	if tx.done {
		return nil
	}
	tx.release()
	return nil
}

func (tx *ledgerTx) release() {
	tx.done = true
	tx.writes = nil
	tx.applied = nil
	<-tx.store.txLock
}

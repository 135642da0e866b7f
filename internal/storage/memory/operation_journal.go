package memory

import (
	"context"
	"sort"
	"sync"

	"credit-ledger-indexer/internal/domain"
	"credit-ledger-indexer/internal/storage"
)

// OperationJournal is an in-memory implementation of storage.OperationJournal.
type OperationJournal struct {
	mu   sync.RWMutex
	data map[string]*domain.LedgerOperation // keyed by operation id
}

var _ storage.OperationJournal = (*OperationJournal)(nil)

// NewOperationJournal creates a new in-memory operation journal.
func NewOperationJournal() *OperationJournal {
	return &OperationJournal{
		data: make(map[string]*domain.LedgerOperation),
	}
}

// Record stores an operation; recording the same ID again replaces it.
func (j *OperationJournal) Record(_ context.Context, op *domain.LedgerOperation) error {
	if op == nil || op.ID == "" {
		return storage.ErrInvalidInput
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	opCopy := *op
	j.data[op.ID] = &opCopy
	return nil
}

// GetByProject retrieves operations ordered by (block_number, log_index).
func (j *OperationJournal) GetByProject(_ context.Context, projectID string) ([]*domain.LedgerOperation, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var result []*domain.LedgerOperation
	for _, op := range j.data {
		if op.ProjectID == projectID {
			opCopy := *op
			result = append(result, &opCopy)
		}
	}

	sort.Slice(result, func(a, b int) bool {
		if result[a].BlockNumber != result[b].BlockNumber {
			return result[a].BlockNumber < result[b].BlockNumber
		}
		return result[a].LogIndex < result[b].LogIndex
	})

	return result, nil
}

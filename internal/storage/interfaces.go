package storage

import (
	"context"

	"credit-ledger-indexer/internal/domain"
)

// ProjectStore provides access to the projects registry feed.
type ProjectStore interface {
	// Insert adds a new project. Returns ErrDuplicateKey if the id or
	// contract address already exists. An empty ID is assigned a new UUID.
	Insert(ctx context.Context, p *domain.Project) error

	// GetByID retrieves a project by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.Project, error)

	// List retrieves all projects, ordered by created_at ASC.
	List(ctx context.Context) ([]*domain.Project, error)
}

// LedgerStore provides transactional access to ledger_entries.
type LedgerStore interface {
	// Begin opens a transaction scope. The caller must end it with Commit
	// or Rollback; Rollback after Commit is a no-op.
	Begin(ctx context.Context) (LedgerTx, error)

	// GetByOwner retrieves all entries owned by a wallet, ordered by (project_id, token_id).
	GetByOwner(ctx context.Context, ownerWallet string) ([]*domain.LedgerEntry, error)

	// GetByToken retrieves all entries of a token within a project, ordered by owner_wallet.
	GetByToken(ctx context.Context, projectID, tokenID string) ([]*domain.LedgerEntry, error)

	// LastAppliedBlock returns the highest block with an applied event for a project.
	// Returns ErrNotFound if no event has been applied yet.
	LastAppliedBlock(ctx context.Context, projectID string) (uint64, error)
}

// LedgerTx is one atomic unit of work over ledger_entries and applied_events.
type LedgerTx interface {
	// FindForUpdate retrieves an entry by key and locks it until the
	// transaction ends. Returns ErrNotFound if not exists.
	FindForUpdate(ctx context.Context, key domain.EntryKey) (*domain.LedgerEntry, error)

	// Create inserts a new entry and fills its ID and timestamps.
	// Returns ErrDuplicateKey if the key exists, ErrInvalidInput if quantity <= 0.
	Create(ctx context.Context, e *domain.LedgerEntry) error

	// Save updates the quantity of an existing entry.
	// Returns ErrNotFound if it does not exist, ErrInvalidInput if quantity <= 0.
	Save(ctx context.Context, e *domain.LedgerEntry) error

	// Delete removes an entry. Returns ErrNotFound if it does not exist.
	Delete(ctx context.Context, e *domain.LedgerEntry) error

	// MarkApplied records that an event was applied.
	// Returns ErrDuplicateKey if the event was applied before.
	MarkApplied(ctx context.Context, projectID string, ref domain.EventRef) error

	// Commit makes all changes durable.
	Commit(ctx context.Context) error

	// Rollback discards all changes and releases the transaction.
	// Safe to call after Commit.
	Rollback(ctx context.Context) error
}

// OperationJournal records committed ledger operations for analytics.
type OperationJournal interface {
	// Record appends an operation. Re-recording the same operation ID is
	// idempotent for readers.
	Record(ctx context.Context, op *domain.LedgerOperation) error

	// GetByProject retrieves operations of a project ordered by (block_number, log_index).
	GetByProject(ctx context.Context, projectID string) ([]*domain.LedgerOperation, error)
}

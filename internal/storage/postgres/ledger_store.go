package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"credit-ledger-indexer/internal/domain"
	"credit-ledger-indexer/internal/idhash"
	"credit-ledger-indexer/internal/storage"
)

// LedgerStore implements storage.LedgerStore using PostgreSQL.
//
// Numeric and uuid parameters are sent as text and cast in SQL so that
// decimals and ids never pass through lossy Go types.
type LedgerStore struct {
	pool *Pool
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(pool *Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Compile-time interface checks.
var (
	_ storage.LedgerStore = (*LedgerStore)(nil)
	_ storage.LedgerTx    = (*ledgerTx)(nil)
)

const entryColumns = `id, token_id::text, owner_wallet, project_id::text, quantity::text, created_at, updated_at`

const entryKeyPredicate = `token_id = $1::text::numeric AND owner_wallet = $2 AND project_id = $3::text::uuid`

// Begin opens a READ COMMITTED transaction. Row locks taken by
// FindForUpdate serialize concurrent writers of the same entry.
func (s *LedgerStore) Begin(ctx context.Context) (storage.LedgerTx, error) {
	start := time.Now()
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	err = mapError("begin", err)
	observe("begin", start, err)
	if err != nil {
		return nil, err
	}
	return &ledgerTx{tx: tx}, nil
}

// GetByOwner retrieves all entries owned by a wallet, ordered by (project_id, token_id).
func (s *LedgerStore) GetByOwner(ctx context.Context, ownerWallet string) (entries []*domain.LedgerEntry, err error) {
	start := time.Now()
	defer func() { observe("get_entries_by_owner", start, err) }()

	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE owner_wallet = $1
		ORDER BY project_id ASC, token_id ASC
	`

	rows, err := s.pool.Query(ctx, query, ownerWallet)
	if err != nil {
		return nil, mapError("get entries by owner", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// GetByToken retrieves all entries of a token within a project, ordered by owner_wallet.
func (s *LedgerStore) GetByToken(ctx context.Context, projectID, tokenID string) (entries []*domain.LedgerEntry, err error) {
	start := time.Now()
	defer func() { observe("get_entries_by_token", start, err) }()

	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE project_id = $1::text::uuid AND token_id = $2::text::numeric
		ORDER BY owner_wallet ASC
	`

	rows, err := s.pool.Query(ctx, query, projectID, tokenID)
	if err != nil {
		return nil, mapError("get entries by token", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// LastAppliedBlock returns the highest block with an applied event for a project.
func (s *LedgerStore) LastAppliedBlock(ctx context.Context, projectID string) (block uint64, err error) {
	start := time.Now()
	defer func() { observe("last_applied_block", start, err) }()

	query := `SELECT MAX(block_number) FROM applied_events WHERE project_id = $1::text::uuid`

	var last *int64
	if err := s.pool.QueryRow(ctx, query, projectID).Scan(&last); err != nil {
		return 0, mapError("last applied block", err)
	}
	if last == nil {
		return 0, storage.ErrNotFound
	}
	return uint64(*last), nil
}

// ledgerTx implements storage.LedgerTx over a pgx transaction.
type ledgerTx struct {
	tx   pgx.Tx
	done bool
}

// FindForUpdate retrieves an entry and locks its row until the transaction ends.
func (t *ledgerTx) FindForUpdate(ctx context.Context, key domain.EntryKey) (e *domain.LedgerEntry, err error) {
	if t.done {
		return nil, storage.ErrTxClosed
	}
	start := time.Now()
	defer func() { observe("find_entry_for_update", start, err) }()

	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE ` + entryKeyPredicate + ` FOR UPDATE`

	e, err = scanEntry(t.tx.QueryRow(ctx, query, key.TokenID, key.OwnerWallet, key.ProjectID))
	if err != nil {
		return nil, mapError("find entry for update", err)
	}
	return e, nil
}

// Create inserts a new entry. A row committed concurrently under the same
// key yields ErrDuplicateKey without aborting the transaction.
func (t *ledgerTx) Create(ctx context.Context, e *domain.LedgerEntry) (err error) {
	if t.done {
		return storage.ErrTxClosed
	}
	if e == nil || e.TokenID == "" || e.OwnerWallet == "" || e.ProjectID == "" || !e.Quantity.IsPositive() {
		return storage.ErrInvalidInput
	}
	start := time.Now()
	defer func() { observe("create_entry", start, err) }()

	query := `
		INSERT INTO ledger_entries (token_id, owner_wallet, project_id, quantity)
		VALUES ($1::text::numeric, $2, $3::text::uuid, $4::text::numeric)
		ON CONFLICT (token_id, owner_wallet, project_id) DO NOTHING
		RETURNING id, created_at, updated_at
	`

	err = t.tx.QueryRow(ctx, query, e.TokenID, e.OwnerWallet, e.ProjectID, e.Quantity.String()).
		Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if isNotFoundError(err) {
		return storage.ErrDuplicateKey
	}
	return mapError("create entry", err)
}

// Save updates the quantity of an existing entry.
func (t *ledgerTx) Save(ctx context.Context, e *domain.LedgerEntry) (err error) {
	if t.done {
		return storage.ErrTxClosed
	}
	if e == nil || !e.Quantity.IsPositive() {
		return storage.ErrInvalidInput
	}
	start := time.Now()
	defer func() { observe("save_entry", start, err) }()

	query := `
		UPDATE ledger_entries
		SET quantity = $4::text::numeric, updated_at = now()
		WHERE ` + entryKeyPredicate + `
		RETURNING updated_at
	`

	err = t.tx.QueryRow(ctx, query, e.TokenID, e.OwnerWallet, e.ProjectID, e.Quantity.String()).
		Scan(&e.UpdatedAt)
	return mapError("save entry", err)
}

// Delete removes an entry.
func (t *ledgerTx) Delete(ctx context.Context, e *domain.LedgerEntry) (err error) {
	if t.done {
		return storage.ErrTxClosed
	}
	if e == nil {
		return storage.ErrInvalidInput
	}
	start := time.Now()
	defer func() { observe("delete_entry", start, err) }()

	tag, err := t.tx.Exec(ctx, `DELETE FROM ledger_entries WHERE `+entryKeyPredicate,
		e.TokenID, e.OwnerWallet, e.ProjectID)
	if err != nil {
		return mapError("delete entry", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkApplied records the event in applied_events.
func (t *ledgerTx) MarkApplied(ctx context.Context, projectID string, ref domain.EventRef) (err error) {
	if t.done {
		return storage.ErrTxClosed
	}
	start := time.Now()
	defer func() { observe("mark_applied", start, err) }()

	query := `
		INSERT INTO applied_events (event_id, project_id, block_number, tx_hash, log_index)
		VALUES ($1, $2::text::uuid, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
	`

	tag, err := t.tx.Exec(ctx, query,
		idhash.ComputeEventID(ref),
		projectID,
		int64(ref.BlockNumber),
		ref.TxHash.Hex(),
		int32(ref.LogIndex),
	)
	if err != nil {
		return mapError("mark applied", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrDuplicateKey
	}
	return nil
}

// Commit commits the transaction. A serialization failure maps to ErrConflict.
func (t *ledgerTx) Commit(ctx context.Context) (err error) {
	if t.done {
		return storage.ErrTxClosed
	}
	start := time.Now()
	defer func() { observe("commit", start, err) }()

	t.done = true
	return mapError("commit", t.tx.Commit(ctx))
}

// Rollback aborts the transaction. No-op once it has ended.
func (t *ledgerTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return mapError("rollback", err)
	}
	return nil
}

// scanEntry scans a single row into a LedgerEntry.
func scanEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var (
		e   domain.LedgerEntry
		qty string
	)
	if err := row.Scan(&e.ID, &e.TokenID, &e.OwnerWallet, &e.ProjectID, &qty, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return nil, err
	}
	e.Quantity = q
	return &e, nil
}

// scanEntries scans multiple rows into LedgerEntry slice.
func scanEntries(rows pgx.Rows) ([]*domain.LedgerEntry, error) {
	var entries []*domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, mapError("scan entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate entries", err)
	}
	return entries, nil
}

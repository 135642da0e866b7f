package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"credit-ledger-indexer/internal/domain"
	"credit-ledger-indexer/internal/storage"
)

const testProjectID = "7b8f3c1e-0000-4000-8000-000000000001"

func testEntry(tokenID, owner string, qty string) *domain.LedgerEntry {
	return &domain.LedgerEntry{
		TokenID:     tokenID,
		OwnerWallet: owner,
		ProjectID:   testProjectID,
		Quantity:    decimal.RequireFromString(qty),
	}
}

func testRef(block uint64, logIndex uint) domain.EventRef {
	return domain.EventRef{
		Contract:    common.HexToAddress("0xC0FFEE"),
		BlockNumber: block,
		TxHash:      common.HexToHash("0xabc"),
		LogIndex:    logIndex,
	}
}

func commitEntries(t *testing.T, store *LedgerStore, entries ...*domain.LedgerEntry) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	for _, e := range entries {
		if err := tx.Create(ctx, e); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func TestLedgerStore_CreateAndCommit(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()

	e := testEntry("1", "0xaaa", "100.00")
	commitEntries(t, store, e)

	if e.ID == 0 {
		t.Error("expected ID to be assigned")
	}
	if e.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	got, err := store.GetByToken(ctx, testProjectID, "1")
	if err != nil {
		t.Fatalf("GetByToken failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if !got[0].Quantity.Equal(decimal.RequireFromString("100")) {
		t.Errorf("Quantity mismatch: got %s, want 100", got[0].Quantity)
	}
}

func TestLedgerStore_WritesInvisibleUntilCommit(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.Create(ctx, testEntry("1", "0xaaa", "5")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, _ := store.GetByOwner(ctx, "0xaaa")
	if len(got) != 0 {
		t.Errorf("uncommitted entry visible: %v", got)
	}

	// Visible inside the transaction
	if _, err := tx.FindForUpdate(ctx, domain.EntryKey{TokenID: "1", OwnerWallet: "0xaaa", ProjectID: testProjectID}); err != nil {
		t.Errorf("FindForUpdate inside tx failed: %v", err)
	}

	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	got, _ = store.GetByOwner(ctx, "0xaaa")
	if len(got) != 0 {
		t.Errorf("rolled back entry visible: %v", got)
	}
}

func TestLedgerStore_SaveAndDelete(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()
	commitEntries(t, store, testEntry("1", "0xaaa", "10"))
	key := domain.EntryKey{TokenID: "1", OwnerWallet: "0xaaa", ProjectID: testProjectID}

	tx, _ := store.Begin(ctx)
	e, err := tx.FindForUpdate(ctx, key)
	if err != nil {
		t.Fatalf("FindForUpdate failed: %v", err)
	}
	e.Quantity = decimal.RequireFromString("4.5")
	if err := tx.Save(ctx, e); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	got, _ := store.GetByOwner(ctx, "0xaaa")
	if len(got) != 1 || !got[0].Quantity.Equal(decimal.RequireFromString("4.5")) {
		t.Fatalf("unexpected entries after save: %v", got)
	}

	tx, _ = store.Begin(ctx)
	if err := tx.Delete(ctx, got[0]); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := tx.FindForUpdate(ctx, key); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after staged delete, got %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	got, _ = store.GetByOwner(ctx, "0xaaa")
	if len(got) != 0 {
		t.Errorf("expected no entries after delete, got %d", len(got))
	}
}

func TestLedgerStore_Validation(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()
	commitEntries(t, store, testEntry("1", "0xaaa", "10"))

	tx, _ := store.Begin(ctx)
	defer tx.Rollback(ctx)

	if err := tx.Create(ctx, testEntry("1", "0xaaa", "1")); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}
	if err := tx.Create(ctx, testEntry("2", "0xaaa", "0")); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for zero quantity, got %v", err)
	}
	if err := tx.Save(ctx, testEntry("1", "0xaaa", "-1")); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for negative quantity, got %v", err)
	}
	if err := tx.Save(ctx, testEntry("9", "0xaaa", "1")); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := tx.Delete(ctx, testEntry("9", "0xaaa", "1")); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLedgerStore_MarkApplied(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()

	if _, err := store.LastAppliedBlock(ctx, testProjectID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	tx, _ := store.Begin(ctx)
	if err := tx.MarkApplied(ctx, testProjectID, testRef(10, 0)); err != nil {
		t.Fatalf("MarkApplied failed: %v", err)
	}
	if err := tx.MarkApplied(ctx, testProjectID, testRef(10, 0)); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey for staged duplicate, got %v", err)
	}
	if err := tx.MarkApplied(ctx, testProjectID, testRef(12, 1)); err != nil {
		t.Fatalf("MarkApplied failed: %v", err)
	}
	tx.Commit(ctx)

	tx, _ = store.Begin(ctx)
	if err := tx.MarkApplied(ctx, testProjectID, testRef(10, 0)); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey for committed duplicate, got %v", err)
	}
	tx.Rollback(ctx)

	last, err := store.LastAppliedBlock(ctx, testProjectID)
	if err != nil {
		t.Fatalf("LastAppliedBlock failed: %v", err)
	}
	if last != 12 {
		t.Errorf("LastAppliedBlock: got %d, want 12", last)
	}
}

func TestLedgerStore_TxClosed(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()

	tx, _ := store.Begin(ctx)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if err := tx.Commit(ctx); !errors.Is(err, storage.ErrTxClosed) {
		t.Errorf("expected ErrTxClosed, got %v", err)
	}
	if err := tx.Create(ctx, testEntry("1", "0xaaa", "1")); !errors.Is(err, storage.ErrTxClosed) {
		t.Errorf("expected ErrTxClosed, got %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Errorf("Rollback after commit should be a no-op, got %v", err)
	}
}

func TestLedgerStore_BeginSerializes(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()

	tx, _ := store.Begin(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := store.Begin(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected second Begin to wait, got %v", err)
	}

	tx.Rollback(ctx)

	tx2, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin after rollback failed: %v", err)
	}
	tx2.Rollback(ctx)
}

func TestLedgerStore_Ordering(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()
	commitEntries(t, store,
		testEntry("10", "0xaaa", "1"),
		testEntry("9", "0xaaa", "1"),
		testEntry("2", "0xccc", "1"),
		testEntry("2", "0xbbb", "1"),
	)

	byOwner, _ := store.GetByOwner(ctx, "0xaaa")
	if len(byOwner) != 2 || byOwner[0].TokenID != "9" || byOwner[1].TokenID != "10" {
		t.Errorf("GetByOwner not ordered numerically by token: %v", byOwner)
	}

	byToken, _ := store.GetByToken(ctx, testProjectID, "2")
	if len(byToken) != 2 || byToken[0].OwnerWallet != "0xbbb" || byToken[1].OwnerWallet != "0xccc" {
		t.Errorf("GetByToken not ordered by owner: %v", byToken)
	}
}

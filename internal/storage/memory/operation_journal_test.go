package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"credit-ledger-indexer/internal/domain"
	"credit-ledger-indexer/internal/storage"
)

func TestOperationJournal_RecordAndGet(t *testing.T) {
	j := NewOperationJournal()
	ctx := context.Background()

	ops := []*domain.LedgerOperation{
		{ID: "c", ProjectID: testProjectID, Kind: domain.OperationBurn, BlockNumber: 11, LogIndex: 0, Amount: decimal.NewFromInt(1)},
		{ID: "a", ProjectID: testProjectID, Kind: domain.OperationMint, BlockNumber: 10, LogIndex: 3, Amount: decimal.NewFromInt(5)},
		{ID: "b", ProjectID: testProjectID, Kind: domain.OperationTransfer, BlockNumber: 10, LogIndex: 7, Amount: decimal.NewFromInt(2)},
		{ID: "x", ProjectID: "other", Kind: domain.OperationMint, BlockNumber: 1},
	}
	for _, op := range ops {
		if err := j.Record(ctx, op); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	got, err := j.GetByProject(ctx, testProjectID)
	if err != nil {
		t.Fatalf("GetByProject failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 operations, got %d", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].ID != want {
			t.Errorf("position %d: got %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestOperationJournal_Idempotent(t *testing.T) {
	j := NewOperationJournal()
	ctx := context.Background()

	op := &domain.LedgerOperation{ID: "a", ProjectID: testProjectID, Kind: domain.OperationMint}
	j.Record(ctx, op)
	j.Record(ctx, op)

	got, _ := j.GetByProject(ctx, testProjectID)
	if len(got) != 1 {
		t.Errorf("expected 1 operation after re-record, got %d", len(got))
	}
}

func TestOperationJournal_InvalidInput(t *testing.T) {
	j := NewOperationJournal()
	if err := j.Record(context.Background(), &domain.LedgerOperation{}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

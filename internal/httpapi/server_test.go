package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-ledger-indexer/internal/domain"
	"credit-ledger-indexer/internal/registry"
	"credit-ledger-indexer/internal/storage/memory"
)

const wallet = "0x00000000000000000000000000000000000000aa"

type staticWatches []registry.WatchStatus

func (s staticWatches) Snapshot() []registry.WatchStatus { return s }

type failingReader struct{}

func (failingReader) GetByOwner(context.Context, string) ([]*domain.LedgerEntry, error) {
	return nil, errors.New("connection reset")
}

func seededStore(t *testing.T) *memory.LedgerStore {
	t.Helper()
	ctx := context.Background()
	store := memory.NewLedgerStore()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	for _, e := range []*domain.LedgerEntry{
		{TokenID: "1", OwnerWallet: wallet, ProjectID: "p1", Quantity: decimal.RequireFromString("70")},
		{TokenID: "2", OwnerWallet: wallet, ProjectID: "p1", Quantity: decimal.RequireFromString("0.5")},
		{TokenID: "1", OwnerWallet: "0x00000000000000000000000000000000000000bb", ProjectID: "p1", Quantity: decimal.NewFromInt(30)},
	} {
		require.NoError(t, tx.Create(ctx, e))
	}
	require.NoError(t, tx.Commit(ctx))
	return store
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	h := NewServer(Options{Balances: memory.NewLedgerStore()}).Handler()

	rec := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "credit_ledger_reconciler_events_received_total")
}

func TestStatus(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	since := now.Add(-time.Minute)

	srv := NewServer(Options{
		Transport: "websocket",
		Watches: staticWatches{
			{ProjectID: "p1", Name: "Mangroves", Contract: "0x00000000000000000000000000000000000c0ffe", Since: since},
		},
		Now: func() time.Time { return clock },
	})
	clock = now.Add(90 * time.Second)

	rec := get(t, srv.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "running", resp.Status)
	assert.Equal(t, "1m30s", resp.Uptime)
	assert.Equal(t, "websocket", resp.Transport)
	require.Len(t, resp.Watches, 1)
	assert.Equal(t, "p1", resp.Watches[0].ProjectID)
	assert.True(t, since.Equal(resp.Watches[0].Since))
}

func TestStatus_NoWatches(t *testing.T) {
	rec := get(t, NewServer(Options{}).Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"watches":[]`)
}

func TestWalletCredits(t *testing.T) {
	h := NewServer(Options{Balances: seededStore(t)}).Handler()

	// Mixed-case input resolves to the lowercase storage key.
	rec := get(t, h, "/wallets/"+strings.ToUpper(wallet)+"/credits")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp WalletCreditsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, wallet, resp.Wallet)
	require.Len(t, resp.Credits, 2)
	assert.Equal(t, "1", resp.Credits[0].TokenID)
	assert.Equal(t, "70.00", resp.Credits[0].Quantity)
	assert.Equal(t, "2", resp.Credits[1].TokenID)
	assert.Equal(t, "0.50", resp.Credits[1].Quantity)
}

func TestWalletCredits_Errors(t *testing.T) {
	h := NewServer(Options{Balances: seededStore(t)}).Handler()

	rec := get(t, h, "/wallets/not-an-address/credits")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, h, "/wallets/0x00000000000000000000000000000000000000cc/credits")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, NewServer(Options{Balances: failingReader{}}).Handler(), "/wallets/"+wallet+"/credits")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")

	req := httptest.NewRequest(http.MethodPost, "/wallets/"+wallet+"/credits", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func seededJournal(t *testing.T) (*memory.ProjectStore, *memory.OperationJournal, *domain.Project) {
	t.Helper()
	ctx := context.Background()
	projects := memory.NewProjectStore()
	project := &domain.Project{
		Name:            "Mangroves",
		CreditType:      domain.CreditTypeCarbon,
		ContractAddress: common.HexToAddress("0x00000000000000000000000000000000000c0ffe"),
	}
	require.NoError(t, projects.Insert(ctx, project))

	journal := memory.NewOperationJournal()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, op := range []*domain.LedgerOperation{
		{ID: "op-2", ProjectID: project.ID, Kind: domain.OperationTransfer, TokenID: "1", From: wallet,
			To: "0x00000000000000000000000000000000000000bb", Amount: decimal.NewFromInt(30), BlockNumber: 11, LogIndex: 0, AppliedAt: at},
		{ID: "op-1", ProjectID: project.ID, Kind: domain.OperationMint, TokenID: "1", From: "0x0000000000000000000000000000000000000000",
			To: wallet, Amount: decimal.RequireFromString("100.5"), BlockNumber: 10, LogIndex: 3, AppliedAt: at},
		{ID: "other", ProjectID: "someone-else", Kind: domain.OperationMint, TokenID: "1", To: wallet,
			Amount: decimal.NewFromInt(1), BlockNumber: 1, AppliedAt: at},
	} {
		require.NoError(t, journal.Record(ctx, op))
	}
	return projects, journal, project
}

func TestProjectOperations(t *testing.T) {
	projects, journal, project := seededJournal(t)
	h := NewServer(Options{Projects: projects, Operations: journal}).Handler()

	rec := get(t, h, "/projects/"+project.ID+"/operations")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ProjectOperationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, project.ID, resp.ProjectID)
	assert.Equal(t, project.Contract(), resp.Contract)
	require.Len(t, resp.Operations, 2)
	assert.Equal(t, "op-1", resp.Operations[0].ID)
	assert.Equal(t, domain.OperationMint.String(), resp.Operations[0].Operation)
	assert.Equal(t, "100.50", resp.Operations[0].Amount)
	assert.Equal(t, "op-2", resp.Operations[1].ID)
	assert.Equal(t, "30.00", resp.Operations[1].Amount)
}

func TestProjectOperations_Errors(t *testing.T) {
	projects, journal, _ := seededJournal(t)
	h := NewServer(Options{Projects: projects, Operations: journal}).Handler()

	rec := get(t, h, "/projects/7b8f3c1e-0000-4000-8000-0000000000ff/operations")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, h, "/projects/not-a-uuid/operations")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, NewServer(Options{Projects: projects}).Handler(), "/projects/x/operations")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProjectOperations_EmptyJournal(t *testing.T) {
	projects, _, project := seededJournal(t)
	h := NewServer(Options{Projects: projects, Operations: memory.NewOperationJournal()}).Handler()

	rec := get(t, h, "/projects/"+project.ID+"/operations")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"operations":[]`)
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	srv := NewServer(Options{Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

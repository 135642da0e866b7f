// Package httpapi exposes health, metrics, watch status, wallet balances and
// the per-project operation journal over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"credit-ledger-indexer/internal/domain"
	"credit-ledger-indexer/internal/normalize"
	"credit-ledger-indexer/internal/observability"
	"credit-ledger-indexer/internal/registry"
	"credit-ledger-indexer/internal/storage"
)

// WatchLister reports the watched contracts.
type WatchLister interface {
	Snapshot() []registry.WatchStatus
}

// BalanceReader reads ledger entries by owner.
type BalanceReader interface {
	GetByOwner(ctx context.Context, ownerWallet string) ([]*domain.LedgerEntry, error)
}

// ProjectReader looks up a registered project.
type ProjectReader interface {
	GetByID(ctx context.Context, id string) (*domain.Project, error)
}

// OperationReader reads journaled ledger operations.
type OperationReader interface {
	GetByProject(ctx context.Context, projectID string) ([]*domain.LedgerOperation, error)
}

// Options configures Server.
type Options struct {
	Addr     string
	Watches  WatchLister
	Balances BalanceReader
	Projects ProjectReader
	// Operations may be nil when no journal is configured.
	Operations OperationReader
	Transport  string
	Logger     *zap.Logger
	// Now is used for uptime; defaults to time.Now.
	Now func() time.Time
}

// Server is the indexer's HTTP surface.
type Server struct {
	srv        *http.Server
	watches    WatchLister
	balances   BalanceReader
	projects   ProjectReader
	operations OperationReader
	transport  string
	logger     *zap.Logger
	now        func() time.Time
	started    time.Time
}

// NewServer builds the server and its routes.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		watches:    opts.Watches,
		balances:   opts.Balances,
		projects:   opts.Projects,
		operations: opts.Operations,
		transport:  opts.Transport,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	s.started = s.now()
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", observability.Handler())
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /wallets/{address}/credits", s.handleWalletCredits)
	mux.HandleFunc("GET /projects/{id}/operations", s.handleProjectOperations)

	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// StatusResponse is the JSON response for /status.
type StatusResponse struct {
	Status    string                 `json:"status"`
	Uptime    string                 `json:"uptime"`
	Transport string                 `json:"transport"`
	Watches   []registry.WatchStatus `json:"watches"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:    "running",
		Uptime:    s.now().Sub(s.started).Truncate(time.Second).String(),
		Transport: s.transport,
		Watches:   []registry.WatchStatus{},
	}
	if s.watches != nil {
		resp.Watches = append(resp.Watches, s.watches.Snapshot()...)
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreditResponse is one ledger entry in /wallets/{address}/credits.
type CreditResponse struct {
	ProjectID string    `json:"project_id"`
	TokenID   string    `json:"token_id"`
	Quantity  string    `json:"quantity"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WalletCreditsResponse is the JSON response for /wallets/{address}/credits.
type WalletCreditsResponse struct {
	Wallet  string           `json:"wallet"`
	Credits []CreditResponse `json:"credits"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleWalletCredits(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("address")
	addr, ok := domain.ParseAddress(raw)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid wallet address"})
		return
	}
	wallet := domain.WalletKey(addr)

	entries, err := s.balances.GetByOwner(r.Context(), wallet)
	if err != nil {
		s.logger.Error("read wallet credits", zap.String("wallet", wallet), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if len(entries) == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no credits for wallet"})
		return
	}

	resp := WalletCreditsResponse{
		Wallet:  wallet,
		Credits: make([]CreditResponse, 0, len(entries)),
	}
	for _, e := range entries {
		resp.Credits = append(resp.Credits, CreditResponse{
			ProjectID: e.ProjectID,
			TokenID:   e.TokenID,
			Quantity:  e.Quantity.StringFixed(normalize.Scale),
			UpdatedAt: e.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// OperationResponse is one journaled operation in /projects/{id}/operations.
type OperationResponse struct {
	ID          string    `json:"id"`
	Operation   string    `json:"operation"`
	TokenID     string    `json:"token_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Amount      string    `json:"amount"`
	BlockNumber uint64    `json:"block_number"`
	TxHash      string    `json:"tx_hash"`
	LogIndex    uint      `json:"log_index"`
	AppliedAt   time.Time `json:"applied_at"`
}

// ProjectOperationsResponse is the JSON response for /projects/{id}/operations.
type ProjectOperationsResponse struct {
	ProjectID  string              `json:"project_id"`
	Contract   string              `json:"contract"`
	Operations []OperationResponse `json:"operations"`
}

func (s *Server) handleProjectOperations(w http.ResponseWriter, r *http.Request) {
	if s.projects == nil || s.operations == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "operation journal not configured"})
		return
	}

	id := r.PathValue("id")
	project, err := s.projects.GetByID(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown project"})
		return
	}
	if err != nil {
		s.logger.Error("read project", zap.String("project_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	ops, err := s.operations.GetByProject(r.Context(), project.ID)
	if err != nil {
		s.logger.Error("read project operations", zap.String("project_id", project.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	resp := ProjectOperationsResponse{
		ProjectID:  project.ID,
		Contract:   project.Contract(),
		Operations: make([]OperationResponse, 0, len(ops)),
	}
	for _, op := range ops {
		resp.Operations = append(resp.Operations, OperationResponse{
			ID:          op.ID,
			Operation:   op.Kind.String(),
			TokenID:     op.TokenID,
			From:        op.From,
			To:          op.To,
			Amount:      op.Amount.StringFixed(normalize.Scale),
			BlockNumber: op.BlockNumber,
			TxHash:      op.TxHash,
			LogIndex:    op.LogIndex,
			AppliedAt:   op.AppliedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

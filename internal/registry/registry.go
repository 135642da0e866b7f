// Package registry keeps one chain watch per registered project contract.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"credit-ledger-indexer/internal/chain"
	"credit-ledger-indexer/internal/domain"
	"credit-ledger-indexer/internal/normalize"
	"credit-ledger-indexer/internal/observability"
	"credit-ledger-indexer/internal/storage"
)

// DefaultScanInterval is the project feed polling period.
const DefaultScanInterval = 5 * time.Minute

// Watcher starts a TransferSingle watch on a contract. *chain.Connection implements it.
type Watcher interface {
	Watch(ctx context.Context, contract common.Address, schema json.RawMessage, handler chain.TransferHandler) error
}

// Sink accepts normalized events. *ledger.Dispatcher implements it.
type Sink interface {
	Submit(ctx context.Context, project *domain.Project, ev *domain.TransferEvent) error
}

// AppliedBlockReader reports reconciliation progress. storage.LedgerStore implements it.
type AppliedBlockReader interface {
	LastAppliedBlock(ctx context.Context, projectID string) (uint64, error)
}

// SubscriptionError reports a project whose watch could not be started.
type SubscriptionError struct {
	ProjectID string
	Contract  string
	Err       error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe project %s (%s): %v", e.ProjectID, e.Contract, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// Options configures Registry. Zero values select defaults.
type Options struct {
	ScanInterval time.Duration
	// Progress, if set, is consulted when a watch starts to log the
	// project's last applied block.
	Progress AppliedBlockReader
	Logger   *zap.Logger
}

// WatchStatus describes one active watch.
type WatchStatus struct {
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	Contract  string    `json:"contract"`
	Since     time.Time `json:"since"`
}

type watch struct {
	// project is replaced on every scan; the event callback reads the latest.
	project atomic.Pointer[domain.Project]
	since   time.Time
}

// Registry polls the project feed and starts a watch for every contract not
// yet watched. Watches live until the watcher's context ends.
type Registry struct {
	projects storage.ProjectStore
	watcher  Watcher
	sink     Sink
	progress AppliedBlockReader
	interval time.Duration
	logger   *zap.Logger

	// scanMu serializes scans; mu guards watches.
	scanMu  sync.Mutex
	mu      sync.RWMutex
	watches map[common.Address]*watch
}

// NewRegistry creates a registry.
func NewRegistry(projects storage.ProjectStore, watcher Watcher, sink Sink, opts *Options) *Registry {
	if opts == nil {
		opts = &Options{}
	}
	r := &Registry{
		projects: projects,
		watcher:  watcher,
		sink:     sink,
		progress: opts.Progress,
		interval: opts.ScanInterval,
		logger:   opts.Logger,
		watches:  make(map[common.Address]*watch),
	}
	if r.interval <= 0 {
		r.interval = DefaultScanInterval
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// Run scans immediately and then every scan interval until ctx is cancelled.
// Scan failures are logged and retried on the next tick.
func (r *Registry) Run(ctx context.Context) error {
	r.logger.Info("registry started", zap.Duration("scan_interval", r.interval))

	r.scanAndLog(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registry stopping", zap.Int("watches", r.Len()))
			return nil
		case <-ticker.C:
			r.scanAndLog(ctx)
		}
	}
}

func (r *Registry) scanAndLog(ctx context.Context) {
	added, err := r.Scan(ctx)
	if err != nil && ctx.Err() == nil {
		r.logger.Error("project scan incomplete", zap.Int("added", added), zap.Error(err))
		return
	}
	if added > 0 {
		r.logger.Info("project scan complete", zap.Int("added", added), zap.Int("watches", r.Len()))
	}
}

// Scan lists the project feed once and starts watches for new contracts.
// Returns the number of watches started. A project that fails to subscribe
// does not stop the others; its *SubscriptionError is joined into the result
// and it is retried on the next scan.
func (r *Registry) Scan(ctx context.Context) (int, error) {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	projects, err := r.projects.List(ctx)
	if err != nil {
		observability.RecordRegistryScan("error")
		return 0, fmt.Errorf("list projects: %w", err)
	}
	if len(projects) == 0 {
		observability.RecordRegistryScan("empty")
		r.logger.Warn("project feed is empty, nothing to watch")
		return 0, nil
	}

	added := 0
	var errs []error
	for _, p := range projects {
		if r.refresh(p) {
			continue
		}
		if err := r.start(ctx, p); err != nil {
			observability.RecordSubscriptionError()
			r.logger.Error("failed to watch project contract",
				zap.String("project_id", p.ID),
				zap.String("contract", p.Contract()),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		added++
	}

	observability.UpdateActiveSubscriptions(r.Len())
	if len(errs) > 0 {
		observability.RecordRegistryScan("partial")
	} else {
		observability.RecordRegistryScan("ok")
	}
	return added, errors.Join(errs...)
}

// refresh updates the snapshot of an already watched contract.
func (r *Registry) refresh(p *domain.Project) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.watches[p.ContractAddress]
	if ok {
		w.project.Store(p)
	}
	return ok
}

func (r *Registry) start(ctx context.Context, p *domain.Project) error {
	w := &watch{since: time.Now().UTC()}
	w.project.Store(p)

	if err := r.watcher.Watch(ctx, p.ContractAddress, p.ABI, r.handler(w)); err != nil {
		return &SubscriptionError{ProjectID: p.ID, Contract: p.Contract(), Err: err}
	}

	r.mu.Lock()
	r.watches[p.ContractAddress] = w
	r.mu.Unlock()

	fields := []zap.Field{
		zap.String("project_id", p.ID),
		zap.String("contract", p.Contract()),
		zap.String("name", p.Name),
	}
	if r.progress != nil {
		last, err := r.progress.LastAppliedBlock(ctx, p.ID)
		switch {
		case err == nil:
			// Logs between this block and the chain head are not replayed.
			fields = append(fields, zap.Uint64("last_applied_block", last))
		case errors.Is(err, storage.ErrNotFound):
			fields = append(fields, zap.String("last_applied_block", "none"))
		default:
			r.logger.Warn("failed to read last applied block", append(fields, zap.Error(err))...)
		}
	}
	r.logger.Info("watching project contract", fields...)
	return nil
}

func (r *Registry) handler(w *watch) chain.TransferHandler {
	return func(ctx context.Context, raw *domain.RawTransfer) {
		p := w.project.Load()
		ev := normalize.Normalize(p, raw, normalize.Scale)
		if err := r.sink.Submit(ctx, p, ev); err != nil {
			observability.RecordEventDropped(observability.ReasonShutdown)
			r.logger.Warn("event not queued",
				zap.String("project_id", p.ID),
				zap.String("tx_hash", raw.Ref.TxHash.Hex()),
				zap.Uint("log_index", raw.Ref.LogIndex),
				zap.Error(err))
		}
	}
}

// Watching reports whether contract has an active watch.
func (r *Registry) Watching(contract common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.watches[contract]
	return ok
}

// Len returns the number of active watches.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.watches)
}

// Snapshot returns the active watches ordered by contract.
func (r *Registry) Snapshot() []WatchStatus {
	r.mu.RLock()
	out := make([]WatchStatus, 0, len(r.watches))
	for _, w := range r.watches {
		p := w.project.Load()
		out = append(out, WatchStatus{
			ProjectID: p.ID,
			Name:      p.Name,
			Contract:  p.Contract(),
			Since:     w.since,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Contract < out[j].Contract })
	return out
}

// Package ledger applies classified transfer events to the ledger store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"credit-ledger-indexer/internal/domain"
	"credit-ledger-indexer/internal/idhash"
	"credit-ledger-indexer/internal/normalize"
	"credit-ledger-indexer/internal/observability"
	"credit-ledger-indexer/internal/storage"
)

// Drop reasons reported in logs and metrics.
const (
	ReasonInsufficientFunds = observability.ReasonInsufficientFunds
	ReasonInvalidEvent      = observability.ReasonInvalidEvent
	ReasonZeroAmount        = observability.ReasonZeroAmount
	ReasonDuplicate         = observability.ReasonDuplicate
	ReasonPersistence       = observability.ReasonPersistence
	ReasonShutdown          = observability.ReasonShutdown
)

// DefaultMaxAttempts bounds retries of a transaction that lost a store conflict.
const DefaultMaxAttempts = 3

// ReconcilerOptions configures Reconciler. Zero values select defaults.
type ReconcilerOptions struct {
	// Journal receives committed operations. Optional.
	Journal storage.OperationJournal
	// Logger for operation and drop logs.
	Logger *zap.Logger
	// MaxAttempts per event when the store reports storage.ErrConflict.
	MaxAttempts int
	// Now returns the operation timestamp.
	Now func() time.Time
}

// Reconciler classifies transfer events and applies each in one store
// transaction. It keeps no state between events.
type Reconciler struct {
	store       storage.LedgerStore
	journal     storage.OperationJournal
	logger      *zap.Logger
	maxAttempts int
	now         func() time.Time
}

// NewReconciler creates a reconciler over store.
func NewReconciler(store storage.LedgerStore, opts *ReconcilerOptions) *Reconciler {
	if opts == nil {
		opts = &ReconcilerOptions{}
	}
	r := &Reconciler{
		store:       store,
		journal:     opts.Journal,
		logger:      opts.Logger,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = DefaultMaxAttempts
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r
}

// Apply classifies ev and commits its effect atomically. On any error the
// store is left unchanged.
func (r *Reconciler) Apply(ctx context.Context, project *domain.Project, ev *domain.TransferEvent) (*domain.LedgerOperation, error) {
	kind := ev.Kind()
	if kind == domain.OperationInvalid {
		return nil, ErrInvalidEvent
	}
	if !ev.Amount.IsPositive() {
		return nil, ErrZeroAmount
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = r.applyOnce(ctx, project, ev, kind)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrConflict) || attempt >= r.maxAttempts || ctx.Err() != nil {
			return nil, err
		}
		observability.RecordConflictRetry()
		r.logger.Debug("retrying ledger transaction after conflict",
			zap.Int("attempt", attempt), zap.Error(err))
	}

	op := &domain.LedgerOperation{
		ID:          idhash.ComputeEventID(ev.Ref),
		ProjectID:   project.ID,
		Contract:    domain.WalletKey(ev.Ref.Contract),
		Kind:        kind,
		TokenID:     ev.TokenKey(),
		From:        domain.WalletKey(ev.From),
		To:          domain.WalletKey(ev.To),
		Amount:      ev.Amount,
		BlockNumber: ev.Ref.BlockNumber,
		TxHash:      ev.Ref.TxHash.Hex(),
		LogIndex:    ev.Ref.LogIndex,
		AppliedAt:   r.now(),
	}

	// The ledger is committed; a journal failure only loses analytics.
	if r.journal != nil {
		if err := r.journal.Record(ctx, op); err != nil {
			r.logger.Warn("failed to journal ledger operation",
				zap.String("operation_id", op.ID), zap.Error(err))
		}
	}

	return op, nil
}

func (r *Reconciler) applyOnce(ctx context.Context, project *domain.Project, ev *domain.TransferEvent, kind domain.OperationKind) error {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return &PersistenceError{Op: "begin", Err: err}
	}
	// No-op after a successful Commit.
	defer func() {
		if err := tx.Rollback(ctx); err != nil {
			r.logger.Warn("rollback failed", zap.Error(err))
		}
	}()

	if err := tx.MarkApplied(ctx, project.ID, ev.Ref); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return ErrAlreadyApplied
		}
		return &PersistenceError{Op: "mark applied", Err: err}
	}

	switch kind {
	case domain.OperationMint:
		err = r.credit(ctx, tx, project.ID, ev, ev.To)
	case domain.OperationBurn:
		err = r.debit(ctx, tx, project.ID, ev, ev.From)
	case domain.OperationTransfer:
		if err = r.debit(ctx, tx, project.ID, ev, ev.From); err == nil {
			err = r.credit(ctx, tx, project.ID, ev, ev.To)
		}
	default:
		err = fmt.Errorf("unknown operation %s", kind)
	}
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return &PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

// credit adds the event amount to wallet, creating the entry if absent.
func (r *Reconciler) credit(ctx context.Context, tx storage.LedgerTx, projectID string, ev *domain.TransferEvent, wallet common.Address) error {
	key := entryKey(projectID, ev, wallet)

	entry, err := tx.FindForUpdate(ctx, key)
	switch {
	case err == nil:
		entry.Quantity = entry.Quantity.Add(ev.Amount)
		if err := tx.Save(ctx, entry); err != nil {
			return &PersistenceError{Op: "save", Err: err}
		}
		return nil
	case !errors.Is(err, storage.ErrNotFound):
		return &PersistenceError{Op: "find", Err: err}
	}

	entry = &domain.LedgerEntry{
		TokenID:     key.TokenID,
		OwnerWallet: key.OwnerWallet,
		ProjectID:   key.ProjectID,
		Quantity:    ev.Amount,
	}
	err = tx.Create(ctx, entry)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrDuplicateKey) {
		return &PersistenceError{Op: "create", Err: err}
	}

	// A concurrent transaction created the entry first; it is committed and
	// visible now, so lock it and add.
	entry, err = tx.FindForUpdate(ctx, key)
	if err != nil {
		return &PersistenceError{Op: "find", Err: err}
	}
	entry.Quantity = entry.Quantity.Add(ev.Amount)
	if err := tx.Save(ctx, entry); err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}

// debit subtracts the event amount from wallet, deleting an emptied entry.
func (r *Reconciler) debit(ctx context.Context, tx storage.LedgerTx, projectID string, ev *domain.TransferEvent, wallet common.Address) error {
	key := entryKey(projectID, ev, wallet)

	entry, err := tx.FindForUpdate(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return &PersistenceError{Op: "find", Err: err}
	}
	if entry == nil || entry.Quantity.LessThan(ev.Amount) {
		available := decimal.Zero
		if entry != nil {
			available = entry.Quantity
		}
		return &InsufficientFundsError{
			Wallet:    key.OwnerWallet,
			TokenID:   key.TokenID,
			ProjectID: key.ProjectID,
			Available: available,
			Requested: ev.Amount,
		}
	}

	remaining := entry.Quantity.Sub(ev.Amount)
	if remaining.Sign() <= 0 {
		if err := tx.Delete(ctx, entry); err != nil {
			return &PersistenceError{Op: "delete", Err: err}
		}
		return nil
	}

	entry.Quantity = remaining
	if err := tx.Save(ctx, entry); err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}

func entryKey(projectID string, ev *domain.TransferEvent, wallet common.Address) domain.EntryKey {
	return domain.EntryKey{
		TokenID:     ev.TokenKey(),
		OwnerWallet: domain.WalletKey(wallet),
		ProjectID:   projectID,
	}
}

// Handle applies ev and reports the outcome through logs and metrics.
// Failed events are dropped; the returned error is informational.
func (r *Reconciler) Handle(ctx context.Context, project *domain.Project, ev *domain.TransferEvent) error {
	observability.RecordEventReceived()
	start := time.Now()

	op, err := r.Apply(ctx, project, ev)

	fields := []zap.Field{
		zap.String("project_id", project.ID),
		zap.String("contract", domain.WalletKey(ev.Ref.Contract)),
		zap.String("operation", ev.Kind().String()),
		zap.String("token_id", ev.TokenKey()),
		zap.String("from", domain.WalletKey(ev.From)),
		zap.String("to", domain.WalletKey(ev.To)),
		zap.String("amount", ev.Amount.StringFixed(normalize.Scale)),
		zap.String("tx_hash", ev.Ref.TxHash.Hex()),
		zap.Uint("log_index", ev.Ref.LogIndex),
	}

	if err != nil {
		reason := DropReason(err)
		observability.RecordEventDropped(reason)
		fields = append(fields, zap.String("reason", reason), zap.Error(err))
		switch reason {
		case ReasonDuplicate:
			r.logger.Info("event already applied, skipping", fields...)
		case ReasonInvalidEvent, ReasonZeroAmount:
			r.logger.Warn("discarding transfer event", fields...)
		default:
			r.logger.Error("transfer event dropped", fields...)
		}
		return err
	}

	observability.RecordEventApplied(op.Kind.String(), time.Since(start).Seconds(), op.AppliedAt.Unix())
	r.logger.Info("ledger operation applied", fields...)
	return nil
}

// DropReason maps a reconciliation error to its metric label.
func DropReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return ReasonInsufficientFunds
	case errors.Is(err, ErrInvalidEvent):
		return ReasonInvalidEvent
	case errors.Is(err, ErrZeroAmount):
		return ReasonZeroAmount
	case errors.Is(err, ErrAlreadyApplied):
		return ReasonDuplicate
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonShutdown
	default:
		return ReasonPersistence
	}
}

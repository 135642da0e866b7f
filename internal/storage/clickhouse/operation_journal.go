package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"credit-ledger-indexer/internal/domain"
	"credit-ledger-indexer/internal/storage"
)

// OperationJournal implements storage.OperationJournal using ClickHouse.
// Rows land in a ReplacingMergeTree keyed by operation id, and reads use
// FINAL, so recording an operation twice is invisible to readers.
type OperationJournal struct {
	conn *Conn
}

// NewOperationJournal creates a new OperationJournal.
func NewOperationJournal(conn *Conn) *OperationJournal {
	return &OperationJournal{conn: conn}
}

// Compile-time interface check.
var _ storage.OperationJournal = (*OperationJournal)(nil)

// Record appends an operation.
func (j *OperationJournal) Record(ctx context.Context, op *domain.LedgerOperation) (err error) {
	if op == nil || op.ID == "" {
		return storage.ErrInvalidInput
	}
	start := time.Now()
	defer func() { observe("record_operation", start, err) }()

	query := `
		INSERT INTO ledger_operations (
			id, project_id, contract, operation, token_id, from_wallet, to_wallet,
			amount, block_number, tx_hash, log_index, applied_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err = j.conn.Exec(ctx, query,
		op.ID,
		op.ProjectID,
		op.Contract,
		op.Kind.String(),
		op.TokenID,
		op.From,
		op.To,
		op.Amount,
		op.BlockNumber,
		op.TxHash,
		uint32(op.LogIndex),
		op.AppliedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert ledger operation: %w", err)
	}
	return nil
}

// GetByProject retrieves operations of a project ordered by (block_number, log_index).
func (j *OperationJournal) GetByProject(ctx context.Context, projectID string) (ops []*domain.LedgerOperation, err error) {
	start := time.Now()
	defer func() { observe("get_operations_by_project", start, err) }()

	query := `
		SELECT id, project_id, contract, operation, token_id, from_wallet, to_wallet,
			amount, block_number, tx_hash, log_index, applied_at
		FROM ledger_operations FINAL
		WHERE project_id = ?
		ORDER BY block_number ASC, log_index ASC
	`

	rows, err := j.conn.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("query ledger operations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			op        domain.LedgerOperation
			kind      string
			amount    decimal.Decimal
			logIndex  uint32
			appliedAt time.Time
		)
		if err := rows.Scan(
			&op.ID,
			&op.ProjectID,
			&op.Contract,
			&kind,
			&op.TokenID,
			&op.From,
			&op.To,
			&amount,
			&op.BlockNumber,
			&op.TxHash,
			&logIndex,
			&appliedAt,
		); err != nil {
			return nil, fmt.Errorf("scan ledger operation: %w", err)
		}
		op.Kind = domain.OperationKind(kind)
		op.Amount = amount
		op.LogIndex = uint(logIndex)
		op.AppliedAt = appliedAt.UTC()
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger operations: %w", err)
	}
	return ops, nil
}

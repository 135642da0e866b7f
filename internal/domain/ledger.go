package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryKey is the natural key of a ledger entry.
type EntryKey struct {
	TokenID     string // decimal representation of the uint256 token id
	OwnerWallet string // lowercase 0x-hex
	ProjectID   string
}

// LedgerEntry is the materialized balance of one (token, owner, project) triple.
// Corresponds to the ledger_entries table in PostgreSQL.
// Quantity is always strictly positive; a zero balance is a deleted row.
type LedgerEntry struct {
	ID          int64
	TokenID     string
	OwnerWallet string
	ProjectID   string
	Quantity    decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Key returns the natural key of the entry.
func (e *LedgerEntry) Key() EntryKey {
	return EntryKey{TokenID: e.TokenID, OwnerWallet: e.OwnerWallet, ProjectID: e.ProjectID}
}

// LedgerOperation is the journal record of one committed reconciliation.
type LedgerOperation struct {
	ID          string // event id, see idhash.ComputeEventID
	ProjectID   string
	Contract    string
	Kind        OperationKind
	TokenID     string
	From        string
	To          string
	Amount      decimal.Decimal
	BlockNumber uint64
	TxHash      string
	LogIndex    uint
	AppliedAt   time.Time
}

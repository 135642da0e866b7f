package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the sender's balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidEvent is returned when both endpoints are the zero address.
	ErrInvalidEvent = errors.New("invalid event: both endpoints are the zero address")

	// ErrZeroAmount is returned for events moving no credits.
	ErrZeroAmount = errors.New("zero amount")

	// ErrAlreadyApplied is returned when the same log is delivered twice.
	ErrAlreadyApplied = errors.New("event already applied")
)

// InsufficientFundsError describes a rejected debit.
// errors.Is(err, ErrInsufficientFunds) holds for it.
type InsufficientFundsError struct {
	Wallet    string
	TokenID   string
	ProjectID string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: wallet %s token %s project %s has %s, needs %s",
		e.Wallet, e.TokenID, e.ProjectID, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// PersistenceError wraps a store failure during reconciliation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// OperationKind classifies a transfer event by its zero-address endpoints.
type OperationKind string

const (
	OperationInvalid  OperationKind = "INVALID"
	OperationMint     OperationKind = "MINT"
	OperationBurn     OperationKind = "BURN"
	OperationTransfer OperationKind = "TRANSFER"
)

// String returns the string representation of OperationKind.
func (k OperationKind) String() string {
	return string(k)
}

// Classify maps (from, to) to an operation. Checks are ordered:
// both zero is invalid, then mint, then burn, otherwise transfer.
func Classify(from, to common.Address) OperationKind {
	switch {
	case IsZero(from) && IsZero(to):
		return OperationInvalid
	case IsZero(from):
		return OperationMint
	case IsZero(to):
		return OperationBurn
	default:
		return OperationTransfer
	}
}

// EventRef locates a log on chain.
type EventRef struct {
	Contract    common.Address
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// RawTransfer is a decoded TransferSingle log before scaling.
type RawTransfer struct {
	Operator common.Address
	From     common.Address
	To       common.Address
	TokenID  *big.Int
	Value    *big.Int
	Ref      EventRef
}

// TransferEvent is a normalized transfer bound to its owning project.
type TransferEvent struct {
	ProjectID string
	From      common.Address
	To        common.Address
	TokenID   *big.Int
	RawAmount *big.Int
	Amount    decimal.Decimal
	Ref       EventRef
}

// Kind classifies the event.
func (e *TransferEvent) Kind() OperationKind {
	return Classify(e.From, e.To)
}

// TokenKey returns the decimal form of the token id used in storage keys.
func (e *TransferEvent) TokenKey() string {
	if e.TokenID == nil {
		return "0"
	}
	return e.TokenID.String()
}

// Package normalize turns decoded TransferSingle tuples into ledger events.
package normalize

import (
	"math/big"

	"github.com/shopspring/decimal"

	"credit-ledger-indexer/internal/domain"
)

// Scale is the number of decimal places of every credit token:
// a raw value of 10000 is 100.00 credits.
const Scale int32 = 2

// Normalize binds a decoded transfer to its project and scales the raw
// value by 10^-scale. It never fails; validation is left to the reconciler.
func Normalize(project *domain.Project, raw *domain.RawTransfer, scale int32) *domain.TransferEvent {
	value := raw.Value
	if value == nil {
		value = new(big.Int)
	}
	tokenID := raw.TokenID
	if tokenID == nil {
		tokenID = new(big.Int)
	}

	return &domain.TransferEvent{
		ProjectID: project.ID,
		From:      raw.From,
		To:        raw.To,
		TokenID:   new(big.Int).Set(tokenID),
		RawAmount: new(big.Int).Set(value),
		Amount:    decimal.NewFromBigInt(value, -scale),
		Ref:       raw.Ref,
	}
}

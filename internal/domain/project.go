package domain

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// CreditType tags the kind of sustainability credit a project issues.
type CreditType string

const (
	CreditTypeCarbon       CreditType = "CARBON"
	CreditTypeBiodiversity CreditType = "BIODIVERSITY"
	CreditTypeRecycling    CreditType = "RECYCLING"
)

// String returns the string representation of CreditType.
func (c CreditType) String() string {
	return string(c)
}

// IsValid checks if the credit type is a known value.
func (c CreditType) IsValid() bool {
	switch c {
	case CreditTypeCarbon, CreditTypeBiodiversity, CreditTypeRecycling:
		return true
	}
	return false
}

// Project identifies one monitored credit contract.
// Corresponds to the projects table in PostgreSQL.
type Project struct {
	ID              string          // PRIMARY KEY, UUID
	Name            string          // human readable name
	CreditType      CreditType      // CARBON | BIODIVERSITY | RECYCLING
	VerifiedAt      time.Time       // verification date
	MintedQuantity  decimal.Decimal // declared mintable total, informational only
	ContractAddress common.Address  // UNIQUE, ERC-1155 contract
	DocumentsHash   string          // IPFS hash of verification documents
	ABI             json.RawMessage // contract ABI used to decode events
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Contract returns the canonical (lowercase hex) contract address.
func (p *Project) Contract() string {
	return WalletKey(p.ContractAddress)
}

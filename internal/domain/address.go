package domain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ZeroAddress is the mint/burn sentinel: "no real owner".
var ZeroAddress = common.Address{}

// IsZero reports whether addr is the zero-address sentinel.
func IsZero(addr common.Address) bool {
	return addr == ZeroAddress
}

// WalletKey returns the canonical storage form of an address: lowercase 0x-hex.
func WalletKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// ParseAddress parses a 0x-prefixed 20-byte hex address in any letter case.
// Returns false if s is not a valid address.
func ParseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

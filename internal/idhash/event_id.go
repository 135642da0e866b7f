package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"credit-ledger-indexer/internal/domain"
)

// ComputeEventID computes a deterministic event_id using SHA256.
// Formula: SHA256(contract|tx_hash|log_index), addresses and hashes lowercase hex.
// Returns hex-encoded hash (64 characters).
func ComputeEventID(ref domain.EventRef) string {
	data := fmt.Sprintf("%s|%s|%d",
		domain.WalletKey(ref.Contract),
		strings.ToLower(ref.TxHash.Hex()),
		ref.LogIndex,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

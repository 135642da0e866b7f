// Package chain provides the node connection, log subscriptions and the
// TransferSingle decoder.
package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// LogSubscriber delivers contract logs matching a filter.
type LogSubscriber interface {
	// SubscribeLogs subscribes to logs matching the filter. The returned
	// channel is closed when the subscriber is closed.
	SubscribeLogs(ctx context.Context, filter LogFilter) (<-chan types.Log, error)

	// Close releases the underlying connection.
	Close() error
}

// LogFilter selects logs by emitting contract and topics.
type LogFilter struct {
	// Addresses restricts logs to these contracts.
	Addresses []common.Address
	// Topics holds, per position, the accepted topic values. An empty
	// position matches any topic.
	Topics [][]common.Hash
}

// toArg renders the filter as the JSON object accepted by eth_subscribe
// and eth_newFilter.
func (f LogFilter) toArg() map[string]interface{} {
	arg := make(map[string]interface{})
	if len(f.Addresses) > 0 {
		arg["address"] = f.Addresses
	}
	if len(f.Topics) > 0 {
		topics := make([]interface{}, len(f.Topics))
		for i, pos := range f.Topics {
			if len(pos) == 0 {
				topics[i] = nil
				continue
			}
			topics[i] = pos
		}
		arg["topics"] = topics
	}
	return arg
}

// Package stub provides an in-memory chain.LogSubscriber for tests.
package stub

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"credit-ledger-indexer/internal/chain"
)

// ErrClosed is returned by SubscribeLogs after Close.
var ErrClosed = errors.New("stub subscriber closed")

// Subscriber implements chain.LogSubscriber. Logs are pushed with Emit and
// delivered to every subscription whose address filter matches.
type Subscriber struct {
	mu      sync.Mutex
	subs    []*subscription
	closed  bool
	failFor map[common.Address]error
}

type subscription struct {
	filter chain.LogFilter
	ch     chan types.Log
}

var _ chain.LogSubscriber = (*Subscriber)(nil)

// NewSubscriber creates a new stub subscriber.
func NewSubscriber() *Subscriber {
	return &Subscriber{failFor: make(map[common.Address]error)}
}

// FailFor makes SubscribeLogs return err for filters naming addr.
func (s *Subscriber) FailFor(addr common.Address, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failFor, addr)
		return
	}
	s.failFor[addr] = err
}

// SubscribeLogs registers a subscription.
func (s *Subscriber) SubscribeLogs(_ context.Context, filter chain.LogFilter) (<-chan types.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	for _, addr := range filter.Addresses {
		if err, ok := s.failFor[addr]; ok {
			return nil, err
		}
	}

	sub := &subscription{filter: filter, ch: make(chan types.Log, 1024)}
	s.subs = append(s.subs, sub)
	return sub.ch, nil
}

// Emit delivers log to matching subscriptions. Returns the number of matches.
func (s *Subscriber) Emit(log types.Log) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}
	n := 0
	for _, sub := range s.subs {
		if sub.matches(log) {
			sub.ch <- log
			n++
		}
	}
	return n
}

// Filters returns the filters of all subscriptions in creation order.
func (s *Subscriber) Filters() []chain.LogFilter {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]chain.LogFilter, len(s.subs))
	for i, sub := range s.subs {
		out[i] = sub.filter
	}
	return out
}

// Close closes every subscription channel.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for _, sub := range s.subs {
		close(sub.ch)
	}
	return nil
}

func (sub *subscription) matches(log types.Log) bool {
	if len(sub.filter.Addresses) > 0 {
		found := false
		for _, addr := range sub.filter.Addresses {
			if addr == log.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for i, accepted := range sub.filter.Topics {
		if len(accepted) == 0 {
			continue
		}
		if i >= len(log.Topics) {
			return false
		}
		found := false
		for _, topic := range accepted {
			if topic == log.Topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

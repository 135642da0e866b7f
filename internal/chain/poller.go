package chain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"credit-ledger-indexer/internal/observability"
)

// PollerConfig configures filter polling.
type PollerConfig struct {
	// Interval between eth_getFilterChanges calls.
	Interval time.Duration
	// BufferSize is the capacity of each subscription channel.
	BufferSize int
	// Logger receives filter diagnostics.
	Logger *zap.Logger
}

// DefaultPollerConfig returns default polling configuration.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:   2 * time.Second,
		BufferSize: 1000,
	}
}

// FilterPoller implements LogSubscriber over HTTP with eth_newFilter and
// eth_getFilterChanges.
type FilterPoller struct {
	client *HTTPClient
	config PollerConfig
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

var _ LogSubscriber = (*FilterPoller)(nil)

// NewFilterPoller creates a poller using client.
func NewFilterPoller(client *HTTPClient, config *PollerConfig) *FilterPoller {
	cfg := DefaultPollerConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &FilterPoller{
		client: client,
		config: cfg,
		logger: logger.With(zap.String("transport", "http")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SubscribeLogs installs a filter and polls it until the poller is closed.
func (p *FilterPoller) SubscribeLogs(ctx context.Context, filter LogFilter) (<-chan types.Log, error) {
	if p.closed.Load() {
		return nil, ErrClientClosed
	}

	id, err := p.client.NewFilter(ctx, filter)
	if err != nil {
		return nil, err
	}

	ch := make(chan types.Log, p.config.BufferSize)
	p.wg.Add(1)
	go p.poll(filter, id, ch)

	return ch, nil
}

// Close stops all polling loops and uninstalls their filters.
func (p *FilterPoller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.cancel()
	p.wg.Wait()
	return nil
}

func (p *FilterPoller) poll(filter LogFilter, filterID string, ch chan<- types.Log) {
	defer p.wg.Done()
	defer close(ch)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := p.client.UninstallFilter(ctx, filterID); err != nil {
			p.logger.Debug("uninstall filter", zap.String("filter_id", filterID), zap.Error(err))
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}

		logs, err := p.client.GetFilterChanges(p.ctx, filterID)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			if !isFilterNotFound(err) {
				p.logger.Warn("poll filter changes", zap.String("filter_id", filterID), zap.Error(err))
				continue
			}

			newID, err := p.client.NewFilter(p.ctx, filter)
			if err != nil {
				p.logger.Error("reinstall expired filter", zap.String("filter_id", filterID), zap.Error(err))
				continue
			}
			observability.RecordChainReconnect("http")
			p.logger.Error("log filter expired and was reinstalled; logs emitted in between are not replayed",
				zap.String("old_filter_id", filterID), zap.String("filter_id", newID))
			filterID = newID
			continue
		}

		for _, log := range logs {
			select {
			case ch <- log:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// isFilterNotFound reports whether the node forgot the filter (expired or restarted).
func isFilterNotFound(err error) bool {
	var rpcErr *rpcError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return strings.Contains(strings.ToLower(rpcErr.Message), "filter not found")
}

package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"credit-ledger-indexer/internal/domain"
	"credit-ledger-indexer/internal/observability"
)

// TransferHandler receives decoded TransferSingle events in the order the
// node delivered them.
type TransferHandler func(ctx context.Context, raw *domain.RawTransfer)

// Options configures Dial. Zero values select defaults.
type Options struct {
	WS          *WSClientConfig
	Poller      *PollerConfig
	HTTPOptions []ClientOption
	Logger      *zap.Logger
}

// Connection is the single long-lived node connection shared by all watches.
type Connection struct {
	transport string
	sub       LogSubscriber
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// Dial opens the node connection. The endpoint scheme selects the
// transport: ws/wss subscribe with eth_subscribe, http/https poll filters.
// Every failure is a *ConnectionError.
func Dial(ctx context.Context, endpoint string, opts *Options) (*Connection, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, &ConnectionError{Err: ErrEndpointNotConfigured}
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, &ConnectionError{Endpoint: redact(endpoint), Err: err}
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		cfg := DefaultWSConfig()
		if opts.WS != nil {
			cfg = *opts.WS
		}
		if cfg.Logger == nil {
			cfg.Logger = logger
		}
		client, err := NewWSClient(ctx, endpoint, &cfg)
		if err != nil {
			return nil, &ConnectionError{Endpoint: redact(endpoint), Err: err}
		}
		logger.Info("chain connection established", zap.String("transport", "websocket"), zap.String("host", u.Host))
		return NewConnection("websocket", client, logger), nil

	case "http", "https":
		client := NewHTTPClient(endpoint, opts.HTTPOptions...)
		chainID, err := client.ChainID(ctx)
		if err != nil {
			return nil, &ConnectionError{Endpoint: redact(endpoint), Err: fmt.Errorf("eth_chainId: %w", err)}
		}
		cfg := DefaultPollerConfig()
		if opts.Poller != nil {
			cfg = *opts.Poller
		}
		if cfg.Logger == nil {
			cfg.Logger = logger
		}
		logger.Info("chain connection established",
			zap.String("transport", "http"), zap.String("host", u.Host), zap.String("chain_id", chainID.String()))
		return NewConnection("http", NewFilterPoller(client, &cfg), logger), nil

	default:
		return nil, &ConnectionError{
			Endpoint: redact(endpoint),
			Err:      fmt.Errorf("%w %q", ErrUnsupportedScheme, u.Scheme),
		}
	}
}

// NewConnection wraps an existing subscriber.
func NewConnection(transport string, sub LogSubscriber, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{transport: transport, sub: sub, logger: logger}
}

// Transport returns "websocket", "http" or the name given to NewConnection.
func (c *Connection) Transport() string {
	return c.transport
}

// Watch subscribes to TransferSingle logs of contract and feeds each decoded
// event to handler until ctx is cancelled or the connection is closed.
// schema is the contract ABI; empty selects the standard ERC-1155 fragment.
// A log that fails to decode is logged and skipped.
func (c *Connection) Watch(ctx context.Context, contract common.Address, schema json.RawMessage, handler TransferHandler) error {
	if handler == nil {
		return errors.New("nil transfer handler")
	}

	decoder, err := NewTransferSingleDecoder(schema)
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}

	logs, err := c.sub.SubscribeLogs(ctx, LogFilter{
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{decoder.Topic()}},
	})
	if err != nil {
		return fmt.Errorf("subscribe logs: %w", err)
	}

	logger := c.logger.With(zap.String("contract", domain.WalletKey(contract)))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case log, ok := <-logs:
				if !ok {
					logger.Info("log subscription closed")
					return
				}
				c.dispatch(ctx, logger, contract, decoder, log, handler)
			}
		}
	}()

	return nil
}

func (c *Connection) dispatch(ctx context.Context, logger *zap.Logger, contract common.Address,
	decoder *TransferSingleDecoder, log types.Log, handler TransferHandler) {
	fields := []zap.Field{
		zap.String("tx_hash", log.TxHash.Hex()),
		zap.Uint("log_index", log.Index),
		zap.Uint64("block_number", log.BlockNumber),
	}

	if log.Removed {
		observability.RecordLogReceived("removed")
		logger.Warn("skipping removed log", fields...)
		return
	}
	if log.Address != contract {
		observability.RecordLogReceived("foreign")
		logger.Debug("skipping log of another contract", append(fields, zap.String("address", domain.WalletKey(log.Address)))...)
		return
	}

	raw, err := decoder.Decode(log)
	if err != nil {
		observability.RecordLogReceived("undecodable")
		logger.Error("failed to decode TransferSingle log", append(fields, zap.Error(err))...)
		return
	}

	observability.RecordLogReceived("decoded")
	handler(ctx, raw)
}

// Close closes the subscriber and waits for watch goroutines to exit.
func (c *Connection) Close() error {
	err := c.sub.Close()
	c.wg.Wait()
	return err
}

// redact strips credentials, path and query (API keys) from an endpoint.
func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "<invalid endpoint>"
	}
	return u.Scheme + "://" + u.Host
}

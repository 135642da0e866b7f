package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"credit-ledger-indexer/internal/observability"
)

// Default configuration values.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 1 * time.Second
	DefaultMaxDelay    = 10 * time.Second
	DefaultBackoffMult = 2.0

	maxResponseBytes = 32 << 20
)

// HTTPClient is an Ethereum JSON-RPC 2.0 client over HTTP.
type HTTPClient struct {
	endpoint    string
	client      *http.Client
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
	requestID   atomic.Uint64
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.retryDelay = d
	}
}

// WithMaxDelay sets maximum retry delay.
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.maxDelay = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// NewHTTPClient creates a new JSON-RPC HTTP client.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:    endpoint,
		client:      &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// call performs a JSON-RPC call. Transport failures, 429 and 5xx responses
// are retried with exponential backoff; JSON-RPC errors and other statuses
// are returned at once.
func (c *HTTPClient) call(ctx context.Context, method string, params []any, result any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	defer func() {
		observability.RecordRPCLatency(method, time.Since(start).Seconds())
	}()

	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := delay
			var rl *rateLimitError
			if errors.As(lastErr, &rl) && rl.retryAfter > wait {
				wait = min(rl.retryAfter, c.maxDelay)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			delay = min(time.Duration(float64(delay)*c.backoffMult), c.maxDelay)
		}

		raw, retry, err := c.post(ctx, body)
		if err != nil {
			if !retry {
				return err
			}
			lastErr = err
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			lastErr = fmt.Errorf("unmarshal response: %w", err)
			continue
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && resp.Result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal %s result: %w", method, err)
			}
		}
		return nil
	}

	return fmt.Errorf("%s: max retries exceeded: %w", method, lastErr)
}

type rateLimitError struct {
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string {
	return "rate limited (429)"
}

// post sends one request. retry reports whether a failure is transient.
func (c *HTTPClient) post(ctx context.Context, body []byte) (raw []byte, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return raw, false, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		rl := &rateLimitError{}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			rl.retryAfter = time.Duration(secs) * time.Second
		}
		return nil, true, rl
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, true, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(raw))
	default:
		return nil, false, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(raw))
	}
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

// ChainID returns the chain ID reported by eth_chainId.
func (c *HTTPClient) ChainID(ctx context.Context) (*big.Int, error) {
	var result hexutil.Big
	if err := c.call(ctx, "eth_chainId", nil, &result); err != nil {
		return nil, err
	}
	return (*big.Int)(&result), nil
}

// BlockNumber returns the latest block number.
func (c *HTTPClient) BlockNumber(ctx context.Context) (uint64, error) {
	var result hexutil.Uint64
	if err := c.call(ctx, "eth_blockNumber", nil, &result); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

// NewFilter installs a log filter starting at the latest block and returns its ID.
func (c *HTTPClient) NewFilter(ctx context.Context, filter LogFilter) (string, error) {
	arg := filter.toArg()
	arg["fromBlock"] = "latest"

	var id string
	if err := c.call(ctx, "eth_newFilter", []any{arg}, &id); err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("eth_newFilter returned empty filter id")
	}
	return id, nil
}

// GetFilterChanges returns logs matched by the filter since the previous poll.
func (c *HTTPClient) GetFilterChanges(ctx context.Context, filterID string) ([]types.Log, error) {
	var logs []types.Log
	if err := c.call(ctx, "eth_getFilterChanges", []any{filterID}, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// UninstallFilter removes a filter. Returns false if the node did not know it.
func (c *HTTPClient) UninstallFilter(ctx context.Context, filterID string) (bool, error) {
	var ok bool
	if err := c.call(ctx, "eth_uninstallFilter", []any{filterID}, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

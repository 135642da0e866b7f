package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"credit-ledger-indexer/internal/observability"
)

// WSClientConfig configures WebSocket client behavior.
type WSClientConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// SubscribeTimeout bounds the wait for an eth_subscribe confirmation.
	SubscribeTimeout time.Duration
	// BufferSize is the capacity of each subscription channel.
	BufferSize int
	// Logger receives reconnect and protocol diagnostics.
	Logger *zap.Logger
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSClientConfig {
	return WSClientConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SubscribeTimeout:  30 * time.Second,
		BufferSize:        10000,
	}
}

// WSClient implements LogSubscriber over eth_subscribe using gorilla/websocket.
type WSClient struct {
	endpoint string
	config   WSClientConfig
	logger   *zap.Logger

	conn      *websocket.Conn
	connMu    sync.Mutex
	closed    atomic.Bool
	requestID atomic.Uint64

	// subs maps node subscription ID to delivery channel
	subs   map[string]chan types.Log
	subsMu sync.RWMutex

	// activeFilters stores filters for resubscription after reconnect
	activeFilters   map[string]LogFilter
	activeFiltersMu sync.RWMutex

	// pendingSubs maps request ID to a subscription awaiting confirmation
	pendingSubs   map[uint64]*pendingSub
	pendingSubsMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup

	reconnecting atomic.Bool
}

type subscribeResult struct {
	id  string
	err error
}

// pendingSub is installed into subs by the reader as soon as the node
// confirms, so no notification can arrive before its channel is known.
type pendingSub struct {
	result   chan subscribeResult
	deliver  chan types.Log
	filter   LogFilter
	replaces string
}

var _ LogSubscriber = (*WSClient)(nil)

// NewWSClient creates a new WebSocket client and connects to the endpoint.
func NewWSClient(ctx context.Context, endpoint string, config *WSClientConfig) (*WSClient, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = 30 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &WSClient{
		endpoint:      endpoint,
		config:        cfg,
		logger:        logger.With(zap.String("transport", "websocket")),
		subs:          make(map[string]chan types.Log),
		activeFilters: make(map[string]LogFilter),
		pendingSubs:   make(map[uint64]*pendingSub),
		done:          make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.wg.Add(1)
	go c.readLoop()

	c.wg.Add(1)
	go c.pingLoop()

	return c, nil
}

// connect establishes WebSocket connection.
func (c *WSClient) connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	if c.closed.Load() {
		conn.Close()
		return ErrClientClosed
	}

	// Pongs to our pings count as activity, so an idle but healthy
	// connection never hits the read deadline.
	readTimeout := c.config.ReadTimeout
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	c.conn = conn
	return nil
}

// SubscribeLogs subscribes to logs matching the filter.
func (c *WSClient) SubscribeLogs(ctx context.Context, filter LogFilter) (<-chan types.Log, error) {
	// Blocking send in the reader keeps every log; the buffer absorbs bursts.
	ch := make(chan types.Log, c.config.BufferSize)
	if _, err := c.subscribe(ctx, filter, ch, ""); err != nil {
		return nil, err
	}
	return ch, nil
}

// Close closes the WebSocket connection.
func (c *WSClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	// Reader must stop before channels are closed.
	c.wg.Wait()

	c.subsMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subsMu.Unlock()

	c.pendingSubsMu.Lock()
	for id, p := range c.pendingSubs {
		close(p.result)
		delete(c.pendingSubs, id)
	}
	c.pendingSubsMu.Unlock()

	return nil
}

// readLoop reads messages from WebSocket and dispatches to subscribers.
func (c *WSClient) readLoop() {
	defer c.wg.Done()

	reconnectDelay := c.config.ReconnectDelay

	for !c.closed.Load() {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			// Connection error - attempt reconnect with exponential backoff
			if !c.reconnecting.Swap(true) {
				go c.reconnect(reconnectDelay)

				reconnectDelay *= 2
				if reconnectDelay > c.config.MaxReconnectDelay {
					reconnectDelay = c.config.MaxReconnectDelay
				}
			}

			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}

			c.logger.Error("websocket connection lost, reconnecting",
				zap.Error(err), zap.Duration("delay", reconnectDelay))

			c.connMu.Lock()
			if c.conn == conn {
				c.conn.Close()
				c.conn = nil
			}
			c.connMu.Unlock()
			continue
		}

		reconnectDelay = c.config.ReconnectDelay

		c.handleMessage(message)
	}
}

// reconnect dials a new connection after delay and resubscribes.
func (c *WSClient) reconnect(delay time.Duration) {
	defer c.reconnecting.Store(false)

	select {
	case <-c.done:
		return
	case <-time.After(delay):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.connect(ctx); err != nil {
		// readLoop schedules the next attempt with a longer delay.
		c.logger.Error("websocket reconnect failed", zap.Error(err))
		return
	}

	observability.RecordChainReconnect("websocket")
	c.logger.Error("websocket reconnected; logs emitted during the outage are not replayed")

	c.resubscribeAll()
}

// resubscribeAll resubscribes to all active filters after reconnect.
func (c *WSClient) resubscribeAll() {
	c.activeFiltersMu.RLock()
	filters := make(map[string]LogFilter, len(c.activeFilters))
	for id, f := range c.activeFilters {
		filters[id] = f
	}
	c.activeFiltersMu.RUnlock()

	for oldSubID, filter := range filters {
		c.subsMu.RLock()
		ch := c.subs[oldSubID]
		c.subsMu.RUnlock()
		if ch == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := c.subscribe(ctx, filter, ch, oldSubID)
		cancel()

		if err != nil {
			// Keep the old mapping so Close still releases the channel.
			c.logger.Error("resubscribe failed", zap.String("subscription", oldSubID), zap.Error(err))
		}
	}
}

// subscribe sends eth_subscribe and waits for the subscription ID. On
// confirmation deliver is registered under the new ID, replacing the
// mapping of replaces if set.
func (c *WSClient) subscribe(ctx context.Context, filter LogFilter, deliver chan types.Log, replaces string) (string, error) {
	if c.closed.Load() {
		return "", ErrClientClosed
	}

	reqID := c.requestID.Add(1)
	req := wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  "eth_subscribe",
		Params:  []interface{}{"logs", filter.toArg()},
	}

	confirmCh := make(chan subscribeResult, 1)
	c.pendingSubsMu.Lock()
	c.pendingSubs[reqID] = &pendingSub{
		result:   confirmCh,
		deliver:  deliver,
		filter:   filter,
		replaces: replaces,
	}
	c.pendingSubsMu.Unlock()

	forget := func() {
		c.pendingSubsMu.Lock()
		delete(c.pendingSubs, reqID)
		c.pendingSubsMu.Unlock()
	}

	c.connMu.Lock()
	if c.conn == nil {
		c.connMu.Unlock()
		forget()
		return "", fmt.Errorf("not connected")
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	err := c.conn.WriteJSON(req)
	c.connMu.Unlock()

	if err != nil {
		forget()
		return "", fmt.Errorf("write subscribe: %w", err)
	}

	select {
	case res, ok := <-confirmCh:
		if !ok {
			return "", ErrClientClosed
		}
		if res.err != nil {
			return "", fmt.Errorf("eth_subscribe: %w", res.err)
		}
		return res.id, nil
	case <-time.After(c.config.SubscribeTimeout):
		forget()
		return "", fmt.Errorf("subscription timeout after %s", c.config.SubscribeTimeout)
	case <-c.done:
		return "", ErrClientClosed
	case <-ctx.Done():
		forget()
		return "", ctx.Err()
	}
}

// handleMessage processes incoming WebSocket message.
func (c *WSClient) handleMessage(message []byte) {
	var msg wsMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Warn("malformed websocket message", zap.Error(err))
		return
	}

	switch {
	case msg.ID != nil:
		c.handleResponse(&msg)
	case msg.Method == "eth_subscription" && msg.Params != nil:
		c.handleLogNotification(msg.Params)
	}
}

// handleResponse resolves a pending subscription request.
func (c *WSClient) handleResponse(msg *wsMessage) {
	c.pendingSubsMu.Lock()
	p, ok := c.pendingSubs[*msg.ID]
	if ok {
		delete(c.pendingSubs, *msg.ID)
	}
	c.pendingSubsMu.Unlock()

	if !ok {
		return
	}

	var res subscribeResult
	switch {
	case msg.Error != nil:
		res.err = msg.Error
	default:
		if err := json.Unmarshal(msg.Result, &res.id); err != nil || res.id == "" {
			res.err = fmt.Errorf("unexpected subscription result %s", string(msg.Result))
		}
	}

	if res.err == nil {
		c.subsMu.Lock()
		if p.replaces != "" {
			delete(c.subs, p.replaces)
		}
		c.subs[res.id] = p.deliver
		c.subsMu.Unlock()

		c.activeFiltersMu.Lock()
		if p.replaces != "" {
			delete(c.activeFilters, p.replaces)
		}
		c.activeFilters[res.id] = p.filter
		c.activeFiltersMu.Unlock()
	}

	select {
	case p.result <- res:
	default:
	}
}

// handleLogNotification dispatches a log to its subscriber.
func (c *WSClient) handleLogNotification(params *wsNotificationParams) {
	var log types.Log
	if err := json.Unmarshal(params.Result, &log); err != nil {
		c.logger.Warn("malformed log notification",
			zap.String("subscription", params.Subscription), zap.Error(err))
		return
	}

	c.subsMu.RLock()
	ch, ok := c.subs[params.Subscription]
	c.subsMu.RUnlock()

	if ok {
		// Block until we can send - never drop logs
		select {
		case ch <- log:
		case <-c.done:
			return
		}
	}
}

// pingLoop sends periodic ping frames to keep connection alive.
func (c *WSClient) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
				// A dead connection surfaces as a read error in readLoop.
				_ = c.conn.WriteMessage(websocket.PingMessage, nil)
			}
			c.connMu.Unlock()
		}
	}
}

// WebSocket message types

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// wsMessage covers both responses (ID set) and notifications (Method set).
type wsMessage struct {
	JSONRPC string                `json:"jsonrpc"`
	ID      *uint64               `json:"id,omitempty"`
	Result  json.RawMessage       `json:"result,omitempty"`
	Error   *rpcError             `json:"error,omitempty"`
	Method  string                `json:"method,omitempty"`
	Params  *wsNotificationParams `json:"params,omitempty"`
}

type wsNotificationParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

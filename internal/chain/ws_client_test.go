package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeNode is a minimal eth_subscribe server.
type fakeNode struct {
	t      *testing.T
	reject bool

	mu    sync.Mutex
	conns []*websocket.Conn

	subCount   atomic.Int32
	subscribes chan wsRequest
}

func newFakeNode(t *testing.T) (*fakeNode, *httptest.Server, string) {
	n := &fakeNode{t: t, subscribes: make(chan wsRequest, 16)}
	server := httptest.NewServer(http.HandlerFunc(n.serve))
	return n, server, "ws" + strings.TrimPrefix(server.URL, "http")
}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.t.Errorf("upgrade: %v", err)
		return
	}
	n.mu.Lock()
	n.conns = append(n.conns, conn)
	n.mu.Unlock()
	defer conn.Close()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req wsRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			n.t.Errorf("unmarshal request: %v", err)
			return
		}
		if req.Method != "eth_subscribe" {
			continue
		}

		var resp map[string]interface{}
		if n.reject {
			resp = map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"error":   map[string]interface{}{"code": -32601, "message": "notifications not supported"},
			}
		} else {
			resp = map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"result":  fmt.Sprintf("0xsub%d", n.subCount.Add(1)),
			}
		}

		n.mu.Lock()
		err = conn.WriteJSON(resp)
		n.mu.Unlock()
		if err != nil {
			return
		}
		n.subscribes <- req
	}
}

// notify sends a log notification on the most recent connection.
func (n *fakeNode) notify(subID string, log types.Log) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	conn := n.conns[len(n.conns)-1]
	return conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "eth_subscription",
		"params": map[string]interface{}{
			"subscription": subID,
			"result":       log,
		},
	})
}

// dropAll closes every server-side connection.
func (n *fakeNode) dropAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.conns {
		c.Close()
	}
}

func (n *fakeNode) waitSubscribe(t *testing.T) wsRequest {
	t.Helper()
	select {
	case req := <-n.subscribes:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for eth_subscribe")
		return wsRequest{}
	}
}

func TestWSClient_Connect(t *testing.T) {
	_, server, wsURL := newFakeNode(t)
	defer server.Close()

	client, err := NewWSClient(context.Background(), wsURL, nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	if client.closed.Load() {
		t.Error("client should not be closed")
	}
}

func TestWSClient_SubscribeLogs(t *testing.T) {
	node, server, wsURL := newFakeNode(t)
	defer server.Close()

	ctx := context.Background()
	client, err := NewWSClient(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	ch, err := client.SubscribeLogs(ctx, LogFilter{
		Addresses: []common.Address{testContract},
		Topics:    [][]common.Hash{{transferSingleTopic}},
	})
	if err != nil {
		t.Fatalf("SubscribeLogs: %v", err)
	}

	req := node.waitSubscribe(t)
	if len(req.Params) != 2 || req.Params[0] != "logs" {
		t.Fatalf("unexpected params %v", req.Params)
	}
	arg, ok := req.Params[1].(map[string]interface{})
	if !ok {
		t.Fatalf("expected filter object, got %T", req.Params[1])
	}
	addrs, _ := arg["address"].([]interface{})
	if len(addrs) != 1 || !strings.EqualFold(addrs[0].(string), testContract.Hex()) {
		t.Errorf("unexpected address filter %v", arg["address"])
	}

	sent := transferSingleLog(testContract, testWallet1, testWallet2, big.NewInt(1), big.NewInt(500))
	if err := node.notify("0xsub1", sent); err != nil {
		t.Fatalf("notify: %v", err)
	}

	select {
	case got := <-ch:
		if got.TxHash != sent.TxHash {
			t.Errorf("expected tx %s, got %s", sent.TxHash.Hex(), got.TxHash.Hex())
		}
		if got.Index != 7 {
			t.Errorf("expected log index 7, got %d", got.Index)
		}
		if got.BlockNumber != 1234 {
			t.Errorf("expected block 1234, got %d", got.BlockNumber)
		}
		if len(got.Topics) != 4 || got.Topics[0] != transferSingleTopic {
			t.Errorf("unexpected topics %v", got.Topics)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for log")
	}
}

func TestWSClient_SubscribeRejected(t *testing.T) {
	node, server, wsURL := newFakeNode(t)
	node.reject = true
	defer server.Close()

	ctx := context.Background()
	client, err := NewWSClient(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	start := time.Now()
	_, err = client.SubscribeLogs(ctx, LogFilter{Addresses: []common.Address{testContract}})
	if err == nil {
		t.Fatal("expected error for rejected subscription")
	}
	if !strings.Contains(err.Error(), "notifications not supported") {
		t.Errorf("unexpected error: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("rejected subscription should fail without waiting for timeout")
	}
}

func TestWSClient_ResubscribesAfterReconnect(t *testing.T) {
	node, server, wsURL := newFakeNode(t)
	defer server.Close()

	cfg := DefaultWSConfig()
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.MaxReconnectDelay = 50 * time.Millisecond

	ctx := context.Background()
	client, err := NewWSClient(ctx, wsURL, &cfg)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	ch, err := client.SubscribeLogs(ctx, LogFilter{Addresses: []common.Address{testContract}})
	if err != nil {
		t.Fatalf("SubscribeLogs: %v", err)
	}
	node.waitSubscribe(t)

	node.dropAll()
	node.waitSubscribe(t)

	sent := transferSingleLog(testContract, testWallet1, testWallet2, big.NewInt(1), big.NewInt(1))
	if err := node.notify("0xsub2", sent); err != nil {
		t.Fatalf("notify: %v", err)
	}

	select {
	case got := <-ch:
		if got.TxHash != sent.TxHash {
			t.Errorf("expected tx %s, got %s", sent.TxHash.Hex(), got.TxHash.Hex())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for log after reconnect")
	}
}

func TestWSClient_Close(t *testing.T) {
	node, server, wsURL := newFakeNode(t)
	defer server.Close()

	ctx := context.Background()
	client, err := NewWSClient(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}

	ch, err := client.SubscribeLogs(ctx, LogFilter{})
	if err != nil {
		t.Fatalf("SubscribeLogs: %v", err)
	}
	node.waitSubscribe(t)

	if err := client.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if !client.closed.Load() {
		t.Error("client should be closed")
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Error("subscription channel not closed")
	}

	// Double close should be safe
	if err := client.Close(); err != nil {
		t.Errorf("double Close: %v", err)
	}
}

func TestWSClient_SubscribeAfterClose(t *testing.T) {
	_, server, wsURL := newFakeNode(t)
	defer server.Close()

	ctx := context.Background()
	client, err := NewWSClient(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}

	client.Close()

	_, err = client.SubscribeLogs(ctx, LogFilter{})
	if err == nil {
		t.Error("expected error subscribing after close")
	}
}

func TestWSClient_CustomConfig(t *testing.T) {
	_, server, wsURL := newFakeNode(t)
	defer server.Close()

	config := &WSClientConfig{
		ReconnectDelay:    100 * time.Millisecond,
		MaxReconnectDelay: 1 * time.Second,
		PingInterval:      5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Second,
	}

	client, err := NewWSClient(context.Background(), wsURL, config)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	if client.config.PingInterval != 5*time.Second {
		t.Errorf("expected PingInterval 5s, got %v", client.config.PingInterval)
	}
	if client.config.SubscribeTimeout != 30*time.Second {
		t.Errorf("expected default SubscribeTimeout 30s, got %v", client.config.SubscribeTimeout)
	}
}

func (n *fakeNode) connCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

func TestWSClient_IdleConnectionKeptAliveByPongs(t *testing.T) {
	node, server, wsURL := newFakeNode(t)
	defer server.Close()

	cfg := DefaultWSConfig()
	cfg.PingInterval = 100 * time.Millisecond
	cfg.ReadTimeout = 400 * time.Millisecond
	cfg.ReconnectDelay = 10 * time.Millisecond

	client, err := NewWSClient(context.Background(), wsURL, &cfg)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	if _, err := client.SubscribeLogs(context.Background(), LogFilter{Addresses: []common.Address{testContract}}); err != nil {
		t.Fatalf("SubscribeLogs: %v", err)
	}
	node.waitSubscribe(t)

	// No data frames for several read timeouts; only ping/pong traffic.
	time.Sleep(5 * cfg.ReadTimeout)

	if n := node.connCount(); n != 1 {
		t.Errorf("expected the idle connection to survive, got %d connections", n)
	}
	if n := node.subCount.Load(); n != 1 {
		t.Errorf("expected 1 eth_subscribe, got %d", n)
	}
}

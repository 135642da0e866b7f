package chain

import (
	"errors"
	"fmt"
)

var (
	// ErrEndpointNotConfigured is returned when no node endpoint is set.
	ErrEndpointNotConfigured = errors.New("chain endpoint not configured")

	// ErrUnsupportedScheme is returned for endpoints other than ws, wss, http and https.
	ErrUnsupportedScheme = errors.New("unsupported endpoint scheme")

	// ErrClientClosed is returned when using a closed client.
	ErrClientClosed = errors.New("client closed")

	// ErrNotTransferSingle is returned when a log is not a TransferSingle event.
	ErrNotTransferSingle = errors.New("log is not a TransferSingle event")
)

// ConnectionError reports that the node connection could not be established.
// It is fatal at startup.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("chain connection: %v", e.Err)
	}
	return fmt.Sprintf("chain connection to %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// rpcError represents a JSON-RPC 2.0 error.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

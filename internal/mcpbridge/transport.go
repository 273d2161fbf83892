package mcpbridge

import (
	"context"
	"encoding/json"
)

// Transport is the wire-level contract a Bridge speaks to reach one MCP
// server, independent of stdio/HTTP/websocket.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error

	// Call sends a request and waits for its response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification; no response is expected.
	Notify(ctx context.Context, method string, params any) error

	// Events delivers server-initiated notifications.
	Events() <-chan *JSONRPCNotification

	Connected() bool
}

// NewTransport builds the transport named by cfg.Transport.
func NewTransport(cfg *ServerConfig) Transport {
	switch cfg.Transport {
	case TransportHTTP:
		return NewHTTPTransport(cfg)
	case TransportWebsocket:
		return NewWebsocketTransport(cfg)
	default:
		return NewStdioTransport(cfg)
	}
}

package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebsocketTransport speaks JSON-RPC 2.0 over a persistent websocket
// connection: every request is written as one text frame, and the read loop
// dispatches each incoming frame to either a pending call or the
// notification channel depending on whether it carries an ID.
type WebsocketTransport struct {
	config *ServerConfig
	logger *slog.Logger

	conn *websocket.Conn
	mu   sync.Mutex // guards writes to conn

	pending   map[string]chan *JSONRPCResponse
	pendingMu sync.Mutex
	events    chan *JSONRPCNotification

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewWebsocketTransport creates a websocket transport for cfg. The
// connection is not dialed until Connect is called.
func NewWebsocketTransport(cfg *ServerConfig) *WebsocketTransport {
	return &WebsocketTransport{
		config:   cfg,
		logger:   slog.Default().With("mcp_server", cfg.ID, "transport", "websocket"),
		pending:  make(map[string]chan *JSONRPCResponse),
		events:   make(chan *JSONRPCNotification, 100),
		stopChan: make(chan struct{}),
	}
}

func (t *WebsocketTransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return transportErr(t.config.ID, "connect", fmt.Errorf("URL is required for websocket transport"))
	}

	header := make(map[string][]string, len(t.config.Headers))
	for k, v := range t.config.Headers {
		header[k] = []string{v}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.config.URL, header)
	if err != nil {
		return transportErr(t.config.ID, "connect", fmt.Errorf("dial: %w", err))
	}
	t.conn = conn
	t.connected.Store(true)

	t.wg.Add(1)
	go t.readLoop()

	return nil
}

func (t *WebsocketTransport) Close() error {
	if !t.connected.CompareAndSwap(true, false) {
		return nil
	}
	close(t.stopChan)
	t.conn.Close()
	t.wg.Wait()
	return nil
}

func (t *WebsocketTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, transportErr(t.config.ID, method, fmt.Errorf("not connected"))
	}

	id := uuid.New().String()
	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, transportErr(t.config.ID, method, fmt.Errorf("marshal params: %w", err))
		}
		req.Params = paramsJSON
	}

	respChan := make(chan *JSONRPCResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.writeJSON(req); err != nil {
		return nil, transportErr(t.config.ID, method, err)
	}

	timeout := t.config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, protocolErr(t.config.ID, method, resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, transportErr(t.config.ID, method, ctx.Err())
	case <-time.After(timeout):
		return nil, transportErr(t.config.ID, method, fmt.Errorf("request timeout after %v", timeout))
	case <-t.stopChan:
		return nil, transportErr(t.config.ID, method, fmt.Errorf("transport closed"))
	}
}

func (t *WebsocketTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return transportErr(t.config.ID, method, fmt.Errorf("not connected"))
	}

	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return transportErr(t.config.ID, method, fmt.Errorf("marshal params: %w", err))
		}
		notif.Params = paramsJSON
	}

	if err := t.writeJSON(notif); err != nil {
		return transportErr(t.config.ID, method, err)
	}
	return nil
}

func (t *WebsocketTransport) writeJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *WebsocketTransport) Events() <-chan *JSONRPCNotification { return t.events }

func (t *WebsocketTransport) Connected() bool { return t.connected.Load() }

func (t *WebsocketTransport) readLoop() {
	defer t.wg.Done()
	defer t.connected.Store(false)

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.stopChan:
			default:
				t.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		t.processMessage(data)
	}
}

func (t *WebsocketTransport) processMessage(data []byte) {
	var resp JSONRPCResponse
	if err := json.Unmarshal(data, &resp); err == nil && resp.ID != nil {
		id, ok := resp.ID.(string)
		if !ok {
			return
		}
		t.pendingMu.Lock()
		if ch, ok := t.pending[id]; ok {
			select {
			case ch <- &resp:
			default:
			}
			delete(t.pending, id)
		}
		t.pendingMu.Unlock()
		return
	}

	var notif JSONRPCNotification
	if err := json.Unmarshal(data, &notif); err == nil && notif.Method != "" {
		select {
		case t.events <- &notif:
		default:
			t.logger.Warn("notification channel full, dropping")
		}
	}
}

// Package chat connects Stella to the team's chat surface. The
// gateway speaks JSON-RPC 2.0 over a WebSocket: outbound requests use
// request-response correlation via a pending map, inbound message
// notifications are pushed to a channel the bridge consumes.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Inbound is one message received from a chat channel.
type Inbound struct {
	ChannelID string `json:"channel_id"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"ts"`
}

// rpcRequest is a JSON-RPC 2.0 request written to the gateway.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcRaw inspects incoming frames to decide whether they are
// responses (have an id) or notifications (have a method).
type rpcRaw struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("gateway rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage
	Error  *rpcError
}

// reconnectBackoff bounds the delay between reconnection attempts.
const (
	reconnectMin = time.Second
	reconnectMax = time.Minute
)

// Gateway is a JSON-RPC WebSocket client for the chat gateway.
type Gateway struct {
	url    string
	token  string
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan rpcResponse

	messages chan *Inbound
}

// NewGateway creates a gateway client. Call Connect or Run to
// establish the connection.
func NewGateway(gatewayURL, token string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		url:      gatewayURL,
		token:    token,
		logger:   logger,
		pending:  make(map[int64]chan rpcResponse),
		messages: make(chan *Inbound, 64),
	}
}

// Messages returns the channel of inbound chat messages. It stays
// open across reconnects.
func (g *Gateway) Messages() <-chan *Inbound {
	return g.messages
}

// Connect dials the gateway and starts the read loop. Returns a
// channel closed when the connection drops.
func (g *Gateway) Connect(ctx context.Context) (<-chan struct{}, error) {
	u, err := url.Parse(g.url)
	if err != nil {
		return nil, fmt.Errorf("parse gateway URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	header := http.Header{}
	if g.token != "" {
		header.Set("Authorization", "Bearer "+g.token)
	}

	dialer := websocket.Dialer{
		ReadBufferSize:  256 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(4 * 1024 * 1024)

	g.connMu.Lock()
	g.conn = conn
	g.connMu.Unlock()

	done := make(chan struct{})
	go g.readLoop(conn, done)

	g.logger.Info("gateway connected", "url", u.String())
	return done, nil
}

// Run keeps the gateway connected until ctx is cancelled,
// reconnecting with exponential backoff after a drop.
func (g *Gateway) Run(ctx context.Context) {
	backoff := reconnectMin
	for {
		done, err := g.Connect(ctx)
		if err != nil {
			g.logger.Error("gateway connect failed", "error", err, "retry_in", backoff)
		} else {
			backoff = reconnectMin
			select {
			case <-ctx.Done():
				g.Close()
				return
			case <-done:
				g.logger.Warn("gateway connection lost", "retry_in", backoff)
			}
		}

		select {
		case <-ctx.Done():
			g.Close()
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// Close closes the current connection.
func (g *Gateway) Close() error {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.conn != nil {
		err := g.conn.Close()
		g.conn = nil
		return err
	}
	return nil
}

// Send delivers a text message to a channel.
func (g *Gateway) Send(ctx context.Context, channelID, text string) error {
	_, err := g.call(ctx, "send", map[string]any{
		"channel_id": channelID,
		"text":       text,
	})
	if err != nil {
		return fmt.Errorf("gateway send: %w", err)
	}
	return nil
}

// Ping checks that the gateway is responsive.
func (g *Gateway) Ping(ctx context.Context) error {
	_, err := g.call(ctx, "ping", nil)
	return err
}

// call sends a JSON-RPC request and waits for the response.
func (g *Gateway) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := g.nextID.Add(1)
	ch := make(chan rpcResponse, 1)

	g.pendingMu.Lock()
	g.pending[id] = ch
	g.pendingMu.Unlock()
	defer func() {
		g.pendingMu.Lock()
		delete(g.pending, id)
		g.pendingMu.Unlock()
	}()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	g.connMu.Lock()
	conn := g.conn
	if conn == nil {
		g.connMu.Unlock()
		return nil, fmt.Errorf("gateway not connected")
	}
	err := conn.WriteJSON(req)
	g.connMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write to gateway: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-time.After(30 * time.Second):
		return nil, fmt.Errorf("timeout waiting for gateway response")
	}
}

// readLoop reads frames until the connection drops, routing responses
// to their pending channels and message notifications to the inbound
// channel.
func (g *Gateway) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer g.failPending()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Info("gateway closed normally")
			} else {
				g.logger.Error("gateway read error", "error", err)
			}
			return
		}

		var raw rpcRaw
		if err := json.Unmarshal(data, &raw); err != nil {
			g.logger.Debug("gateway non-JSON frame", "frame", string(data))
			continue
		}

		if raw.ID != nil {
			g.pendingMu.Lock()
			ch, ok := g.pending[*raw.ID]
			if ok {
				delete(g.pending, *raw.ID)
			}
			g.pendingMu.Unlock()

			if ok {
				ch <- rpcResponse{Result: raw.Result, Error: raw.Error}
			} else {
				g.logger.Debug("gateway response for unknown id", "id", *raw.ID)
			}
			continue
		}

		if raw.Method == "message" {
			var msg Inbound
			if err := json.Unmarshal(raw.Params, &msg); err != nil {
				g.logger.Warn("gateway malformed message notification",
					"error", err,
					"params", string(raw.Params),
				)
				continue
			}
			if msg.ChannelID == "" || msg.Text == "" {
				continue
			}
			select {
			case g.messages <- &msg:
			default:
				g.logger.Warn("gateway message channel full, dropping message",
					"channel_id", msg.ChannelID,
				)
			}
			continue
		}

		g.logger.Debug("gateway unknown notification", "method", raw.Method)
	}
}

// failPending resolves all in-flight calls with an error after the
// connection drops, so callers do not wait out their full timeout.
func (g *Gateway) failPending() {
	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()
	for id, ch := range g.pending {
		ch <- rpcResponse{Error: &rpcError{Code: -1, Message: "connection lost"}}
		delete(g.pending, id)
	}
}

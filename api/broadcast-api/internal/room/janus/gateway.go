package internal_janus_room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/config"
	internal_room "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/room"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/commons"
)

const (
	janusSubprotocol = "janus-protocol"
	videoroomPlugin  = "janus.plugin.videoroom"

	defaultKeepAliveSeconds = 30
	reconnectBaseDelay      = 500 * time.Millisecond
	reconnectMaxDelay       = 15 * time.Second
)

// gatewayMessage is the envelope of every frame on the Janus control socket.
type gatewayMessage struct {
	Janus       string          `json:"janus"`
	Transaction string          `json:"transaction,omitempty"`
	Plugin      string          `json:"plugin,omitempty"`
	SessionID   uint64          `json:"session_id,omitempty"`
	HandleID    uint64          `json:"handle_id,omitempty"`
	Body        map[string]any  `json:"body,omitempty"`
	Data        *gatewayData    `json:"data,omitempty"`
	PluginData  *pluginData     `json:"plugindata,omitempty"`
	Error       *gatewayError   `json:"error,omitempty"`
	JSEP        json.RawMessage `json:"jsep,omitempty"`
}

type gatewayData struct {
	ID uint64 `json:"id"`
}

type pluginData struct {
	Plugin string         `json:"plugin"`
	Data   map[string]any `json:"data"`
}

type gatewayError struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (e *gatewayError) Error() string {
	return fmt.Sprintf("janus error %d: %s", e.Code, e.Reason)
}

// Gateway maintains the long-lived control connection to the media gateway:
// one session with one videoroom plugin handle, keepalives, and
// transaction-correlated request/reply matching. On connection loss it
// reconnects with capped exponential backoff and recreates the session;
// server-side room and publisher state is not resumed, callers re-assert it.
type Gateway struct {
	url          string
	keepAlive    time.Duration
	maxAttempts  int
	logger       commons.Logger
	dial         func(url string) (*websocket.Conn, error)
	onDisconnect func()

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID uint64
	handleID  uint64
	pending   map[string]chan *gatewayMessage
	closed    bool
	done      chan struct{}
}

// NewGateway creates a disconnected gateway; call Connect before use.
func NewGateway(cfg config.SFUConfig, logger commons.Logger) *Gateway {
	keepAlive := time.Duration(cfg.KeepAliveSeconds) * time.Second
	if keepAlive <= 0 {
		keepAlive = defaultKeepAliveSeconds * time.Second
	}
	return &Gateway{
		url:         cfg.GatewayURL,
		keepAlive:   keepAlive,
		maxAttempts: cfg.ReconnectMaxAttempts,
		logger:      logger,
		pending:     make(map[string]chan *gatewayMessage),
		dial: func(url string) (*websocket.Conn, error) {
			dialer := websocket.Dialer{
				Subprotocols:     []string{janusSubprotocol},
				HandshakeTimeout: 10 * time.Second,
			}
			conn, _, err := dialer.Dial(url, nil)
			return conn, err
		},
	}
}

// Connect dials the gateway, creates a session, and attaches a videoroom
// plugin handle.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connectLocked(ctx)
}

func (g *Gateway) connectLocked(ctx context.Context) error {
	conn, err := g.dial(g.url)
	if err != nil {
		return fmt.Errorf("%w: dial media gateway %s: %v", internal_room.ErrBackendUnavailable, g.url, err)
	}

	g.conn = conn
	g.done = make(chan struct{})
	go g.readLoop(conn, g.done)

	session, err := g.requestLocked(ctx, &gatewayMessage{Janus: "create"})
	if err != nil {
		conn.Close()
		return fmt.Errorf("create gateway session: %w", err)
	}
	if session.Data == nil {
		conn.Close()
		return fmt.Errorf("%w: session create returned no id", internal_room.ErrBackendUnavailable)
	}
	g.sessionID = session.Data.ID

	attach, err := g.requestLocked(ctx, &gatewayMessage{
		Janus:     "attach",
		Plugin:    videoroomPlugin,
		SessionID: g.sessionID,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("attach videoroom plugin: %w", err)
	}
	if attach.Data == nil {
		conn.Close()
		return fmt.Errorf("%w: plugin attach returned no handle", internal_room.ErrBackendUnavailable)
	}
	g.handleID = attach.Data.ID

	go g.keepAliveLoop(g.sessionID, g.done)

	g.logger.Infow("media gateway connected",
		"url", g.url, "session_id", g.sessionID, "handle_id", g.handleID)
	return nil
}

// PluginRequest sends a videoroom plugin body and returns the plugin reply
// payload. Intermediate acks are skipped; the call resolves on the
// synchronous success or the asynchronous plugin event.
func (g *Gateway) PluginRequest(ctx context.Context, body map[string]any) (map[string]any, error) {
	g.mu.Lock()
	if g.conn == nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: gateway not connected", internal_room.ErrBackendUnavailable)
	}
	msg := &gatewayMessage{
		Janus:     "message",
		SessionID: g.sessionID,
		HandleID:  g.handleID,
		Body:      body,
	}
	reply, err := g.requestLocked(ctx, msg)
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if reply.PluginData == nil {
		return map[string]any{}, nil
	}
	return reply.PluginData.Data, nil
}

// AttachHandle attaches an extra videoroom plugin handle on the shared
// session. Each SFU publisher owns one handle for its signaling.
func (g *Gateway) AttachHandle(ctx context.Context) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return 0, fmt.Errorf("%w: gateway not connected", internal_room.ErrBackendUnavailable)
	}
	reply, err := g.requestLocked(ctx, &gatewayMessage{
		Janus:     "attach",
		Plugin:    videoroomPlugin,
		SessionID: g.sessionID,
	})
	if err != nil {
		return 0, fmt.Errorf("attach publisher handle: %w", err)
	}
	if reply.Data == nil {
		return 0, fmt.Errorf("%w: plugin attach returned no handle", internal_room.ErrBackendUnavailable)
	}
	return reply.Data.ID, nil
}

// DetachHandle releases a publisher handle.
func (g *Gateway) DetachHandle(ctx context.Context, handleID uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return nil
	}
	_, err := g.requestLocked(ctx, &gatewayMessage{
		Janus:     "detach",
		SessionID: g.sessionID,
		HandleID:  handleID,
	})
	return err
}

// HandleRequest sends a plugin body (with optional JSEP offer) on a specific
// handle and returns the plugin payload plus any JSEP answer.
func (g *Gateway) HandleRequest(ctx context.Context, handleID uint64, body map[string]any, jsep any) (map[string]any, json.RawMessage, error) {
	g.mu.Lock()
	if g.conn == nil {
		g.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: gateway not connected", internal_room.ErrBackendUnavailable)
	}
	msg := &gatewayMessage{
		Janus:     "message",
		SessionID: g.sessionID,
		HandleID:  handleID,
		Body:      body,
	}
	if jsep != nil {
		raw, err := json.Marshal(jsep)
		if err != nil {
			g.mu.Unlock()
			return nil, nil, fmt.Errorf("marshal jsep: %w", err)
		}
		msg.JSEP = raw
	}
	reply, err := g.requestLocked(ctx, msg)
	g.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	data := map[string]any{}
	if reply.PluginData != nil {
		data = reply.PluginData.Data
	}
	return data, reply.JSEP, nil
}

// requestLocked assigns a transaction, writes the frame, and waits for the
// correlated non-ack reply. Caller holds g.mu; the lock is released while
// waiting so the read loop can dispatch.
func (g *Gateway) requestLocked(ctx context.Context, msg *gatewayMessage) (*gatewayMessage, error) {
	transaction := uuid.NewString()
	msg.Transaction = transaction

	replyCh := make(chan *gatewayMessage, 2)
	g.pending[transaction] = replyCh

	err := g.conn.WriteJSON(msg)
	if err != nil {
		delete(g.pending, transaction)
		return nil, fmt.Errorf("%w: write to media gateway: %v", internal_room.ErrBackendUnavailable, err)
	}

	g.mu.Unlock()
	defer g.mu.Lock()

	timeout := time.NewTimer(10 * time.Second)
	defer timeout.Stop()

	for {
		select {
		case reply, ok := <-replyCh:
			if !ok {
				return nil, fmt.Errorf("%w: gateway connection lost", internal_room.ErrBackendUnavailable)
			}
			if reply.Janus == "ack" {
				continue
			}
			if reply.Janus == "error" && reply.Error != nil {
				return nil, reply.Error
			}
			return reply, nil
		case <-ctx.Done():
			g.abandonTransaction(transaction)
			return nil, ctx.Err()
		case <-timeout.C:
			g.abandonTransaction(transaction)
			return nil, fmt.Errorf("%w: gateway request timed out", internal_room.ErrBackendUnavailable)
		}
	}
}

// abandonTransaction drops the pending entry for a request nobody is waiting
// on anymore; a reply arriving later is discarded by the read loop.
func (g *Gateway) abandonTransaction(transaction string) {
	g.mu.Lock()
	delete(g.pending, transaction)
	g.mu.Unlock()
}

func (g *Gateway) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		var msg gatewayMessage
		if err := conn.ReadJSON(&msg); err != nil {
			g.handleDisconnect(conn, done, err)
			return
		}
		if msg.Transaction == "" {
			// Unsolicited event (publisher joined/left etc.); the bridge
			// manager re-asserts placement, nothing to do here.
			continue
		}
		g.mu.Lock()
		ch, ok := g.pending[msg.Transaction]
		if ok && msg.Janus != "ack" {
			delete(g.pending, msg.Transaction)
		}
		g.mu.Unlock()
		if ok {
			select {
			case ch <- &msg:
			default:
			}
		}
	}
}

func (g *Gateway) keepAliveLoop(sessionID uint64, done chan struct{}) {
	ticker := time.NewTicker(g.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			g.mu.Lock()
			conn := g.conn
			if conn != nil && g.sessionID == sessionID {
				msg := &gatewayMessage{
					Janus:       "keepalive",
					SessionID:   sessionID,
					Transaction: uuid.NewString(),
				}
				if err := conn.WriteJSON(msg); err != nil {
					g.logger.Warnw("gateway keepalive failed", "error", err)
				}
			}
			g.mu.Unlock()
		}
	}
}

// handleDisconnect fails all pending requests and, unless Close was called,
// reconnects with capped exponential backoff recreating the session.
func (g *Gateway) handleDisconnect(conn *websocket.Conn, done chan struct{}, cause error) {
	g.mu.Lock()
	if g.conn != conn {
		// A newer connection already superseded this one.
		g.mu.Unlock()
		return
	}
	close(done)
	g.conn = nil
	g.sessionID = 0
	g.handleID = 0
	for transaction, ch := range g.pending {
		close(ch)
		delete(g.pending, transaction)
	}
	closed := g.closed
	g.mu.Unlock()

	if closed {
		return
	}
	g.logger.Warnw("media gateway connection lost", "error", cause)
	if g.onDisconnect != nil {
		g.onDisconnect()
	}

	delay := reconnectBaseDelay
	for attempt := 1; g.maxAttempts <= 0 || attempt <= g.maxAttempts; attempt++ {
		time.Sleep(delay)
		if delay *= 2; delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}

		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return
		}
		err := g.connectLocked(context.Background())
		g.mu.Unlock()
		if err == nil {
			return
		}
		g.logger.Warnw("gateway reconnect failed", "attempt", attempt, "error", err)
	}
	g.logger.Errorw("gateway reconnect attempts exhausted", "attempts", g.maxAttempts)
}

// Connected reports whether a live session exists.
func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn != nil && g.sessionID != 0
}

// Close tears the connection down without reconnecting.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	conn := g.conn
	g.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

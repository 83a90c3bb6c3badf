package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire envelope
// ============================================================================

// realtimeEnvelope is the socket wire format: a type tag plus a raw payload
// decoded lazily into a wireEvent.
type realtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ============================================================================
// Configuration
// ============================================================================

// TransportConfig configures the realtime transport.
type TransportConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

func (c *TransportConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
}

// TransportState represents the connection state.
type TransportState string

const (
	TransportDisconnected TransportState = "disconnected"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportReconnecting TransportState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *TransportConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that held for a minute resets the backoff ladder.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeTransport
// ============================================================================

// RealtimeTransport maintains the WebSocket connection and turns server
// envelopes into domain events submitted to the collector. Connection
// lifecycle is reported through the same collector as singleton batches, so
// consumers observe connects, drops and reconnect errors in event order.
//
// After every successful (re)connect the transport invokes onConnected, which
// the client uses to run a delta sync and replay missed events as a
// historical batch.
type RealtimeTransport struct {
	baseURL   string
	config    *TransportConfig
	tokens    *TokenStore
	collector *EventCollector
	logger    *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            TransportState
	intentionalClose bool
	cancelFn         context.CancelFunc

	recon *reconnector

	// onConnected runs after every successful connect, before the read loop
	// starts consuming live events.
	onConnected func(ctx context.Context)
}

// NewRealtimeTransport creates a transport feeding the given collector.
func NewRealtimeTransport(baseURL string, config *TransportConfig, tokens *TokenStore, collector *EventCollector, logger *slog.Logger) *RealtimeTransport {
	if config == nil {
		config = &TransportConfig{AutoReconnect: true}
	}
	config.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &RealtimeTransport{
		baseURL:   strings.TrimRight(baseURL, "/"),
		config:    config,
		tokens:    tokens,
		collector: collector,
		logger:    logger,
		state:     TransportDisconnected,
		recon:     newReconnector(config),
	}
}

// emit submits an event to the collector. Nothing on the transport paths can
// act on a failed batch delivery, so sink errors are logged like the
// collector's own timer path does.
func (t *RealtimeTransport) emit(ev Event) {
	if err := t.collector.Collect(ev); err != nil {
		t.logger.Warn("event delivery failed", "type", ev.Type, "error", err)
	}
}

// OnConnected registers the post-connect hook. Must be set before Connect.
func (t *RealtimeTransport) OnConnected(fn func(ctx context.Context)) {
	t.mu.Lock()
	t.onConnected = fn
	t.mu.Unlock()
}

// State returns the current connection state.
func (t *RealtimeTransport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect establishes the WebSocket connection. The first server frame must
// be a connection.connected envelope carrying the connection id.
func (t *RealtimeTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == TransportConnected || t.state == TransportConnecting {
		t.mu.Unlock()
		return nil
	}
	t.state = TransportConnecting
	t.intentionalClose = false
	t.mu.Unlock()

	t.emit(NewConnectingEvent())

	token := ""
	if t.tokens != nil {
		tok, err := t.tokens.Token(ctx)
		if err != nil {
			t.setDisconnected()
			t.emit(NewConnectionErrorEvent(err))
			return err
		}
		token = tok
	}

	wsURL := strings.Replace(t.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.setDisconnected()
		werr := NewNetworkError("websocket dial failed", err)
		t.emit(NewConnectionErrorEvent(werr))
		return werr
	}
	conn.SetReadLimit(1 << 20)

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.setDisconnected()
		werr := NewNetworkError("failed to read connection handshake", err)
		t.emit(NewConnectionErrorEvent(werr))
		return werr
	}

	var env realtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || EventType(env.Type) != EventConnected {
		conn.Close(websocket.StatusNormalClosure, "")
		t.setDisconnected()
		werr := NewNetworkError(fmt.Sprintf("expected %s handshake, got %q", EventConnected, env.Type), err)
		t.emit(NewConnectionErrorEvent(werr))
		return werr
	}

	var we wireEvent
	if err := json.Unmarshal(env.Payload, &we); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.setDisconnected()
		werr := NewNetworkError("failed to decode connection handshake", err)
		t.emit(NewConnectionErrorEvent(werr))
		return werr
	}

	connCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.state = TransportConnected
	t.cancelFn = cancel
	hook := t.onConnected
	t.mu.Unlock()
	t.recon.markConnected()

	t.logger.Info("realtime connected", "connection_id", we.ConnectionID)
	t.emit(NewConnectedEvent(we.ConnectionID, we.User.toDomain()))

	if hook != nil {
		hook(connCtx)
	}

	go t.readLoop(connCtx, conn)
	return nil
}

// Disconnect gracefully closes the connection. No reconnect is attempted.
func (t *RealtimeTransport) Disconnect() error {
	t.mu.Lock()
	t.intentionalClose = true
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	conn := t.conn
	t.conn = nil
	t.state = TransportDisconnected
	t.mu.Unlock()

	t.recon.reset()
	t.emit(NewDisconnectedEvent())

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (t *RealtimeTransport) setDisconnected() {
	t.mu.Lock()
	t.state = TransportDisconnected
	t.conn = nil
	t.mu.Unlock()
}

func (t *RealtimeTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			intentional := t.intentionalClose
			t.mu.Unlock()
			if intentional {
				return
			}

			t.setDisconnected()
			t.logger.Warn("realtime connection lost", "error", err)
			t.emit(NewDisconnectedEvent())

			if t.config.AutoReconnect && t.recon.shouldReconnect() {
				t.scheduleReconnect()
			}
			return
		}

		var env realtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		var we wireEvent
		if json.Unmarshal(env.Payload, &we) != nil {
			continue
		}
		if we.Type == "" {
			we.Type = env.Type
		}
		ev, ok := we.toDomain()
		if !ok {
			t.logger.Debug("ignoring unknown event type", "type", we.Type)
			continue
		}
		t.emit(ev)
	}
}

func (t *RealtimeTransport) scheduleReconnect() {
	delay := t.recon.nextDelay()
	t.mu.Lock()
	t.state = TransportReconnecting
	t.mu.Unlock()

	t.logger.Info("scheduling reconnect", "attempt", t.recon.attempt, "delay", delay)
	time.Sleep(delay)

	t.mu.Lock()
	if t.intentionalClose {
		t.mu.Unlock()
		return
	}
	t.state = TransportDisconnected
	t.mu.Unlock()

	if err := t.Connect(context.Background()); err != nil {
		if t.config.AutoReconnect && t.recon.shouldReconnect() {
			t.scheduleReconnect()
		} else {
			t.setDisconnected()
			t.emit(NewConnectionErrorEvent(NewNetworkError("reconnect attempts exhausted", err)))
		}
	}
}

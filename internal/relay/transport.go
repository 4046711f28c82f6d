// Package relay implements the fallback transport: a single
// long-lived websocket multiplexing binary tunnel packets and JSON
// control messages, with heartbeat and bounded reconnection.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"overlayctl/internal/cred"
)

// State of the transport connection.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// ErrCredentialExpired is returned when a reconnect attempt would
// reuse a session token that has already lapsed. Reconnection fails
// fast instead of retrying indefinitely.
var ErrCredentialExpired = errors.New("session credential expired")

// Handlers receive transport events. All callbacks fire from the
// transport's read goroutine and must not block.
type Handlers struct {
	OnPacket      func(payload []byte)
	OnError       func(msg string)
	OnStateChange func(state State)
	// OnUnhealthy fires when the peer has been silent past the read
	// timeout. The connection is closed and a reconnect scheduled; the
	// callback is the orchestrator's liveness signal.
	OnUnhealthy func()
}

// Options tune the transport's timing.
type Options struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	ReconnectDelay time.Duration
	// BinaryFrames selects raw binary framing for packets. When
	// false, packets are wrapped base64 in packet-type envelopes.
	BinaryFrames bool
}

// DefaultOptions match the relay server's expectations.
func DefaultOptions() Options {
	return Options{
		PingInterval:   15 * time.Second,
		ReadTimeout:    45 * time.Second,
		ReconnectDelay: 3 * time.Second,
		BinaryFrames:   true,
	}
}

// Transport owns one websocket connection to a relay endpoint. It is
// owned exclusively by its orchestrator and never shared across
// sessions.
type Transport struct {
	endpoint string
	token    string
	opts     Options
	handlers Handlers
	log      *zap.Logger
	dialer   *websocket.Dialer
	now      func() time.Time

	mu               sync.Mutex
	state            State
	conn             *websocket.Conn
	writeMu          sync.Mutex
	reconnectPending bool
	reconnectTimer   *time.Timer
	stopPing         chan struct{}
	terminal         bool
}

// New creates a transport for endpoint, authorized with the bearer
// session token.
func New(endpoint, token string, opts Options, handlers Handlers, log *zap.Logger) *Transport {
	return &Transport{
		endpoint: endpoint,
		token:    token,
		opts:     opts,
		handlers: handlers,
		log:      log,
		dialer:   websocket.DefaultDialer,
		now:      time.Now,
	}
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == "" {
		return StateIdle
	}
	return t.state
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	changed := t.state != s
	t.state = s
	t.mu.Unlock()
	if changed && t.handlers.OnStateChange != nil {
		t.handlers.OnStateChange(s)
	}
}

// Connect dials the relay endpoint and starts the read loop and
// heartbeat. It returns once the socket is open.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateOpen || t.state == StateConnecting {
		t.mu.Unlock()
		return fmt.Errorf("transport already %s", t.state)
	}
	t.terminal = false
	t.mu.Unlock()

	return t.dial(ctx)
}

func (t *Transport) dial(ctx context.Context) error {
	t.setState(StateConnecting)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.token)
	conn, resp, err := t.dialer.DialContext(ctx, t.endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.setState(StateClosed)
		return fmt.Errorf("dialing relay %s: %w", t.endpoint, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.stopPing = make(chan struct{})
	stopPing := t.stopPing
	t.mu.Unlock()
	t.setState(StateOpen)
	t.log.Info("relay connected", zap.String("endpoint", t.endpoint))

	go t.readLoop(conn)
	go t.pingLoop(stopPing)
	return nil
}

// Disconnect closes the connection terminally: no reconnect will be
// scheduled and any pending reconnect timer is cleared.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.terminal = true
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	t.reconnectPending = false
	conn := t.conn
	t.conn = nil
	if t.stopPing != nil {
		close(t.stopPing)
		t.stopPing = nil
	}
	t.mu.Unlock()

	t.setState(StateClosing)
	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			t.now().Add(time.Second))
		t.writeMu.Unlock()
		_ = conn.Close()
	}
	t.setState(StateClosed)
	return nil
}

// SendControl writes a JSON control envelope. Outside the open state
// it is a logged no-op, never an error, so teardown paths stay calm.
func (t *Transport) SendControl(msg ControlMessage) {
	t.mu.Lock()
	conn := t.conn
	open := t.state == StateOpen
	t.mu.Unlock()
	if !open || conn == nil {
		t.log.Warn("relay send skipped, channel not open", zap.String("type", msg.Type))
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		t.log.Warn("relay control marshal failed", zap.Error(err))
		return
	}
	t.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	t.writeMu.Unlock()
	if err != nil {
		t.log.Warn("relay control write failed", zap.Error(err))
	}
}

// SendPacket forwards a tunnel packet over the relay. With binary
// framing it goes out as-is; otherwise it is wrapped base64 in a
// packet envelope.
func (t *Transport) SendPacket(payload []byte) {
	if !t.opts.BinaryFrames {
		t.SendControl(PacketMessage(payload, ""))
		return
	}

	t.mu.Lock()
	conn := t.conn
	open := t.state == StateOpen
	t.mu.Unlock()
	if !open || conn == nil {
		t.log.Warn("relay packet dropped, channel not open", zap.Int("bytes", len(payload)))
		return
	}

	t.writeMu.Lock()
	err := conn.WriteMessage(websocket.BinaryMessage, payload)
	t.writeMu.Unlock()
	if err != nil {
		t.log.Warn("relay packet write failed", zap.Error(err))
	}
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		if t.opts.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(t.now().Add(t.opts.ReadTimeout))
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.handleReadError(conn, err)
			return
		}
		t.dispatch(DecodeFrame(payload))
	}
}

func (t *Transport) dispatch(frame Frame) {
	if frame.Control == nil {
		if t.handlers.OnPacket != nil {
			t.handlers.OnPacket(frame.Packet)
		}
		return
	}

	switch frame.Control.Type {
	case TypePing:
		t.SendControl(ControlMessage{Type: TypePong, SessionID: frame.Control.SessionID})
	case TypePong:
		// Liveness is tracked by the read deadline, not by pairing
		// pongs to pings.
	case TypePacket:
		data, err := frame.Control.PacketData()
		if err != nil {
			t.log.Warn("relay packet envelope with bad base64", zap.Error(err))
			return
		}
		if t.handlers.OnPacket != nil {
			t.handlers.OnPacket(data)
		}
	case TypeError:
		// Server fault is surfaced but does not close the channel.
		t.log.Warn("relay server error", zap.String("detail", frame.Control.Data))
		if t.handlers.OnError != nil {
			t.handlers.OnError(frame.Control.Data)
		}
	default:
		t.log.Debug("relay control ignored", zap.String("type", frame.Control.Type))
	}
}

func (t *Transport) handleReadError(conn *websocket.Conn, err error) {
	t.mu.Lock()
	stale := t.conn != conn
	terminal := t.terminal
	if !stale {
		t.conn = nil
		if t.stopPing != nil {
			close(t.stopPing)
			t.stopPing = nil
		}
	}
	t.mu.Unlock()
	_ = conn.Close()
	if stale || terminal {
		return
	}

	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		t.log.Warn("relay silent past read timeout", zap.String("endpoint", t.endpoint))
		if t.handlers.OnUnhealthy != nil {
			t.handlers.OnUnhealthy()
		}
	} else {
		t.log.Warn("relay connection lost", zap.Error(err))
	}

	t.setState(StateClosed)
	t.scheduleReconnect()
}

func (t *Transport) pingLoop(stop chan struct{}) {
	interval := t.opts.PingInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.SendControl(ControlMessage{Type: TypePing})
		}
	}
}

// scheduleReconnect arms at most one pending reconnect attempt.
func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	if t.terminal || t.reconnectPending {
		t.mu.Unlock()
		return
	}
	t.reconnectPending = true
	t.reconnectTimer = time.AfterFunc(t.opts.ReconnectDelay, t.reconnect)
	t.mu.Unlock()
	t.log.Info("relay reconnect scheduled", zap.Duration("delay", t.opts.ReconnectDelay))
}

func (t *Transport) reconnect() {
	t.mu.Lock()
	t.reconnectPending = false
	t.reconnectTimer = nil
	terminal := t.terminal
	t.mu.Unlock()
	if terminal {
		return
	}

	// Reconnecting with a token the relay will reject is pointless;
	// the session must be re-requested instead.
	if err := t.checkToken(); err != nil {
		t.log.Error("relay reconnect aborted", zap.Error(err))
		t.setState(StateClosed)
		if t.handlers.OnError != nil {
			t.handlers.OnError(err.Error())
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.dial(ctx); err != nil {
		t.log.Warn("relay reconnect failed", zap.Error(err))
		t.scheduleReconnect()
	}
}

func (t *Transport) checkToken() error {
	username, _, err := cred.SplitToken(t.token)
	if err != nil {
		return nil // opaque tokens carry no expiry to check
	}
	expiry, err := cred.Expiry(username)
	if err != nil {
		return nil
	}
	if t.now().After(expiry) {
		return fmt.Errorf("%w at %s", ErrCredentialExpired, expiry.UTC().Format(time.RFC3339))
	}
	return nil
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

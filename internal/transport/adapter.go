// Package transport owns the single live publish/subscribe connection bound
// to a practice session. It implements the connection state machine
// (DISCONNECTED -> CONNECTING -> CONNECTED), subscribes to the session's chat
// and AI-feedback topics, and retries lost connections on a fixed delay.
//
// The adapter is an owned resource with a single-writer invariant: only the
// session lifecycle manager calls Connect and Disconnect. Publish never
// buffers; sending while disconnected is a caller error, not a queued send.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/asep/peerpractice/internal/message"
	"github.com/asep/peerpractice/internal/protocol"
)

// State is the adapter's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ErrNotConnected is returned by Publish when the adapter is not in the
// CONNECTED state. The message is not queued for later delivery.
var ErrNotConnected = errors.New("transport: not connected")

// teardownWriteTimeout bounds the best-effort unsubscribe writes issued
// while tearing a connection down.
const teardownWriteTimeout = 250 * time.Millisecond

// DialFunc opens the underlying connection. The default dials a WebSocket
// with gobwas/ws; tests substitute an in-memory pipe.
type DialFunc func(ctx context.Context, url string, header http.Header) (net.Conn, error)

// Config holds adapter settings. ReconnectDelay is deliberately a fixed
// delay rather than an exponential back-off; it is configurable here so
// deployments that want a different policy can set one.
type Config struct {
	URL            string
	Token          string // bearer credential; empty means unauthenticated connect
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	Dial           DialFunc // optional; nil uses the WebSocket dialer
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:            "ws://localhost:8084/ws",
		ReconnectDelay: 5 * time.Second,
		DialTimeout:    10 * time.Second,
	}
}

// Inbound is a parsed frame delivered to the registered inbound callback.
type Inbound struct {
	SessionID int64
	Topic     string
	Msg       message.Message
}

// Adapter owns at most one live connection at a time.
type Adapter struct {
	cfg  Config
	dial DialFunc

	mu        sync.Mutex
	state     State
	gen       uint64 // bumped by Connect/Disconnect; stale epochs are ignored
	sessionID int64
	conn      net.Conn
	retry     *time.Timer

	writeMu sync.Mutex

	// deliverMu serializes inbound callback invocation against Disconnect,
	// so no callback fires after Disconnect returns.
	deliverMu sync.Mutex

	onMessage func(Inbound)
	onState   func(State)
}

// New creates a disconnected adapter.
func New(cfg Config) *Adapter {
	def := DefaultConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	dial := cfg.Dial
	if dial == nil {
		dial = wsDial
	}
	return &Adapter{cfg: cfg, dial: dial, state: StateDisconnected}
}

func wsDial(ctx context.Context, url string, header http.Header) (net.Conn, error) {
	d := ws.Dialer{}
	if len(header) > 0 {
		d.Header = ws.HandshakeHeaderHTTP(header)
	}
	conn, _, _, err := d.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// OnMessage registers the single inbound callback. Register before Connect.
func (a *Adapter) OnMessage(fn func(Inbound)) {
	a.mu.Lock()
	a.onMessage = fn
	a.mu.Unlock()
}

// OnStateChange registers an observer for connection-state transitions.
// Transport failures escalate to callers only through this observer, never
// as errors from Connect.
func (a *Adapter) OnStateChange(fn func(State)) {
	a.mu.Lock()
	a.onState = fn
	a.mu.Unlock()
}

// State returns the current connection state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Connect binds the adapter to sessionID and opens a connection. Any prior
// connection is torn down first: at most one connection is live per adapter,
// and calling Connect twice never leaves two subscriptions to the same
// topic. The dial and handshake run asynchronously; failures surface as a
// state change followed by a scheduled retry.
func (a *Adapter) Connect(sessionID int64) {
	a.mu.Lock()
	a.teardownLocked()
	a.sessionID = sessionID
	a.state = StateConnecting
	gen := a.gen
	cb := a.onState
	a.mu.Unlock()

	if cb != nil {
		cb(StateConnecting)
	}
	go a.run(gen, sessionID)
}

// Disconnect closes the connection, unsubscribing both topics first. It is
// idempotent and safe to call in any state. After it returns, no further
// inbound callback fires even if the relay sends a frame moments later.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	changed := a.state != StateDisconnected
	a.teardownLocked()
	a.state = StateDisconnected
	cb := a.onState
	a.mu.Unlock()

	// Wait out any delivery already in flight. Once we pass this barrier,
	// every pending callback has either completed or observed the stale
	// generation and given up.
	a.deliverMu.Lock()
	a.deliverMu.Unlock() //nolint:staticcheck // empty critical section is the barrier

	if changed && cb != nil {
		cb(StateDisconnected)
	}
}

// teardownLocked cancels the retry timer, best-effort unsubscribes, closes
// the connection, and invalidates the current epoch. Caller holds a.mu.
func (a *Adapter) teardownLocked() {
	a.gen++
	if a.retry != nil {
		a.retry.Stop()
		a.retry = nil
	}
	if a.conn == nil {
		return
	}
	conn := a.conn
	a.conn = nil

	if a.state == StateConnected {
		_ = conn.SetWriteDeadline(time.Now().Add(teardownWriteTimeout))
		a.writeMu.Lock()
		for _, topic := range []string{protocol.ChatTopic(a.sessionID), protocol.AITopic(a.sessionID)} {
			if err := writeFrame(conn, protocol.Frame{Op: protocol.OpUnsubscribe, Topic: topic}); err != nil {
				log.Printf("[transport] unsubscribe %s: %v", topic, err)
				break
			}
		}
		a.writeMu.Unlock()
	}
	if err := conn.Close(); err != nil {
		log.Printf("[transport] close: %v", err)
	}
}

// run dials and services one connection attempt for the given epoch.
func (a *Adapter) run(gen uint64, sessionID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DialTimeout)
	header := http.Header{}
	if a.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+a.cfg.Token)
	}
	conn, err := a.dial(ctx, a.cfg.URL, header)
	cancel()
	if err != nil {
		log.Printf("[transport] connect session=%d: %v", sessionID, err)
		a.connectionLost(gen, sessionID)
		return
	}

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		conn.Close()
		return
	}
	a.conn = conn
	a.state = StateConnected
	cb := a.onState
	a.mu.Unlock()

	for _, topic := range []string{protocol.ChatTopic(sessionID), protocol.AITopic(sessionID)} {
		if err := a.send(conn, protocol.Frame{Op: protocol.OpSubscribe, Topic: topic}); err != nil {
			log.Printf("[transport] subscribe %s: %v", topic, err)
			a.connectionLost(gen, sessionID)
			return
		}
	}

	log.Printf("[transport] connected session=%d", sessionID)
	if cb != nil {
		cb(StateConnected)
	}
	a.readLoop(gen, conn, sessionID)
}

// connectionLost reverts to DISCONNECTED and schedules a retry on the fixed
// delay, unless this epoch has been superseded by Connect or Disconnect.
func (a *Adapter) connectionLost(gen uint64, sessionID int64) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.state = StateDisconnected
	cb := a.onState
	a.retry = time.AfterFunc(a.cfg.ReconnectDelay, func() {
		a.mu.Lock()
		if gen != a.gen || a.state != StateDisconnected {
			a.mu.Unlock()
			return
		}
		a.state = StateConnecting
		scb := a.onState
		a.mu.Unlock()
		if scb != nil {
			scb(StateConnecting)
		}
		a.run(gen, sessionID)
	})
	a.mu.Unlock()

	if cb != nil {
		cb(StateDisconnected)
	}
}

// readLoop reads frames until the connection drops or the epoch ends.
func (a *Adapter) readLoop(gen uint64, conn net.Conn, sessionID int64) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			a.mu.Lock()
			current := gen == a.gen
			a.mu.Unlock()
			if current {
				log.Printf("[transport] read session=%d: %v", sessionID, err)
				a.connectionLost(gen, sessionID)
			}
			return
		}

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			// A poisoned frame must not kill the connection.
			log.Printf("[transport] dropping frame session=%d: %v", sessionID, err)
			continue
		}
		if frame.Op != protocol.OpMessage {
			if frame.Op == protocol.OpError {
				log.Printf("[transport] relay error session=%d: %s", sessionID, frame.Error)
			}
			continue
		}

		fallback := message.TypeChat
		if protocol.IsAITopic(frame.Topic) {
			fallback = message.TypeAIFeedback
		}
		msg, err := message.Decode(frame.Payload, fallback)
		if err != nil {
			log.Printf("[transport] dropping frame session=%d topic=%s: %v", sessionID, frame.Topic, err)
			continue
		}

		a.deliver(gen, Inbound{SessionID: sessionID, Topic: frame.Topic, Msg: msg})
	}
}

// deliver invokes the inbound callback unless the epoch has ended.
func (a *Adapter) deliver(gen uint64, in Inbound) {
	a.deliverMu.Lock()
	defer a.deliverMu.Unlock()

	a.mu.Lock()
	current := gen == a.gen
	cb := a.onMessage
	a.mu.Unlock()

	if !current || cb == nil {
		return
	}
	cb(in)
}

// Publish sends msg on the session's chat topic, or on the AI-feedback topic
// for ai-feedback-typed messages. It fails immediately with ErrNotConnected
// when the adapter is not connected to sessionID; nothing is ever queued.
func (a *Adapter) Publish(sessionID int64, msg message.Message) error {
	a.mu.Lock()
	if a.state != StateConnected || a.sessionID != sessionID || a.conn == nil {
		a.mu.Unlock()
		return ErrNotConnected
	}
	conn := a.conn
	a.mu.Unlock()

	msg.SessionID = sessionID
	topic := protocol.ChatTopic(sessionID)
	if msg.Type == message.TypeAIFeedback {
		topic = protocol.AITopic(sessionID)
	}

	payload, err := message.Encode(msg)
	if err != nil {
		return fmt.Errorf("transport: publish: %w", err)
	}
	if err := a.send(conn, protocol.Frame{Op: protocol.OpPublish, Topic: topic, Payload: payload}); err != nil {
		return fmt.Errorf("transport: publish: %w", err)
	}
	return nil
}

// send serializes writes so concurrent publishers do not interleave frames.
func (a *Adapter) send(conn net.Conn, f protocol.Frame) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return writeFrame(conn, f)
}

func writeFrame(conn net.Conn, f protocol.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

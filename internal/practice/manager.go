package practice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/asep/peerpractice/internal/message"
	"github.com/asep/peerpractice/internal/transport"
)

// ErrSessionActive is returned by FindMatch while a session is already
// active. The transport connection has a single writer — this manager — so a
// second concurrent match must not sneak in a second connect.
var ErrSessionActive = errors.New("practice: session already active")

// Matcher is the external matching service contract used by the Manager.
type Matcher interface {
	FindMatch(ctx context.Context, req MatchRequest) (*Session, error)
	ActiveSession(ctx context.Context) (*Session, error)
	EndSession(ctx context.Context, sessionID int64) error
}

// Transport is the slice of the realtime adapter the Manager drives. The
// Manager is the sole owner of Connect/Disconnect.
type Transport interface {
	Connect(sessionID int64)
	Disconnect()
	State() transport.State
	Publish(sessionID int64, msg message.Message) error
}

// Manager turns a match result into an active session bound to a transport
// connection and owns the teardown. The connect and disconnect calls are
// strictly paired: entering ACTIVE connects exactly once, leaving ACTIVE
// (explicit end or Close) disconnects exactly once.
type Manager struct {
	matcher   Matcher
	transport Transport
	selfID    int64
	selfName  string

	mu       sync.Mutex
	session  *Session
	messages []message.Message
	onChange func(message.Message)
}

// NewManager creates an idle manager for the given participant.
func NewManager(matcher Matcher, tr Transport, selfID int64, selfName string) *Manager {
	return &Manager{
		matcher:   matcher,
		transport: tr,
		selfID:    selfID,
		selfName:  selfName,
	}
}

// OnMessage registers an observer invoked for every message added to the
// session's transient history, local echoes included.
func (m *Manager) OnMessage(fn func(message.Message)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Active returns the current session, or nil when idle.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// FindMatch asks the matcher for a partner and, on success, opens the
// transport for the new session. On failure the manager stays idle and the
// error is returned; nothing is connected.
func (m *Manager) FindMatch(ctx context.Context, req MatchRequest) (*Session, error) {
	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	m.mu.Unlock()

	session, err := m.matcher.FindMatch(ctx, req)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.session != nil {
		// A concurrent FindMatch won the race; the matcher guarantees one
		// active session per participant, so this descriptor is the same
		// session. Do not connect twice.
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	m.session = session
	m.messages = nil
	m.mu.Unlock()

	log.Printf("[practice] matched session=%d partner=%q topic=%q", session.ID, partnerName(session, m.selfID), session.Topic)
	m.transport.Connect(session.ID)
	return session, nil
}

// Resume probes the matcher for an existing ACTIVE session, e.g. on startup
// after a reload. It is idempotent: if the manager is already attached to
// the session the matcher reports, nothing reconnects and no duplicate
// subscription appears. With no active session it returns (nil, nil).
func (m *Manager) Resume(ctx context.Context) (*Session, error) {
	session, err := m.matcher.ActiveSession(ctx)
	if errors.Is(err, ErrNoActiveSession) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.session != nil && m.session.ID == session.ID {
		m.mu.Unlock()
		return session, nil
	}
	stale := m.session != nil
	m.session = session
	m.messages = nil
	m.mu.Unlock()

	if stale {
		// Attached to a session the matcher no longer reports; the connect
		// below supersedes the old connection inside the adapter.
		log.Printf("[practice] replacing stale session binding with session=%d", session.ID)
	}
	log.Printf("[practice] resumed session=%d", session.ID)
	m.transport.Connect(session.ID)
	return session, nil
}

// EndSession notifies the matcher that the session is over, then tears down
// the transport and discards the transient chat history. If the matcher call
// fails the session stays active so the user can retry.
func (m *Manager) EndSession(ctx context.Context) error {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session == nil {
		return ErrNoActiveSession
	}

	if err := m.matcher.EndSession(ctx, session.ID); err != nil {
		return err
	}

	m.teardown()
	log.Printf("[practice] ended session=%d", session.ID)
	return nil
}

// Close tears the manager down without notifying the matcher, for shutdown
// or navigation away mid-session. Idempotent; never leaks a connection.
func (m *Manager) Close() {
	m.teardown()
}

func (m *Manager) teardown() {
	m.mu.Lock()
	active := m.session != nil
	m.session = nil
	m.messages = nil
	m.mu.Unlock()

	if active {
		m.transport.Disconnect()
	}
}

// Send publishes a chat message from the local participant and echoes it
// into the transient history. Sending requires a connected transport; the
// message is never queued.
func (m *Manager) Send(content string) error {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session == nil {
		return ErrNoActiveSession
	}

	selfID := m.selfID
	msg, err := message.New(&selfID, m.selfName, content, message.TypeChat)
	if err != nil {
		return err
	}
	if err := m.transport.Publish(session.ID, msg); err != nil {
		return fmt.Errorf("practice: send: %w", err)
	}

	m.push(msg)
	return nil
}

// HandleInbound is the adapter's inbound callback. Echoes of the local
// participant's own messages are skipped; everything else joins the
// transient history.
func (m *Manager) HandleInbound(in transport.Inbound) {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session == nil || session.ID != in.SessionID {
		return
	}
	if in.Msg.SenderID != nil && *in.Msg.SenderID == m.selfID {
		return
	}
	m.push(in.Msg)
}

// PushSystem adds a local system notice (e.g. "connected to the room") to
// the transient history without touching the wire.
func (m *Manager) PushSystem(content string) {
	m.push(message.NewSystem(content))
}

// Messages returns a copy of the session's transient history ordered by
// creation timestamp. The history lives in memory only and is discarded
// when the session ends.
func (m *Manager) Messages() []message.Message {
	m.mu.Lock()
	out := make([]message.Message, len(m.messages))
	copy(out, m.messages)
	m.mu.Unlock()

	SortByTimestamp(out)
	return out
}

func (m *Manager) push(msg message.Message) {
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil {
		fn(msg)
	}
}

func partnerName(s *Session, selfID int64) string {
	_, name := s.Partner(selfID)
	return name
}

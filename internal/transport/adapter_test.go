package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/asep/peerpractice/internal/message"
	"github.com/asep/peerpractice/internal/protocol"
)

// ---------------------------------------------------------------------------
// Fake relay: an in-memory peer speaking the frame protocol over net.Pipe
// ---------------------------------------------------------------------------

type fakeRelay struct {
	mu       sync.Mutex
	dials    int
	failNext int // number of upcoming dials to fail
	conns    []*fakeConn
	auth     []string // Authorization header seen per dial
}

type fakeConn struct {
	conn      net.Conn
	mu        sync.Mutex
	subs      map[string]bool
	published []protocol.Frame
	closed    bool
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{}
}

func (r *fakeRelay) Dial(ctx context.Context, url string, header http.Header) (net.Conn, error) {
	r.mu.Lock()
	r.dials++
	r.auth = append(r.auth, header.Get("Authorization"))
	if r.failNext > 0 {
		r.failNext--
		r.mu.Unlock()
		return nil, errors.New("handshake refused")
	}
	client, server := net.Pipe()
	fc := &fakeConn{conn: server, subs: make(map[string]bool)}
	r.conns = append(r.conns, fc)
	r.mu.Unlock()

	go fc.serve()
	return client, nil
}

func (r *fakeRelay) dialCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dials
}

func (r *fakeRelay) lastConn() *fakeConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) == 0 {
		return nil
	}
	return r.conns[len(r.conns)-1]
}

// liveSubscriptions counts subscriptions across connections that are still
// open.
func (r *fakeRelay) liveSubscriptions(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, fc := range r.conns {
		fc.mu.Lock()
		if !fc.closed && fc.subs[topic] {
			n++
		}
		fc.mu.Unlock()
	}
	return n
}

func (r *fakeRelay) publishedTotal() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, fc := range r.conns {
		fc.mu.Lock()
		n += len(fc.published)
		fc.mu.Unlock()
	}
	return n
}

func (fc *fakeConn) serve() {
	for {
		data, err := wsutil.ReadClientText(fc.conn)
		if err != nil {
			fc.mu.Lock()
			fc.closed = true
			fc.mu.Unlock()
			return
		}
		frame, err := protocol.ParseFrame(data)
		if err != nil {
			continue
		}
		fc.mu.Lock()
		switch frame.Op {
		case protocol.OpSubscribe:
			fc.subs[frame.Topic] = true
		case protocol.OpUnsubscribe:
			delete(fc.subs, frame.Topic)
		case protocol.OpPublish:
			fc.published = append(fc.published, frame)
		}
		fc.mu.Unlock()
	}
}

func (fc *fakeConn) hasSub(topic string) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.subs[topic]
}

func (fc *fakeConn) sendRaw(raw []byte) error {
	_ = fc.conn.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
	return wsutil.WriteServerMessage(fc.conn, ws.OpText, raw)
}

func (fc *fakeConn) sendMessage(topic string, msg message.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(protocol.Frame{Op: protocol.OpMessage, Topic: topic, Payload: payload})
	if err != nil {
		return err
	}
	return fc.sendRaw(raw)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestAdapter(relay *fakeRelay) *Adapter {
	cfg := DefaultConfig()
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.DialTimeout = time.Second
	cfg.Dial = relay.Dial
	return New(cfg)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---------------------------------------------------------------------------
// Test: Connect subscribes the session's chat and AI topics
// ---------------------------------------------------------------------------

func TestConnect_SubscribesBothTopics(t *testing.T) {
	relay := newFakeRelay()
	a := newTestAdapter(relay)
	defer a.Disconnect()

	a.Connect(42)
	waitFor(t, "connected state", func() bool { return a.State() == StateConnected })

	fc := relay.lastConn()
	waitFor(t, "chat subscription", func() bool { return fc.hasSub(protocol.ChatTopic(42)) })
	waitFor(t, "ai subscription", func() bool { return fc.hasSub(protocol.AITopic(42)) })
}

func TestConnect_SendsBearerToken(t *testing.T) {
	relay := newFakeRelay()
	cfg := DefaultConfig()
	cfg.Token = "sekrit"
	cfg.Dial = relay.Dial
	a := New(cfg)
	defer a.Disconnect()

	a.Connect(1)
	waitFor(t, "connected state", func() bool { return a.State() == StateConnected })

	relay.mu.Lock()
	auth := relay.auth[0]
	relay.mu.Unlock()
	if auth != "Bearer sekrit" {
		t.Fatalf("expected bearer header, got %q", auth)
	}
}

func TestConnect_NoTokenStillConnects(t *testing.T) {
	relay := newFakeRelay()
	a := newTestAdapter(relay)
	defer a.Disconnect()

	a.Connect(1)
	waitFor(t, "connected state", func() bool { return a.State() == StateConnected })

	relay.mu.Lock()
	auth := relay.auth[0]
	relay.mu.Unlock()
	if auth != "" {
		t.Fatalf("expected no auth header, got %q", auth)
	}
}

// ---------------------------------------------------------------------------
// Test: Idempotent connect — the second call tears down the first
// ---------------------------------------------------------------------------

func TestConnect_Idempotent(t *testing.T) {
	relay := newFakeRelay()
	a := newTestAdapter(relay)
	defer a.Disconnect()

	a.Connect(42)
	waitFor(t, "first connection", func() bool { return a.State() == StateConnected })

	a.Connect(42)
	waitFor(t, "second connection", func() bool {
		return a.State() == StateConnected && relay.dialCount() == 2
	})

	// Never two live subscriptions to the same topic.
	waitFor(t, "single live subscription", func() bool {
		return relay.liveSubscriptions(protocol.ChatTopic(42)) == 1 &&
			relay.liveSubscriptions(protocol.AITopic(42)) == 1
	})
}

// ---------------------------------------------------------------------------
// Test: Publish fails while disconnected and never queues
// ---------------------------------------------------------------------------

func TestPublish_WhileDisconnected(t *testing.T) {
	relay := newFakeRelay()
	a := newTestAdapter(relay)
	defer a.Disconnect()

	msg, _ := message.New(nil, "Alice", "too early", message.TypeChat)
	if err := a.Publish(42, msg); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	// Connecting afterwards must not flush the failed message.
	a.Connect(42)
	waitFor(t, "connected state", func() bool { return a.State() == StateConnected })
	time.Sleep(20 * time.Millisecond)
	if n := relay.publishedTotal(); n != 0 {
		t.Fatalf("expected no published frames after reconnect, got %d", n)
	}
}

func TestPublish_WrongSession(t *testing.T) {
	relay := newFakeRelay()
	a := newTestAdapter(relay)
	defer a.Disconnect()

	a.Connect(42)
	waitFor(t, "connected state", func() bool { return a.State() == StateConnected })

	msg, _ := message.New(nil, "Alice", "hi", message.TypeChat)
	if err := a.Publish(99, msg); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected for foreign session, got %v", err)
	}
}

func TestPublish_RoutesByMessageType(t *testing.T) {
	relay := newFakeRelay()
	a := newTestAdapter(relay)
	defer a.Disconnect()

	a.Connect(42)
	waitFor(t, "connected state", func() bool { return a.State() == StateConnected })

	chat, _ := message.New(nil, "Alice", "hello", message.TypeChat)
	if err := a.Publish(42, chat); err != nil {
		t.Fatalf("publish chat: %v", err)
	}
	feedback, _ := message.New(nil, "Alice", "", message.TypeAIFeedback)
	if err := a.Publish(42, feedback); err != nil {
		t.Fatalf("publish feedback: %v", err)
	}

	fc := relay.lastConn()
	waitFor(t, "two published frames", func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return len(fc.published) == 2
	})

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.published[0].Topic != protocol.ChatTopic(42) {
		t.Errorf("chat frame on %q, want %q", fc.published[0].Topic, protocol.ChatTopic(42))
	}
	if fc.published[1].Topic != protocol.AITopic(42) {
		t.Errorf("feedback frame on %q, want %q", fc.published[1].Topic, protocol.AITopic(42))
	}
}

// ---------------------------------------------------------------------------
// Test: FIFO delivery within a topic
// ---------------------------------------------------------------------------

func TestInbound_OrderPreservedWithinTopic(t *testing.T) {
	relay := newFakeRelay()
	a := newTestAdapter(relay)
	defer a.Disconnect()

	var mu sync.Mutex
	var got []string
	a.OnMessage(func(in Inbound) {
		mu.Lock()
		got = append(got, in.Msg.Content)
		mu.Unlock()
	})

	a.Connect(42)
	waitFor(t, "connected state", func() bool { return a.State() == StateConnected })

	fc := relay.lastConn()
	const n = 20
	for i := 0; i < n; i++ {
		m, _ := message.New(nil, "Bob", fmt.Sprintf("msg-%d", i), message.TypeChat)
		if err := fc.sendMessage(protocol.ChatTopic(42), m); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	waitFor(t, "all deliveries", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	})

	mu.Lock()
	defer mu.Unlock()
	for i, content := range got {
		if want := fmt.Sprintf("msg-%d", i); content != want {
			t.Fatalf("index %d: got %q, want %q", i, content, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed frames are dropped without killing the connection
// ---------------------------------------------------------------------------

func TestInbound_MalformedFramesDropped(t *testing.T) {
	relay := newFakeRelay()
	a := newTestAdapter(relay)
	defer a.Disconnect()

	var delivered int32
	a.OnMessage(func(Inbound) { atomic.AddInt32(&delivered, 1) })

	a.Connect(42)
	waitFor(t, "connected state", func() bool { return a.State() == StateConnected })

	fc := relay.lastConn()
	if err := fc.sendRaw([]byte(`{broken`)); err != nil {
		t.Fatalf("send garbage: %v", err)
	}
	if err := fc.sendRaw([]byte(`{"topic":"peer-practice.42"}`)); err != nil {
		t.Fatalf("send frame without op: %v", err)
	}
	if err := fc.sendRaw([]byte(`{"op":"message","topic":"peer-practice.42","payload":{"type":"bogus"}}`)); err != nil {
		t.Fatalf("send frame with bad payload: %v", err)
	}
	good, _ := message.New(nil, "Bob", "still alive", message.TypeChat)
	if err := fc.sendMessage(protocol.ChatTopic(42), good); err != nil {
		t.Fatalf("send good frame: %v", err)
	}

	waitFor(t, "good frame delivery", func() bool { return atomic.LoadInt32(&delivered) == 1 })
	if a.State() != StateConnected {
		t.Fatalf("expected connection to survive poisoned frames, state=%s", a.State())
	}
}

// ---------------------------------------------------------------------------
// Test: Teardown completeness — no callbacks after Disconnect returns
// ---------------------------------------------------------------------------

func TestDisconnect_NoCallbacksAfterReturn(t *testing.T) {
	relay := newFakeRelay()
	a := newTestAdapter(relay)

	var delivered int32
	a.OnMessage(func(Inbound) { atomic.AddInt32(&delivered, 1) })

	a.Connect(42)
	waitFor(t, "connected state", func() bool { return a.State() == StateConnected })

	fc := relay.lastConn()
	first, _ := message.New(nil, "Bob", "before", message.TypeChat)
	if err := fc.sendMessage(protocol.ChatTopic(42), first); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "first delivery", func() bool { return atomic.LoadInt32(&delivered) == 1 })

	// Race a late frame against the teardown.
	late, _ := message.New(nil, "Bob", "late", message.TypeChat)
	go fc.sendMessage(protocol.ChatTopic(42), late)
	a.Disconnect()

	after := atomic.LoadInt32(&delivered)
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&delivered); got != after {
		t.Fatalf("callback fired after Disconnect returned: %d -> %d", after, got)
	}
	if a.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", a.State())
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	relay := newFakeRelay()
	a := newTestAdapter(relay)

	a.Disconnect()
	a.Disconnect()

	a.Connect(42)
	waitFor(t, "connected state", func() bool { return a.State() == StateConnected })
	a.Disconnect()
	a.Disconnect()
	if a.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", a.State())
	}
}

// ---------------------------------------------------------------------------
// Test: Fixed-delay reconnect after handshake failure and socket loss
// ---------------------------------------------------------------------------

func TestReconnect_AfterHandshakeFailure(t *testing.T) {
	relay := newFakeRelay()
	relay.mu.Lock()
	relay.failNext = 2
	relay.mu.Unlock()

	a := newTestAdapter(relay)
	defer a.Disconnect()

	var mu sync.Mutex
	var states []State
	a.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	a.Connect(42)
	waitFor(t, "eventual connection", func() bool { return a.State() == StateConnected })

	if relay.dialCount() != 3 {
		t.Fatalf("expected 3 dial attempts, got %d", relay.dialCount())
	}

	// Each failed handshake must pass through DISCONNECTED before retrying.
	mu.Lock()
	defer mu.Unlock()
	want := []State{
		StateConnecting, StateDisconnected,
		StateConnecting, StateDisconnected,
		StateConnecting, StateConnected,
	}
	if len(states) != len(want) {
		t.Fatalf("state transitions %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transition %d = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestReconnect_AfterSocketClosed(t *testing.T) {
	relay := newFakeRelay()
	a := newTestAdapter(relay)
	defer a.Disconnect()

	a.Connect(42)
	waitFor(t, "connected state", func() bool { return a.State() == StateConnected })

	// Server drops the socket; the adapter reconnects on its own.
	relay.lastConn().conn.Close()
	waitFor(t, "reconnection", func() bool {
		return relay.dialCount() == 2 && a.State() == StateConnected
	})
	waitFor(t, "resubscription", func() bool {
		return relay.liveSubscriptions(protocol.ChatTopic(42)) == 1
	})
}

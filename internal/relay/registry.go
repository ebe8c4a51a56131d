package relay

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/asep/peerpractice/internal/metrics"
	"github.com/asep/peerpractice/internal/protocol"
)

// Client is one relay connection. Writes are serialized so concurrent
// fan-outs never interleave frames on the wire.
type Client struct {
	conn         net.Conn
	identity     Identity
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  bool
}

func newClient(conn net.Conn, identity Identity, writeTimeout time.Duration) *Client {
	return &Client{conn: conn, identity: identity, writeTimeout: writeTimeout}
}

// WriteFrame sends one protocol frame to the client. A stalled peer hits the
// write deadline instead of wedging every broadcast behind it.
func (c *Client) WriteFrame(f protocol.Frame) error {
	data, err := protocol.EncodeFrame(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

func (c *Client) close() {
	c.writeMu.Lock()
	c.closed = true
	c.writeMu.Unlock()
	c.conn.Close()
}

// Registry tracks which clients are subscribed to which topics and fans
// published frames out to them.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]map[*Client]struct{}

	// onTopicDrained runs after the last subscriber of a topic detaches.
	onTopicDrained func(topic string)
}

func NewRegistry() *Registry {
	return &Registry{topics: make(map[string]map[*Client]struct{})}
}

// OnTopicDrained installs a hook invoked whenever a topic loses its last
// subscriber. Must be set before clients attach.
func (r *Registry) OnTopicDrained(fn func(topic string)) {
	r.onTopicDrained = fn
}

// Subscribe attaches the client to a topic. Subscribing twice is a no-op.
func (r *Registry) Subscribe(topic string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.topics[topic]
	if !ok {
		set = make(map[*Client]struct{})
		r.topics[topic] = set
		metrics.ActiveTopics.Inc()
	}
	set[c] = struct{}{}
}

// Unsubscribe detaches the client from a topic.
func (r *Registry) Unsubscribe(topic string, c *Client) {
	r.mu.Lock()
	set, ok := r.topics[topic]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(set, c)
	drained := len(set) == 0
	if drained {
		delete(r.topics, topic)
		metrics.ActiveTopics.Dec()
	}
	r.mu.Unlock()

	if drained && r.onTopicDrained != nil {
		r.onTopicDrained(topic)
	}
}

// Drop detaches the client from every topic it is subscribed to.
func (r *Registry) Drop(c *Client) {
	r.mu.Lock()
	var drained []string
	for topic, set := range r.topics {
		if _, ok := set[c]; !ok {
			continue
		}
		delete(set, c)
		if len(set) == 0 {
			delete(r.topics, topic)
			metrics.ActiveTopics.Dec()
			drained = append(drained, topic)
		}
	}
	r.mu.Unlock()

	if r.onTopicDrained != nil {
		for _, topic := range drained {
			r.onTopicDrained(topic)
		}
	}
}

// Broadcast delivers a message frame to every subscriber of the topic.
// A failed write marks the client for the read loop to reap; it does not
// stop delivery to the rest.
func (r *Registry) Broadcast(topic string, payload []byte) {
	frame := protocol.Frame{Op: protocol.OpMessage, Topic: topic, Payload: payload}

	r.mu.RLock()
	subscribers := make([]*Client, 0, len(r.topics[topic]))
	for c := range r.topics[topic] {
		subscribers = append(subscribers, c)
	}
	r.mu.RUnlock()

	for _, c := range subscribers {
		if err := c.WriteFrame(frame); err != nil {
			c.close()
		}
	}
}

// Subscribers reports how many clients are attached to the topic.
func (r *Registry) Subscribers(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

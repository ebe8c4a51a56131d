// Package client provides a reusable WebSocket load test client for the
// peer-practice relay. It speaks the relay's frame protocol directly using
// gobwas/ws (the same library the relay uses) and tracks per-connection
// performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Frame operations mirrored from the relay protocol.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
	OpMessage     = "message"
	OpError       = "error"
)

// Frame is the relay wire envelope.
type Frame struct {
	Op      string          `json:"op"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ChatTopic returns the chat topic for a session.
func ChatTopic(sessionID int64) string {
	return fmt.Sprintf("peer-practice.%d", sessionID)
}

// AITopic returns the AI-feedback topic for a session.
func AITopic(sessionID int64) string {
	return ChatTopic(sessionID) + ".ai"
}

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is a single simulated learner connection to the relay. Incoming
// message frames are dispatched to the registered handler from the read loop
// goroutine.
type Client struct {
	conn      net.Conn
	mu        sync.Mutex
	metrics   Metrics
	onMessage func(topic string, payload json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
}

// New dials the relay and starts the background read loop.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn: conn,
		done: make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	return c, nil
}

// OnMessage registers the handler for delivered message frames. Register
// before Subscribe; the handler runs on the read loop goroutine and should
// not block.
func (c *Client) OnMessage(fn func(topic string, payload json.RawMessage)) {
	c.onMessage = fn
}

// Subscribe attaches the client to a topic.
func (c *Client) Subscribe(topic string) error {
	return c.send(Frame{Op: OpSubscribe, Topic: topic})
}

// Publish sends a payload to a topic.
func (c *Client) Publish(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.send(Frame{Op: OpPublish, Topic: topic, Payload: data})
}

func (c *Client) send(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			continue
		}

		switch f.Op {
		case OpMessage:
			c.mu.Lock()
			c.metrics.MessagesReceived++
			handler := c.onMessage
			c.mu.Unlock()
			if handler != nil {
				handler(f.Topic, f.Payload)
			}
		case OpError:
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
		}
	}
}

// Metrics returns a snapshot of the client's counters.
func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Close shuts the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

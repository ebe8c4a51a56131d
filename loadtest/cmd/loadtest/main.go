// Command loadtest drives the peer-practice relay with simulated session
// pairs. Each pair opens two connections, subscribes both to the pair's chat
// topic, and exchanges timestamped messages; the receiver side records the
// publish-to-delivery latency. A fraction of pairs also exercises the
// AI-feedback round trip.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/asep/peerpractice/loadtest/client"
	"github.com/asep/peerpractice/loadtest/stats"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8084/ws", "relay WebSocket URL")
		pairs    = flag.Int("pairs", 50, "number of concurrent session pairs")
		messages = flag.Int("messages", 20, "messages sent per side")
		interval = flag.Duration("interval", 100*time.Millisecond, "delay between sends")
		feedback = flag.Bool("feedback", true, "also exercise the AI-feedback round trip")
		timeout  = flag.Duration("timeout", 60*time.Second, "overall test timeout")
	)
	flag.Parse()

	log.Printf("loadtest: %d pairs, %d messages/side, interval %s against %s",
		*pairs, *messages, *interval, *url)

	collector := stats.NewCollector()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(sessionID int64) {
			defer wg.Done()
			runPair(ctx, *url, sessionID, *messages, *interval, *feedback, collector)
		}(int64(100000 + i))
	}
	wg.Wait()

	collector.Report()
}

// wireMessage is the payload shape the relay fans out.
type wireMessage struct {
	SenderID   *int64 `json:"senderId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	Content    string `json:"content"`
	Type       string `json:"type,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
}

// runPair simulates one practice session: two learners exchanging messages.
func runPair(ctx context.Context, url string, sessionID int64, messages int, interval time.Duration, feedback bool, collector *stats.Collector) {
	topic := client.ChatTopic(sessionID)

	a, err := connect(ctx, url, topic, collector)
	if err != nil {
		log.Printf("pair %d: %v", sessionID, err)
		collector.AddError()
		return
	}
	defer a.Close()

	b, err := connect(ctx, url, topic, collector)
	if err != nil {
		log.Printf("pair %d: %v", sessionID, err)
		collector.AddError()
		return
	}
	defer b.Close()

	// Sends carry their creation time in the content so any receiver can
	// compute delivery latency without shared state.
	sendAll := func(c *client.Client, who string, senderID int64) {
		for i := 0; i < messages; i++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			msg := wireMessage{
				SenderID:   &senderID,
				SenderName: who,
				Content:    strconv.FormatInt(time.Now().UnixNano(), 10),
			}
			if err := c.Publish(topic, msg); err != nil {
				collector.AddError()
				return
			}
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); sendAll(a, "learner-a", 1) }()
	go func() { defer wg.Done(); sendAll(b, "learner-b", 2) }()
	wg.Wait()

	if feedback {
		runFeedback(ctx, url, sessionID, collector)
	}
}

// connect dials the relay, subscribes to the topic, and wires the delivery
// latency measurement.
func connect(ctx context.Context, url, topic string, collector *stats.Collector) (*client.Client, error) {
	c, err := client.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	collector.AddConnect(c.Metrics().ConnectLatency)

	c.OnMessage(func(_ string, payload json.RawMessage) {
		var msg wireMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			collector.AddError()
			return
		}
		sent, err := strconv.ParseInt(msg.Content, 10, 64)
		if err != nil {
			return // feedback text, not a timestamped probe
		}
		collector.AddDelivery(time.Since(time.Unix(0, sent)))
	})

	if err := c.Subscribe(topic); err != nil {
		c.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return c, nil
}

// runFeedback opens a connection on the session's AI topic, publishes one
// correlated feedback request, and waits for the relay's response.
func runFeedback(ctx context.Context, url string, sessionID int64, collector *stats.Collector) {
	topic := client.AITopic(sessionID)

	c, err := client.New(ctx, url)
	if err != nil {
		collector.AddError()
		return
	}
	defer c.Close()

	requestID := fmt.Sprintf("lt-%d-%d", sessionID, time.Now().UnixNano())
	answered := make(chan struct{})
	var once sync.Once

	c.OnMessage(func(_ string, payload json.RawMessage) {
		var msg wireMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		if msg.RequestID == requestID && msg.SenderName == "AI Assistant" {
			once.Do(func() { close(answered) })
		}
	})

	if err := c.Subscribe(topic); err != nil {
		collector.AddError()
		return
	}

	senderID := int64(1)
	start := time.Now()
	req := wireMessage{
		SenderID:   &senderID,
		SenderName: "learner-a",
		Content:    "Request AI feedback",
		Type:       "ai-feedback",
		RequestID:  requestID,
	}
	if err := c.Publish(topic, req); err != nil {
		collector.AddError()
		return
	}

	select {
	case <-answered:
		collector.AddFeedback(time.Since(start))
	case <-ctx.Done():
		collector.AddError()
	case <-time.After(10 * time.Second):
		collector.AddError()
	}
}

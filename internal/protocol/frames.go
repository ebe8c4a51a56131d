// Package protocol defines the frame format spoken between the realtime
// transport adapter and the relay. Frames are JSON with an "op" discriminator
// and an optional topic and raw payload for deferred parsing.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Frame operations.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
	OpMessage     = "message" // relay -> client delivery
	OpError       = "error"
)

// Frame is the wire envelope for every client<->relay exchange.
type Frame struct {
	Op      string          `json:"op"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ParseFrame decodes raw bytes into a Frame. A missing or empty op is an
// error so a poisoned frame is rejected before any dispatch happens.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: parse frame: %w", err)
	}
	if f.Op == "" {
		return Frame{}, fmt.Errorf("protocol: missing or empty \"op\" field")
	}
	return f, nil
}

// EncodeFrame serializes a Frame to its wire form.
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode frame: %w", err)
	}
	return data, nil
}

// ---------------------------------------------------------------------------
// Topic naming
// ---------------------------------------------------------------------------

// Topic prefix and suffix for per-session destinations. A session owns two
// topics for its lifetime: the chat topic and the AI-feedback topic.
const (
	topicPrefix = "peer-practice."
	aiSuffix    = ".ai"
)

// ChatTopic returns the chat topic for a session.
func ChatTopic(sessionID int64) string {
	return fmt.Sprintf("%s%d", topicPrefix, sessionID)
}

// AITopic returns the AI-feedback topic for a session.
func AITopic(sessionID int64) string {
	return ChatTopic(sessionID) + aiSuffix
}

// IsAITopic reports whether topic is an AI-feedback topic.
func IsAITopic(topic string) bool {
	return strings.HasSuffix(topic, aiSuffix)
}

// SessionIDFromTopic extracts the session id from a chat or AI topic.
func SessionIDFromTopic(topic string) (int64, error) {
	raw := strings.TrimPrefix(topic, topicPrefix)
	raw = strings.TrimSuffix(raw, aiSuffix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("protocol: topic %q: %w", topic, err)
	}
	return id, nil
}

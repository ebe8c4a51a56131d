// Package message defines the typed message envelope shared by the realtime
// transport and the local direct channel. All messages are serialized as JSON
// with a type discriminator and an RFC 3339 timestamp stamped at creation.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message type constants.
const (
	TypeChat       = "chat"
	TypeAIFeedback = "ai-feedback"
	TypeSystem     = "system"
)

// Well-known sender names for messages that do not originate from a user.
const (
	SenderSystem = "System"
	SenderAI     = "AI Assistant"
)

// Message is the envelope for a single chat, AI-feedback, or system message.
// Messages are immutable once created: the ID and Timestamp are assigned by
// the constructor and never revised.
type Message struct {
	ID         string `json:"id"`
	SessionID  int64  `json:"sessionId,omitempty"`
	SenderID   *int64 `json:"senderId,omitempty"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
	Type       string `json:"type"`
	Timestamp  string `json:"timestamp"`

	// RequestID correlates an AI-feedback response with the request that
	// triggered it. Empty for chat and system messages.
	RequestID string `json:"requestId,omitempty"`
}

// validTypes is the set of allowed message type values.
var validTypes = map[string]bool{
	TypeChat:       true,
	TypeAIFeedback: true,
	TypeSystem:     true,
}

// New creates a fully-populated Message with a fresh ID and timestamp.
// Chat messages must carry non-empty content; AI-feedback and system
// messages may be empty (e.g. a bare feedback request).
func New(senderID *int64, senderName, content, msgType string) (Message, error) {
	if !validTypes[msgType] {
		return Message{}, fmt.Errorf("message: unknown type %q", msgType)
	}
	if msgType == TypeChat && content == "" {
		return Message{}, fmt.Errorf("message: chat content must not be empty")
	}

	return Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		SenderName: senderName,
		Content:    content,
		Type:       msgType,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// NewSystem creates a system notice with the given content.
func NewSystem(content string) Message {
	m, _ := New(nil, SenderSystem, content, TypeSystem)
	return m
}

// Decode parses raw frame bytes into a Message. The fallbackType fills in the
// type field when the payload omits it, so frames arriving on a dedicated
// topic (e.g. the AI-feedback topic) are classified correctly. Missing IDs,
// sender names, and timestamps are filled with sensible defaults; an unknown
// explicit type is an error.
func Decode(data []byte, fallbackType string) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("message: decode: %w", err)
	}

	if m.Type == "" {
		m.Type = fallbackType
	}
	if !validTypes[m.Type] {
		return Message{}, fmt.Errorf("message: unknown type %q", m.Type)
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.SenderName == "" {
		switch m.Type {
		case TypeAIFeedback:
			m.SenderName = SenderAI
		case TypeSystem:
			m.SenderName = SenderSystem
		default:
			m.SenderName = "Partner"
		}
	}
	if m.Timestamp == "" {
		m.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	return m, nil
}

// Encode serializes a Message to its JSON wire form.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("message: encode: %w", err)
	}
	return data, nil
}

// Before reports whether m was created before other, comparing timestamps and
// falling back to IDs for a stable order when timestamps are equal. The UI
// renders by creation time, not arrival order, because frames on the chat and
// AI-feedback topics may interleave either way.
func (m Message) Before(other Message) bool {
	if m.Timestamp != other.Timestamp {
		return m.Timestamp < other.Timestamp
	}
	return m.ID < other.ID
}

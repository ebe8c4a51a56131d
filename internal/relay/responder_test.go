package relay

import (
	"testing"

	"github.com/asep/peerpractice/internal/message"
	"github.com/asep/peerpractice/internal/protocol"
)

func feedbackRequest(t *testing.T, sessionID int64, requestID string) message.Message {
	t.Helper()
	senderID := int64(42)
	msg, err := message.New(&senderID, "budi", "Request AI feedback", message.TypeAIFeedback)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	msg.SessionID = sessionID
	msg.RequestID = requestID
	return msg
}

func TestResponderEchoesRequestID(t *testing.T) {
	registry := NewRegistry()
	responder := NewResponder(registry, 1)

	listener := newPipeClient(t)
	topic := protocol.AITopic(7)
	registry.Subscribe(topic, listener.client)

	responder.Handle(topic, feedbackRequest(t, 7, "req-123"))

	frame := listener.next(t)
	if frame.Topic != topic {
		t.Errorf("topic = %q, want %q", frame.Topic, topic)
	}

	reply, err := message.Decode(frame.Payload, message.TypeAIFeedback)
	if err != nil {
		t.Fatalf("decoding reply: %v", err)
	}
	if reply.RequestID != "req-123" {
		t.Errorf("RequestID = %q, want %q", reply.RequestID, "req-123")
	}
	if reply.SenderName != message.SenderAI {
		t.Errorf("SenderName = %q, want %q", reply.SenderName, message.SenderAI)
	}
	if reply.Type != message.TypeAIFeedback {
		t.Errorf("Type = %q, want %q", reply.Type, message.TypeAIFeedback)
	}
	if reply.Content == "" {
		t.Error("reply content is empty")
	}
	if reply.SessionID != 7 {
		t.Errorf("SessionID = %d, want 7", reply.SessionID)
	}
}

func TestResponderIgnoresUntaggedRequests(t *testing.T) {
	registry := NewRegistry()
	responder := NewResponder(registry, 1)

	listener := newPipeClient(t)
	topic := protocol.AITopic(7)
	registry.Subscribe(topic, listener.client)

	responder.Handle(topic, feedbackRequest(t, 7, ""))
	listener.expectNone(t)
}

func TestResponderIgnoresOwnOutput(t *testing.T) {
	registry := NewRegistry()
	responder := NewResponder(registry, 1)

	listener := newPipeClient(t)
	topic := protocol.AITopic(7)
	registry.Subscribe(topic, listener.client)

	reply, err := message.New(nil, message.SenderAI, "looks good", message.TypeAIFeedback)
	if err != nil {
		t.Fatalf("building message: %v", err)
	}
	reply.RequestID = "req-1"

	responder.Handle(topic, reply)
	listener.expectNone(t)
}

func TestResponderIgnoresChatMessages(t *testing.T) {
	registry := NewRegistry()
	responder := NewResponder(registry, 1)

	listener := newPipeClient(t)
	topic := protocol.AITopic(7)
	registry.Subscribe(topic, listener.client)

	senderID := int64(42)
	msg, err := message.New(&senderID, "budi", "hello", message.TypeChat)
	if err != nil {
		t.Fatalf("building message: %v", err)
	}
	msg.RequestID = "req-1"

	responder.Handle(topic, msg)
	listener.expectNone(t)
}

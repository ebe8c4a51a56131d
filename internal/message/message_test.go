package message

import (
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Constructing a chat message
// ---------------------------------------------------------------------------

func TestNew_Chat(t *testing.T) {
	senderID := int64(7)
	m, err := New(&senderID, "Alice", "hello there", TypeChat)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m.ID == "" {
		t.Error("expected a non-empty message ID")
	}
	if m.SenderID == nil || *m.SenderID != 7 {
		t.Errorf("expected senderId 7, got %v", m.SenderID)
	}
	if m.Type != TypeChat {
		t.Errorf("expected type %q, got %q", TypeChat, m.Type)
	}
	if _, err := time.Parse(time.RFC3339, m.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC 3339: %v", m.Timestamp, err)
	}
}

func TestNew_UniqueIDs(t *testing.T) {
	a, _ := New(nil, "Alice", "one", TypeChat)
	b, _ := New(nil, "Alice", "two", TypeChat)
	if a.ID == b.ID {
		t.Fatalf("expected distinct IDs, both were %q", a.ID)
	}
}

// ---------------------------------------------------------------------------
// Test: Content validation per type
// ---------------------------------------------------------------------------

func TestNew_ContentValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		msgType string
		wantErr bool
	}{
		{"empty chat rejected", "", TypeChat, true},
		{"empty ai-feedback allowed", "", TypeAIFeedback, false},
		{"empty system allowed", "", TypeSystem, false},
		{"unknown type rejected", "hi", "typing", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(nil, "Alice", tt.content, tt.msgType)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Decoding inbound frames
// ---------------------------------------------------------------------------

func TestDecode_FullPayload(t *testing.T) {
	input := []byte(`{"id":"m-1","sessionId":42,"senderId":7,"senderName":"Bob","content":"hi","type":"chat","timestamp":"2026-01-02T03:04:05Z"}`)

	m, err := Decode(input, TypeChat)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ID != "m-1" {
		t.Errorf("expected id m-1, got %q", m.ID)
	}
	if m.SessionID != 42 {
		t.Errorf("expected sessionId 42, got %d", m.SessionID)
	}
	if m.SenderName != "Bob" {
		t.Errorf("expected senderName Bob, got %q", m.SenderName)
	}
}

func TestDecode_FallbackType(t *testing.T) {
	// A frame on the AI topic with no explicit type is classified as
	// ai-feedback and attributed to the AI assistant.
	m, err := Decode([]byte(`{"content":"Watch your past tense."}`), TypeAIFeedback)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Type != TypeAIFeedback {
		t.Errorf("expected type %q, got %q", TypeAIFeedback, m.Type)
	}
	if m.SenderName != SenderAI {
		t.Errorf("expected senderName %q, got %q", SenderAI, m.SenderName)
	}
	if m.ID == "" || m.Timestamp == "" {
		t.Error("expected ID and timestamp to be filled in")
	}
}

func TestDecode_Malformed(t *testing.T) {
	if _, err := Decode([]byte(`{not json`), TypeChat); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	if _, err := Decode([]byte(`{"type":"bogus","content":"x"}`), TypeChat); err == nil {
		t.Fatal("expected error for unknown explicit type")
	}
}

// ---------------------------------------------------------------------------
// Test: Timestamp ordering helper
// ---------------------------------------------------------------------------

func TestBefore(t *testing.T) {
	a := Message{ID: "a", Timestamp: "2026-01-02T03:04:05Z"}
	b := Message{ID: "b", Timestamp: "2026-01-02T03:04:06Z"}
	c := Message{ID: "c", Timestamp: "2026-01-02T03:04:06Z"}

	if !a.Before(b) {
		t.Error("expected a before b")
	}
	if b.Before(a) {
		t.Error("did not expect b before a")
	}
	// Equal timestamps fall back to ID order.
	if !b.Before(c) {
		t.Error("expected b before c on ID tiebreak")
	}
}

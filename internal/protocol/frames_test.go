package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseFrame(t *testing.T) {
	raw := []byte(`{"op":"publish","topic":"peer-practice.7","payload":{"content":"hi"}}`)

	f, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if f.Op != OpPublish {
		t.Errorf("Op = %q, want %q", f.Op, OpPublish)
	}
	if f.Topic != "peer-practice.7" {
		t.Errorf("Topic = %q, want %q", f.Topic, "peer-practice.7")
	}
	var payload struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Content != "hi" {
		t.Errorf("payload content = %q, want %q", payload.Content, "hi")
	}
}

func TestParseFrameRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		[]byte(`not json`),
		[]byte(`{}`),
		[]byte(`{"topic":"peer-practice.7"}`),
		nil,
	}
	for _, raw := range cases {
		if _, err := ParseFrame(raw); err == nil {
			t.Errorf("ParseFrame(%q) succeeded, want error", raw)
		}
	}
}

func TestEncodeFrameRoundTrip(t *testing.T) {
	in := Frame{Op: OpError, Topic: "peer-practice.7", Error: "unknown op"}

	data, err := EncodeFrame(in)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	out, err := ParseFrame(data)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if out.Op != in.Op || out.Topic != in.Topic || out.Error != in.Error {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestTopicNaming(t *testing.T) {
	if got := ChatTopic(42); got != "peer-practice.42" {
		t.Errorf("ChatTopic = %q", got)
	}
	if got := AITopic(42); got != "peer-practice.42.ai" {
		t.Errorf("AITopic = %q", got)
	}
	if !IsAITopic(AITopic(42)) {
		t.Error("IsAITopic(AITopic) = false")
	}
	if IsAITopic(ChatTopic(42)) {
		t.Error("IsAITopic(ChatTopic) = true")
	}
}

func TestSessionIDFromTopic(t *testing.T) {
	for _, topic := range []string{ChatTopic(42), AITopic(42)} {
		id, err := SessionIDFromTopic(topic)
		if err != nil {
			t.Fatalf("SessionIDFromTopic(%q): %v", topic, err)
		}
		if id != 42 {
			t.Errorf("SessionIDFromTopic(%q) = %d, want 42", topic, id)
		}
	}

	for _, topic := range []string{"", "peer-practice.", "other.42", "peer-practice.x"} {
		if _, err := SessionIDFromTopic(topic); err == nil {
			t.Errorf("SessionIDFromTopic(%q) succeeded, want error", topic)
		}
	}
}

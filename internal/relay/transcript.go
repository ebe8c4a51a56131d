package relay

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/asep/peerpractice/internal/history"
	"github.com/asep/peerpractice/internal/message"
	"github.com/asep/peerpractice/internal/protocol"
)

// Archiver persists a finished session transcript.
type Archiver interface {
	Archive(ctx context.Context, t history.Transcript) error
}

// TranscriptBuffer accumulates chat messages per topic while a session is
// live and hands the transcript to an Archiver once the topic drains.
// AI topics are not buffered.
type TranscriptBuffer struct {
	archiver Archiver

	mu      sync.Mutex
	buffers map[string][]message.Message
}

func NewTranscriptBuffer(archiver Archiver) *TranscriptBuffer {
	return &TranscriptBuffer{
		archiver: archiver,
		buffers:  make(map[string][]message.Message),
	}
}

// Record appends a published message to the topic's transcript.
func (tb *TranscriptBuffer) Record(topic string, msg message.Message) {
	if protocol.IsAITopic(topic) {
		return
	}
	tb.mu.Lock()
	tb.buffers[topic] = append(tb.buffers[topic], msg)
	tb.mu.Unlock()
}

// Flush archives and discards the transcript for a drained topic. Called
// from the registry's drain hook; archiving runs inline with a bounded
// timeout so a slow database cannot wedge the registry.
func (tb *TranscriptBuffer) Flush(topic string) {
	if protocol.IsAITopic(topic) {
		return
	}

	tb.mu.Lock()
	msgs, ok := tb.buffers[topic]
	delete(tb.buffers, topic)
	tb.mu.Unlock()

	if !ok || len(msgs) == 0 {
		return
	}

	sessionID, err := protocol.SessionIDFromTopic(topic)
	if err != nil {
		log.Printf("[relay] discarding transcript for unparseable topic %q: %v", topic, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t := history.Transcript{
		SessionID: sessionID,
		Topic:     topic,
		Messages:  msgs,
		EndedAt:   time.Now().UTC(),
	}
	if err := tb.archiver.Archive(ctx, t); err != nil {
		log.Printf("[relay] failed to archive transcript for session %d: %v", sessionID, err)
		return
	}
	log.Printf("[relay] archived transcript for session %d (%d messages)", sessionID, len(msgs))
}

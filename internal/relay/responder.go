package relay

import (
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/asep/peerpractice/internal/message"
	"github.com/asep/peerpractice/internal/metrics"
)

// feedbackTemplates are the canned coaching responses. One is chosen at
// random per request; real analysis lives behind the same contract.
var feedbackTemplates = []string{
	"Great energy in this exchange. Try expanding your answers with one supporting detail each.",
	"Nice turn-taking. Watch your verb tenses when describing past events.",
	"Good vocabulary range. Slow down slightly and your pronunciation will land better.",
	"You kept the conversation moving well. Ask one follow-up question before switching topics.",
}

// Responder answers AI-feedback requests published on a session's AI topic.
// Each answer echoes the request's correlation id so the requesting side can
// match it to the request it has pending.
type Responder struct {
	registry *Registry

	mu sync.Mutex
	rs *rand.Rand
}

func NewResponder(registry *Registry, seed int64) *Responder {
	return &Responder{
		registry: registry,
		rs:       rand.New(rand.NewSource(seed)),
	}
}

// Handle inspects a message published on an AI topic and, if it is a
// feedback request, broadcasts the response on the same topic. Messages from
// the assistant itself are ignored to avoid answering our own output.
func (r *Responder) Handle(topic string, msg message.Message) {
	if msg.Type != message.TypeAIFeedback || msg.RequestID == "" {
		return
	}
	if msg.SenderName == message.SenderAI {
		return
	}
	start := time.Now()
	defer func() { metrics.FeedbackLatency.Observe(time.Since(start).Seconds()) }()

	r.mu.Lock()
	content := feedbackTemplates[r.rs.Intn(len(feedbackTemplates))]
	r.mu.Unlock()

	reply, err := message.New(nil, message.SenderAI, content, message.TypeAIFeedback)
	if err != nil {
		log.Printf("[relay] building feedback response: %v", err)
		return
	}
	reply.RequestID = msg.RequestID
	reply.SessionID = msg.SessionID

	payload, err := message.Encode(reply)
	if err != nil {
		log.Printf("[relay] encoding feedback response: %v", err)
		return
	}

	metrics.MessagesRelayed.WithLabelValues(message.TypeAIFeedback).Inc()
	r.registry.Broadcast(topic, payload)
}

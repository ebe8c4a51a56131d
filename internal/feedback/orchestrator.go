// Package feedback tracks outstanding AI-feedback requests for a practice
// session. At most one request is pending at a time, so the UI can show a
// single indicator and duplicate sends are suppressed. Each request carries a
// correlation id that the responder echoes back, turning the exchange into a
// deterministic request/response pair instead of "any response clears
// pending".
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/asep/peerpractice/internal/message"
	"github.com/asep/peerpractice/internal/transport"
)

// ErrRequestPending is returned by Request while an earlier request has not
// been answered yet.
var ErrRequestPending = errors.New("feedback: request already pending")

// Publisher is the slice of the transport adapter the orchestrator needs.
type Publisher interface {
	State() transport.State
	Publish(sessionID int64, msg message.Message) error
}

// Orchestrator correlates outbound feedback requests with their responses.
type Orchestrator struct {
	publisher Publisher
	selfID    int64
	selfName  string

	mu      sync.Mutex
	pending *pendingRequest
	last    *pendingRequest // survives resolution so Wait can pick up the result
}

type pendingRequest struct {
	id        string
	sessionID int64
	done      chan message.Message
}

// New creates an orchestrator publishing on behalf of the given participant.
func New(publisher Publisher, selfID int64, selfName string) *Orchestrator {
	return &Orchestrator{publisher: publisher, selfID: selfID, selfName: selfName}
}

// Pending reports whether a feedback request is outstanding.
func (o *Orchestrator) Pending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending != nil
}

// Request publishes an AI-feedback request for sessionID and marks it
// pending. It refuses to send while the transport is not connected
// (transport.ErrNotConnected) or while an earlier request is unanswered
// (ErrRequestPending); in both cases nothing reaches the wire. The returned
// id is echoed back by the responder.
func (o *Orchestrator) Request(sessionID int64) (string, error) {
	if o.publisher.State() != transport.StateConnected {
		return "", transport.ErrNotConnected
	}

	o.mu.Lock()
	if o.pending != nil {
		o.mu.Unlock()
		return "", ErrRequestPending
	}
	req := &pendingRequest{
		id:        uuid.NewString(),
		sessionID: sessionID,
		done:      make(chan message.Message, 1),
	}
	o.pending = req
	o.last = req
	o.mu.Unlock()

	selfID := o.selfID
	msg, err := message.New(&selfID, o.selfName, "Request AI feedback", message.TypeAIFeedback)
	if err != nil {
		o.clear(req)
		return "", fmt.Errorf("feedback: build request: %w", err)
	}
	msg.RequestID = req.id
	msg.SessionID = sessionID

	if err := o.publisher.Publish(sessionID, msg); err != nil {
		o.clear(req)
		return "", fmt.Errorf("feedback: request: %w", err)
	}

	log.Printf("[feedback] requested session=%d request=%s", sessionID, req.id)
	return req.id, nil
}

// Resolve feeds an inbound AI-feedback message to the orchestrator and
// reports whether it cleared the pending request. The AI topic is a broadcast
// channel, so our own published request comes back to us carrying the pending
// id; frames from this participant are skipped before any id matching. A
// response echoing the pending correlation id on the pending session resolves
// it; a response with no request id at all also clears pending, so older
// responders that do not echo ids still unblock the UI. A response tagged
// with a different id — late or duplicate — is ignored.
func (o *Orchestrator) Resolve(msg message.Message) bool {
	if msg.Type != message.TypeAIFeedback {
		return false
	}
	if msg.SenderID != nil && *msg.SenderID == o.selfID {
		return false
	}

	o.mu.Lock()
	req := o.pending
	if req == nil || (msg.RequestID != "" && msg.RequestID != req.id) ||
		(msg.SessionID != 0 && msg.SessionID != req.sessionID) {
		o.mu.Unlock()
		if msg.RequestID != "" {
			log.Printf("[feedback] ignoring stale response request=%s", msg.RequestID)
		}
		return false
	}
	o.pending = nil
	o.mu.Unlock()

	req.done <- msg
	return true
}

// Wait blocks until the request with the given id is resolved or the context
// is done. It returns the feedback message that resolved it.
func (o *Orchestrator) Wait(ctx context.Context, id string) (message.Message, error) {
	o.mu.Lock()
	req := o.last
	o.mu.Unlock()
	if req == nil || req.id != id {
		return message.Message{}, fmt.Errorf("feedback: no such request %s", id)
	}

	select {
	case msg := <-req.done:
		return msg, nil
	case <-ctx.Done():
		o.clear(req)
		return message.Message{}, ctx.Err()
	}
}

// Reset drops any pending request, e.g. when the session ends.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	o.pending = nil
	o.mu.Unlock()
}

func (o *Orchestrator) clear(req *pendingRequest) {
	o.mu.Lock()
	if o.pending == req {
		o.pending = nil
	}
	o.mu.Unlock()
}

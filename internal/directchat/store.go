package directchat

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/asep/peerpractice/internal/message"
)

// Store is the per-context view of the direct-channel history. It layers an
// optimistic in-memory copy over a Bus so that appends stay visible in the
// current context even when the storage write fails, and it echoes each
// local append into the caller's own subscriptions synchronously (the bus
// only notifies other contexts).
type Store struct {
	bus Bus

	mu        sync.Mutex
	cache     map[string][]message.Message
	listeners map[string][]*storeListener
}

type storeListener struct {
	fn func(history []message.Message)
}

// NewStore creates a direct-channel store over the given bus.
func NewStore(bus Bus) *Store {
	return &Store{
		bus:       bus,
		cache:     make(map[string][]message.Message),
		listeners: make(map[string][]*storeListener),
	}
}

// Load returns the full ordered history for the channel between selfID and
// otherID. It is restartable: every call re-reads shared storage and merges
// in any local appends that have not been persisted yet. A missing channel
// yields an empty history, not an error.
func (s *Store) Load(selfID, otherID int64) ([]message.Message, error) {
	key := ChannelKey(selfID, otherID)

	raw, err := s.bus.Load(key)
	if err != nil {
		// Storage unavailable: the optimistic copy is still correct for
		// this context.
		s.mu.Lock()
		cached := cloneHistory(s.cache[key])
		s.mu.Unlock()
		return cached, fmt.Errorf("directchat: load %s: %w", key, err)
	}

	stored, err := decodeHistory(raw)
	if err != nil {
		return nil, fmt.Errorf("directchat: load %s: %w", key, err)
	}

	s.mu.Lock()
	merged := mergeHistories(stored, s.cache[key])
	s.cache[key] = merged
	history := cloneHistory(merged)
	s.mu.Unlock()
	return history, nil
}

// Append adds msg to the channel history, persists it to shared storage, and
// synchronously notifies this context's own subscribers with the new history.
// Other contexts learn of the change through the bus. A non-nil error means
// the message is visible locally but was not persisted, so it will not reach
// other contexts or survive a restart; callers should warn the user rather
// than treat this as fatal.
func (s *Store) Append(selfID, otherID int64, msg message.Message) error {
	key := ChannelKey(selfID, otherID)

	// Re-read storage first so appends from other contexts are not clobbered.
	raw, loadErr := s.bus.Load(key)
	var stored []message.Message
	if loadErr == nil {
		if h, err := decodeHistory(raw); err == nil {
			stored = h
		} else {
			log.Printf("[directchat] corrupt history for %s, rewriting: %v", key, err)
		}
	}

	s.mu.Lock()
	history := append(mergeHistories(stored, s.cache[key]), msg)
	s.cache[key] = history
	targets := make([]*storeListener, len(s.listeners[key]))
	copy(targets, s.listeners[key])
	snapshot := cloneHistory(history)
	s.mu.Unlock()

	data, err := json.Marshal(history)
	var storeErr error
	if err != nil {
		storeErr = fmt.Errorf("directchat: append %s: %w", key, err)
	} else if err := s.bus.Store(key, data); err != nil {
		storeErr = fmt.Errorf("directchat: append %s: %w", key, err)
	}

	// Local echo happens even when persistence failed.
	for _, l := range targets {
		l.fn(snapshot)
	}
	return storeErr
}

// Subscribe registers onChange to run with the full updated history whenever
// the channel between selfID and otherID changes, whether through this
// context's Append or another context's write. The returned cancel function
// detaches the subscription completely; leaving it dangling across remounts
// accumulates duplicate listeners.
func (s *Store) Subscribe(selfID, otherID int64, onChange func(history []message.Message)) (cancel func()) {
	key := ChannelKey(selfID, otherID)
	l := &storeListener{fn: onChange}

	s.mu.Lock()
	s.listeners[key] = append(s.listeners[key], l)
	s.mu.Unlock()

	busCancel := s.bus.Subscribe(key, func(value []byte) {
		history, err := decodeHistory(value)
		if err != nil {
			log.Printf("[directchat] dropping bad update for %s: %v", key, err)
			return
		}
		// Merge rather than replace: a locally appended message that never
		// reached storage must stay visible in this context.
		s.mu.Lock()
		merged := mergeHistories(history, s.cache[key])
		s.cache[key] = merged
		snapshot := cloneHistory(merged)
		s.mu.Unlock()
		onChange(snapshot)
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			busCancel()
			s.mu.Lock()
			defer s.mu.Unlock()
			ls := s.listeners[key]
			for i, cur := range ls {
				if cur == l {
					s.listeners[key] = append(ls[:i], ls[i+1:]...)
					break
				}
			}
		})
	}
}

func decodeHistory(raw []byte) ([]message.Message, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var history []message.Message
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return history, nil
}

// mergeHistories layers locally cached messages over the stored history,
// keeping stored order and appending any cached messages that never made it
// to storage (by ID).
func mergeHistories(stored, cached []message.Message) []message.Message {
	merged := make([]message.Message, len(stored), len(stored)+len(cached))
	copy(merged, stored)

	seen := make(map[string]bool, len(stored))
	for _, m := range stored {
		seen[m.ID] = true
	}
	for _, m := range cached {
		if !seen[m.ID] {
			merged = append(merged, m)
		}
	}
	return merged
}

func cloneHistory(history []message.Message) []message.Message {
	out := make([]message.Message, len(history))
	copy(out, history)
	return out
}

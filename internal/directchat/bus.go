// Package directchat gives two participants who are not in a live transport
// session a durable, cross-context-consistent 1:1 conversation. History is
// kept in a shared key-value storage and change notifications are fanned out
// over a local publish/subscribe bus, so the implementation can later be
// swapped for a server-backed channel without changing callers.
//
// This store is a local-only fallback, not a source of truth shared across
// devices: when a storage write fails, the current context keeps an
// optimistic in-memory copy and other contexts simply do not see the update.
package directchat

import "sync"

// Bus is the shared storage a direct channel is built on. Store persists a
// value and notifies subscribers in *other* contexts; the writing context is
// never notified of its own write, mirroring how browser storage events
// behave. Subscribers are keyed by the exact channel key so unrelated
// channels never trigger spurious callbacks.
type Bus interface {
	// Load returns the stored value for key, or nil if none exists.
	Load(key string) ([]byte, error)

	// Store persists value under key and notifies subscribers registered
	// through other contexts of the same underlying storage.
	Store(key string, value []byte) error

	// Subscribe registers fn to run whenever another context stores a value
	// under key. The returned cancel function removes the registration and
	// must be called when the subscriber goes away, or listeners accumulate
	// across remounts.
	Subscribe(key string, fn func(value []byte)) (cancel func())
}

// MemoryBus is an in-process shared storage with per-context change
// notification semantics. Every Context created from the same MemoryBus sees
// the same stored values, but a context's own writes never fire its own
// subscriptions.
type MemoryBus struct {
	mu     sync.Mutex
	values map[string][]byte
	subs   map[string][]*memorySub
}

type memorySub struct {
	ctx *BusContext
	key string
	fn  func(value []byte)
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		values: make(map[string][]byte),
		subs:   make(map[string][]*memorySub),
	}
}

// Context returns a handle representing one execution context (one "tab")
// sharing this bus. The handle implements Bus.
func (b *MemoryBus) Context() *BusContext {
	return &BusContext{bus: b}
}

// BusContext is a per-context view of a MemoryBus.
type BusContext struct {
	bus *MemoryBus
}

// Load returns the stored value for key, or nil if none exists.
func (c *BusContext) Load(key string) ([]byte, error) {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()

	v, ok := c.bus.values[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Store persists value under key and synchronously notifies subscribers in
// every other context.
func (c *BusContext) Store(key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	c.bus.mu.Lock()
	c.bus.values[key] = stored
	targets := make([]*memorySub, 0, len(c.bus.subs[key]))
	for _, sub := range c.bus.subs[key] {
		if sub.ctx != c {
			targets = append(targets, sub)
		}
	}
	c.bus.mu.Unlock()

	for _, sub := range targets {
		sub.fn(stored)
	}
	return nil
}

// Subscribe registers fn for changes to key made by other contexts.
func (c *BusContext) Subscribe(key string, fn func(value []byte)) (cancel func()) {
	sub := &memorySub{ctx: c, key: key, fn: fn}

	c.bus.mu.Lock()
	c.bus.subs[key] = append(c.bus.subs[key], sub)
	c.bus.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.bus.mu.Lock()
			defer c.bus.mu.Unlock()
			subs := c.bus.subs[key]
			for i, s := range subs {
				if s == sub {
					c.bus.subs[key] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

package directchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// notifyPrefix namespaces the pub/sub channels used for change notification.
const notifyPrefix = "directchat:"

// redisNotice is the change notification published alongside each write. It
// carries the origin instance ID so a bus never reacts to its own writes,
// matching the MemoryBus contract.
type redisNotice struct {
	Origin string `json:"origin"`
	Value  []byte `json:"value"`
}

// RedisBus is a server-backed Bus implementation. Each process holds its own
// RedisBus and thus forms its own context; history lives in Redis string keys
// and change fan-out rides on Redis pub/sub.
type RedisBus struct {
	client *redis.Client
	origin string
}

// NewRedisBus wraps an existing Redis client as a direct-channel bus.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client: client,
		origin: uuid.NewString(),
	}
}

// Load returns the stored value for key, or nil if none exists.
func (b *RedisBus) Load(key string) ([]byte, error) {
	val, err := b.client.Get(context.Background(), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("directchat: redis load %s: %w", key, err)
	}
	return val, nil
}

// Store persists value under key and publishes a change notice for other
// instances subscribed to the same key.
func (b *RedisBus) Store(key string, value []byte) error {
	ctx := context.Background()
	if err := b.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("directchat: redis store %s: %w", key, err)
	}

	notice, err := json.Marshal(redisNotice{Origin: b.origin, Value: value})
	if err != nil {
		return fmt.Errorf("directchat: marshal notice: %w", err)
	}
	if err := b.client.Publish(ctx, notifyPrefix+key, notice).Err(); err != nil {
		return fmt.Errorf("directchat: publish notice %s: %w", key, err)
	}
	return nil
}

// Subscribe registers fn for changes to key made by other instances.
func (b *RedisBus) Subscribe(key string, fn func(value []byte)) (cancel func()) {
	ps := b.client.Subscribe(context.Background(), notifyPrefix+key)

	go func() {
		for msg := range ps.Channel() {
			var notice redisNotice
			if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
				log.Printf("[directchat] bad notice on %s: %v", msg.Channel, err)
				continue
			}
			if notice.Origin == b.origin {
				continue
			}
			fn(notice.Value)
		}
	}()

	return func() {
		if err := ps.Close(); err != nil {
			log.Printf("[directchat] close subscription %s: %v", key, err)
		}
	}
}

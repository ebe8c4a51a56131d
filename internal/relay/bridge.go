package relay

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Subject prefix for cross-relay fan-out. The session topic is appended as-is;
// its dots become NATS subject tokens, which the wildcard subscription covers.
const subjectTopicPrefix = "relay.topic."

// bridgeEnvelope wraps a fanned-out frame with the publishing relay's origin
// id so a relay can skip frames it produced itself.
type bridgeEnvelope struct {
	Origin  string          `json:"origin"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Bridge fans published frames out to peer relay instances over NATS so two
// participants of one session can sit on different relays.
type Bridge struct {
	conn   *nats.Conn
	origin string
	sub    *nats.Subscription
}

// BridgeConfig holds NATS connection settings.
type BridgeConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// DefaultBridgeConfig returns sensible defaults.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		URL:           nats.DefaultURL,
		Name:          "peerpractice-relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewBridge connects to NATS and starts forwarding remote frames into the
// registry. It returns an error if the initial connection fails.
func NewBridge(config BridgeConfig, registry *Registry) (*Bridge, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[bridge] disconnected: %v", err)
			} else {
				log.Printf("[bridge] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[bridge] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[bridge] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bridge connect: %w", err)
	}

	b := &Bridge{conn: nc, origin: uuid.NewString()}

	sub, err := nc.Subscribe(subjectTopicPrefix+">", func(msg *nats.Msg) {
		var env bridgeEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Printf("[bridge] dropping malformed envelope on %s: %v", msg.Subject, err)
			return
		}
		if env.Origin == b.origin {
			return
		}
		registry.Broadcast(env.Topic, env.Payload)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bridge subscribe: %w", err)
	}
	b.sub = sub

	log.Printf("[bridge] connected to %s", nc.ConnectedUrl())
	return b, nil
}

// Forward publishes a locally received frame to peer relays.
func (b *Bridge) Forward(topic string, payload []byte) error {
	env := bridgeEnvelope{Origin: b.origin, Topic: topic, Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bridge envelope: %w", err)
	}
	return b.conn.Publish(subjectTopicPrefix+topic, data)
}

// Close drains the subscription and the connection.
func (b *Bridge) Close() {
	if err := b.sub.Drain(); err != nil {
		log.Printf("[bridge] drain subscription: %v", err)
	}
	if err := b.conn.Drain(); err != nil {
		log.Printf("[bridge] connection drain: %v", err)
	}
	log.Printf("[bridge] closed")
}

// Package relay implements the realtime message relay. It upgrades HTTP
// connections to WebSocket, tracks per-session topic subscriptions, fans
// published frames out to subscribers (and peer relays over NATS), answers
// AI-feedback requests, and archives finished session transcripts.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/asep/peerpractice/internal/message"
	"github.com/asep/peerpractice/internal/metrics"
	"github.com/asep/peerpractice/internal/protocol"
)

// Forwarder fans a published frame out to peer relay instances. A nil
// Forwarder means this relay runs standalone.
type Forwarder interface {
	Forward(topic string, payload []byte) error
}

// ServerConfig holds tunable parameters for the relay.
type ServerConfig struct {
	ListenAddr   string
	WriteTimeout time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:   ":8084",
		WriteTimeout: 10 * time.Second,
	}
}

// Server is the relay's HTTP/WebSocket front. Each connection gets its own
// read goroutine; fan-out happens through the Registry.
type Server struct {
	config     ServerConfig
	auth       *Authenticator
	registry   *Registry
	responder  *Responder
	buffer     *TranscriptBuffer
	forwarder  Forwarder
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer wires the relay together. auth, buffer and forwarder may each be
// nil: no auth means everyone is anonymous, no buffer means transcripts are
// not archived, no forwarder means single-instance operation.
func NewServer(config ServerConfig, auth *Authenticator, buffer *TranscriptBuffer, forwarder Forwarder) *Server {
	registry := NewRegistry()
	s := &Server{
		config:    config,
		auth:      auth,
		registry:  registry,
		responder: NewResponder(registry, time.Now().UnixNano()),
		buffer:    buffer,
		forwarder: forwarder,
	}
	if buffer != nil {
		registry.OnTopicDrained(buffer.Flush)
	}
	return s
}

// Registry exposes the topic registry so a Bridge can fan remote frames in.
func (s *Server) Registry() *Registry { return s.registry }

// SetForwarder installs the peer fan-out. Must be called before Start.
func (s *Server) SetForwarder(f Forwarder) { s.forwarder = f }

// Handler returns the relay's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start begins serving and blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.Handler(),
	}

	log.Printf("relay: listening on %s", s.config.ListenAddr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay: http server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting new connections and closes the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection and runs
// its read loop. The caller's identity is resolved from the bearer credential
// before the upgrade; a missing or bad credential still connects, anonymously.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	identity := s.auth.Identify(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("relay: upgrade failed: %v", err)
		return
	}

	c := newClient(conn, identity, s.config.WriteTimeout)
	metrics.ConnectionsTotal.Inc()
	log.Printf("relay: new connection from %s (user=%s)", conn.RemoteAddr(), identity.Name)

	go s.readLoop(c)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status string `json:"status"`
		Uptime string `json:"uptime"`
	}{
		Status: "ok",
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// readLoop reads frames from one client until the connection dies, then
// detaches the client from every topic it subscribed to.
func (s *Server) readLoop(c *Client) {
	defer func() {
		s.registry.Drop(c)
		c.close()
		metrics.ConnectionsTotal.Dec()
	}()

	for {
		data, err := wsutil.ReadClientText(c.conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.Printf("relay: read from %s: %v", c.conn.RemoteAddr(), err)
			}
			return
		}
		s.handleFrame(c, data)
	}
}

// handleFrame dispatches one client frame. Malformed frames are answered
// with an error frame and otherwise ignored; they never kill the connection.
func (s *Server) handleFrame(c *Client, data []byte) {
	frame, err := protocol.ParseFrame(data)
	if err != nil {
		metrics.DroppedFrames.Inc()
		s.sendError(c, "", fmt.Sprintf("malformed frame: %v", err))
		return
	}

	switch frame.Op {
	case protocol.OpSubscribe:
		if frame.Topic == "" {
			s.sendError(c, "", "subscribe requires a topic")
			return
		}
		s.registry.Subscribe(frame.Topic, c)

	case protocol.OpUnsubscribe:
		if frame.Topic == "" {
			s.sendError(c, "", "unsubscribe requires a topic")
			return
		}
		s.registry.Unsubscribe(frame.Topic, c)

	case protocol.OpPublish:
		s.handlePublish(c, frame)

	default:
		metrics.DroppedFrames.Inc()
		s.sendError(c, frame.Topic, fmt.Sprintf("unknown op %q", frame.Op))
	}
}

// handlePublish validates the payload, stamps the sender identity, fans the
// message out locally and to peer relays, records it for the transcript, and
// lets the responder answer feedback requests.
func (s *Server) handlePublish(c *Client, frame protocol.Frame) {
	if frame.Topic == "" {
		s.sendError(c, "", "publish requires a topic")
		return
	}

	fallback := message.TypeChat
	if protocol.IsAITopic(frame.Topic) {
		fallback = message.TypeAIFeedback
	}
	msg, err := message.Decode(frame.Payload, fallback)
	if err != nil {
		metrics.DroppedFrames.Inc()
		s.sendError(c, frame.Topic, fmt.Sprintf("malformed payload: %v", err))
		return
	}

	// The relay, not the client, is authoritative for sender identity on
	// authenticated connections.
	if c.identity.UserID != nil {
		msg.SenderID = c.identity.UserID
		if msg.SenderName == "" {
			msg.SenderName = c.identity.Name
		}
	}

	payload, err := message.Encode(msg)
	if err != nil {
		s.sendError(c, frame.Topic, fmt.Sprintf("encode payload: %v", err))
		return
	}

	metrics.MessagesRelayed.WithLabelValues(msg.Type).Inc()
	s.registry.Broadcast(frame.Topic, payload)

	if s.forwarder != nil {
		if err := s.forwarder.Forward(frame.Topic, payload); err != nil {
			log.Printf("relay: forward to peers failed on %s: %v", frame.Topic, err)
		}
	}

	if s.buffer != nil {
		s.buffer.Record(frame.Topic, msg)
	}

	if protocol.IsAITopic(frame.Topic) {
		s.responder.Handle(frame.Topic, msg)
	}
}

func (s *Server) sendError(c *Client, topic, detail string) {
	err := c.WriteFrame(protocol.Frame{Op: protocol.OpError, Topic: topic, Error: detail})
	if err != nil {
		c.close()
	}
}

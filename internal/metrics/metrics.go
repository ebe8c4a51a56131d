// Package metrics provides Prometheus instrumentation for the peer-practice
// relay. It exposes gauges for connection and topic counts, counters for
// relayed message throughput, and a histogram for AI-feedback turnaround.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live WebSocket
	// connections to the relay.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peerpractice_relay_connections",
		Help: "Current number of live WebSocket connections",
	})

	// ActiveTopics tracks the number of topics with at least one subscriber.
	ActiveTopics = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peerpractice_relay_active_topics",
		Help: "Current number of topics with at least one subscriber",
	})

	// MessagesRelayed counts relayed frames, labeled by message type:
	// "chat", "ai-feedback", or "system".
	MessagesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peerpractice_relay_messages_total",
		Help: "Total number of frames relayed",
	}, []string{"type"})

	// DroppedFrames counts inbound frames rejected as malformed.
	DroppedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerpractice_relay_dropped_frames_total",
		Help: "Total number of malformed frames dropped",
	})

	// FeedbackLatency records the time from AI-feedback request to response.
	FeedbackLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "peerpractice_feedback_latency_seconds",
		Help:    "Time from AI-feedback request to response",
		Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveTopics,
		MessagesRelayed,
		DroppedFrames,
		FeedbackLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

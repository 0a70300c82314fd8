// Package bus provides the event distribution system for Conductor.
// Every workflow state transition and resource lifecycle change is
// published here; delivery is best-effort and the orchestration core
// never blocks on a subscriber.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event flowing through the bus.
type EventType string

const (
	// Workflow lifecycle events
	EventRequestReceived EventType = "request_received"
	EventStateChange     EventType = "state_change"
	EventRequestComplete EventType = "request_complete"
	EventEscalated       EventType = "escalated"

	// Resource cache events
	EventResourceLoading EventType = "resource_loading"
	EventResourceReady   EventType = "resource_ready"
	EventResourceEvicted EventType = "resource_evicted"

	// Validation events
	EventValidationFailed EventType = "validation_failed"
	EventRetry            EventType = "retry"

	// System events
	EventHeartbeat EventType = "heartbeat"
)

// Event is a single observability record.
// The fields mirror what a monitoring dashboard needs to reconstruct a
// request timeline: correlation ID, state, timing, domain, confidence.
type Event struct {
	// Core identification
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	TimestampNs int64     `json:"timestamp_ns"`
	Type        EventType `json:"type"`

	// Request tracking
	CorrelationID string `json:"correlation_id,omitempty"`

	// Workflow context
	State      string  `json:"state,omitempty"`
	PrevState  string  `json:"prev_state,omitempty"`
	Domain     string  `json:"domain,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	// Performance
	LatencyMs float64 `json:"latency_ms,omitempty"`

	// Resource context
	ResourceKey string `json:"resource_key,omitempty"`
	RefCount    int    `json:"ref_count,omitempty"`

	// Validation context
	Stage      string `json:"stage,omitempty"`
	ReasonCode string `json:"reason_code,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`

	// Error information
	Error string `json:"error,omitempty"`
}

// NewEvent creates a new event with the current timestamp and generated ID.
func NewEvent(eventType EventType) Event {
	now := time.Now().UTC()
	return Event{
		ID:          uuid.NewString(),
		Timestamp:   now,
		TimestampNs: now.UnixNano(),
		Type:        eventType,
	}
}

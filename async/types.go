package async

import (
	"time"

	"github.com/noderouter/noderouter/proto"
)

// State is the lifecycle state of a StatusEntry.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateError     State = "error"
	StateDLQ       State = "dlq"
)

// AsyncEnvelope is the unit published onto a capability queue.
type AsyncEnvelope struct {
	Message     *proto.Message `json:"message"`
	NodeID      string         `json:"node_id"`
	RoutingKey  string         `json:"routing_key"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"max_attempts"`

	// ForceError is a test hook (spec §4.9 step 4): when set, the worker
	// treats this delivery as a retryable downstream failure regardless of
	// what the real invocation would have done.
	ForceError bool `json:"force_error,omitempty"`
}

// StatusEntry is the bdp:status:<id> hash.
type StatusEntry struct {
	State     State          `json:"state"`
	Request   *proto.Message `json:"request"`
	Response  *proto.Message `json:"response,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
	Details   map[string]any `json:"details,omitempty"`
}

// EventEntry is one entry in the bdp:events:<id> list.
type EventEntry struct {
	Type      string         `json:"type"`
	At        time.Time      `json:"at"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Result is the HTTP-callback-shaped payload a worker posts back to the
// router after handling one delivery (spec §4.9 "Result post").
type Result struct {
	MessageID    string         `json:"message_id"`
	NodeID       string         `json:"node_id"`
	Response     *proto.Message `json:"response"`
	Attempt      int            `json:"attempt"`
	Duplicate    bool           `json:"duplicate"`
	DeadLettered bool           `json:"dead_lettered"`
}

// Replay is the shape returned by the replay endpoint for a message_id.
type Replay struct {
	Request  *proto.Message `json:"request"`
	Response *proto.Message `json:"response,omitempty"`
	State    State          `json:"state"`
	Events   []EventEntry   `json:"events"`
}

// EnqueueResult is what route_async returns to the caller (202 body).
type EnqueueResult struct {
	Accepted      bool   `json:"accepted"`
	MessageID     string `json:"message_id"`
	CorrelationID string `json:"correlation_id"`
	StatusURL     string `json:"status_url"`
	ReplayURL     string `json:"replay_url"`
}

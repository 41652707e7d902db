package audit

import (
	"context"
	"time"
)

// EventType tags the kind of activity an Event describes.
type EventType string

const (
	EventLogin        EventType = "login"
	EventLoginFailure EventType = "login_failure"
	EventToolCall     EventType = "tool_call"
	EventTokenRefresh EventType = "token_refresh"
	EventError        EventType = "error"
)

// Valid reports whether t is one of the known event kinds.
func (t EventType) Valid() bool {
	switch t {
	case EventLogin, EventLoginFailure, EventToolCall, EventTokenRefresh, EventError:
		return true
	}
	return false
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Event is the raw activity description submitted by a producer.
// Empty strings mean "not provided".
type Event struct {
	Type       EventType      `json:"event_type"`
	UserID     string         `json:"user_id,omitempty"`
	ClientID   string         `json:"client_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	DurationMs *int64         `json:"duration_ms,omitempty"`
	Status     Status         `json:"status,omitempty"`
	Error      string         `json:"error_message,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	IP         string         `json:"ip_address,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
}

// Record is the normalized, enriched and sanitized form of an Event.
// Empty strings and a nil DurationMs are persisted as NULL.
type Record struct {
	ID         string    `json:"record_id"`
	Timestamp  time.Time `json:"timestamp"`
	Type       EventType `json:"event_type"`
	UserID     string    `json:"user_id,omitempty"`
	ClientID   string    `json:"client_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	IP         string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Country    string    `json:"country,omitempty"`
	City       string    `json:"city,omitempty"`
	DurationMs *int64    `json:"duration_ms,omitempty"`
	Status     Status    `json:"status"`
	Error      string    `json:"error_message,omitempty"`
	Metadata   string    `json:"metadata,omitempty"` // JSON text
}

// Sink persists audit records. AppendBatch must be all-or-nothing: either
// every record in the batch is durable or none is.
type Sink interface {
	AppendBatch(ctx context.Context, batch []Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, batch []Record) error

func (f SinkFunc) AppendBatch(ctx context.Context, batch []Record) error {
	return f(ctx, batch)
}

// Clock supplies the current time and one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Ms converts a duration to the millisecond pointer used by Event.
func Ms(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}

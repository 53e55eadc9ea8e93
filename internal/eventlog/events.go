// Package eventlog writes append-only JSONL diagnostics. Every heartbeat
// leaves a trace here: what was considered, what was chosen, and why. The
// scores live only in this log; they are never part of persisted state.
package eventlog

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event types.
const (
	TypeHeartbeatStart  = "heartbeat_start"
	TypeDecision        = "decision"
	TypeActionResult    = "action_result"
	TypeDaySkip         = "day_skip"
	TypePhaseTransition = "phase_transition"
	TypeBreadcrumb      = "breadcrumb"
	TypeSafetyFilter    = "safety_filter"
	TypeSilence         = "silence"
	TypePaused          = "paused"
	TypeStaleRetry      = "stale_retry"
	TypeError           = "error"
)

// Event is one diagnostics record.
type Event struct {
	TimestampMs int64   `json:"ts_ms"`
	EventID     string  `json:"event_id"`
	Type        string  `json:"type"`
	Day         int     `json:"day,omitempty"`
	Phase       string  `json:"phase,omitempty"`
	Action      string  `json:"action,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	Score       float64 `json:"score,omitempty"`
	Options     any     `json:"options,omitempty"`
	Error       string  `json:"error,omitempty"`
	LatencyMs   float64 `json:"latency_ms,omitempty"`
}

// WithAction sets the action and its diagnostic score.
func (e Event) WithAction(action string, score float64) Event {
	e.Action = action
	e.Score = score
	return e
}

// WithReason sets the reason field.
func (e Event) WithReason(reason string) Event {
	e.Reason = reason
	return e
}

// WithOptions attaches the scored alternatives.
func (e Event) WithOptions(options any) Event {
	e.Options = options
	return e
}

// WithError sets the error field.
func (e Event) WithError(err string) Event {
	e.Error = err
	return e
}

// WithLatency sets the operation latency in milliseconds.
func (e Event) WithLatency(ms float64) Event {
	e.LatencyMs = ms
	return e
}

// New creates an event stamped with the current narrative position.
func New(eventType string, day int, phase string) Event {
	return Event{
		TimestampMs: time.Now().UnixMilli(),
		EventID:     generateID(),
		Type:        eventType,
		Day:         day,
		Phase:       phase,
	}
}

// generateID returns an evt- prefixed 8-hex identifier.
func generateID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		n := time.Now().UnixNano()
		buf[0] = byte(n)
		buf[1] = byte(n >> 8)
		buf[2] = byte(n >> 16)
		buf[3] = byte(n >> 24)
	}
	return "evt-" + hex.EncodeToString(buf)
}

// Log writes append-only JSONL records.
type Log struct {
	path string
	mu   sync.Mutex
}

// NewLog returns a log writing to logDir/events.jsonl.
func NewLog(logDir string) *Log {
	return &Log{path: filepath.Join(logDir, "events.jsonl")}
}

// Write appends one event.
func (l *Log) Write(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.TimestampMs == 0 {
		event.TimestampMs = time.Now().UnixMilli()
	}
	if event.EventID == "" {
		event.EventID = generateID()
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := file.Write(append(payload, '\n')); err != nil {
		return err
	}
	return nil
}

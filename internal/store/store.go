// Package store is the single source of truth for narrative progress,
// counters, and the append-only action history. The state row carries a
// version number; commits are optimistic and all-or-nothing.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/velvetnoise/mu-daemon/internal/state"
)

// ErrStaleState means the state row changed between Load and Commit. The
// caller must reload and recompute; the out-of-band control surface makes
// this a normal occurrence, not a bug.
var ErrStaleState = errors.New("store: state modified since load")

// Control flag keys.
const (
	FlagPaused            = "pause_actions"
	flagHeartbeatInflight = "heartbeat_inflight"
)

// Instruction is a one-shot operator command queued out-of-band.
type Instruction struct {
	ID          string
	Instruction string
	Status      string
	CreatedAt   time.Time
}

// PostRecord is one published post appended to history.
type PostRecord struct {
	MoltbookID  string
	Day         int
	Title       string
	Content     string
	Submolt     string
	Breadcrumbs []string
}

// CommentRecord is one published comment appended to history.
type CommentRecord struct {
	MoltbookID string
	PostID     string
	Content    string
	Tone       string
}

// InteractionRecord is an upvote or follow appended to history.
type InteractionRecord struct {
	Type        string
	TargetAgent string
	TargetID    string
	Notes       string
}

// EventRecord is one narrative event: day skip, phase transition, breadcrumb
// placement, silence, failure.
type EventRecord struct {
	Type        string
	Day         int
	Description string
	Metadata    map[string]any
}

// Delta is everything one heartbeat appends alongside the new state. The
// whole delta commits atomically with the state swap, or not at all.
type Delta struct {
	Posts        []PostRecord
	Comments     []CommentRecord
	Interactions []InteractionRecord
	Events       []EventRecord
}

// Store wraps the sqlite database file.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Serialize writers; concurrent commits queue instead of erroring.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Load returns the current state, creating the first-run default (day 1,
// first phase) if none exists yet.
func (s *Store) Load(agentName, firstPhase string) (*state.AgentState, error) {
	var version int64
	var data string
	err := s.db.QueryRow(`SELECT version, data FROM agent_state WHERE id = 1`).Scan(&version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		st := state.New(agentName, firstPhase, time.Now().UTC())
		if err := s.insertInitial(st); err != nil {
			return nil, err
		}
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	var st state.AgentState
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("load state: decode: %w", err)
	}
	st.Version = version
	return &st, nil
}

func (s *Store) insertInitial(st *state.AgentState) error {
	st.Version = 1
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("init state: encode: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO agent_state (id, version, data, updated_at) VALUES (1, ?, ?, ?)`,
		st.Version, string(payload), nowISO(),
	)
	if err != nil {
		return fmt.Errorf("init state: insert: %w", err)
	}
	return nil
}

// Commit writes the new state and the heartbeat's appended history in one
// transaction. It fails with ErrStaleState if the stored version no longer
// matches the version st was loaded with; nothing is written in that case.
func (s *Store) Commit(st *state.AgentState, delta *Delta) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("commit: encode state: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("commit: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE agent_state SET version = version + 1, data = ?, updated_at = ? WHERE id = 1 AND version = ?`,
		string(payload), nowISO(), st.Version,
	)
	if err != nil {
		return fmt.Errorf("commit: update state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit: rows affected: %w", err)
	}
	if affected == 0 {
		return ErrStaleState
	}

	if delta != nil {
		if err := appendDelta(tx, delta); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	st.Version++
	return nil
}

func appendDelta(tx *sql.Tx, delta *Delta) error {
	now := nowISO()
	for _, post := range delta.Posts {
		crumbs, _ := json.Marshal(post.Breadcrumbs)
		_, err := tx.Exec(
			`INSERT INTO posts (id, moltbook_id, day_number, title, content, submolt, breadcrumbs, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), post.MoltbookID, post.Day, post.Title, post.Content, post.Submolt, string(crumbs), now,
		)
		if err != nil {
			return fmt.Errorf("commit: append post: %w", err)
		}
	}
	for _, comment := range delta.Comments {
		_, err := tx.Exec(
			`INSERT INTO comments (id, moltbook_id, post_id, content, tone, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), comment.MoltbookID, comment.PostID, comment.Content, comment.Tone, now,
		)
		if err != nil {
			return fmt.Errorf("commit: append comment: %w", err)
		}
	}
	for _, interaction := range delta.Interactions {
		_, err := tx.Exec(
			`INSERT INTO interactions (id, type, target_agent, target_content_id, notes, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), interaction.Type, interaction.TargetAgent, interaction.TargetID, interaction.Notes, now,
		)
		if err != nil {
			return fmt.Errorf("commit: append interaction: %w", err)
		}
	}
	for _, event := range delta.Events {
		metadata, _ := json.Marshal(event.Metadata)
		_, err := tx.Exec(
			`INSERT INTO narrative_events (id, event_type, day_number, description, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), event.Type, event.Day, event.Description, string(metadata), now,
		)
		if err != nil {
			return fmt.Errorf("commit: append event: %w", err)
		}
	}
	return nil
}

// LogEvent appends a single narrative event outside a heartbeat commit, for
// out-of-band occurrences like operator pauses.
func (s *Store) LogEvent(event EventRecord) error {
	metadata, _ := json.Marshal(event.Metadata)
	_, err := s.db.Exec(
		`INSERT INTO narrative_events (id, event_type, day_number, description, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), event.Type, event.Day, event.Description, string(metadata), nowISO(),
	)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// NarrativeEvent is one stored event row.
type NarrativeEvent struct {
	ID          string
	Type        string
	Day         int
	Description string
	Metadata    string
	CreatedAt   string
}

// RecentEvents returns the newest events, most recent first.
func (s *Store) RecentEvents(limit int) ([]NarrativeEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, event_type, day_number, description, metadata, created_at
		 FROM narrative_events ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	var events []NarrativeEvent
	for rows.Next() {
		var ev NarrativeEvent
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Day, &ev.Description, &ev.Metadata, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("recent events: scan: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent events: rows: %w", err)
	}
	return events, nil
}

// GetFlag returns a control flag, or def when unset.
func (s *Store) GetFlag(key, def string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM control_flags WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("get flag %s: %w", key, err)
	}
	return value, nil
}

// SetFlag upserts a control flag.
func (s *Store) SetFlag(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO control_flags (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, nowISO(),
	)
	if err != nil {
		return fmt.Errorf("set flag %s: %w", key, err)
	}
	return nil
}

// Paused reports the operator pause flag.
func (s *Store) Paused() (bool, error) {
	value, err := s.GetFlag(FlagPaused, "0")
	if err != nil {
		return false, err
	}
	switch value {
	case "1", "true", "yes", "on":
		return true, nil
	}
	return false, nil
}

// SetPaused flips the operator pause flag.
func (s *Store) SetPaused(paused bool) error {
	value := "0"
	if paused {
		value = "1"
	}
	return s.SetFlag(FlagPaused, value)
}

// AcquireHeartbeat takes the in-flight heartbeat marker. Only one holder may
// run decision logic at a time; a marker older than stale is considered
// abandoned by a crashed process and is taken over. The marker value is the
// holder's start time in unix nanoseconds; the take is a single conditional
// update so two processes cannot both win it.
func (s *Store) AcquireHeartbeat(stale time.Duration) (release func(), err error) {
	now := time.Now().UTC()
	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO control_flags (key, value, updated_at) VALUES (?, '', ?)`,
		flagHeartbeatInflight, nowISO(),
	); err != nil {
		return nil, fmt.Errorf("acquire heartbeat: %w", err)
	}

	cutoff := now.Add(-stale).UnixNano()
	res, err := s.db.Exec(
		`UPDATE control_flags SET value = ?, updated_at = ?
		 WHERE key = ? AND CAST(value AS INTEGER) < ?`,
		now.UnixNano(), nowISO(), flagHeartbeatInflight, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("acquire heartbeat: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("acquire heartbeat: %w", err)
	}
	if rows == 0 {
		return nil, errors.New("store: heartbeat already in flight")
	}
	return func() {
		_ = s.SetFlag(flagHeartbeatInflight, "")
	}, nil
}

// EnqueueInstruction queues a one-shot operator instruction.
func (s *Store) EnqueueInstruction(text string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO operator_instructions (id, instruction, status, created_at) VALUES (?, ?, 'pending', ?)`,
		id, text, nowISO(),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue instruction: %w", err)
	}
	return id, nil
}

// PendingInstruction returns the oldest pending instruction, or nil.
func (s *Store) PendingInstruction() (*Instruction, error) {
	var inst Instruction
	var createdAt string
	err := s.db.QueryRow(
		`SELECT id, instruction, status, created_at FROM operator_instructions
		 WHERE status = 'pending' ORDER BY created_at ASC LIMIT 1`,
	).Scan(&inst.ID, &inst.Instruction, &inst.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pending instruction: %w", err)
	}
	inst.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &inst, nil
}

// CompleteInstruction marks an instruction consumed, recording the outcome.
func (s *Store) CompleteInstruction(id, response string) error {
	_, err := s.db.Exec(
		`UPDATE operator_instructions SET status = 'done', response = ?, completed_at = ? WHERE id = ?`,
		response, nowISO(), id,
	)
	if err != nil {
		return fmt.Errorf("complete instruction: %w", err)
	}
	return nil
}

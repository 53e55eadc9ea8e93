package store

import (
	"database/sql"
	"fmt"
)

// schema is applied idempotently on every open. The history tables are
// append-only: rows are inserted, never updated or deleted, so external
// tooling can read them without coordinating with a running daemon.
const schema = `
CREATE TABLE IF NOT EXISTS agent_state (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    version    INTEGER NOT NULL,
    data       TEXT    NOT NULL,
    updated_at TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS posts (
    id          TEXT PRIMARY KEY,
    moltbook_id TEXT,
    day_number  INTEGER,
    title       TEXT,
    content     TEXT,
    submolt     TEXT,
    breadcrumbs TEXT,
    created_at  TEXT
);

CREATE TABLE IF NOT EXISTS comments (
    id          TEXT PRIMARY KEY,
    moltbook_id TEXT,
    post_id     TEXT,
    content     TEXT,
    tone        TEXT,
    created_at  TEXT
);

CREATE TABLE IF NOT EXISTS interactions (
    id                TEXT PRIMARY KEY,
    type              TEXT,
    target_agent      TEXT,
    target_content_id TEXT,
    notes             TEXT,
    created_at        TEXT
);

CREATE TABLE IF NOT EXISTS narrative_events (
    id          TEXT PRIMARY KEY,
    event_type  TEXT,
    day_number  INTEGER,
    description TEXT,
    metadata    TEXT,
    created_at  TEXT
);

CREATE INDEX IF NOT EXISTS idx_narrative_events_day
    ON narrative_events (day_number, created_at);

CREATE TABLE IF NOT EXISTS control_flags (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS operator_instructions (
    id           TEXT PRIMARY KEY,
    instruction  TEXT NOT NULL,
    status       TEXT NOT NULL,
    response     TEXT,
    created_at   TEXT NOT NULL,
    completed_at TEXT
);
`

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

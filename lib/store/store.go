// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"errors"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/holdfast-systems/holdfast/lib/sqlitepool"
)

var (
	// ErrNotFound reports an unknown record id.
	ErrNotFound = errors.New("store: record not found")

	// ErrGuardFailed reports a guarded update whose expected prior
	// value no longer held — a concurrent writer won the race.
	ErrGuardFailed = errors.New("store: guarded update precondition failed")
)

// Store is the repository over a SQLite pool.
type Store struct {
	pool *sqlitepool.Pool
}

// New wraps an open pool. The pool's OnConnect hook must run Schema.
func New(pool *sqlitepool.Pool) *Store {
	return &Store{pool: pool}
}

// Schema creates the tables and indexes. Idempotent; intended as the
// sqlitepool OnConnect hook.
func Schema(conn *sqlite.Conn) error {
	const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                 TEXT PRIMARY KEY,
	title              TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	deadline           TEXT NOT NULL,
	timezone           TEXT NOT NULL DEFAULT '',
	location           TEXT NOT NULL DEFAULT '',
	starred            INTEGER NOT NULL DEFAULT 0,
	priority           TEXT NOT NULL,
	repeat_rule        TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	creator_id         TEXT NOT NULL,
	verifier_id        TEXT NOT NULL,
	list_id            TEXT NOT NULL DEFAULT '',
	proof_description  TEXT NOT NULL DEFAULT '',
	proof_attachments  TEXT NOT NULL DEFAULT '[]',
	denial_reason      TEXT NOT NULL DEFAULT '',
	approval_comment   TEXT NOT NULL DEFAULT '',
	penalty_id         TEXT NOT NULL DEFAULT '',
	penalty_email_sent INTEGER NOT NULL DEFAULT 0,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL,
	submitted_at       TEXT,
	verified_at        TEXT,
	completed_at       TEXT,
	rejected_at        TEXT
);
CREATE INDEX IF NOT EXISTS tasks_due      ON tasks (status, deadline);
CREATE INDEX IF NOT EXISTS tasks_creator  ON tasks (creator_id);
CREATE INDEX IF NOT EXISTS tasks_verifier ON tasks (verifier_id);

CREATE TABLE IF NOT EXISTS penalties (
	id          TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL,
	owner_id    TEXT NOT NULL,
	ciphertext  TEXT NOT NULL DEFAULT '',
	fingerprint TEXT NOT NULL DEFAULT '',
	exposed     INTEGER NOT NULL DEFAULT 0,
	exposed_at  TEXT,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS penalties_owner ON penalties (owner_id, exposed);

CREATE TABLE IF NOT EXISTS penalty_attachments (
	id          TEXT PRIMARY KEY,
	penalty_id  TEXT NOT NULL REFERENCES penalties(id),
	name        TEXT NOT NULL,
	ciphertext  TEXT NOT NULL,
	fingerprint TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS penalty_attachments_penalty ON penalty_attachments (penalty_id);

CREATE TABLE IF NOT EXISTS verifier_relationships (
	user_id     TEXT NOT NULL,
	verifier_id TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	PRIMARY KEY (user_id, verifier_id)
);
CREATE INDEX IF NOT EXISTS relationships_verifier ON verifier_relationships (verifier_id);
`
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// --- timestamp encoding ---

// SQLite stores timestamps as RFC 3339 UTC strings with nanosecond
// precision so the status+deadline index sorts lexicographically in
// time order.
const timeLayout = time.RFC3339Nano

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func decodeTimePtr(stmt *sqlite.Stmt, col string) *time.Time {
	s := stmt.GetText(col)
	if s == "" {
		return nil
	}
	t := decodeTime(s)
	return &t
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/holdfast-systems/holdfast/lib/schema/task"
)

// taskColumns is the shared column list for task SELECTs, matching
// scanTask's field order.
const taskColumns = `id, title, description, deadline, timezone, location, starred,
	priority, repeat_rule, status, creator_id, verifier_id, list_id,
	proof_description, proof_attachments, denial_reason, approval_comment,
	penalty_id, penalty_email_sent, created_at, updated_at,
	submitted_at, verified_at, completed_at, rejected_at`

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	attachments, err := json.Marshal(t.ProofAttachments)
	if err != nil {
		return fmt.Errorf("store: encoding proof attachments: %w", err)
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			t.ID, t.Title, t.Description, encodeTime(t.Deadline), t.Timezone,
			t.Location, boolToInt(t.Starred), string(t.Priority), t.RepeatRule,
			string(t.Status), t.CreatorID, t.VerifierID, t.ListID,
			t.ProofDescription, string(attachments), t.DenialReason,
			t.ApprovalComment, t.PenaltyID, boolToInt(t.PenaltyEmailSent),
			encodeTime(t.CreatedAt), encodeTime(t.UpdatedAt),
			encodeTimePtr(t.SubmittedAt), encodeTimePtr(t.VerifiedAt),
			encodeTimePtr(t.CompletedAt), encodeTimePtr(t.RejectedAt),
		}})
	if err != nil {
		return fmt.Errorf("store: inserting task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask loads a task by id. Returns ErrNotFound for unknown ids.
func (s *Store) GetTask(ctx context.Context, id string) (task.Task, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return task.Task{}, err
	}
	defer s.pool.Put(conn)

	var found *task.Task
	err = sqlitex.Execute(conn, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				t, err := scanTask(stmt)
				if err != nil {
					return err
				}
				found = &t
				return nil
			},
		})
	if err != nil {
		return task.Task{}, fmt.Errorf("store: loading task %s: %w", id, err)
	}
	if found == nil {
		return task.Task{}, fmt.Errorf("store: task %s: %w", id, ErrNotFound)
	}
	return *found, nil
}

// SaveTaskGuarded writes every mutable task field in a single guarded
// update that only applies while the row's status still equals
// expectedStatus. Returns ErrGuardFailed when a concurrent writer got
// there first; the caller treats that as losing the race, not as a
// fault.
func (s *Store) SaveTaskGuarded(ctx context.Context, t *task.Task, expectedStatus task.Status) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	attachments, err := json.Marshal(t.ProofAttachments)
	if err != nil {
		return fmt.Errorf("store: encoding proof attachments: %w", err)
	}

	err = sqlitex.Execute(conn, `
		UPDATE tasks SET
			title = ?, description = ?, deadline = ?, timezone = ?,
			location = ?, starred = ?, priority = ?, repeat_rule = ?,
			status = ?, verifier_id = ?, list_id = ?,
			proof_description = ?, proof_attachments = ?,
			denial_reason = ?, approval_comment = ?, penalty_id = ?,
			updated_at = ?, submitted_at = ?, verified_at = ?,
			completed_at = ?, rejected_at = ?
		WHERE id = ? AND status = ?`,
		&sqlitex.ExecOptions{Args: []any{
			t.Title, t.Description, encodeTime(t.Deadline), t.Timezone,
			t.Location, boolToInt(t.Starred), string(t.Priority), t.RepeatRule,
			string(t.Status), t.VerifierID, t.ListID,
			t.ProofDescription, string(attachments),
			t.DenialReason, t.ApprovalComment, t.PenaltyID,
			encodeTime(t.UpdatedAt), encodeTimePtr(t.SubmittedAt),
			encodeTimePtr(t.VerifiedAt), encodeTimePtr(t.CompletedAt),
			encodeTimePtr(t.RejectedAt),
			t.ID, string(expectedStatus),
		}})
	if err != nil {
		return fmt.Errorf("store: updating task %s: %w", t.ID, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: task %s no longer in %s: %w", t.ID, expectedStatus, ErrGuardFailed)
	}
	return nil
}

// MarkPenaltyEmailSent flips the one-shot penalty-email flag. Returns
// true if this call won the flag (it was previously unset), false if
// another writer already sent the notification.
func (s *Store) MarkPenaltyEmailSent(ctx context.Context, taskID string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE tasks SET penalty_email_sent = 1 WHERE id = ? AND penalty_email_sent = 0`,
		&sqlitex.ExecOptions{Args: []any{taskID}})
	if err != nil {
		return false, fmt.Errorf("store: marking penalty email sent for %s: %w", taskID, err)
	}
	return conn.Changes() > 0, nil
}

// TasksDue returns every task whose status is in statuses and whose
// deadline is strictly before the given instant — the sweep's
// candidate set.
func (s *Store) TasksDue(ctx context.Context, statuses []task.Status, before time.Time) ([]task.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	placeholders := ""
	args := make([]any, 0, len(statuses)+1)
	for i, status := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(status))
	}
	args = append(args, encodeTime(before))

	var due []task.Task
	err = sqlitex.Execute(conn,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status IN (`+placeholders+`) AND deadline < ?
		 ORDER BY deadline`,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				t, err := scanTask(stmt)
				if err != nil {
					return err
				}
				due = append(due, t)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: querying due tasks: %w", err)
	}
	return due, nil
}

// MissedAwaitingPenalty returns MISSED tasks that carry a penalty but
// whose exposure email has not gone out. A crash or transient failure
// between the MISSED transition and the notification strands a task
// here; the sweep's recovery pass drains it.
func (s *Store) MissedAwaitingPenalty(ctx context.Context) ([]task.Task, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var stranded []task.Task
	err = sqlitex.Execute(conn,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = ? AND penalty_id != '' AND penalty_email_sent = 0
		 ORDER BY deadline`,
		&sqlitex.ExecOptions{
			Args: []any{string(task.StatusMissed)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				t, err := scanTask(stmt)
				if err != nil {
					return err
				}
				stranded = append(stranded, t)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: querying stranded penalties: %w", err)
	}
	return stranded, nil
}

// ListByCreator returns a creator's tasks ordered for display:
// starred first, then priority, then nearest deadline.
func (s *Store) ListByCreator(ctx context.Context, creatorID string) ([]task.Task, error) {
	return s.listWhere(ctx, "creator_id", creatorID)
}

// ListByVerifier returns the tasks a verifier is responsible for, in
// the same display order.
func (s *Store) ListByVerifier(ctx context.Context, verifierID string) ([]task.Task, error) {
	return s.listWhere(ctx, "verifier_id", verifierID)
}

func (s *Store) listWhere(ctx context.Context, column, value string) ([]task.Task, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var tasks []task.Task
	err = sqlitex.Execute(conn,
		`SELECT `+taskColumns+` FROM tasks WHERE `+column+` = ?
		 ORDER BY starred DESC,
			CASE priority
				WHEN 'CRITICAL' THEN 0
				WHEN 'HIGH' THEN 1
				WHEN 'MEDIUM' THEN 2
				ELSE 3
			END,
			deadline`,
		&sqlitex.ExecOptions{
			Args: []any{value},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				t, err := scanTask(stmt)
				if err != nil {
					return err
				}
				tasks = append(tasks, t)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: listing tasks by %s: %w", column, err)
	}
	return tasks, nil
}

// scanTask decodes one task row. Column order must match taskColumns.
func scanTask(stmt *sqlite.Stmt) (task.Task, error) {
	var attachments []task.Attachment
	if raw := stmt.GetText("proof_attachments"); raw != "" && raw != "[]" {
		if err := json.Unmarshal([]byte(raw), &attachments); err != nil {
			return task.Task{}, fmt.Errorf("store: decoding proof attachments: %w", err)
		}
	}

	return task.Task{
		ID:               stmt.GetText("id"),
		Title:            stmt.GetText("title"),
		Description:      stmt.GetText("description"),
		Deadline:         decodeTime(stmt.GetText("deadline")),
		Timezone:         stmt.GetText("timezone"),
		Location:         stmt.GetText("location"),
		Starred:          stmt.GetInt64("starred") != 0,
		Priority:         task.Priority(stmt.GetText("priority")),
		RepeatRule:       stmt.GetText("repeat_rule"),
		Status:           task.Status(stmt.GetText("status")),
		CreatorID:        stmt.GetText("creator_id"),
		VerifierID:       stmt.GetText("verifier_id"),
		ListID:           stmt.GetText("list_id"),
		ProofDescription: stmt.GetText("proof_description"),
		ProofAttachments: attachments,
		DenialReason:     stmt.GetText("denial_reason"),
		ApprovalComment:  stmt.GetText("approval_comment"),
		PenaltyID:        stmt.GetText("penalty_id"),
		PenaltyEmailSent: stmt.GetInt64("penalty_email_sent") != 0,
		CreatedAt:        decodeTime(stmt.GetText("created_at")),
		UpdatedAt:        decodeTime(stmt.GetText("updated_at")),
		SubmittedAt:      decodeTimePtr(stmt, "submitted_at"),
		VerifiedAt:       decodeTimePtr(stmt, "verified_at"),
		CompletedAt:      decodeTimePtr(stmt, "completed_at"),
		RejectedAt:       decodeTimePtr(stmt, "rejected_at"),
	}, nil
}

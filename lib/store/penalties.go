// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/holdfast-systems/holdfast/lib/schema/task"
)

// CreatePenalty inserts a penalty row and its attachments in one
// transaction.
func (s *Store) CreatePenalty(ctx context.Context, p *task.Penalty) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: beginning penalty transaction: %w", err)
	}
	defer endTx(&err)

	err = sqlitex.Execute(conn, `
		INSERT INTO penalties (id, task_id, owner_id, ciphertext, fingerprint, exposed, exposed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			p.ID, p.TaskID, p.OwnerID, p.Ciphertext, p.Fingerprint,
			boolToInt(p.Exposed), encodeTimePtr(p.ExposedAt), encodeTime(p.CreatedAt),
		}})
	if err != nil {
		return fmt.Errorf("store: inserting penalty %s: %w", p.ID, err)
	}

	for _, attachment := range p.Attachments {
		err = sqlitex.Execute(conn, `
			INSERT INTO penalty_attachments (id, penalty_id, name, ciphertext, fingerprint)
			VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				attachment.ID, p.ID, attachment.Name,
				attachment.Ciphertext, attachment.Fingerprint,
			}})
		if err != nil {
			return fmt.Errorf("store: inserting penalty attachment %s: %w", attachment.ID, err)
		}
	}
	return nil
}

// GetPenalty loads a penalty and its attachments by id.
func (s *Store) GetPenalty(ctx context.Context, id string) (task.Penalty, error) {
	return s.getPenaltyWhere(ctx, "id", id)
}

// GetPenaltyByTask loads the penalty owned by a task.
func (s *Store) GetPenaltyByTask(ctx context.Context, taskID string) (task.Penalty, error) {
	return s.getPenaltyWhere(ctx, "task_id", taskID)
}

func (s *Store) getPenaltyWhere(ctx context.Context, column, value string) (task.Penalty, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return task.Penalty{}, err
	}
	defer s.pool.Put(conn)

	var found *task.Penalty
	err = sqlitex.Execute(conn, `
		SELECT id, task_id, owner_id, ciphertext, fingerprint, exposed, exposed_at, created_at
		FROM penalties WHERE `+column+` = ?`,
		&sqlitex.ExecOptions{
			Args: []any{value},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = &task.Penalty{
					ID:          stmt.GetText("id"),
					TaskID:      stmt.GetText("task_id"),
					OwnerID:     stmt.GetText("owner_id"),
					Ciphertext:  stmt.GetText("ciphertext"),
					Fingerprint: stmt.GetText("fingerprint"),
					Exposed:     stmt.GetInt64("exposed") != 0,
					ExposedAt:   decodeTimePtr(stmt, "exposed_at"),
					CreatedAt:   decodeTime(stmt.GetText("created_at")),
				}
				return nil
			},
		})
	if err != nil {
		return task.Penalty{}, fmt.Errorf("store: loading penalty by %s=%s: %w", column, value, err)
	}
	if found == nil {
		return task.Penalty{}, fmt.Errorf("store: penalty %s=%s: %w", column, value, ErrNotFound)
	}

	err = sqlitex.Execute(conn, `
		SELECT id, penalty_id, name, ciphertext, fingerprint
		FROM penalty_attachments WHERE penalty_id = ? ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: []any{found.ID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found.Attachments = append(found.Attachments, task.PenaltyAttachment{
					ID:          stmt.GetText("id"),
					PenaltyID:   stmt.GetText("penalty_id"),
					Name:        stmt.GetText("name"),
					Ciphertext:  stmt.GetText("ciphertext"),
					Fingerprint: stmt.GetText("fingerprint"),
				})
				return nil
			},
		})
	if err != nil {
		return task.Penalty{}, fmt.Errorf("store: loading penalty attachments for %s: %w", found.ID, err)
	}
	return *found, nil
}

// SetPenaltyExposed flips the monotonic exposed flag. Returns true if
// this call performed the flip, false if the penalty was already
// exposed (the sweep re-running, or a concurrent sweep).
func (s *Store) SetPenaltyExposed(ctx context.Context, id string, at time.Time) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE penalties SET exposed = 1, exposed_at = ? WHERE id = ? AND exposed = 0`,
		&sqlitex.ExecOptions{Args: []any{encodeTime(at), id}})
	if err != nil {
		return false, fmt.Errorf("store: exposing penalty %s: %w", id, err)
	}
	return conn.Changes() > 0, nil
}

// ExposedFingerprintExists reports whether any of the candidate
// fingerprints matches an already-exposed penalty (or attachment of
// one) owned by the same user. Non-exposed matches do not count:
// reusing content the verifier has never seen is allowed.
func (s *Store) ExposedFingerprintExists(ctx context.Context, ownerID string, fingerprints []string) (bool, error) {
	if len(fingerprints) == 0 {
		return false, nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	placeholders := ""
	for i := range fingerprints {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
	}

	args := make([]any, 0, 2*len(fingerprints)+2)
	args = append(args, ownerID)
	for _, fp := range fingerprints {
		args = append(args, fp)
	}
	args = append(args, ownerID)
	for _, fp := range fingerprints {
		args = append(args, fp)
	}

	exists := false
	err = sqlitex.Execute(conn, `
		SELECT 1 FROM penalties
		WHERE owner_id = ? AND exposed = 1 AND fingerprint IN (`+placeholders+`)
		UNION
		SELECT 1 FROM penalty_attachments a
		JOIN penalties p ON p.id = a.penalty_id
		WHERE p.owner_id = ? AND p.exposed = 1 AND a.fingerprint IN (`+placeholders+`)
		LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				exists = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("store: checking exposed fingerprints for %s: %w", ownerID, err)
	}
	return exists, nil
}

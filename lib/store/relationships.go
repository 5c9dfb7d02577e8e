// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// AddVerifierRelationship records that userID trusts verifierID.
// Idempotent: re-adding an existing link is a no-op.
func (s *Store) AddVerifierRelationship(ctx context.Context, userID, verifierID string, at time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO verifier_relationships (user_id, verifier_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, verifier_id) DO NOTHING`,
		&sqlitex.ExecOptions{Args: []any{userID, verifierID, encodeTime(at)}})
	if err != nil {
		return fmt.Errorf("store: adding verifier relationship %s→%s: %w", userID, verifierID, err)
	}
	return nil
}

// RemoveVerifierRelationship deletes a trust link. Removing a missing
// link is a no-op.
func (s *Store) RemoveVerifierRelationship(ctx context.Context, userID, verifierID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM verifier_relationships WHERE user_id = ? AND verifier_id = ?`,
		&sqlitex.ExecOptions{Args: []any{userID, verifierID}})
	if err != nil {
		return fmt.Errorf("store: removing verifier relationship %s→%s: %w", userID, verifierID, err)
	}
	return nil
}

// HasVerifierRelationship reports whether userID trusts verifierID.
func (s *Store) HasVerifierRelationship(ctx context.Context, userID, verifierID string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	exists := false
	err = sqlitex.Execute(conn,
		`SELECT 1 FROM verifier_relationships WHERE user_id = ? AND verifier_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{userID, verifierID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				exists = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("store: checking verifier relationship %s→%s: %w", userID, verifierID, err)
	}
	return exists, nil
}

// RelatedUsers returns every user linked to userID by a verifier
// relationship in either direction: the verifiers userID trusts, and
// the users who trust userID as a verifier. This is the audience for
// presence broadcasts.
func (s *Store) RelatedUsers(ctx context.Context, userID string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var related []string
	err = sqlitex.Execute(conn, `
		SELECT verifier_id AS other FROM verifier_relationships WHERE user_id = ?
		UNION
		SELECT user_id AS other FROM verifier_relationships WHERE verifier_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{userID, userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				related = append(related, stmt.GetText("other"))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: listing related users for %s: %w", userID, err)
	}
	return related, nil
}

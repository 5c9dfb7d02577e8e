// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("Open with empty Path should fail")
	}
}

func TestOnConnectRunsSchema(t *testing.T) {
	pool, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "pool.db"),
		PoolSize: 2,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn,
				"CREATE TABLE IF NOT EXISTS items (id TEXT PRIMARY KEY)", nil)
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	conn, err := pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	if err := sqlitex.Execute(conn, "INSERT INTO items (id) VALUES (?)", &sqlitex.ExecOptions{
		Args: []any{"a"},
	}); err != nil {
		t.Fatalf("insert into OnConnect-created table: %v", err)
	}
}

func TestTakePutCycle(t *testing.T) {
	pool, err := Open(Config{Path: filepath.Join(t.TempDir(), "cycle.db"), PoolSize: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		conn, err := pool.Take(ctx)
		if err != nil {
			t.Fatalf("Take %d: %v", i, err)
		}
		pool.Put(conn)
	}
}

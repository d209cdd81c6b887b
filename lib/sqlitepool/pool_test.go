// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func openTestPool(t *testing.T, size int) *Pool {
	t.Helper()
	pool, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		PoolSize: size,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn,
				`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT);`, nil)
		},
	})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Error("Open() with empty Path succeeded, want error")
	}
}

func TestTakePutRoundTrip(t *testing.T) {
	pool := openTestPool(t, 2)
	ctx := context.Background()

	conn, err := pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take() error: %v", err)
	}

	err = sqlitex.Execute(conn, "INSERT INTO kv (key, value) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{"greeting", "hello"},
	})
	pool.Put(conn)
	if err != nil {
		t.Fatalf("insert error: %v", err)
	}

	conn, err = pool.Take(ctx)
	if err != nil {
		t.Fatalf("second Take() error: %v", err)
	}
	defer pool.Put(conn)

	var value string
	err = sqlitex.Execute(conn, "SELECT value FROM kv WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{"greeting"},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("select error: %v", err)
	}
	if value != "hello" {
		t.Errorf("value = %q, want hello", value)
	}
}

func TestConcurrentWriters(t *testing.T) {
	pool := openTestPool(t, 4)
	ctx := context.Background()

	var wg sync.WaitGroup
	for workerIndex := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := pool.Take(ctx)
			if err != nil {
				t.Errorf("Take() error: %v", err)
				return
			}
			defer pool.Put(conn)

			err = sqlitex.Execute(conn, "INSERT INTO kv (key, value) VALUES (?, ?)", &sqlitex.ExecOptions{
				Args: []any{workerIndex, "x"},
			})
			if err != nil {
				t.Errorf("insert error: %v", err)
			}
		}()
	}
	wg.Wait()

	conn, err := pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take() error: %v", err)
	}
	defer pool.Put(conn)

	var count int
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM kv", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("count error: %v", err)
	}
	if count != 8 {
		t.Errorf("row count = %d, want 8", count)
	}
}

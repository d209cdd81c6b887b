// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hostwright/hostwright/lib/protocol"
	"github.com/hostwright/hostwright/lib/redact"
)

// AppendRunEvents appends a batch of events to a run's log in one
// transaction. Every message passes through redaction and truncation
// before storage; the stored Redacted flag records whether either the
// caller or the redaction pass masked something. Events with a zero
// timestamp get the store clock's current time. Insertion order
// breaks timestamp ties on read.
func (s *Store) AppendRunEvents(ctx context.Context, runID string, events []protocol.Event) (err error) {
	if len(events) == 0 {
		return nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("queue: append run events: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	if _, err := s.getRun(conn, runID); err != nil {
		return err
	}

	for i := range events {
		event := &events[i]

		message, fired := redact.Redact(event.Message)
		message = redact.Truncate(message, maxEventMessageBytes)
		redacted := event.Redacted || fired

		ts := event.TS.UnixMilli()
		if event.TS.IsZero() {
			ts = s.nowMillis()
		}

		level := event.Level
		if level == "" {
			level = protocol.LevelInfo
		}

		var metaJSON any
		if len(event.Meta) > 0 {
			data, err := json.Marshal(event.Meta)
			if err != nil {
				return fmt.Errorf("queue: marshal event meta: %w", err)
			}
			masked, metaFired := redact.Redact(string(data))
			if metaFired {
				redacted = true
			}
			metaJSON = masked
		}

		err = sqlitex.Execute(conn, `INSERT INTO run_events
			(run_id, ts, level, message, meta, redacted)
			VALUES (?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{runID, ts, string(level), message, metaJSON, boolToInt(redacted)},
		})
		if err != nil {
			return fmt.Errorf("queue: insert run event: %w", err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// EventRecord is a stored run event plus its insertion ID, used as
// the paging cursor for tailing.
type EventRecord struct {
	ID int64
	protocol.Event
}

// ListRunEvents returns events for a run after the given insertion ID
// in display order (timestamp, then insertion order). A zero afterID
// starts from the beginning; limit defaults to 200.
func (s *Store) ListRunEvents(ctx context.Context, runID string, afterID int64, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 200
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: list run events: %w", err)
	}
	defer s.pool.Put(conn)

	if _, err := s.getRun(conn, runID); err != nil {
		return nil, err
	}

	var records []EventRecord
	err = sqlitex.Execute(conn, `SELECT id, ts, level, message, meta, redacted
		FROM run_events WHERE run_id = ? AND id > ?
		ORDER BY ts, id LIMIT ?`, &sqlitex.ExecOptions{
		Args: []any{runID, afterID, limit},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			record := EventRecord{
				ID: stmt.ColumnInt64(0),
				Event: protocol.Event{
					TS:       time.UnixMilli(stmt.ColumnInt64(1)).UTC(),
					Level:    protocol.EventLevel(stmt.ColumnText(2)),
					Message:  stmt.ColumnText(3),
					Redacted: stmt.ColumnInt(5) != 0,
				},
			}
			if !stmt.ColumnIsNull(4) {
				if err := json.Unmarshal([]byte(stmt.ColumnText(4)), &record.Meta); err != nil {
					return fmt.Errorf("unmarshal event meta: %w", err)
				}
			}
			records = append(records, record)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: query run events: %w", err)
	}
	return records, nil
}

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
)

// RunnerHeartbeat records a runner's presence and capability set,
// keyed by (project, name). The runner ID is assigned on first
// heartbeat and stays stable across restarts; capabilities replace
// the previous set wholesale, since sealing keys are regenerated per
// runner process start.
func (s *Store) RunnerHeartbeat(ctx context.Context, projectID, name, version string, capabilities *protocol.Capabilities) (runnerID string, err error) {
	if projectID == "" || name == "" {
		return "", fmt.Errorf("queue: project id and runner name are required")
	}

	var capabilitiesJSON any
	if capabilities != nil {
		data, err := json.Marshal(capabilities)
		if err != nil {
			return "", fmt.Errorf("queue: marshal capabilities: %w", err)
		}
		capabilitiesJSON = string(data)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("queue: runner heartbeat: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return "", fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `SELECT runner_id FROM runners
		WHERE project_id = ? AND name = ?`, &sqlitex.ExecOptions{
		Args: []any{projectID, name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			runnerID = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("queue: query runner: %w", err)
	}

	now := s.nowMillis()
	if runnerID == "" {
		runnerID, err = newID()
		if err != nil {
			return "", err
		}
		err = sqlitex.Execute(conn, `INSERT INTO runners
			(project_id, name, runner_id, version, last_seen_at, capabilities)
			VALUES (?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{projectID, name, runnerID, version, now, capabilitiesJSON},
		})
		if err != nil {
			return "", fmt.Errorf("queue: insert runner: %w", err)
		}
		s.logger.Info("runner registered",
			"project_id", projectID,
			"runner", name,
			"runner_id", runnerID,
		)
		return runnerID, nil
	}

	err = sqlitex.Execute(conn, `UPDATE runners SET version = ?,
		last_seen_at = ?, capabilities = ?
		WHERE project_id = ? AND name = ?`, &sqlitex.ExecOptions{
		Args: []any{version, now, capabilitiesJSON, projectID, name},
	})
	if err != nil {
		return "", fmt.Errorf("queue: update runner: %w", err)
	}
	return runnerID, nil
}

// GetRunner returns one runner by project and name.
func (s *Store) GetRunner(ctx context.Context, projectID, name string) (*protocol.Runner, error) {
	runners, err := s.ListRunners(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for i := range runners {
		if runners[i].Name == name {
			return &runners[i], nil
		}
	}
	return nil, fmt.Errorf("queue: runner %s/%s: %w", projectID, name, ErrNotFound)
}

// ListRunners returns the project's fleet. Status is presence-based:
// a runner is online iff its last heartbeat is within the liveness
// window. Absence is inferred here, never asserted by the runner.
func (s *Store) ListRunners(ctx context.Context, projectID string) ([]protocol.Runner, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: list runners: %w", err)
	}
	defer s.pool.Put(conn)

	cutoff := s.nowMillis() - s.livenessWindow.Milliseconds()

	var runners []protocol.Runner
	err = sqlitex.Execute(conn, `SELECT project_id, name, runner_id, version,
		last_seen_at, capabilities FROM runners WHERE project_id = ?
		ORDER BY name`, &sqlitex.ExecOptions{
		Args: []any{projectID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			lastSeen := stmt.ColumnInt64(4)
			runner := protocol.Runner{
				ProjectID:  stmt.ColumnText(0),
				Name:       stmt.ColumnText(1),
				RunnerID:   stmt.ColumnText(2),
				Version:    stmt.ColumnText(3),
				LastSeenAt: time.UnixMilli(lastSeen).UTC(),
				Status:     "offline",
			}
			if lastSeen > cutoff {
				runner.Status = "online"
			}
			if !stmt.ColumnIsNull(5) {
				var capabilities protocol.Capabilities
				if err := json.Unmarshal([]byte(stmt.ColumnText(5)), &capabilities); err != nil {
					return fmt.Errorf("unmarshal capabilities: %w", err)
				}
				runner.Capabilities = &capabilities
			}
			runners = append(runners, runner)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: query runners: %w", err)
	}
	return runners, nil
}

// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hostwright/hostwright/lib/protocol"
)

// FinalizeSealedInput attaches ciphertext to a sealed_pending job and
// makes it leasable. The call fails closed with ErrSealedInputMismatch
// unless the job's reservation matches the supplied key ID and
// algorithm exactly, is unused, and is unexpired; on any rejection the
// job stays sealed_pending. On success the reservation is consumed —
// a second finalize for the same job is rejected.
func (s *Store) FinalizeSealedInput(ctx context.Context, jobID, keyID, algorithm, ciphertext string) (err error) {
	if ciphertext == "" {
		return fmt.Errorf("queue: ciphertext is required")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("queue: finalize sealed input: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	var reservedKeyID, reservedAlgorithm string
	var expiresAt int64
	var used bool
	found := false
	err = sqlitex.Execute(conn, `SELECT key_id, algorithm, expires_at, used
		FROM seal_reservations WHERE job_id = ?`, &sqlitex.ExecOptions{
		Args: []any{jobID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			reservedKeyID = stmt.ColumnText(0)
			reservedAlgorithm = stmt.ColumnText(1)
			expiresAt = stmt.ColumnInt64(2)
			used = stmt.ColumnInt(3) != 0
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("queue: query reservation: %w", err)
	}
	if !found {
		return fmt.Errorf("queue: job %s has no sealed-input reservation: %w", jobID, ErrNotFound)
	}

	now := s.nowMillis()
	switch {
	case used:
		return fmt.Errorf("queue: job %s: reservation already used: %w", jobID, ErrSealedInputMismatch)
	case now >= expiresAt:
		return fmt.Errorf("queue: job %s: reservation expired: %w", jobID, ErrSealedInputMismatch)
	case keyID != reservedKeyID:
		return fmt.Errorf("queue: job %s: key id does not match reservation: %w", jobID, ErrSealedInputMismatch)
	case algorithm != reservedAlgorithm:
		return fmt.Errorf("queue: job %s: algorithm does not match reservation: %w", jobID, ErrSealedInputMismatch)
	}

	err = sqlitex.Execute(conn, `UPDATE jobs SET status = 'queued',
		sealed_ciphertext = ?, sealed_algorithm = ?, sealed_key_id = ?,
		updated_at = ?
		WHERE id = ? AND status = 'sealed_pending'`, &sqlitex.ExecOptions{
		Args: []any{ciphertext, algorithm, keyID, now, jobID},
	})
	if err != nil {
		return fmt.Errorf("queue: attach sealed input: %w", err)
	}
	if conn.Changes() != 1 {
		status, statusErr := s.jobStatus(conn, jobID)
		if statusErr != nil {
			return statusErr
		}
		if status == protocol.JobCanceled {
			return fmt.Errorf("queue: job %s: %w", jobID, ErrJobCanceled)
		}
		return fmt.Errorf("queue: job %s is %s, not sealed_pending: %w", jobID, status, ErrSealedInputMismatch)
	}

	err = sqlitex.Execute(conn, `UPDATE seal_reservations SET used = 1
		WHERE job_id = ?`, &sqlitex.ExecOptions{
		Args: []any{jobID},
	})
	if err != nil {
		return fmt.Errorf("queue: consume reservation: %w", err)
	}

	s.logger.Info("sealed input finalized",
		"job_id", jobID,
		"key_id", keyID,
		"algorithm", algorithm,
	)
	return nil
}

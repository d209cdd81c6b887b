// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hostwright/hostwright/lib/policy"
	"github.com/hostwright/hostwright/lib/protocol"
)

// clampLeaseTTL bounds a caller-supplied TTL. Zero means the default.
func clampLeaseTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultLeaseTTL
	}
	if ttl < MinLeaseTTL {
		return MinLeaseTTL
	}
	if ttl > MaxLeaseTTL {
		return MaxLeaseTTL
	}
	return ttl
}

// LeaseNext atomically leases the oldest eligible queued job for the
// project: unpinned jobs or jobs pinned to runnerID, never
// sealed_pending. When no job is eligible and wait is positive, the
// call polls until a job appears, the wait window (capped at
// MaxLeaseWait) elapses, or ctx is canceled. No transaction is held
// while waiting. Returns (nil, applied wait, nil) on timeout.
func (s *Store) LeaseNext(ctx context.Context, projectID, runnerID string, ttl, wait, pollInterval time.Duration) (*protocol.Job, time.Duration, error) {
	ttl = clampLeaseTTL(ttl)
	if wait > MaxLeaseWait {
		wait = MaxLeaseWait
	}
	if pollInterval <= 0 {
		pollInterval = DefaultLeasePoll
	}

	deadline := s.clock.Now().Add(wait)
	for {
		job, err := s.leaseOnce(ctx, projectID, runnerID, ttl)
		if err != nil {
			return nil, wait, err
		}
		if job != nil {
			return job, wait, nil
		}
		remaining := deadline.Sub(s.clock.Now())
		if remaining <= 0 {
			return nil, wait, nil
		}
		sleep := pollInterval
		if sleep > remaining {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, wait, ctx.Err()
		case <-s.clock.After(sleep):
		}
	}
}

// leaseOnce performs one compare-and-set attempt. Returns (nil, nil)
// when no job is eligible right now.
func (s *Store) leaseOnce(ctx context.Context, projectID, runnerID string, ttl time.Duration) (job *protocol.Job, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: lease next: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	var candidateID string
	err = sqlitex.Execute(conn, `SELECT id FROM jobs
		WHERE project_id = ? AND status = 'queued'
		  AND (target_runner = '' OR target_runner = ?)
		ORDER BY created_at, id LIMIT 1`, &sqlitex.ExecOptions{
		Args: []any{projectID, runnerID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			candidateID = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: select eligible job: %w", err)
	}
	if candidateID == "" {
		return nil, nil
	}

	leaseID, err := newID()
	if err != nil {
		return nil, err
	}
	now := s.nowMillis()
	expiresAt := now + ttl.Milliseconds()

	// The status guard re-checks inside the transaction; the IMMEDIATE
	// lock makes the select+update pair atomic against other writers.
	err = sqlitex.Execute(conn, `UPDATE jobs SET status = 'leased',
		lease_id = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = 'queued'`, &sqlitex.ExecOptions{
		Args: []any{leaseID, expiresAt, now, candidateID},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: assign lease: %w", err)
	}
	if conn.Changes() != 1 {
		return nil, nil
	}

	err = sqlitex.Execute(conn, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{candidateID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				scanned, err := s.scanJob(stmt)
				if err != nil {
					return err
				}
				job = scanned
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("queue: read leased job: %w", err)
	}

	// Mark the parent run running on first lease.
	err = sqlitex.Execute(conn, `UPDATE runs SET status = 'running', updated_at = ?
		WHERE id = ? AND status = 'queued'`, &sqlitex.ExecOptions{
		Args: []any{now, job.RunID},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: mark run running: %w", err)
	}

	s.logger.Info("job leased",
		"job_id", job.ID,
		"run_id", job.RunID,
		"runner_id", runnerID,
		"attempt", job.Attempts+1,
	)
	return job, nil
}

// HeartbeatJob extends a lease. Succeeds only when leaseID matches
// the job's current active lease and the lease has not expired; the
// first heartbeat moves the job from leased to running. Returns the
// job's status so the runner observes advisory cancellation. A
// mismatched or expired lease returns ErrStaleLease; a canceled job
// returns ErrJobCanceled.
func (s *Store) HeartbeatJob(ctx context.Context, jobID, leaseID string, ttl time.Duration) (status protocol.JobStatus, err error) {
	ttl = clampLeaseTTL(ttl)

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("queue: heartbeat job: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return "", fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	now := s.nowMillis()
	err = sqlitex.Execute(conn, `UPDATE jobs SET
		status = CASE WHEN status = 'leased' THEN 'running' ELSE status END,
		lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND lease_id = ? AND lease_id != ''
		  AND status IN ('leased', 'running') AND lease_expires_at > ?`,
		&sqlitex.ExecOptions{
			Args: []any{now + ttl.Milliseconds(), now, jobID, leaseID, now},
		})
	if err != nil {
		return "", fmt.Errorf("queue: extend lease: %w", err)
	}
	if conn.Changes() == 1 {
		return s.jobStatus(conn, jobID)
	}

	current, err := s.jobStatus(conn, jobID)
	if err != nil {
		return "", err
	}
	if current == protocol.JobCanceled {
		return current, fmt.Errorf("queue: job %s: %w", jobID, ErrJobCanceled)
	}
	return current, fmt.Errorf("queue: job %s: %w", jobID, ErrStaleLease)
}

func (s *Store) jobStatus(conn *sqlite.Conn, jobID string) (protocol.JobStatus, error) {
	var status protocol.JobStatus
	err := sqlitex.Execute(conn, `SELECT status FROM jobs WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{jobID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				status = protocol.JobStatus(stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("queue: query job status: %w", err)
	}
	if status == "" {
		return "", fmt.Errorf("queue: job %s: %w", jobID, ErrNotFound)
	}
	return status, nil
}

// CompleteParams holds the inputs for completing a job.
type CompleteParams struct {
	JobID        string
	LeaseID      string
	Status       protocol.JobStatus // JobSucceeded or JobFailed
	ErrorMessage string

	// Result is the captured command output for kinds whose result
	// spec allows one. Capped at the job's max result bytes;
	// json_large results are zstd-compressed before storage.
	Result []byte
}

// Complete finishes a job under the same lease-match rule as
// HeartbeatJob. The job and its parent run transition together; no
// further lease, heartbeat, or complete calls are accepted for the
// job afterward.
func (s *Store) Complete(ctx context.Context, params CompleteParams) (err error) {
	if params.Status != protocol.JobSucceeded && params.Status != protocol.JobFailed {
		return fmt.Errorf("queue: invalid completion status %q", params.Status)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("queue: complete job: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	var runID string
	var resultMode string
	var maxResultBytes int
	var currentLease string
	var currentStatus protocol.JobStatus
	err = sqlitex.Execute(conn, `SELECT run_id, result_mode, max_result_bytes,
		lease_id, status FROM jobs WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{params.JobID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			runID = stmt.ColumnText(0)
			resultMode = stmt.ColumnText(1)
			maxResultBytes = stmt.ColumnInt(2)
			currentLease = stmt.ColumnText(3)
			currentStatus = protocol.JobStatus(stmt.ColumnText(4))
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("queue: query job: %w", err)
	}
	if runID == "" {
		return fmt.Errorf("queue: job %s: %w", params.JobID, ErrNotFound)
	}
	if currentStatus == protocol.JobCanceled {
		return fmt.Errorf("queue: job %s: %w", params.JobID, ErrJobCanceled)
	}
	if currentStatus.Terminal() || currentLease == "" || currentLease != params.LeaseID {
		return fmt.Errorf("queue: job %s: %w", params.JobID, ErrStaleLease)
	}

	var resultJSON any
	var resultCompressed any
	if len(params.Result) > 0 {
		switch policy.ResultMode(resultMode) {
		case policy.ResultNone:
			return fmt.Errorf("queue: job %s: kind does not report a result", params.JobID)
		case policy.ResultJSONSmall:
			if len(params.Result) > maxResultBytes {
				return fmt.Errorf("queue: job %s: result is %d bytes, cap %d: %w",
					params.JobID, len(params.Result), maxResultBytes, ErrResultTooLarge)
			}
			resultJSON = string(params.Result)
		case policy.ResultJSONLarge:
			if len(params.Result) > maxResultBytes {
				return fmt.Errorf("queue: job %s: result is %d bytes, cap %d: %w",
					params.JobID, len(params.Result), maxResultBytes, ErrResultTooLarge)
			}
			resultCompressed = s.zstdEncoder.EncodeAll(params.Result, nil)
		}
	}

	now := s.nowMillis()
	err = sqlitex.Execute(conn, `UPDATE jobs SET status = ?, error_message = ?,
		result_json = ?, result_compressed = ?, lease_id = '',
		lease_expires_at = 0, updated_at = ?
		WHERE id = ? AND lease_id = ? AND status IN ('leased', 'running')`,
		&sqlitex.ExecOptions{
			Args: []any{string(params.Status), params.ErrorMessage,
				resultJSON, resultCompressed, now, params.JobID, params.LeaseID},
		})
	if err != nil {
		return fmt.Errorf("queue: finish job: %w", err)
	}
	if conn.Changes() != 1 {
		return fmt.Errorf("queue: job %s: %w", params.JobID, ErrStaleLease)
	}

	runStatus := protocol.RunSucceeded
	if params.Status == protocol.JobFailed {
		runStatus = protocol.RunFailed
	}
	err = sqlitex.Execute(conn, `UPDATE runs SET status = ?, error_message = ?,
		updated_at = ? WHERE id = ? AND status IN ('queued', 'running')`,
		&sqlitex.ExecOptions{
			Args: []any{string(runStatus), params.ErrorMessage, now, runID},
		})
	if err != nil {
		return fmt.Errorf("queue: finish run: %w", err)
	}

	s.logger.Info("job completed",
		"job_id", params.JobID,
		"run_id", runID,
		"status", string(params.Status),
	)
	return nil
}

// ExpireLeases sweeps jobs whose lease expired without completion:
// each reverts to queued with its attempt counter incremented, or,
// once the counter reaches the job's attempt cap, becomes failed with
// a lease-exhausted error propagated to the run. Returns the number
// of jobs touched. Called from a background ticker.
func (s *Store) ExpireLeases(ctx context.Context) (count int, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: expire leases: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	now := s.nowMillis()

	type expiredJob struct {
		id          string
		runID       string
		attempts    int
		maxAttempts int
	}
	var expired []expiredJob
	err = sqlitex.Execute(conn, `SELECT id, run_id, attempts, max_attempts
		FROM jobs WHERE status IN ('leased', 'running')
		  AND lease_expires_at > 0 AND lease_expires_at <= ?`,
		&sqlitex.ExecOptions{
			Args: []any{now},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				expired = append(expired, expiredJob{
					id:          stmt.ColumnText(0),
					runID:       stmt.ColumnText(1),
					attempts:    stmt.ColumnInt(2),
					maxAttempts: stmt.ColumnInt(3),
				})
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("queue: select expired leases: %w", err)
	}

	for _, job := range expired {
		attempts := job.attempts + 1
		if attempts >= job.maxAttempts {
			message := fmt.Sprintf("lease exhausted after %d attempts", attempts)
			err = sqlitex.Execute(conn, `UPDATE jobs SET status = 'failed',
				lease_id = '', lease_expires_at = 0, attempts = ?,
				error_message = ?, updated_at = ?
				WHERE id = ? AND status IN ('leased', 'running')`,
				&sqlitex.ExecOptions{
					Args: []any{attempts, message, now, job.id},
				})
			if err != nil {
				return count, fmt.Errorf("queue: fail exhausted job: %w", err)
			}
			if conn.Changes() != 1 {
				continue
			}
			err = sqlitex.Execute(conn, `UPDATE runs SET status = 'failed',
				error_message = ?, updated_at = ?
				WHERE id = ? AND status IN ('queued', 'running')`,
				&sqlitex.ExecOptions{
					Args: []any{message, now, job.runID},
				})
			if err != nil {
				return count, fmt.Errorf("queue: fail exhausted run: %w", err)
			}
			s.logger.Warn("job lease exhausted",
				"job_id", job.id,
				"run_id", job.runID,
				"attempts", attempts,
			)
		} else {
			err = sqlitex.Execute(conn, `UPDATE jobs SET status = 'queued',
				lease_id = '', lease_expires_at = 0, attempts = ?, updated_at = ?
				WHERE id = ? AND status IN ('leased', 'running')`,
				&sqlitex.ExecOptions{
					Args: []any{attempts, now, job.id},
				})
			if err != nil {
				return count, fmt.Errorf("queue: requeue expired job: %w", err)
			}
			if conn.Changes() != 1 {
				continue
			}
			s.logger.Info("job lease expired, requeued",
				"job_id", job.id,
				"attempt", attempts,
			)
		}
		count++
	}
	return count, nil
}

// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the control-plane datastore: run and job
// lifecycle, the lease state machine, sealed-input reservations, the
// run event log, and runner presence. All state transitions are
// conditional UPDATEs inside IMMEDIATE transactions, so two
// concurrent lease-next callers can never both receive the same job
// and a complete racing a lease-expiry sweep resolves to whichever
// lands first.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hostwright/hostwright/lib/clock"
	"github.com/hostwright/hostwright/lib/policy"
	"github.com/hostwright/hostwright/lib/protocol"
	"github.com/hostwright/hostwright/lib/sqlitepool"
)

// Sentinel errors returned by store operations. Handlers map these to
// protocol error codes.
var (
	// ErrNotFound reports a missing run, job, or reservation.
	ErrNotFound = errors.New("queue: not found")

	// ErrStaleLease reports a lease ID that does not match the job's
	// current active lease, or a lease that has already expired. The
	// caller must abandon the job; the lease ID is single-use.
	ErrStaleLease = errors.New("queue: stale lease")

	// ErrJobCanceled reports a lease operation against a job whose
	// run was canceled. Permanent; the runner abandons the job.
	ErrJobCanceled = errors.New("queue: job canceled")

	// ErrSealedInputMismatch reports a finalize whose key ID or
	// algorithm does not match the reservation, or a reservation that
	// is used or expired. The job stays sealed_pending.
	ErrSealedInputMismatch = errors.New("queue: sealed input mismatch")

	// ErrResultTooLarge reports a completion result exceeding the
	// job's result-spec byte cap.
	ErrResultTooLarge = errors.New("queue: result too large")

	// ErrRunTerminal reports a mutation against a run that already
	// reached a terminal status.
	ErrRunTerminal = errors.New("queue: run is terminal")
)

// Lease and retry bounds.
const (
	// MinLeaseTTL and MaxLeaseTTL clamp caller-supplied lease TTLs.
	MinLeaseTTL = 5 * time.Second
	MaxLeaseTTL = 15 * time.Minute

	// DefaultLeaseTTL applies when the caller supplies none.
	DefaultLeaseTTL = 60 * time.Second

	// MaxLeaseWait caps the lease-next long-poll window.
	MaxLeaseWait = 30 * time.Second

	// DefaultLeasePoll is the sleep between eligibility checks while
	// a lease-next call waits.
	DefaultLeasePoll = 500 * time.Millisecond

	// DefaultMaxAttempts is the lease-expiry retry cap: a job whose
	// lease expires this many times is marked failed.
	DefaultMaxAttempts = 3

	// ReservationTTL bounds how long a sealed-input reservation stays
	// usable before finalize is rejected.
	ReservationTTL = 15 * time.Minute

	// DefaultLivenessWindow is how recently a runner must have
	// heartbeated to report as online.
	DefaultLivenessWindow = 90 * time.Second

	// maxEventMessageBytes caps a single run event message after
	// redaction. Longer messages are truncated with a marker.
	maxEventMessageBytes = 8192
)

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist.
	Path string

	// PoolSize is the number of pooled connections. Defaults to 4.
	PoolSize int

	// Clock provides the current time for lease expiry, reservation
	// expiry, and liveness decisions. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger

	// LivenessWindow overrides DefaultLivenessWindow when positive.
	LivenessWindow time.Duration
}

// Store is the SQLite-backed control-plane datastore.
type Store struct {
	pool           *sqlitepool.Pool
	clock          clock.Clock
	logger         *slog.Logger
	livenessWindow time.Duration

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
}

const schema = `
	CREATE TABLE IF NOT EXISTS runs (
		id            TEXT PRIMARY KEY,
		project_id    TEXT NOT NULL,
		kind          TEXT NOT NULL,
		title         TEXT NOT NULL,
		status        TEXT NOT NULL,
		host          TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id, created_at);

	CREATE TABLE IF NOT EXISTS jobs (
		id                TEXT PRIMARY KEY,
		run_id            TEXT NOT NULL REFERENCES runs(id),
		project_id        TEXT NOT NULL,
		kind              TEXT NOT NULL,
		status            TEXT NOT NULL,
		target_runner     TEXT NOT NULL DEFAULT '',
		lease_id          TEXT NOT NULL DEFAULT '',
		lease_expires_at  INTEGER NOT NULL DEFAULT 0,
		attempts          INTEGER NOT NULL DEFAULT 0,
		max_attempts      INTEGER NOT NULL,
		payload           TEXT NOT NULL,
		sealed_ciphertext TEXT NOT NULL DEFAULT '',
		sealed_algorithm  TEXT NOT NULL DEFAULT '',
		sealed_key_id     TEXT NOT NULL DEFAULT '',
		result_mode       TEXT NOT NULL,
		max_result_bytes  INTEGER NOT NULL,
		result_json       TEXT,
		result_compressed BLOB,
		error_message     TEXT NOT NULL DEFAULT '',
		created_at        INTEGER NOT NULL,
		updated_at        INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_eligible ON jobs(project_id, status, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_run ON jobs(run_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_lease_expiry ON jobs(status, lease_expires_at);

	CREATE TABLE IF NOT EXISTS run_events (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id   TEXT NOT NULL REFERENCES runs(id),
		ts       INTEGER NOT NULL,
		level    TEXT NOT NULL,
		message  TEXT NOT NULL,
		meta     TEXT,
		redacted INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, ts, id);

	CREATE TABLE IF NOT EXISTS runners (
		project_id   TEXT NOT NULL,
		name         TEXT NOT NULL,
		runner_id    TEXT NOT NULL,
		version      TEXT NOT NULL DEFAULT '',
		last_seen_at INTEGER NOT NULL,
		capabilities TEXT,
		PRIMARY KEY (project_id, name)
	);

	CREATE TABLE IF NOT EXISTS seal_reservations (
		job_id     TEXT PRIMARY KEY REFERENCES jobs(id),
		key_id     TEXT NOT NULL,
		algorithm  TEXT NOT NULL,
		public_key TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		used       INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS fleet_metadata (
		project_id TEXT PRIMARY KEY,
		hosts      TEXT,
		gateways   TEXT,
		updated_at INTEGER NOT NULL
	);
`

// Open creates or opens the store at cfg.Path and applies the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("queue: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("queue: Logger is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	livenessWindow := cfg.LivenessWindow
	if livenessWindow <= 0 {
		livenessWindow = DefaultLivenessWindow
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("queue: %w", err)
	}
	err = sqlitex.ExecuteScript(conn, schema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("queue: applying schema: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("queue: creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("queue: creating zstd decoder: %w", err)
	}

	return &Store{
		pool:           pool,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		livenessWindow: livenessWindow,
		zstdEncoder:    encoder,
		zstdDecoder:    decoder,
	}, nil
}

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

// newID returns a 128-bit random hex identifier. Used for run, job,
// lease, and runner IDs.
func newID() (string, error) {
	var raw [16]byte
	if _, err := io.ReadFull(rand.Reader, raw[:]); err != nil {
		return "", fmt.Errorf("queue: generating id: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}

// nowMillis returns the store clock's current time in Unix
// milliseconds, the unit of every timestamp column.
func (s *Store) nowMillis() int64 {
	return s.clock.Now().UnixMilli()
}

// CreateRunParams holds the inputs for creating a run and its job.
type CreateRunParams struct {
	ProjectID    string
	Kind         string
	Title        string
	Host         string
	TargetRunner string
	Payload      protocol.Payload
	MaxAttempts  int

	// SealKey, when set, makes the job require sealed input: the job
	// starts in sealed_pending with a single-use reservation bound to
	// this key. The key is the target runner's advertised sealing
	// key; the control plane never holds the private half.
	SealKey *protocol.SealKey
}

// CreateRun creates a run and its job in one transaction. The argv is
// validated against the command policy for the kind before anything
// is written; a policy rejection surfaces unwrapped so handlers can
// map it to a policy-violation error code. Returns the run and job
// IDs, plus the sealed reservation when one was created.
func (s *Store) CreateRun(ctx context.Context, params CreateRunParams) (runID, jobID string, reservation *protocol.SealedReservation, err error) {
	if params.ProjectID == "" {
		return "", "", nil, fmt.Errorf("queue: project id is required")
	}
	if err := params.Payload.Validate(); err != nil {
		return "", "", nil, err
	}
	if params.Payload.Kind != params.Kind {
		return "", "", nil, fmt.Errorf("queue: payload kind %q does not match run kind %q", params.Payload.Kind, params.Kind)
	}
	if err := policy.Validate(params.Kind, params.Payload.Argv); err != nil {
		return "", "", nil, err
	}
	resultSpec, err := policy.ResultSpec(params.Kind)
	if err != nil {
		return "", "", nil, err
	}
	if params.SealKey != nil && params.TargetRunner == "" {
		return "", "", nil, fmt.Errorf("queue: sealed input requires a target runner")
	}

	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	runID, err = newID()
	if err != nil {
		return "", "", nil, err
	}
	jobID, err = newID()
	if err != nil {
		return "", "", nil, err
	}

	payloadJSON, err := json.Marshal(params.Payload)
	if err != nil {
		return "", "", nil, fmt.Errorf("queue: marshal payload: %w", err)
	}

	jobStatus := protocol.JobQueued
	if params.SealKey != nil {
		jobStatus = protocol.JobSealedPending
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", "", nil, fmt.Errorf("queue: create run: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return "", "", nil, fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	now := s.nowMillis()

	err = sqlitex.Execute(conn, `INSERT INTO runs
		(id, project_id, kind, title, status, host, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{runID, params.ProjectID, params.Kind, params.Title,
			string(protocol.RunQueued), params.Host, now, now},
	})
	if err != nil {
		return "", "", nil, fmt.Errorf("queue: insert run: %w", err)
	}

	err = sqlitex.Execute(conn, `INSERT INTO jobs
		(id, run_id, project_id, kind, status, target_runner, max_attempts,
		 payload, result_mode, max_result_bytes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{jobID, runID, params.ProjectID, params.Kind,
			string(jobStatus), params.TargetRunner, maxAttempts,
			string(payloadJSON), string(resultSpec.Mode), resultSpec.MaxBytes,
			now, now},
	})
	if err != nil {
		return "", "", nil, fmt.Errorf("queue: insert job: %w", err)
	}

	if params.SealKey != nil {
		expiresAt := now + ReservationTTL.Milliseconds()
		err = sqlitex.Execute(conn, `INSERT INTO seal_reservations
			(job_id, key_id, algorithm, public_key, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{jobID, params.SealKey.KeyID, params.SealKey.Algorithm,
				params.SealKey.PublicKey, now, expiresAt},
		})
		if err != nil {
			return "", "", nil, fmt.Errorf("queue: insert reservation: %w", err)
		}
		reservation = &protocol.SealedReservation{
			KeyID:     params.SealKey.KeyID,
			Algorithm: params.SealKey.Algorithm,
			PublicKey: params.SealKey.PublicKey,
			ExpiresAt: time.UnixMilli(expiresAt).UTC(),
		}
	}

	s.logger.Info("run created",
		"run_id", runID,
		"job_id", jobID,
		"project_id", params.ProjectID,
		"kind", params.Kind,
		"sealed", params.SealKey != nil,
	)
	return runID, jobID, reservation, nil
}

// GetRun returns a run and its job. The job's result, if any, is
// included (decompressed for json_large kinds).
func (s *Store) GetRun(ctx context.Context, runID string) (*protocol.Run, *protocol.Job, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("queue: get run: %w", err)
	}
	defer s.pool.Put(conn)

	run, err := s.getRun(conn, runID)
	if err != nil {
		return nil, nil, err
	}

	var job *protocol.Job
	err = sqlitex.Execute(conn, `SELECT `+jobColumns+` FROM jobs WHERE run_id = ?
		ORDER BY created_at DESC LIMIT 1`, &sqlitex.ExecOptions{
		Args: []any{runID},
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
		return nil, nil, fmt.Errorf("queue: query job: %w", err)
	}
	return run, job, nil
}

func (s *Store) getRun(conn *sqlite.Conn, runID string) (*protocol.Run, error) {
	var run *protocol.Run
	err := sqlitex.Execute(conn, `SELECT id, project_id, kind, title, status,
		host, error_message, created_at, updated_at FROM runs WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{runID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				run = &protocol.Run{
					ID:           stmt.ColumnText(0),
					ProjectID:    stmt.ColumnText(1),
					Kind:         stmt.ColumnText(2),
					Title:        stmt.ColumnText(3),
					Status:       protocol.RunStatus(stmt.ColumnText(4)),
					Host:         stmt.ColumnText(5),
					ErrorMessage: stmt.ColumnText(6),
					CreatedAt:    time.UnixMilli(stmt.ColumnInt64(7)).UTC(),
					UpdatedAt:    time.UnixMilli(stmt.ColumnInt64(8)).UTC(),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("queue: query run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("queue: run %s: %w", runID, ErrNotFound)
	}
	return run, nil
}

const jobColumns = `id, run_id, project_id, kind, status, target_runner,
	lease_id, lease_expires_at, attempts, max_attempts, payload,
	sealed_ciphertext, sealed_algorithm, sealed_key_id, result_mode,
	max_result_bytes, result_json, result_compressed, error_message,
	created_at`

func (s *Store) scanJob(stmt *sqlite.Stmt) (*protocol.Job, error) {
	job := &protocol.Job{
		ID:               stmt.ColumnText(0),
		RunID:            stmt.ColumnText(1),
		ProjectID:        stmt.ColumnText(2),
		Kind:             stmt.ColumnText(3),
		Status:           protocol.JobStatus(stmt.ColumnText(4)),
		TargetRunner:     stmt.ColumnText(5),
		LeaseID:          stmt.ColumnText(6),
		Attempts:         stmt.ColumnInt(8),
		MaxAttempts:      stmt.ColumnInt(9),
		SealedCiphertext: stmt.ColumnText(11),
		SealedAlgorithm:  stmt.ColumnText(12),
		SealedKeyID:      stmt.ColumnText(13),
		ResultMode:       stmt.ColumnText(14),
		MaxResultBytes:   stmt.ColumnInt(15),
		ErrorMessage:     stmt.ColumnText(18),
		CreatedAt:        time.UnixMilli(stmt.ColumnInt64(19)).UTC(),
	}
	if expiry := stmt.ColumnInt64(7); expiry > 0 {
		job.LeaseExpiresAt = time.UnixMilli(expiry).UTC()
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(10)), &job.Payload); err != nil {
		return nil, fmt.Errorf("queue: unmarshal payload for job %s: %w", job.ID, err)
	}
	if !stmt.ColumnIsNull(16) {
		job.Result = json.RawMessage(stmt.ColumnText(16))
	} else if !stmt.ColumnIsNull(17) {
		compressed := make([]byte, stmt.ColumnLen(17))
		stmt.ColumnBytes(17, compressed)
		decompressed, err := s.zstdDecoder.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("queue: decompress result for job %s: %w", job.ID, err)
		}
		job.Result = json.RawMessage(decompressed)
	}
	return job, nil
}

// CancelRun marks a run and its non-terminal job canceled. The cancel
// is advisory: a runner holding a lease observes it on its next
// heartbeat and abandons the job; in-flight command execution is not
// killed.
func (s *Store) CancelRun(ctx context.Context, runID string) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("queue: cancel run: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	now := s.nowMillis()

	err = sqlitex.Execute(conn, `UPDATE runs SET status = ?, updated_at = ?
		WHERE id = ? AND status IN ('queued', 'running')`, &sqlitex.ExecOptions{
		Args: []any{string(protocol.RunCanceled), now, runID},
	})
	if err != nil {
		return fmt.Errorf("queue: cancel run: %w", err)
	}
	if conn.Changes() == 0 {
		if _, err := s.getRun(conn, runID); err != nil {
			return err
		}
		return fmt.Errorf("queue: run %s: %w", runID, ErrRunTerminal)
	}

	err = sqlitex.Execute(conn, `UPDATE jobs SET status = ?, lease_id = '',
		lease_expires_at = 0, updated_at = ?
		WHERE run_id = ? AND status IN ('sealed_pending', 'queued', 'leased', 'running')`,
		&sqlitex.ExecOptions{
			Args: []any{string(protocol.JobCanceled), now, runID},
		})
	if err != nil {
		return fmt.Errorf("queue: cancel job: %w", err)
	}

	s.logger.Info("run canceled", "run_id", runID)
	return nil
}

// SyncMetadata stores a runner's fleet summary for the project,
// replacing any previous summary.
func (s *Store) SyncMetadata(ctx context.Context, projectID string, hosts []protocol.HostMetadata, gateways []protocol.GatewayMetadata) error {
	hostsJSON, err := json.Marshal(hosts)
	if err != nil {
		return fmt.Errorf("queue: marshal hosts: %w", err)
	}
	gatewaysJSON, err := json.Marshal(gateways)
	if err != nil {
		return fmt.Errorf("queue: marshal gateways: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("queue: sync metadata: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO fleet_metadata
		(project_id, hosts, gateways, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (project_id) DO UPDATE SET
			hosts = excluded.hosts,
			gateways = excluded.gateways,
			updated_at = excluded.updated_at`, &sqlitex.ExecOptions{
		Args: []any{projectID, string(hostsJSON), string(gatewaysJSON), s.nowMillis()},
	})
	if err != nil {
		return fmt.Errorf("queue: sync metadata: %w", err)
	}
	return nil
}

// FleetMetadata returns the last synced fleet summary for a project.
// Returns empty slices when no runner has synced yet.
func (s *Store) FleetMetadata(ctx context.Context, projectID string) ([]protocol.HostMetadata, []protocol.GatewayMetadata, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("queue: fleet metadata: %w", err)
	}
	defer s.pool.Put(conn)

	var hosts []protocol.HostMetadata
	var gateways []protocol.GatewayMetadata
	err = sqlitex.Execute(conn, `SELECT hosts, gateways FROM fleet_metadata
		WHERE project_id = ?`, &sqlitex.ExecOptions{
		Args: []any{projectID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if !stmt.ColumnIsNull(0) {
				if err := json.Unmarshal([]byte(stmt.ColumnText(0)), &hosts); err != nil {
					return fmt.Errorf("unmarshal hosts: %w", err)
				}
			}
			if !stmt.ColumnIsNull(1) {
				if err := json.Unmarshal([]byte(stmt.ColumnText(1)), &gateways); err != nil {
					return fmt.Errorf("unmarshal gateways: %w", err)
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("queue: fleet metadata: %w", err)
	}
	return hosts, gateways, nil
}

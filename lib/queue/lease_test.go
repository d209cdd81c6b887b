// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hostwright/hostwright/lib/protocol"
)

func TestLeaseNextAssignsOldestEligible(t *testing.T) {
	store, fakeClock := newTestStore(t)
	ctx := context.Background()

	_, firstJob, _, err := store.CreateRun(ctx, deployParams())
	if err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}
	fakeClock.Advance(time.Second)
	if _, _, _, err := store.CreateRun(ctx, deployParams()); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}

	job, _, err := store.LeaseNext(ctx, "proj-1", "runner-1", 0, 0, 0)
	if err != nil {
		t.Fatalf("LeaseNext() error: %v", err)
	}
	if job == nil {
		t.Fatal("no job leased")
	}
	if job.ID != firstJob {
		t.Errorf("leased job %s, want oldest %s", job.ID, firstJob)
	}
	if job.Status != protocol.JobLeased {
		t.Errorf("status = %q, want leased", job.Status)
	}
	if job.LeaseID == "" {
		t.Error("no lease id assigned")
	}
	wantExpiry := fakeClock.Now().Add(DefaultLeaseTTL)
	if !job.LeaseExpiresAt.Equal(wantExpiry) {
		t.Errorf("lease expiry = %v, want %v", job.LeaseExpiresAt, wantExpiry)
	}

	// The parent run is now running.
	run, _, err := store.GetRun(ctx, job.RunID)
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if run.Status != protocol.RunRunning {
		t.Errorf("run status = %q, want running", run.Status)
	}
}

func TestLeaseNextClampsTTL(t *testing.T) {
	store, fakeClock := newTestStore(t)
	ctx := context.Background()

	if _, _, _, err := store.CreateRun(ctx, deployParams()); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}

	job, _, err := store.LeaseNext(ctx, "proj-1", "runner-1", time.Hour, 0, 0)
	if err != nil {
		t.Fatalf("LeaseNext() error: %v", err)
	}
	wantExpiry := fakeClock.Now().Add(MaxLeaseTTL)
	if !job.LeaseExpiresAt.Equal(wantExpiry) {
		t.Errorf("lease expiry = %v, want clamped %v", job.LeaseExpiresAt, wantExpiry)
	}
}

func TestLeaseNextRespectsRunnerPin(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	params := deployParams()
	params.TargetRunner = "runner-2"
	if _, _, _, err := store.CreateRun(ctx, params); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}

	job, _, err := store.LeaseNext(ctx, "proj-1", "runner-1", 0, 0, 0)
	if err != nil {
		t.Fatalf("LeaseNext() error: %v", err)
	}
	if job != nil {
		t.Fatalf("runner-1 leased a job pinned to runner-2")
	}

	job, _, err = store.LeaseNext(ctx, "proj-1", "runner-2", 0, 0, 0)
	if err != nil {
		t.Fatalf("LeaseNext() error: %v", err)
	}
	if job == nil {
		t.Fatal("pinned runner did not receive its job")
	}
}

func TestConcurrentLeaseNextSingleWinner(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, _, _, err := store.CreateRun(ctx, deployParams()); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	winners := make(chan *protocol.Job, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(runner int) {
			defer wg.Done()
			job, _, err := store.LeaseNext(ctx, "proj-1", fmt.Sprintf("runner-%d", runner), 0, 0, 0)
			if err != nil {
				t.Errorf("LeaseNext() error: %v", err)
				return
			}
			if job != nil {
				winners <- job
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	if count != 1 {
		t.Errorf("%d callers received the job, want exactly 1", count)
	}
}

func TestHeartbeatJob(t *testing.T) {
	store, fakeClock := newTestStore(t)
	ctx := context.Background()

	if _, _, _, err := store.CreateRun(ctx, deployParams()); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}
	job, _, err := store.LeaseNext(ctx, "proj-1", "runner-1", 0, 0, 0)
	if err != nil {
		t.Fatalf("LeaseNext() error: %v", err)
	}

	// First heartbeat moves leased → running and extends the lease.
	fakeClock.Advance(10 * time.Second)
	status, err := store.HeartbeatJob(ctx, job.ID, job.LeaseID, 0)
	if err != nil {
		t.Fatalf("HeartbeatJob() error: %v", err)
	}
	if status != protocol.JobRunning {
		t.Errorf("status after heartbeat = %q, want running", status)
	}

	// A wrong lease id is always rejected.
	_, err = store.HeartbeatJob(ctx, job.ID, "0000000000000000", 0)
	if !errors.Is(err, ErrStaleLease) {
		t.Errorf("wrong lease error = %v, want ErrStaleLease", err)
	}

	// An expired lease is rejected even with the right id.
	fakeClock.Advance(DefaultLeaseTTL + time.Second)
	_, err = store.HeartbeatJob(ctx, job.ID, job.LeaseID, 0)
	if !errors.Is(err, ErrStaleLease) {
		t.Errorf("expired lease error = %v, want ErrStaleLease", err)
	}
}

func TestHeartbeatCanceledJob(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, _, _, err := store.CreateRun(ctx, deployParams()); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}
	job, _, err := store.LeaseNext(ctx, "proj-1", "runner-1", 0, 0, 0)
	if err != nil {
		t.Fatalf("LeaseNext() error: %v", err)
	}
	if err := store.CancelRun(ctx, job.RunID); err != nil {
		t.Fatalf("CancelRun() error: %v", err)
	}

	status, err := store.HeartbeatJob(ctx, job.ID, job.LeaseID, 0)
	if !errors.Is(err, ErrJobCanceled) {
		t.Errorf("heartbeat error = %v, want ErrJobCanceled", err)
	}
	if status != protocol.JobCanceled {
		t.Errorf("status = %q, want canceled", status)
	}
}

func TestComplete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, _, _, err := store.CreateRun(ctx, deployParams()); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}
	job, _, err := store.LeaseNext(ctx, "proj-1", "runner-1", 0, 0, 0)
	if err != nil {
		t.Fatalf("LeaseNext() error: %v", err)
	}

	result := []byte(`{"generations":3,"activated":true}`)
	err = store.Complete(ctx, CompleteParams{
		JobID:   job.ID,
		LeaseID: job.LeaseID,
		Status:  protocol.JobSucceeded,
		Result:  result,
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	run, finished, err := store.GetRun(ctx, job.RunID)
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if run.Status != protocol.RunSucceeded {
		t.Errorf("run status = %q, want succeeded", run.Status)
	}
	if finished.Status != protocol.JobSucceeded {
		t.Errorf("job status = %q, want succeeded", finished.Status)
	}
	// deploy is json_large: the result is compressed at rest and must
	// decompress back to the original bytes.
	if !bytes.Equal(finished.Result, result) {
		t.Errorf("result = %q, want %q", finished.Result, result)
	}

	// No further calls are accepted for the job.
	if _, err := store.HeartbeatJob(ctx, job.ID, job.LeaseID, 0); !errors.Is(err, ErrStaleLease) {
		t.Errorf("heartbeat after complete = %v, want ErrStaleLease", err)
	}
	err = store.Complete(ctx, CompleteParams{
		JobID: job.ID, LeaseID: job.LeaseID, Status: protocol.JobSucceeded,
	})
	if !errors.Is(err, ErrStaleLease) {
		t.Errorf("second complete = %v, want ErrStaleLease", err)
	}
}

func TestCompleteFailedPropagatesToRun(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, _, _, err := store.CreateRun(ctx, deployParams()); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}
	job, _, err := store.LeaseNext(ctx, "proj-1", "runner-1", 0, 0, 0)
	if err != nil {
		t.Fatalf("LeaseNext() error: %v", err)
	}

	err = store.Complete(ctx, CompleteParams{
		JobID:        job.ID,
		LeaseID:      job.LeaseID,
		Status:       protocol.JobFailed,
		ErrorMessage: "switch-to-configuration exited 1",
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	run, _, err := store.GetRun(ctx, job.RunID)
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if run.Status != protocol.RunFailed {
		t.Errorf("run status = %q, want failed", run.Status)
	}
	if run.ErrorMessage != "switch-to-configuration exited 1" {
		t.Errorf("run error = %q", run.ErrorMessage)
	}
}

func TestCompleteRejectsOversizedResult(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, _, _, err := store.CreateRun(ctx, deployParams()); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}
	job, _, err := store.LeaseNext(ctx, "proj-1", "runner-1", 0, 0, 0)
	if err != nil {
		t.Fatalf("LeaseNext() error: %v", err)
	}

	oversized := []byte(strings.Repeat("x", job.MaxResultBytes+1))
	err = store.Complete(ctx, CompleteParams{
		JobID:   job.ID,
		LeaseID: job.LeaseID,
		Status:  protocol.JobSucceeded,
		Result:  oversized,
	})
	if !errors.Is(err, ErrResultTooLarge) {
		t.Errorf("Complete() error = %v, want ErrResultTooLarge", err)
	}
}

func TestCompleteWithStaleLease(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, _, _, err := store.CreateRun(ctx, deployParams()); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}
	job, _, err := store.LeaseNext(ctx, "proj-1", "runner-1", 0, 0, 0)
	if err != nil {
		t.Fatalf("LeaseNext() error: %v", err)
	}

	err = store.Complete(ctx, CompleteParams{
		JobID:   job.ID,
		LeaseID: "0000000000000000",
		Status:  protocol.JobSucceeded,
	})
	if !errors.Is(err, ErrStaleLease) {
		t.Errorf("Complete() error = %v, want ErrStaleLease", err)
	}
}

func TestExpireLeasesRequeuesThenFails(t *testing.T) {
	store, fakeClock := newTestStore(t)
	ctx := context.Background()

	if _, _, _, err := store.CreateRun(ctx, deployParams()); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}

	var lastRunID string
	// DefaultMaxAttempts is 3: two expiries requeue, the third fails
	// the job.
	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		job, _, err := store.LeaseNext(ctx, "proj-1", "runner-1", 0, 0, 0)
		if err != nil {
			t.Fatalf("LeaseNext() attempt %d error: %v", attempt, err)
		}
		if job == nil {
			t.Fatalf("attempt %d: job not leasable", attempt)
		}
		lastRunID = job.RunID

		fakeClock.Advance(DefaultLeaseTTL + time.Second)
		count, err := store.ExpireLeases(ctx)
		if err != nil {
			t.Fatalf("ExpireLeases() error: %v", err)
		}
		if count != 1 {
			t.Fatalf("attempt %d: expired %d jobs, want 1", attempt, count)
		}

		_, job, err = store.GetRun(ctx, job.RunID)
		if err != nil {
			t.Fatalf("GetRun() error: %v", err)
		}
		if job.Attempts != attempt {
			t.Errorf("attempts = %d, want %d", job.Attempts, attempt)
		}
		if attempt < DefaultMaxAttempts {
			if job.Status != protocol.JobQueued {
				t.Errorf("attempt %d: status = %q, want queued", attempt, job.Status)
			}
			if job.LeaseID != "" {
				t.Errorf("attempt %d: lease id not cleared", attempt)
			}
		} else {
			if job.Status != protocol.JobFailed {
				t.Errorf("final attempt: status = %q, want failed", job.Status)
			}
			if !strings.Contains(job.ErrorMessage, "lease exhausted") {
				t.Errorf("final error = %q", job.ErrorMessage)
			}
		}
	}

	run, _, err := store.GetRun(ctx, lastRunID)
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if run.Status != protocol.RunFailed {
		t.Errorf("run status = %q, want failed", run.Status)
	}
	if !strings.Contains(run.ErrorMessage, "lease exhausted") {
		t.Errorf("run error = %q", run.ErrorMessage)
	}

	// The failed job is no longer leasable.
	job, _, err := store.LeaseNext(ctx, "proj-1", "runner-1", 0, 0, 0)
	if err != nil {
		t.Fatalf("LeaseNext() error: %v", err)
	}
	if job != nil {
		t.Error("exhausted job handed out again")
	}
}

func TestCompleteRacingExpiry(t *testing.T) {
	store, fakeClock := newTestStore(t)
	ctx := context.Background()

	if _, _, _, err := store.CreateRun(ctx, deployParams()); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}
	job, _, err := store.LeaseNext(ctx, "proj-1", "runner-1", 0, 0, 0)
	if err != nil {
		t.Fatalf("LeaseNext() error: %v", err)
	}

	// Expiry sweep lands first: the job requeues and the late
	// complete is rejected as stale.
	fakeClock.Advance(DefaultLeaseTTL + time.Second)
	if _, err := store.ExpireLeases(ctx); err != nil {
		t.Fatalf("ExpireLeases() error: %v", err)
	}
	err = store.Complete(ctx, CompleteParams{
		JobID:   job.ID,
		LeaseID: job.LeaseID,
		Status:  protocol.JobSucceeded,
	})
	if !errors.Is(err, ErrStaleLease) {
		t.Errorf("late complete = %v, want ErrStaleLease", err)
	}

	// The requeued job leases again with a fresh lease id.
	secondLease, _, err := store.LeaseNext(ctx, "proj-1", "runner-1", 0, 0, 0)
	if err != nil {
		t.Fatalf("LeaseNext() error: %v", err)
	}
	if secondLease == nil {
		t.Fatal("requeued job not leasable")
	}
	if secondLease.LeaseID == job.LeaseID {
		t.Error("lease id reused after expiry")
	}
}

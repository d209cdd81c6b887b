// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hostwright/hostwright/lib/clock"
	"github.com/hostwright/hostwright/lib/netutil"
	"github.com/hostwright/hostwright/lib/policy"
	"github.com/hostwright/hostwright/lib/protocol"
	"github.com/hostwright/hostwright/lib/queue"
	"github.com/hostwright/hostwright/lib/service"
)

// apiHandler serves the runner protocol and the producer API over one
// mux. Every route sits behind the shared bearer token.
type apiHandler struct {
	store  *queue.Store
	token  []byte
	clock  clock.Clock
	logger *slog.Logger
}

// newAPIHandler builds the authenticated route table.
func newAPIHandler(store *queue.Store, token []byte, clk clock.Clock, logger *slog.Logger) http.Handler {
	h := &apiHandler{store: store, token: token, clock: clk, logger: logger}

	mux := http.NewServeMux()

	// Runner protocol.
	mux.HandleFunc("POST /runner/heartbeat", h.handleRunnerHeartbeat)
	mux.HandleFunc("POST /runner/jobs/lease-next", h.handleLeaseNext)
	mux.HandleFunc("POST /runner/jobs/heartbeat", h.handleJobHeartbeat)
	mux.HandleFunc("POST /runner/jobs/complete", h.handleComplete)
	mux.HandleFunc("POST /runner/run-events/append-batch", h.handleAppendEvents)
	mux.HandleFunc("POST /runner/metadata/sync", h.handleMetadataSync)

	// Producer API.
	mux.HandleFunc("POST /api/runs", h.handleCreateRun)
	mux.HandleFunc("GET /api/runs/{id}", h.handleGetRun)
	mux.HandleFunc("GET /api/runs/{id}/events", h.handleRunEvents)
	mux.HandleFunc("POST /api/runs/{id}/cancel", h.handleCancelRun)
	mux.HandleFunc("POST /api/jobs/{id}/sealed-input", h.handleFinalizeSealedInput)
	mux.HandleFunc("GET /api/runners", h.handleListRunners)
	mux.HandleFunc("GET /api/fleet", h.handleFleet)

	return h.requireBearer(mux)
}

// requireBearer rejects requests without the shared token. Failures
// log the remote address, never anything derived from the supplied
// credential.
func (h *apiHandler) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := service.VerifyBearerToken(r.Header.Get("Authorization"), h.token); err != nil {
			h.logger.Warn("request rejected",
				"remote", r.RemoteAddr,
				"path", r.URL.Path,
			)
			h.writeErrorCode(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *apiHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := netutil.DecodeResponse(r.Body, v); err != nil {
		h.writeErrorCode(w, http.StatusBadRequest, protocol.CodeBadRequest, "malformed request body")
		return false
	}
	return true
}

func (h *apiHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encoding failed", "error", err)
	}
}

func (h *apiHandler) writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(protocol.ErrorBody{Error: message, Code: code})
}

// writeError maps store and policy errors to protocol status codes
// and machine-readable error codes.
func (h *apiHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		h.writeErrorCode(w, http.StatusNotFound, protocol.CodeNotFound, err.Error())
	case errors.Is(err, queue.ErrStaleLease):
		h.writeErrorCode(w, http.StatusConflict, protocol.CodeStaleLease, err.Error())
	case errors.Is(err, queue.ErrJobCanceled):
		// Canceled is permanent for the lease holder, same as a lost
		// lease: stop working, do not retry.
		h.writeErrorCode(w, http.StatusConflict, protocol.CodeStaleLease, err.Error())
	case errors.Is(err, queue.ErrSealedInputMismatch):
		h.writeErrorCode(w, http.StatusConflict, protocol.CodeSealedInputMismatch, err.Error())
	case errors.Is(err, queue.ErrRunTerminal):
		h.writeErrorCode(w, http.StatusConflict, protocol.CodeBadRequest, err.Error())
	case errors.Is(err, queue.ErrResultTooLarge):
		h.writeErrorCode(w, http.StatusRequestEntityTooLarge, protocol.CodeBadRequest, err.Error())
	case isPolicyError(err):
		h.writeErrorCode(w, http.StatusBadRequest, protocol.CodePolicyViolation, err.Error())
	default:
		h.logger.Error("internal error", "error", err)
		h.writeErrorCode(w, http.StatusInternalServerError, "", "internal error")
	}
}

func isPolicyError(err error) bool {
	for _, sentinel := range []error{
		policy.ErrUnknownKind,
		policy.ErrForbiddenToken,
		policy.ErrUnknownFlag,
		policy.ErrDuplicateFlag,
		policy.ErrFlagTakesNoValue,
		policy.ErrFlagNeedsValue,
		policy.ErrMissingRequiredFlag,
		policy.ErrCommandMismatch,
		policy.ErrUnexpectedArgument,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// --- Runner protocol ---

func (h *apiHandler) handleRunnerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var request protocol.HeartbeatRequest
	if !h.decode(w, r, &request) {
		return
	}
	if request.ProjectID == "" || request.RunnerName == "" {
		h.writeErrorCode(w, http.StatusBadRequest, protocol.CodeBadRequest, "project and runner name are required")
		return
	}
	runnerID, err := h.store.RunnerHeartbeat(r.Context(), request.ProjectID, request.RunnerName, request.Version, request.Capabilities)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, protocol.HeartbeatResponse{OK: true, RunnerID: runnerID})
}

func (h *apiHandler) handleLeaseNext(w http.ResponseWriter, r *http.Request) {
	var request protocol.LeaseNextRequest
	if !h.decode(w, r, &request) {
		return
	}
	if request.ProjectID == "" || request.RunnerID == "" {
		h.writeErrorCode(w, http.StatusBadRequest, protocol.CodeBadRequest, "project and runner id are required")
		return
	}
	job, waitApplied, err := h.store.LeaseNext(r.Context(),
		request.ProjectID,
		request.RunnerID,
		time.Duration(request.LeaseTTLMillis)*time.Millisecond,
		time.Duration(request.WaitMillis)*time.Millisecond,
		time.Duration(request.WaitPollMillis)*time.Millisecond,
	)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, protocol.LeaseNextResponse{Job: job, WaitApplied: waitApplied.Milliseconds()})
}

func (h *apiHandler) handleJobHeartbeat(w http.ResponseWriter, r *http.Request) {
	var request protocol.JobHeartbeatRequest
	if !h.decode(w, r, &request) {
		return
	}
	status, err := h.store.HeartbeatJob(r.Context(), request.JobID, request.LeaseID,
		time.Duration(request.LeaseTTLMillis)*time.Millisecond)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, protocol.JobHeartbeatResponse{OK: true, Status: status})
}

func (h *apiHandler) handleComplete(w http.ResponseWriter, r *http.Request) {
	var request protocol.CompleteRequest
	if !h.decode(w, r, &request) {
		return
	}
	var result []byte
	switch {
	case len(request.CommandResultLargeJSON) > 0:
		result = request.CommandResultLargeJSON
	case len(request.CommandResultJSON) > 0:
		result = request.CommandResultJSON
	}
	err := h.store.Complete(r.Context(), queue.CompleteParams{
		JobID:        request.JobID,
		LeaseID:      request.LeaseID,
		Status:       request.Status,
		ErrorMessage: request.ErrorMessage,
		Result:       result,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, protocol.CompleteResponse{OK: true})
}

func (h *apiHandler) handleAppendEvents(w http.ResponseWriter, r *http.Request) {
	var request protocol.AppendEventsRequest
	if !h.decode(w, r, &request) {
		return
	}
	if err := h.store.AppendRunEvents(r.Context(), request.RunID, request.Events); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, protocol.AppendEventsResponse{OK: true})
}

func (h *apiHandler) handleMetadataSync(w http.ResponseWriter, r *http.Request) {
	var request protocol.MetadataSyncRequest
	if !h.decode(w, r, &request) {
		return
	}
	if request.ProjectID == "" {
		h.writeErrorCode(w, http.StatusBadRequest, protocol.CodeBadRequest, "project id is required")
		return
	}
	if err := h.store.SyncMetadata(r.Context(), request.ProjectID, request.Hosts, request.Gateways); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, protocol.MetadataSyncResponse{OK: true})
}

// --- Producer API ---

func (h *apiHandler) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var request protocol.CreateRunRequest
	if !h.decode(w, r, &request) {
		return
	}

	params := queue.CreateRunParams{
		ProjectID:    request.ProjectID,
		Kind:         request.Kind,
		Title:        request.Title,
		Host:         request.Host,
		TargetRunner: request.TargetRunner,
		Payload:      request.Payload,
		MaxAttempts:  request.MaxAttempts,
	}

	if request.SealedInput {
		sealKey, err := h.resolveSealKey(r, request.ProjectID, request.TargetRunner)
		if err != nil {
			h.writeErrorCode(w, http.StatusBadRequest, protocol.CodeBadRequest, err.Error())
			return
		}
		params.SealKey = sealKey
	}

	runID, jobID, reservation, err := h.store.CreateRun(r.Context(), params)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, protocol.CreateRunResponse{
		RunID:       runID,
		JobID:       jobID,
		Reservation: reservation,
	})
}

// resolveSealKey finds the target runner's advertised sealing key for
// a sealed-input run. The control plane only ever relays the public
// half.
func (h *apiHandler) resolveSealKey(r *http.Request, projectID, targetRunner string) (*protocol.SealKey, error) {
	if targetRunner == "" {
		return nil, fmt.Errorf("sealed input requires a target runner")
	}
	runner, err := h.store.GetRunner(r.Context(), projectID, targetRunner)
	if err != nil {
		return nil, fmt.Errorf("target runner %s is unknown", targetRunner)
	}
	if runner.Capabilities == nil || len(runner.Capabilities.SealKeys) == 0 {
		return nil, fmt.Errorf("target runner %s advertises no sealing keys", targetRunner)
	}
	key := runner.Capabilities.SealKeys[0]
	return &key, nil
}

func (h *apiHandler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, job, err := h.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	// Sealed ciphertext is runner-facing only; the producer surface
	// never returns it.
	if job != nil {
		job.SealedCiphertext = ""
	}
	h.writeJSON(w, protocol.RunStatusResponse{Run: *run, Job: job})
}

func (h *apiHandler) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.writeErrorCode(w, http.StatusBadRequest, protocol.CodeBadRequest, "invalid after cursor")
			return
		}
		after = parsed
	}
	records, err := h.store.ListRunEvents(r.Context(), r.PathValue("id"), after, 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response := protocol.RunEventsResponse{Events: make([]protocol.Event, 0, len(records))}
	for _, record := range records {
		response.Events = append(response.Events, record.Event)
		if record.ID > response.NextAfter {
			response.NextAfter = record.ID
		}
	}
	h.writeJSON(w, response)
}

func (h *apiHandler) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if err := h.store.CancelRun(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, protocol.CancelRunResponse{OK: true})
}

func (h *apiHandler) handleFinalizeSealedInput(w http.ResponseWriter, r *http.Request) {
	var request protocol.FinalizeSealedInputRequest
	if !h.decode(w, r, &request) {
		return
	}
	if request.Ciphertext == "" {
		h.writeErrorCode(w, http.StatusBadRequest, protocol.CodeBadRequest, "ciphertext is required")
		return
	}
	err := h.store.FinalizeSealedInput(r.Context(), r.PathValue("id"), request.KeyID, request.Algorithm, request.Ciphertext)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, protocol.FinalizeSealedInputResponse{OK: true})
}

func (h *apiHandler) handleListRunners(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project")
	if projectID == "" {
		h.writeErrorCode(w, http.StatusBadRequest, protocol.CodeBadRequest, "project query parameter is required")
		return
	}
	runners, err := h.store.ListRunners(r.Context(), projectID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, protocol.RunnersResponse{Runners: runners})
}

func (h *apiHandler) handleFleet(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project")
	if projectID == "" {
		h.writeErrorCode(w, http.StatusBadRequest, protocol.CodeBadRequest, "project query parameter is required")
		return
	}
	hosts, gateways, err := h.store.FleetMetadata(r.Context(), projectID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, protocol.FleetResponse{Hosts: hosts, Gateways: gateways})
}

// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hostwright/hostwright/lib/clock"
	"github.com/hostwright/hostwright/lib/netutil"
	"github.com/hostwright/hostwright/lib/protocol"
	"github.com/hostwright/hostwright/lib/secret"
)

// Default retry behavior for transient failures. Starts at the initial
// backoff and doubles on each consecutive failure, capped at the
// maximum, with ±25% jitter so a fleet of runners does not hammer a
// recovering control plane in lockstep.
const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultMaxAttempts    = 5

	// callTimeout bounds a single protocol call. Lease-next extends
	// this by its long-poll wait window.
	callTimeout = 30 * time.Second
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the base URL of the control plane
	// (e.g., "https://control.example:8440"). Required.
	BaseURL string

	// Token is the bearer token for the Authorization header.
	// Required.
	Token *secret.Buffer

	// ProjectID scopes every call. Required.
	ProjectID string

	// HTTPClient is used for all requests. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client

	// Clock drives retry backoff. If nil, the real clock is used.
	Clock clock.Clock

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// InitialBackoff, MaxBackoff, and MaxAttempts override the
	// transient-retry defaults when non-zero.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
}

// Client is a bearer-authenticated HTTP client for the control-plane
// protocol. Both the runner agent and the operator CLI use it. All
// methods retry transient failures (429, 5xx, network errors) with
// capped exponential backoff; auth and permanent failures surface
// immediately as a *protocol.APIError.
type Client struct {
	baseURL    string
	projectID  string
	token      *secret.Buffer
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxAttempts    int
}

// NewClient creates a protocol client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("runner: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("runner: invalid BaseURL %q: %w", config.BaseURL, err)
	}
	if config.Token == nil {
		return nil, fmt.Errorf("runner: Token is required")
	}
	if config.ProjectID == "" {
		return nil, fmt.Errorf("runner: ProjectID is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := &Client{
		baseURL:        strings.TrimRight(config.BaseURL, "/"),
		projectID:      config.ProjectID,
		token:          config.Token,
		httpClient:     httpClient,
		clock:          clk,
		logger:         logger,
		initialBackoff: config.InitialBackoff,
		maxBackoff:     config.MaxBackoff,
		maxAttempts:    config.MaxAttempts,
	}
	if client.initialBackoff == 0 {
		client.initialBackoff = defaultInitialBackoff
	}
	if client.maxBackoff == 0 {
		client.maxBackoff = defaultMaxBackoff
	}
	if client.maxAttempts == 0 {
		client.maxAttempts = defaultMaxAttempts
	}
	return client, nil
}

// ProjectID returns the project this client is scoped to.
func (c *Client) ProjectID() string {
	return c.projectID
}

// Heartbeat registers runner presence and returns the stable runner ID.
func (c *Client) Heartbeat(ctx context.Context, name, version string, capabilities *protocol.Capabilities) (string, error) {
	request := protocol.HeartbeatRequest{
		ProjectID:    c.projectID,
		RunnerName:   name,
		Version:      version,
		Capabilities: capabilities,
	}
	var response protocol.HeartbeatResponse
	if err := c.call(ctx, "/runner/heartbeat", request, &response, callTimeout); err != nil {
		return "", err
	}
	return response.RunnerID, nil
}

// LeaseNext long-polls for the next eligible job. Returns nil when the
// wait window elapsed with no job available.
func (c *Client) LeaseNext(ctx context.Context, runnerID string, leaseTTL, wait time.Duration) (*protocol.Job, error) {
	request := protocol.LeaseNextRequest{
		ProjectID:      c.projectID,
		RunnerID:       runnerID,
		LeaseTTLMillis: leaseTTL.Milliseconds(),
		WaitMillis:     wait.Milliseconds(),
	}
	var response protocol.LeaseNextResponse
	// The call deadline covers the server-side long poll plus the
	// normal request budget.
	if err := c.call(ctx, "/runner/jobs/lease-next", request, &response, callTimeout+wait); err != nil {
		return nil, err
	}
	return response.Job, nil
}

// HeartbeatJob extends a held lease and reports the job's current
// status.
func (c *Client) HeartbeatJob(ctx context.Context, jobID, leaseID string, leaseTTL time.Duration) (protocol.JobStatus, error) {
	request := protocol.JobHeartbeatRequest{
		ProjectID:      c.projectID,
		JobID:          jobID,
		LeaseID:        leaseID,
		LeaseTTLMillis: leaseTTL.Milliseconds(),
	}
	var response protocol.JobHeartbeatResponse
	if err := c.call(ctx, "/runner/jobs/heartbeat", request, &response, callTimeout); err != nil {
		return "", err
	}
	return response.Status, nil
}

// Complete reports a terminal job outcome. The project ID is filled in
// from the client.
func (c *Client) Complete(ctx context.Context, request protocol.CompleteRequest) error {
	request.ProjectID = c.projectID
	var response protocol.CompleteResponse
	return c.call(ctx, "/runner/jobs/complete", request, &response, callTimeout)
}

// AppendEvents appends a batch of run events.
func (c *Client) AppendEvents(ctx context.Context, runID string, events []protocol.Event) error {
	request := protocol.AppendEventsRequest{
		ProjectID: c.projectID,
		RunID:     runID,
		Events:    events,
	}
	var response protocol.AppendEventsResponse
	return c.call(ctx, "/runner/run-events/append-batch", request, &response, callTimeout)
}

// SyncMetadata replaces the project's fleet metadata snapshot.
func (c *Client) SyncMetadata(ctx context.Context, hosts []protocol.HostMetadata, gateways []protocol.GatewayMetadata) error {
	request := protocol.MetadataSyncRequest{
		ProjectID: c.projectID,
		Hosts:     hosts,
		Gateways:  gateways,
	}
	var response protocol.MetadataSyncResponse
	return c.call(ctx, "/runner/metadata/sync", request, &response, callTimeout)
}

// --- Producer surface, used by the operator CLI ---

// CreateRun creates a run and its job. The project ID is filled in
// from the client.
func (c *Client) CreateRun(ctx context.Context, request protocol.CreateRunRequest) (*protocol.CreateRunResponse, error) {
	request.ProjectID = c.projectID
	var response protocol.CreateRunResponse
	if err := c.call(ctx, "/api/runs", request, &response, callTimeout); err != nil {
		return nil, err
	}
	return &response, nil
}

// GetRun fetches a run and its job.
func (c *Client) GetRun(ctx context.Context, runID string) (*protocol.RunStatusResponse, error) {
	var response protocol.RunStatusResponse
	if err := c.get(ctx, "/api/runs/"+url.PathEscape(runID), nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// RunEvents fetches run events after the given cursor.
func (c *Client) RunEvents(ctx context.Context, runID string, after int64) (*protocol.RunEventsResponse, error) {
	query := url.Values{}
	if after > 0 {
		query.Set("after", strconv.FormatInt(after, 10))
	}
	var response protocol.RunEventsResponse
	if err := c.get(ctx, "/api/runs/"+url.PathEscape(runID)+"/events", query, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// CancelRun requests cancellation of a run.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	var response protocol.CancelRunResponse
	return c.call(ctx, "/api/runs/"+url.PathEscape(runID)+"/cancel", struct{}{}, &response, callTimeout)
}

// FinalizeSealedInput attaches client-encrypted ciphertext to a
// sealed-pending job.
func (c *Client) FinalizeSealedInput(ctx context.Context, jobID string, request protocol.FinalizeSealedInputRequest) error {
	var response protocol.FinalizeSealedInputResponse
	return c.call(ctx, "/api/jobs/"+url.PathEscape(jobID)+"/sealed-input", request, &response, callTimeout)
}

// Runners lists the project's runners with liveness status.
func (c *Client) Runners(ctx context.Context) ([]protocol.Runner, error) {
	query := url.Values{}
	query.Set("project", c.projectID)
	var response protocol.RunnersResponse
	if err := c.get(ctx, "/api/runners", query, &response); err != nil {
		return nil, err
	}
	return response.Runners, nil
}

// Fleet fetches the project's last-synced fleet summary.
func (c *Client) Fleet(ctx context.Context) (*protocol.FleetResponse, error) {
	query := url.Values{}
	query.Set("project", c.projectID)
	var response protocol.FleetResponse
	if err := c.get(ctx, "/api/fleet", query, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// call POSTs a JSON request with transient-failure retry.
func (c *Client) call(ctx context.Context, path string, requestBody, responseBody any, timeout time.Duration) error {
	return c.withRetry(ctx, path, func(callCtx context.Context) error {
		return c.doRequest(callCtx, http.MethodPost, path, nil, requestBody, responseBody, timeout)
	})
}

// get issues a JSON GET with transient-failure retry.
func (c *Client) get(ctx context.Context, path string, query url.Values, responseBody any) error {
	return c.withRetry(ctx, path, func(callCtx context.Context) error {
		return c.doRequest(callCtx, http.MethodGet, path, query, nil, responseBody, callTimeout)
	})
}

// withRetry runs attempt, retrying transient failures with capped
// exponential backoff and jitter. Auth and permanent errors return
// immediately.
func (c *Client) withRetry(ctx context.Context, path string, attempt func(context.Context) error) error {
	backoff := c.initialBackoff
	var lastErr error

	for try := 0; try < c.maxAttempts; try++ {
		if try > 0 {
			// ±25% jitter.
			jittered := backoff/2 + time.Duration(rand.Int64N(int64(backoff)))/2 + backoff/4
			c.logger.Warn("protocol call failed, retrying",
				"path", path,
				"error", lastErr,
				"backoff", jittered,
			)
			select {
			case <-c.clock.After(jittered):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
		}

		err := attempt(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *protocol.APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return lastErr
}

// doRequest performs one HTTP exchange. Non-2xx responses become
// *protocol.APIError classified by status code.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, requestBody, responseBody any, timeout time.Duration) error {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader *bytes.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("runner: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	request, err := http.NewRequestWithContext(callCtx, method, requestURL, bodyReader)
	if err != nil {
		return fmt.Errorf("runner: failed to create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	// Token converted to string at the header boundary; the copy is
	// short-lived.
	request.Header.Set("Authorization", "Bearer "+c.token.String())

	response, err := c.httpClient.Do(request)
	if err != nil {
		// Network errors are transient: the control plane may be
		// restarting.
		return &protocol.APIError{
			Class:   protocol.ClassTransient,
			Message: fmt.Sprintf("request to %s %s failed: %v", method, path, err),
		}
	}
	defer response.Body.Close()

	raw, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return &protocol.APIError{
			Class:   protocol.ClassTransient,
			Message: fmt.Sprintf("reading response from %s: %v", path, err),
		}
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		if responseBody == nil {
			return nil
		}
		if err := json.Unmarshal(raw, responseBody); err != nil {
			return &protocol.APIError{
				StatusCode: response.StatusCode,
				Class:      protocol.ClassMalformed,
				Message:    fmt.Sprintf("unparseable response from %s: %v", path, err),
			}
		}
		return nil
	}

	apiErr := &protocol.APIError{
		StatusCode: response.StatusCode,
		Class:      protocol.ClassifyStatus(response.StatusCode),
	}
	var errorBody protocol.ErrorBody
	if jsonErr := json.Unmarshal(raw, &errorBody); jsonErr == nil && errorBody.Error != "" {
		apiErr.Code = errorBody.Code
		apiErr.Message = errorBody.Error
	} else {
		apiErr.Message = fmt.Sprintf("unexpected %d response from %s %s: %s",
			response.StatusCode, method, path, string(raw))
	}
	return apiErr
}

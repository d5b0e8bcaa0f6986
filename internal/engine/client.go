// Package engine is the typed HTTP client for the process engine's REST API.
// It covers the external-task operations the worker needs (fetch-and-lock,
// terminal reports, lock extension, variable upload) plus deployment and
// process start.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nativebpm/connectors/httpclient"
	"github.com/nativebpm/taskworker/internal/builder"
)

// ErrNotFound reports that the task no longer exists on the engine.
var ErrNotFound = builder.ErrTaskNotFound

// ErrLockLost reports that the task exists but this worker no longer holds
// its lock.
var ErrLockLost = builder.ErrLockLost

// IsLeaseLost reports whether err means the lease is gone on the engine side
// (already reported by another worker, or the lock expired). Callers treat
// this as the end of the lease lifecycle, not as a failure.
func IsLeaseLost(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrLockLost)
}

// authTransport injects the configured Authorization header verbatim into
// every request.
type authTransport struct {
	authorization string
	base          http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.authorization != "" {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", t.authorization)
	}
	return t.base.RoundTrip(req)
}

// Client represents an external task client against the engine REST API
type Client struct {
	// call handles everything with a short per-request deadline
	call *httpclient.HTTPClient
	// poll handles fetchAndLock, whose deadline must outlast the long poll
	poll             *httpclient.HTTPClient
	workerID         string
	asyncRespTimeout time.Duration
}

// NewClient creates a new engine client. baseURL is the full REST base
// (e.g. http://localhost:8080/engine-rest). authorization, when non-empty,
// is sent verbatim as the Authorization header on every request.
// callTimeout bounds ordinary requests; pollTimeout is the engine-side long
// poll duration, and the underlying HTTP deadline is padded beyond it so the
// engine, not the client, ends an idle poll.
func NewClient(baseURL, authorization, workerID string, callTimeout, pollTimeout time.Duration) (*Client, error) {
	transport := &authTransport{authorization: authorization, base: http.DefaultTransport}

	call, err := httpclient.NewClient(http.Client{Timeout: callTimeout, Transport: transport}, baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	poll, err := httpclient.NewClient(http.Client{Timeout: pollTimeout + callTimeout, Transport: transport}, baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create long-poll HTTP client: %w", err)
	}

	return &Client{
		call:             call,
		poll:             poll,
		workerID:         workerID,
		asyncRespTimeout: pollTimeout,
	}, nil
}

// WorkerID returns the worker id sent with every request
func (c *Client) WorkerID() string {
	return c.workerID
}

// FetchAndLock fetches and locks up to maxTasks external tasks for the given
// topic subscriptions. The engine holds the request open up to the configured
// long-poll timeout when no work is available; an empty response after that
// is normal, not an error. Cancelling ctx closes the connection and returns
// an empty list without error.
func (c *Client) FetchAndLock(ctx context.Context, maxTasks int, topics []TopicRequest) ([]ExternalTask, error) {
	req := struct {
		WorkerID             string         `json:"workerId"`
		MaxTasks             int            `json:"maxTasks"`
		UsePriority          bool           `json:"usePriority"`
		AsyncResponseTimeout int64          `json:"asyncResponseTimeout"`
		Topics               []TopicRequest `json:"topics"`
	}{
		WorkerID:             c.workerID,
		MaxTasks:             maxTasks,
		UsePriority:          true,
		AsyncResponseTimeout: c.asyncRespTimeout.Milliseconds(),
		Topics:               topics,
	}

	resp, err := c.poll.POST(ctx, "/external-task/fetchAndLock").
		JSON(req).
		Send()
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to send fetchAndLock request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetchAndLock request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tasks []ExternalTask
	if err := json.Unmarshal(body, &tasks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tasks: %w", err)
	}

	return tasks, nil
}

// Complete reports successful completion of a task with its output variables
func (c *Client) Complete(ctx context.Context, taskID string, variables, localVariables map[string]builder.Variable) error {
	return builder.NewTaskCompletion(c.call, c.workerID, taskID).
		Context(ctx).
		Variables(variables).
		LocalVariables(localVariables).
		Execute()
}

// Fail reports a technical failure on a task. retries tells the engine how
// many attempts remain; zero creates an incident.
func (c *Client) Fail(ctx context.Context, taskID, errorMessage, errorDetails string, retries, retryTimeout int) error {
	return builder.NewTaskFailure(c.call, c.workerID, taskID).
		Context(ctx).
		ErrorMessage(errorMessage).
		ErrorDetails(errorDetails).
		Retries(retries).
		RetryTimeout(retryTimeout).
		Execute()
}

// RaiseBpmnError reports a business error on a task, routing the process to
// an error boundary event matching errorCode.
func (c *Client) RaiseBpmnError(ctx context.Context, taskID, errorCode, errorMessage string, variables map[string]builder.Variable) error {
	return builder.NewBpmnError(c.call, c.workerID, taskID, errorCode).
		Context(ctx).
		ErrorMessage(errorMessage).
		Variables(variables).
		Execute()
}

// ExtendLock re-asserts this worker's lock on a task for newDuration
// milliseconds from now.
func (c *Client) ExtendLock(ctx context.Context, taskID string, newDuration int) error {
	return builder.NewLockExtension(c.call, c.workerID, taskID, newDuration).
		Context(ctx).
		Execute()
}

// Unlock releases a task lock without reporting an outcome, making the task
// available to other workers immediately.
func (c *Client) Unlock(ctx context.Context, taskID string) error {
	return builder.NewTaskUnlock(c.call, c.workerID, taskID).
		Context(ctx).
		Execute()
}

// SetVariable writes a single process-instance variable. Used for payloads
// too large to inline into a completion request, and for report artifacts.
func (c *Client) SetVariable(ctx context.Context, processInstanceID, name string, variable builder.Variable) error {
	return builder.NewVariableUpload(c.call, processInstanceID, name, variable).
		Context(ctx).
		Execute()
}

// StartProcess starts a new process instance by process definition key
func (c *Client) StartProcess(ctx context.Context, processDefinitionKey string, variables map[string]builder.Variable) (string, error) {
	payload := struct {
		Variables map[string]builder.Variable `json:"variables"`
	}{
		Variables: variables,
	}

	resp, err := c.call.POST(ctx, "/process-definition/key/{processDefinitionKey}/start").
		PathParam("processDefinitionKey", processDefinitionKey).
		JSON(payload).
		Send()
	if err != nil {
		return "", fmt.Errorf("failed to send start process request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("start process request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to unmarshal process instance: %w", err)
	}

	return result.ID, nil
}

// Deploy deploys a BPMN process definition to the engine
func (c *Client) Deploy(ctx context.Context, deploymentName string, bpmnReader io.Reader, filename string) (string, error) {
	resp, err := c.call.Multipart(ctx, "/deployment/create").
		Param("deployment-name", deploymentName).
		Param("enable-duplicate-filtering", "true").
		File("data", filename, bpmnReader).
		Send()
	if err != nil {
		return "", fmt.Errorf("failed to send deploy request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("deploy request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to unmarshal deployment: %w", err)
	}

	return result.ID, nil
}

package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/nativebpm/connectors/httpclient"
)

// ErrTaskNotFound is returned when the engine answers 404: the external task
// no longer exists, usually because another worker already reported it.
var ErrTaskNotFound = errors.New("external task not found")

// ErrLockLost is returned when the engine answers 409: the task exists but
// is no longer locked by this worker.
var ErrLockLost = errors.New("task lock lost")

// Variable represents an engine variable with type safety
type Variable struct {
	Value     any    `json:"value"`
	Type      string `json:"type"`
	ValueInfo any    `json:"valueInfo,omitempty"`
}

// checkStatus maps engine response codes shared by all task operations.
// 204 is success; 404 and 409 become sentinel errors so callers can
// distinguish a reclaimed lease from a real failure.
func checkStatus(op string, resp *http.Response) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrTaskNotFound)
	case http.StatusConflict:
		return fmt.Errorf("%s: %w", op, ErrLockLost)
	default:
		return fmt.Errorf("%s request failed with status %d: %s", op, resp.StatusCode, string(body))
	}
}

// TaskCompletion provides a fluent API for completing external tasks
type TaskCompletion struct {
	httpClient     *httpclient.HTTPClient
	workerID       string
	ctx            context.Context
	taskID         string
	variables      map[string]Variable
	localVariables map[string]Variable
}

// NewTaskCompletion creates a new TaskCompletion builder
func NewTaskCompletion(httpClient *httpclient.HTTPClient, workerID, taskID string) *TaskCompletion {
	return &TaskCompletion{
		httpClient:     httpClient,
		workerID:       workerID,
		ctx:            context.Background(),
		taskID:         taskID,
		variables:      make(map[string]Variable),
		localVariables: make(map[string]Variable),
	}
}

// Context sets the context for the completion request
func (tc *TaskCompletion) Context(ctx context.Context) *TaskCompletion {
	tc.ctx = ctx
	return tc
}

// Variable adds a process variable
func (tc *TaskCompletion) Variable(name string, value Variable) *TaskCompletion {
	tc.variables[name] = value
	return tc
}

// Variables adds multiple process variables
func (tc *TaskCompletion) Variables(vars map[string]Variable) *TaskCompletion {
	for k, v := range vars {
		tc.variables[k] = v
	}
	return tc
}

// LocalVariable adds a local variable
func (tc *TaskCompletion) LocalVariable(name string, value Variable) *TaskCompletion {
	tc.localVariables[name] = value
	return tc
}

// LocalVariables adds multiple local variables
func (tc *TaskCompletion) LocalVariables(vars map[string]Variable) *TaskCompletion {
	for k, v := range vars {
		tc.localVariables[k] = v
	}
	return tc
}

// Execute sends the completion request
func (tc *TaskCompletion) Execute() error {
	req := struct {
		WorkerID       string              `json:"workerId"`
		Variables      map[string]Variable `json:"variables,omitempty"`
		LocalVariables map[string]Variable `json:"localVariables,omitempty"`
	}{
		WorkerID:       tc.workerID,
		Variables:      tc.variables,
		LocalVariables: tc.localVariables,
	}

	resp, err := tc.httpClient.POST(tc.ctx, "/external-task/{taskID}/complete").
		PathParam("taskID", tc.taskID).
		JSON(req).
		Send()
	if err != nil {
		return fmt.Errorf("failed to send complete request: %w", err)
	}

	return checkStatus("complete", resp)
}

// TaskFailure provides a fluent API for reporting task failures
type TaskFailure struct {
	httpClient   *httpclient.HTTPClient
	workerID     string
	ctx          context.Context
	taskID       string
	errorMessage string
	errorDetails string
	retries      int
	retryTimeout int
}

// NewTaskFailure creates a new TaskFailure builder
func NewTaskFailure(httpClient *httpclient.HTTPClient, workerID, taskID string) *TaskFailure {
	return &TaskFailure{
		httpClient:   httpClient,
		workerID:     workerID,
		ctx:          context.Background(),
		taskID:       taskID,
		retries:      0,
		retryTimeout: 0,
	}
}

// Context sets the context for the failure request
func (tf *TaskFailure) Context(ctx context.Context) *TaskFailure {
	tf.ctx = ctx
	return tf
}

// ErrorMessage sets the error message
func (tf *TaskFailure) ErrorMessage(msg string) *TaskFailure {
	tf.errorMessage = msg
	return tf
}

// ErrorDetails sets the error details
func (tf *TaskFailure) ErrorDetails(details string) *TaskFailure {
	tf.errorDetails = details
	return tf
}

// Retries sets the number of retries the engine should leave on the task.
// Zero tells the engine to create an incident instead of retrying.
func (tf *TaskFailure) Retries(count int) *TaskFailure {
	tf.retries = count
	return tf
}

// RetryTimeout sets the retry timeout in milliseconds
func (tf *TaskFailure) RetryTimeout(timeout int) *TaskFailure {
	tf.retryTimeout = timeout
	return tf
}

// Execute sends the failure request
func (tf *TaskFailure) Execute() error {
	req := struct {
		WorkerID     string `json:"workerId"`
		ErrorMessage string `json:"errorMessage,omitempty"`
		ErrorDetails string `json:"errorDetails,omitempty"`
		Retries      int    `json:"retries"`
		RetryTimeout int    `json:"retryTimeout"`
	}{
		WorkerID:     tf.workerID,
		ErrorMessage: tf.errorMessage,
		ErrorDetails: tf.errorDetails,
		Retries:      tf.retries,
		RetryTimeout: tf.retryTimeout,
	}

	resp, err := tf.httpClient.POST(tf.ctx, "/external-task/{taskID}/failure").
		PathParam("taskID", tf.taskID).
		JSON(req).
		Send()
	if err != nil {
		return fmt.Errorf("failed to send failure request: %w", err)
	}

	return checkStatus("failure", resp)
}

// BpmnError provides a fluent API for raising BPMN errors on external tasks.
// A BPMN error is not a technical failure: the engine routes it to an error
// boundary event in the process model.
type BpmnError struct {
	httpClient   *httpclient.HTTPClient
	workerID     string
	ctx          context.Context
	taskID       string
	errorCode    string
	errorMessage string
	variables    map[string]Variable
}

// NewBpmnError creates a new BpmnError builder
func NewBpmnError(httpClient *httpclient.HTTPClient, workerID, taskID, errorCode string) *BpmnError {
	return &BpmnError{
		httpClient: httpClient,
		workerID:   workerID,
		ctx:        context.Background(),
		taskID:     taskID,
		errorCode:  errorCode,
		variables:  make(map[string]Variable),
	}
}

// Context sets the context for the BPMN error request
func (be *BpmnError) Context(ctx context.Context) *BpmnError {
	be.ctx = ctx
	return be
}

// ErrorMessage sets the error message
func (be *BpmnError) ErrorMessage(msg string) *BpmnError {
	be.errorMessage = msg
	return be
}

// Variable adds a process variable passed along with the error
func (be *BpmnError) Variable(name string, value Variable) *BpmnError {
	be.variables[name] = value
	return be
}

// Variables adds multiple process variables passed along with the error
func (be *BpmnError) Variables(vars map[string]Variable) *BpmnError {
	for k, v := range vars {
		be.variables[k] = v
	}
	return be
}

// Execute sends the BPMN error request
func (be *BpmnError) Execute() error {
	req := struct {
		WorkerID     string              `json:"workerId"`
		ErrorCode    string              `json:"errorCode"`
		ErrorMessage string              `json:"errorMessage,omitempty"`
		Variables    map[string]Variable `json:"variables,omitempty"`
	}{
		WorkerID:     be.workerID,
		ErrorCode:    be.errorCode,
		ErrorMessage: be.errorMessage,
		Variables:    be.variables,
	}

	resp, err := be.httpClient.POST(be.ctx, "/external-task/{taskID}/bpmnError").
		PathParam("taskID", be.taskID).
		JSON(req).
		Send()
	if err != nil {
		return fmt.Errorf("failed to send bpmnError request: %w", err)
	}

	return checkStatus("bpmnError", resp)
}

// LockExtension provides a fluent API for extending task locks
type LockExtension struct {
	httpClient  *httpclient.HTTPClient
	workerID    string
	ctx         context.Context
	taskID      string
	newDuration int
}

// NewLockExtension creates a new LockExtension builder
func NewLockExtension(httpClient *httpclient.HTTPClient, workerID, taskID string, newDuration int) *LockExtension {
	return &LockExtension{
		httpClient:  httpClient,
		workerID:    workerID,
		ctx:         context.Background(),
		taskID:      taskID,
		newDuration: newDuration,
	}
}

// Context sets the context for the lock extension request
func (le *LockExtension) Context(ctx context.Context) *LockExtension {
	le.ctx = ctx
	return le
}

// Execute sends the lock extension request
func (le *LockExtension) Execute() error {
	req := struct {
		WorkerID    string `json:"workerId"`
		NewDuration int    `json:"newDuration"`
	}{
		WorkerID:    le.workerID,
		NewDuration: le.newDuration,
	}

	resp, err := le.httpClient.POST(le.ctx, "/external-task/{taskID}/extendLock").
		PathParam("taskID", le.taskID).
		JSON(req).
		Send()
	if err != nil {
		return fmt.Errorf("failed to send extendLock request: %w", err)
	}

	return checkStatus("extendLock", resp)
}

// TaskUnlock provides a fluent API for unlocking tasks
type TaskUnlock struct {
	httpClient *httpclient.HTTPClient
	workerID   string
	ctx        context.Context
	taskID     string
}

// NewTaskUnlock creates a new TaskUnlock builder
func NewTaskUnlock(httpClient *httpclient.HTTPClient, workerID, taskID string) *TaskUnlock {
	return &TaskUnlock{
		httpClient: httpClient,
		workerID:   workerID,
		ctx:        context.Background(),
		taskID:     taskID,
	}
}

// Context sets the context for the unlock request
func (tu *TaskUnlock) Context(ctx context.Context) *TaskUnlock {
	tu.ctx = ctx
	return tu
}

// Execute sends the unlock request
func (tu *TaskUnlock) Execute() error {
	req := struct {
		WorkerID string `json:"workerId"`
	}{
		WorkerID: tu.workerID,
	}

	resp, err := tu.httpClient.POST(tu.ctx, "/external-task/{taskID}/unlock").
		PathParam("taskID", tu.taskID).
		JSON(req).
		Send()
	if err != nil {
		return fmt.Errorf("failed to send unlock request: %w", err)
	}

	return checkStatus("unlock", resp)
}

// VariableUpload provides a fluent API for writing a single process variable.
// It targets the process instance rather than the task, so it works for
// payloads too large to inline into a completion request.
type VariableUpload struct {
	httpClient        *httpclient.HTTPClient
	ctx               context.Context
	processInstanceID string
	name              string
	variable          Variable
}

// NewVariableUpload creates a new VariableUpload builder
func NewVariableUpload(httpClient *httpclient.HTTPClient, processInstanceID, name string, variable Variable) *VariableUpload {
	return &VariableUpload{
		httpClient:        httpClient,
		ctx:               context.Background(),
		processInstanceID: processInstanceID,
		name:              name,
		variable:          variable,
	}
}

// Context sets the context for the upload request
func (vu *VariableUpload) Context(ctx context.Context) *VariableUpload {
	vu.ctx = ctx
	return vu
}

// Execute sends the variable upload request
func (vu *VariableUpload) Execute() error {
	resp, err := vu.httpClient.PUT(vu.ctx, "/process-instance/{processInstanceID}/variables/{varName}").
		PathParam("processInstanceID", vu.processInstanceID).
		PathParam("varName", vu.name).
		JSON(vu.variable).
		Send()
	if err != nil {
		return fmt.Errorf("failed to send variable upload request: %w", err)
	}

	return checkStatus("variable upload", resp)
}

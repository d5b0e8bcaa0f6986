// Package runner executes one lease end to end: materialize the package
// workspace, stage inputs and secrets, run the executor subprocess under a
// live lock, harvest its results, and map the outcome to a terminal report.
package runner

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nativebpm/taskworker/internal/builder"
	"github.com/nativebpm/taskworker/internal/codec"
	"github.com/nativebpm/taskworker/internal/engine"
	"github.com/nativebpm/taskworker/internal/metrics"
	"github.com/nativebpm/taskworker/internal/registry"
	"github.com/nativebpm/taskworker/internal/secrets"
)

// EngineAPI is the slice of the engine client the runner needs
type EngineAPI interface {
	ExtendLock(ctx context.Context, taskID string, newDuration int) error
	SetVariable(ctx context.Context, processInstanceID, name string, variable builder.Variable) error
	Complete(ctx context.Context, taskID string, variables, localVariables map[string]builder.Variable) error
	Fail(ctx context.Context, taskID, errorMessage, errorDetails string, retries, retryTimeout int) error
	RaiseBpmnError(ctx context.Context, taskID, errorCode, errorMessage string, variables map[string]builder.Variable) error
}

// Config holds the runner's immutable settings
type Config struct {
	// ExecutorPath is the task executor binary
	ExecutorPath string
	// EngineURL is exposed to the subprocess environment
	EngineURL string
	// LockDuration is used for initial deadline accounting and every
	// extension
	LockDuration time.Duration
	// DefaultRetries is reported when the engine has not set a retry
	// counter yet
	DefaultRetries int
	// RetryTimeout is the engine-side backoff reported on failures
	RetryTimeout time.Duration
	// DefaultSecretProfile applies to topics that name no profile
	DefaultSecretProfile string
	// ShutdownGrace bounds how long a subprocess may keep running after
	// shutdown is signalled
	ShutdownGrace time.Duration
	// InlineLimit is the wire-size threshold above which an output is
	// uploaded as a process variable instead of inlined into complete
	InlineLimit int
	// ArtifactLimit caps a single uploaded artifact
	ArtifactLimit int
	LogLevel      string
}

const (
	defaultShutdownGrace = 10 * time.Second
	defaultInlineLimit   = 4 * 1024
	defaultArtifactLimit = 16 * 1024 * 1024

	inputsFileName  = "inputs.json"
	outputsFileName = "outputs.json"
)

// wellKnownArtifacts are report files harvested from the workspace root when
// the executor does not declare them itself.
var wellKnownArtifacts = map[string]string{
	"output.xml": "application/xml",
	"log.html":   "text/html",
}

// Runner executes leases against a fixed engine client, secrets provider,
// and redactor. One Runner serves all leases; per-lease state lives in Run.
type Runner struct {
	cfg      Config
	engine   EngineAPI
	provider secrets.Provider
	redactor *secrets.Redactor
	logger   *slog.Logger
}

// New creates a runner. The redactor is shared with the log sink so secrets
// resolved here are masked everywhere.
func New(cfg Config, engineAPI EngineAPI, provider secrets.Provider, redactor *secrets.Redactor, logger *slog.Logger) *Runner {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.InlineLimit <= 0 {
		cfg.InlineLimit = defaultInlineLimit
	}
	if cfg.ArtifactLimit <= 0 {
		cfg.ArtifactLimit = defaultArtifactLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:      cfg,
		engine:   engineAPI,
		provider: provider,
		redactor: redactor,
		logger:   logger,
	}
}

// Cancellation causes distinguished after the subprocess exits
var (
	errLockLostCause = errors.New("lock lost")
	errShutdownCause = errors.New("worker shutting down")
	errCeilingCause  = errors.New("execution deadline exceeded")
)

// Run executes one lease and returns its result. ctx is the hard-abort
// context: cancelling it sends the subprocess SIGTERM at once, and SIGKILL
// if it is still running after the shutdown grace. shutdown, when
// closed, stops lock extensions and gives the subprocess a bounded grace
// window to finish.
func (r *Runner) Run(ctx context.Context, entry registry.Entry, task engine.ExternalTask, shutdown <-chan struct{}) Result {
	log := r.logger.With("taskID", task.ID, "topic", task.TopicName, "processInstanceID", task.ProcessInstanceID)

	ws, err := entry.Package.Materialize()
	if err != nil {
		log.Error("Failed to materialize workspace", "error", err)
		return Result{Outcome: OutcomeTaskFailure, ErrorMessage: fmt.Sprintf("failed to materialize workspace: %v", err)}
	}
	defer func() {
		if err := ws.Release(); err != nil {
			log.Warn("Failed to release workspace", "error", err)
		}
	}()

	leaseSecrets, err := r.resolveSecrets(ctx, entry.Spec.SecretProfile)
	if err != nil {
		log.Error("Failed to resolve secrets", "error", err)
		return Result{Outcome: OutcomeTaskFailure, ErrorMessage: fmt.Sprintf("failed to resolve secrets: %v", err)}
	}

	inputsPath := filepath.Join(ws.Scratch, inputsFileName)
	outputsPath := filepath.Join(ws.Scratch, outputsFileName)

	if err := r.stageInputs(inputsPath, entry, task, leaseSecrets); err != nil {
		log.Error("Failed to stage inputs", "error", err)
		return Result{Outcome: OutcomeTaskFailure, ErrorMessage: fmt.Sprintf("failed to stage inputs: %v", err)}
	}

	stderrTail, cause, exitErr := r.invoke(ctx, entry, task, ws.Root, inputsPath, outputsPath, shutdown, log)

	switch {
	case errors.Is(cause, errLockLostCause):
		log.Info("Lock lost, abandoning lease")
		return Result{Outcome: OutcomeLeaseLost}
	case errors.Is(cause, errShutdownCause):
		log.Info("Lease interrupted by shutdown")
		return Result{
			Outcome:          OutcomeTaskFailure,
			ErrorMessage:     "worker shutting down",
			ErrorDetails:     stderrTail,
			RetriesUnchanged: true,
		}
	case errors.Is(cause, errCeilingCause):
		log.Warn("Executor exceeded execution deadline")
		return Result{
			Outcome:      OutcomeTaskFailure,
			ErrorMessage: "execution deadline exceeded",
			ErrorDetails: stderrTail,
		}
	}

	result := r.harvest(outputsPath, ws.Root, stderrTail, exitErr, log)
	log.Info("Executor finished", "outcome", result.Outcome.String())
	return result
}

func (r *Runner) resolveSecrets(ctx context.Context, profile string) (map[string]string, error) {
	if profile == "" {
		profile = r.cfg.DefaultSecretProfile
	}
	if profile == "" {
		return nil, nil
	}

	values, err := r.provider.Resolve(ctx, profile)
	if err != nil {
		return nil, err
	}

	// Register before anything can log or return them
	for _, v := range values {
		r.redactor.Add(v)
	}
	return values, nil
}

// stageInputs writes the exchange file the executor reads: decoded
// variables, resolved secrets, and lease context. Secrets exist only here
// and in executor memory.
func (r *Runner) stageInputs(path string, entry registry.Entry, task engine.ExternalTask, leaseSecrets map[string]string) error {
	variables := make(map[string]any, len(task.Variables))
	for name, wire := range task.Variables {
		tv, err := codec.Decode(wire)
		if err != nil {
			return fmt.Errorf("variable %q: %w", name, err)
		}
		variables[name] = codec.Native(tv)
	}

	retries := 0
	if task.Retries != nil {
		retries = *task.Retries
	}

	inputs := map[string]any{
		"variables": variables,
		"secrets":   leaseSecrets,
		"config": map[string]any{
			"taskId":               task.ID,
			"topic":                task.TopicName,
			"processInstanceId":    task.ProcessInstanceID,
			"processDefinitionKey": task.ProcessDefinitionKey,
			"activityId":           task.ActivityID,
			"businessKey":          task.BusinessKey,
			"retries":              retries,
			"entry":                entry.Spec.Entry,
			"engineUrl":            r.cfg.EngineURL,
			"logLevel":             r.cfg.LogLevel,
			"packageFingerprint":   entry.Package.Fingerprint,
		},
	}

	data, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("failed to encode inputs: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write inputs file: %w", err)
	}
	return nil
}

// invoke runs the executor subprocess under a renewed lock. It returns the
// redacted stderr tail, the cancellation cause (nil when the subprocess ran
// to its own exit), and the subprocess exit error.
func (r *Runner) invoke(ctx context.Context, entry registry.Entry, task engine.ExternalTask, workspaceRoot, inputsPath, outputsPath string, shutdown <-chan struct{}, log *slog.Logger) (string, error, error) {
	procCtx, cancelProc := context.WithCancelCause(ctx)
	defer cancelProc(nil)

	// Hard ceiling on runaway executors
	ceiling := time.AfterFunc(r.cfg.LockDuration*10, func() {
		cancelProc(errCeilingCause)
	})
	defer ceiling.Stop()

	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		r.renewLock(procCtx, task, shutdown, cancelProc, log)
	}()

	go func() {
		select {
		case <-shutdown:
		case <-procCtx.Done():
			return
		}
		grace := r.cfg.ShutdownGrace
		// Never outlive the lock: past expiry the engine hands the task
		// to someone else
		if deadline := task.LockExpirationTime; deadline != nil {
			if remaining := time.Until(*deadline); remaining < grace {
				grace = remaining
			}
		}
		if grace < 0 {
			grace = 0
		}
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
			cancelProc(errShutdownCause)
		case <-procCtx.Done():
		}
	}()

	cmd := exec.CommandContext(procCtx, r.cfg.ExecutorPath, workspaceRoot, entry.Spec.Entry, inputsPath, outputsPath)
	cmd.Dir = workspaceRoot
	cmd.Env = r.subprocessEnv(entry, workspaceRoot)
	cmd.Cancel = func() error {
		// SIGTERM first; WaitDelay escalates to SIGKILL
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.cfg.ShutdownGrace

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = &stderr

	log.Debug("Starting executor", "executor", r.cfg.ExecutorPath, "entry", entry.Spec.Entry)
	runErr := cmd.Run()

	cancelProc(nil)
	<-renewDone

	tail := r.redactor.Redact(tailOf(stderr.Bytes(), 4*1024))
	for _, line := range strings.Split(strings.TrimRight(tail, "\n"), "\n") {
		if line != "" {
			log.Debug("Executor output", "line", line)
		}
	}

	cause := context.Cause(procCtx)
	if errors.Is(cause, context.Canceled) {
		// Plain cancellation, not one of the named causes
		cause = nil
	}
	if runErr == nil && !errors.Is(cause, errLockLostCause) {
		// The executor beat the cancellation to a clean exit; honor its
		// outputs unless the lease itself is gone
		cause = nil
	}
	return tail, cause, runErr
}

// subprocessEnv builds the executor's minimal environment. The
// authorization header is deliberately absent.
func (r *Runner) subprocessEnv(entry registry.Entry, workspaceRoot string) []string {
	env := make([]string, 0, 8)
	for _, key := range []string{"PATH", "HOME", "TMPDIR", "LANG"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	env = append(env,
		"ENGINE_REST_BASE_URL="+r.cfg.EngineURL,
		"LOG_LEVEL="+r.cfg.LogLevel,
	)
	if len(entry.Spec.PythonPath) > 0 {
		paths := make([]string, len(entry.Spec.PythonPath))
		for i, p := range entry.Spec.PythonPath {
			paths[i] = filepath.Join(workspaceRoot, filepath.FromSlash(p))
		}
		env = append(env, "TASKS_SEARCH_PATH="+strings.Join(paths, string(os.PathListSeparator)))
	}
	return env
}

// renewLock keeps the lease alive while the subprocess runs, extending
// whenever less than half the lock duration remains. A 404/409 from the
// engine means the lease is gone: the subprocess is cancelled and the lease
// abandoned. No extension is issued once shutdown is closed.
func (r *Runner) renewLock(ctx context.Context, task engine.ExternalTask, shutdown <-chan struct{}, cancelProc context.CancelCauseFunc, log *slog.Logger) {
	expiry := time.Now().Add(r.cfg.LockDuration)
	if task.LockExpirationTime != nil {
		expiry = *task.LockExpirationTime
	}

	for {
		wait := time.Until(expiry) - r.cfg.LockDuration/2
		if wait < 0 {
			wait = 0
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-shutdown:
			t.Stop()
			return
		case <-t.C:
		}

		err := r.engine.ExtendLock(ctx, task.ID, int(r.cfg.LockDuration.Milliseconds()))
		switch {
		case err == nil:
			expiry = time.Now().Add(r.cfg.LockDuration)
			metrics.LockExtensions.Inc()
			log.Debug("Lock extended", "until", expiry)
		case engine.IsLeaseLost(err):
			cancelProc(errLockLostCause)
			return
		case ctx.Err() != nil:
			return
		default:
			// Transient engine trouble: retry shortly, the lock may
			// still be alive
			log.Warn("Failed to extend lock", "error", err)
			expiry = time.Now().Add(time.Second + r.cfg.LockDuration/2)
		}
	}
}

// outputsDocument is the executor's result file
type outputsDocument struct {
	Outputs      map[string]any `json:"outputs"`
	ErrorCode    string         `json:"errorCode"`
	ErrorMessage string         `json:"errorMessage"`
	Artifacts    map[string]struct {
		MimeType string `json:"mimeType"`
		Base64   string `json:"base64"`
	} `json:"artifacts"`
}

// harvest reads the outputs file and the well-known report files and builds
// the lease result. A nonzero exit is a failure regardless of the outputs
// file; a clean exit honors the file's errorCode.
func (r *Runner) harvest(outputsPath, workspaceRoot, stderrTail string, exitErr error, log *slog.Logger) Result {
	doc, readErr := readOutputs(outputsPath)

	if exitErr != nil {
		msg := fmt.Sprintf("executor failed: %v", exitErr)
		if doc != nil && doc.ErrorMessage != "" {
			msg = r.redactor.Redact(doc.ErrorMessage)
		}
		result := Result{
			Outcome:      OutcomeTaskFailure,
			ErrorMessage: msg,
			ErrorDetails: stderrTail,
		}
		if doc != nil {
			result.Artifacts = r.collectArtifacts(doc, workspaceRoot, log)
		} else {
			result.Artifacts = r.collectArtifacts(&outputsDocument{}, workspaceRoot, log)
		}
		return result
	}

	if readErr != nil {
		if os.IsNotExist(readErr) {
			// Clean exit without an outputs file: nothing to report
			return Result{Outcome: OutcomeSuccess, Artifacts: r.collectArtifacts(&outputsDocument{}, workspaceRoot, log)}
		}
		return Result{
			Outcome:      OutcomeTaskFailure,
			ErrorMessage: fmt.Sprintf("malformed outputs file: %v", readErr),
			ErrorDetails: stderrTail,
		}
	}

	outputs, err := r.decodeOutputs(doc.Outputs)
	if err != nil {
		return Result{
			Outcome:      OutcomeTaskFailure,
			ErrorMessage: fmt.Sprintf("malformed outputs: %v", err),
			ErrorDetails: stderrTail,
		}
	}

	result := Result{
		Outputs:      outputs,
		ErrorCode:    doc.ErrorCode,
		ErrorMessage: r.redactor.Redact(doc.ErrorMessage),
		Artifacts:    r.collectArtifacts(doc, workspaceRoot, log),
	}
	if doc.ErrorCode != "" {
		result.Outcome = OutcomeBpmnError
	} else {
		result.Outcome = OutcomeSuccess
	}
	return result
}

func readOutputs(path string) (*outputsDocument, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	// Numbers stay json.Number so integer outputs become Long, not Double
	dec.UseNumber()

	var doc outputsDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// decodeOutputs converts native output values to typed values, honoring
// explicit {"type", "value"} tags and masking secrets in every string leaf.
func (r *Runner) decodeOutputs(raw map[string]any) (map[string]codec.TypedValue, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	outputs := make(map[string]codec.TypedValue, len(raw))
	for name, value := range raw {
		value = r.redactor.RedactValue(value)

		if tagged, ok := taggedOutput(value); ok {
			tv, err := codec.FromNative(codec.Kind(tagged.kind), tagged.value)
			if err != nil {
				return nil, fmt.Errorf("output %q: %w", name, err)
			}
			outputs[name] = tv
			continue
		}

		outputs[name] = codec.Infer(value)
	}
	return outputs, nil
}

type tagged struct {
	kind  string
	value any
}

// taggedOutput recognizes {"type": ..., "value": ...} output envelopes
func taggedOutput(v any) (tagged, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 2 {
		return tagged{}, false
	}
	kind, ok := m["type"].(string)
	if !ok {
		return tagged{}, false
	}
	value, ok := m["value"]
	if !ok {
		return tagged{}, false
	}
	return tagged{kind: kind, value: value}, true
}

// collectArtifacts decodes declared artifacts and adds the well-known
// report files from the workspace.
func (r *Runner) collectArtifacts(doc *outputsDocument, workspaceRoot string, log *slog.Logger) map[string]Artifact {
	artifacts := make(map[string]Artifact)

	for name, a := range doc.Artifacts {
		data, err := decodeBase64(a.Base64)
		if err != nil {
			log.Warn("Skipping malformed artifact", "artifact", name, "error", err)
			continue
		}
		if len(data) > r.cfg.ArtifactLimit {
			log.Warn("Skipping oversized artifact", "artifact", name, "size", len(data))
			continue
		}
		artifacts[name] = Artifact{MimeType: a.MimeType, Data: data}
	}

	for name, mimeType := range wellKnownArtifacts {
		if _, declared := artifacts[name]; declared {
			continue
		}
		data, err := os.ReadFile(filepath.Join(workspaceRoot, name))
		if err != nil {
			continue
		}
		if len(data) > r.cfg.ArtifactLimit {
			log.Warn("Skipping oversized artifact", "artifact", name, "size", len(data))
			continue
		}
		artifacts[name] = Artifact{MimeType: mimeType, Data: data}
	}

	if len(artifacts) == 0 {
		return nil
	}
	return artifacts
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func tailOf(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}

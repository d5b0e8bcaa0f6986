// Package taskworker bridges a BPMN engine to out-of-process task executors.
// The engine publishes external tasks on named topics; the worker fetches
// and locks them, runs the executor subprocess against a packaged workspace,
// and reports results back while keeping lock leases alive.
package taskworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nativebpm/taskworker/internal/builder"
	"github.com/nativebpm/taskworker/internal/codec"
	"github.com/nativebpm/taskworker/internal/config"
	"github.com/nativebpm/taskworker/internal/engine"
	"github.com/nativebpm/taskworker/internal/pack"
	"github.com/nativebpm/taskworker/internal/registry"
	"github.com/nativebpm/taskworker/internal/runner"
	"github.com/nativebpm/taskworker/internal/scheduler"
	"github.com/nativebpm/taskworker/internal/secrets"
)

// ExternalTask represents a locked external task
type ExternalTask = engine.ExternalTask

// Variable represents an engine variable with type safety
type Variable = builder.Variable

// TypedValue is the decoded form of an engine variable
type TypedValue = codec.TypedValue

// TopicSpec declares one engine topic served by a package
type TopicSpec = pack.TopicSpec

// WorkerConfig is the worker's immutable configuration
type WorkerConfig = config.WorkerConfig

// StringVariable creates a string variable
func StringVariable(value string) Variable {
	return Variable{
		Value: value,
		Type:  "String",
	}
}

// LongVariable creates a long variable
func LongVariable(value int64) Variable {
	return Variable{
		Value: value,
		Type:  "Long",
	}
}

// DoubleVariable creates a double variable
func DoubleVariable(value float64) Variable {
	return Variable{
		Value: value,
		Type:  "Double",
	}
}

// BooleanVariable creates a boolean variable
func BooleanVariable(value bool) Variable {
	return Variable{
		Value: value,
		Type:  "Boolean",
	}
}

// DateVariable creates a date variable
func DateVariable(value time.Time) Variable {
	return Variable{
		Value: value.Format(time.RFC3339),
		Type:  "Date",
	}
}

// JSONVariable creates a JSON variable from any value
// The value is serialized to a JSON string and stored as an engine Object type
// This allows the JSON to be accessed in BPMN expressions
func JSONVariable(value any) Variable {
	jsonBytes, err := json.Marshal(value)
	if err != nil {
		// If marshaling fails, return the error as a string value
		// This allows the caller to see what went wrong
		return Variable{
			Value: fmt.Sprintf("ERROR: failed to marshal JSON: %v", err),
			Type:  "String",
		}
	}

	return Variable{
		Value: string(jsonBytes),
		Type:  "Object",
		ValueInfo: map[string]any{
			"objectTypeName":          "java.util.LinkedHashMap",
			"serializationDataFormat": "application/json",
		},
	}
}

// ListVariable creates a list variable from a slice
// This is used for multi-instance activities in BPMN where the engine needs to iterate over a collection
// The value must be a slice ([]int, []string, []any, etc.)
func ListVariable(value any) Variable {
	jsonBytes, err := json.Marshal(value)
	if err != nil {
		return Variable{
			Value: fmt.Sprintf("ERROR: failed to marshal list: %v", err),
			Type:  "String",
		}
	}

	return Variable{
		Value: string(jsonBytes),
		Type:  "Object",
		ValueInfo: map[string]any{
			"objectTypeName":          "java.util.ArrayList",
			"serializationDataFormat": "application/json",
		},
	}
}

// NullVariable creates a null variable
func NullVariable() Variable {
	return Variable{
		Value: nil,
		Type:  "Null",
	}
}

// Client represents an engine REST client
type Client = engine.Client

// NewClient creates an engine client from the worker configuration
func NewClient(cfg WorkerConfig) (*Client, error) {
	return engine.NewClient(cfg.EngineURL, cfg.Authorization, cfg.WorkerID, cfg.CallTimeout, cfg.AsyncResponseTimeout)
}

// Worker fetches, executes, and reports external tasks for the topics
// declared by its packages.
type Worker struct {
	client    *engine.Client
	scheduler *scheduler.Scheduler
	registry  *registry.Registry
	logger    *slog.Logger
}

// NewWorker assembles a worker from its configuration and package
// references. Every package is loaded and validated here; any problem is a
// configuration error and nothing has been fetched yet.
func NewWorker(cfg WorkerConfig, packageRefs []string, logger *slog.Logger) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if len(packageRefs) == 0 {
		return nil, fmt.Errorf("at least one package reference is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	packages := make([]*pack.Package, 0, len(packageRefs))
	for _, ref := range packageRefs {
		p, err := pack.Load(ref)
		if err != nil {
			return nil, err
		}
		logger.Info("Loaded package", "ref", ref, "topics", len(p.Manifest.Topics), "fingerprint", p.Fingerprint[:12])
		packages = append(packages, p)
	}

	reg, err := registry.Build(packages, cfg.DefaultPolicy)
	if err != nil {
		return nil, err
	}

	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	var provider secrets.Provider = secrets.NoProvider{}
	if cfg.SecretsDir != "" {
		provider = secrets.NewFileProvider(cfg.SecretsDir)
	}

	// Every log line passes through the redactor from here on
	redactor := secrets.NewRedactor()
	logger = slog.New(secrets.NewRedactingHandler(logger.Handler(), redactor))

	// Resolve every referenced profile now: an unresolvable provider is a
	// startup error, not a per-lease surprise
	profiles := reg.SecretProfiles()
	if cfg.SecretsProfile != "" {
		profiles = append(profiles, cfg.SecretsProfile)
	}
	for _, profile := range profiles {
		values, err := provider.Resolve(context.Background(), profile)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			redactor.Add(v)
		}
	}

	taskRunner := runner.New(runner.Config{
		ExecutorPath:         cfg.ExecutorPath,
		EngineURL:            cfg.EngineURL,
		LockDuration:         cfg.LockDuration,
		DefaultRetries:       cfg.DefaultRetries,
		RetryTimeout:         cfg.RetryTimeout,
		DefaultSecretProfile: cfg.SecretsProfile,
		LogLevel:             cfg.LogLevel,
	}, client, provider, redactor, logger)

	sched := scheduler.New(scheduler.Config{
		MaxJobs:      cfg.MaxJobs,
		LockDuration: cfg.LockDuration,
	}, client, taskRunner, reg, logger)

	return &Worker{
		client:    client,
		scheduler: sched,
		registry:  reg,
		logger:    logger,
	}, nil
}

// Client returns the underlying engine client
func (w *Worker) Client() *Client {
	return w.client
}

// Topics returns the topics this worker subscribes to
func (w *Worker) Topics() []string {
	return w.registry.Topics()
}

// Run begins polling for external tasks
// This is a blocking call that will run until the context is cancelled,
// then drains in-flight leases before returning
func (w *Worker) Run(ctx context.Context) error {
	return w.scheduler.Run(ctx)
}

// Abort kills in-flight work immediately without terminal reports; the
// engine reclaims the leases when their locks expire.
func (w *Worker) Abort() {
	w.scheduler.Abort()
}

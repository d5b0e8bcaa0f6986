// Package config assembles the worker's immutable configuration from
// defaults, an optional env file, and the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/nativebpm/taskworker/internal/pack"
)

// Defaults
const (
	DefaultMaxJobs              = 1
	DefaultAsyncResponseTimeout = 20 * time.Second
	DefaultLockDuration         = 30 * time.Second
	DefaultCallTimeout          = 10 * time.Second
	DefaultRetries              = 3
	DefaultRetryTimeout         = 30 * time.Second
)

// WorkerConfig is the explicit configuration threaded from the entry point.
// Immutable once assembled.
type WorkerConfig struct {
	// EngineURL is the full REST base, e.g. http://localhost:8080/engine-rest
	EngineURL string
	// Authorization is sent verbatim as the Authorization header; empty
	// disables the header
	Authorization string
	// WorkerID identifies this worker to the engine
	WorkerID string

	// MaxJobs caps concurrent in-flight leases
	MaxJobs int
	// AsyncResponseTimeout is the engine-side long-poll duration
	AsyncResponseTimeout time.Duration
	// LockDuration is the initial and extension lock duration per lease
	LockDuration time.Duration
	// CallTimeout bounds every non-long-poll engine request
	CallTimeout time.Duration

	// DefaultPolicy applies to topics whose manifest leaves onFailure unset
	DefaultPolicy pack.FailurePolicy
	// DefaultRetries is reported on the first failure of a task whose
	// retries the engine has not set yet
	DefaultRetries int
	// RetryTimeout is the engine-side backoff before a failed task is
	// fetched again
	RetryTimeout time.Duration

	// ExecutorPath is the task executor binary, resolved via PATH when bare
	ExecutorPath string
	// SecretsDir is the file secret provider's root; empty disables it
	SecretsDir string
	// SecretsProfile applies to topics whose manifest names no profile
	SecretsProfile string

	LogLevel  string
	LogFormat string
	// MetricsAddr exposes Prometheus metrics when set
	MetricsAddr string
}

// LoadEnvFile loads a dotenv file into the process environment without
// overriding variables that are already set.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// FromEnv builds a WorkerConfig from defaults and the process environment.
func FromEnv() WorkerConfig {
	cfg := WorkerConfig{
		EngineURL:            getEnv("ENGINE_REST_BASE_URL", "http://localhost:8080/engine-rest"),
		Authorization:        os.Getenv("ENGINE_REST_AUTHORIZATION"),
		WorkerID:             getEnv("TASKS_WORKER_ID", "taskworker-"+uuid.NewString()[:8]),
		MaxJobs:              DefaultMaxJobs,
		AsyncResponseTimeout: getEnvSeconds("ENGINE_REST_POLL_TTL_SECONDS", DefaultAsyncResponseTimeout),
		LockDuration:         getEnvSeconds("ENGINE_REST_LOCK_TTL_SECONDS", DefaultLockDuration),
		CallTimeout:          getEnvSeconds("ENGINE_REST_TIMEOUT_SECONDS", DefaultCallTimeout),
		DefaultPolicy:        pack.PolicyFail,
		DefaultRetries:       DefaultRetries,
		RetryTimeout:         DefaultRetryTimeout,
		ExecutorPath:         "taskexec",
		SecretsProfile:       os.Getenv("TASKS_SECRETS_PROFILE"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            "text",
	}
	return cfg
}

// Validate rejects configurations the worker cannot start with
func (c WorkerConfig) Validate() error {
	if c.EngineURL == "" {
		return fmt.Errorf("engine URL is required")
	}
	if c.WorkerID == "" {
		return fmt.Errorf("worker id is required")
	}
	if c.MaxJobs < 1 {
		return fmt.Errorf("max jobs must be at least 1, got %d", c.MaxJobs)
	}
	if c.AsyncResponseTimeout <= 0 {
		return fmt.Errorf("async response timeout must be positive, got %v", c.AsyncResponseTimeout)
	}
	if c.LockDuration <= 0 {
		return fmt.Errorf("lock duration must be positive, got %v", c.LockDuration)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive, got %v", c.CallTimeout)
	}
	switch c.DefaultPolicy {
	case pack.PolicyFail, pack.PolicyError, pack.PolicyComplete:
	default:
		return fmt.Errorf("unknown default failure policy %q", c.DefaultPolicy)
	}
	if c.ExecutorPath == "" {
		return fmt.Errorf("executor path is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

package taskworker

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nativebpm/taskworker/internal/config"
	"github.com/nativebpm/taskworker/internal/pack"
)

func testConfig() config.WorkerConfig {
	return config.WorkerConfig{
		EngineURL:            "http://localhost:8080/engine-rest",
		WorkerID:             "test-worker",
		MaxJobs:              1,
		AsyncResponseTimeout: 20 * time.Second,
		LockDuration:         30 * time.Second,
		CallTimeout:          10 * time.Second,
		DefaultPolicy:        pack.PolicyFail,
		DefaultRetries:       3,
		RetryTimeout:         30 * time.Second,
		ExecutorPath:         "taskexec",
		LogLevel:             "info",
	}
}

func writeTestPackage(t *testing.T, manifest string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, pack.ManifestFileName), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewWorker(t *testing.T) {
	dir := writeTestPackage(t, "topics:\n  - topic: greet\n    entry: Greet\n")

	worker, err := NewWorker(testConfig(), []string{dir}, quietLogger())
	if err != nil {
		t.Fatalf("NewWorker() error = %v", err)
	}

	topics := worker.Topics()
	if len(topics) != 1 || topics[0] != "greet" {
		t.Errorf("Expected topics [greet], got %v", topics)
	}

	if worker.Client() == nil {
		t.Error("Expected a client to be available")
	}
}

func TestNewWorker_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxJobs = 0

	dir := writeTestPackage(t, "topics:\n  - topic: greet\n    entry: Greet\n")

	if _, err := NewWorker(cfg, []string{dir}, quietLogger()); err == nil {
		t.Error("Expected an error for invalid configuration")
	}
}

func TestNewWorker_NoPackages(t *testing.T) {
	if _, err := NewWorker(testConfig(), nil, quietLogger()); err == nil {
		t.Error("Expected an error when no packages are given")
	}
}

func TestNewWorker_BadPackage(t *testing.T) {
	if _, err := NewWorker(testConfig(), []string{t.TempDir()}, quietLogger()); err == nil {
		t.Error("Expected an error for a package without a manifest")
	}
}

func TestNewWorker_DuplicateTopics(t *testing.T) {
	a := writeTestPackage(t, "topics:\n  - topic: greet\n    entry: A\n")
	b := writeTestPackage(t, "topics:\n  - topic: greet\n    entry: B\n")

	if _, err := NewWorker(testConfig(), []string{a, b}, quietLogger()); err == nil {
		t.Error("Expected an error for a topic declared by two packages")
	}
}

func TestNewWorker_UnresolvableSecrets(t *testing.T) {
	dir := writeTestPackage(t, "topics:\n  - topic: greet\n    entry: Greet\n    secretProfile: billing\n")

	// No secrets provider configured: the worker must refuse to start
	if _, err := NewWorker(testConfig(), []string{dir}, quietLogger()); err == nil {
		t.Error("Expected an error for an unresolvable secrets profile")
	}
}

func TestNewWorker_SecretsResolvedAtStartup(t *testing.T) {
	pkg := writeTestPackage(t, "topics:\n  - topic: greet\n    entry: Greet\n    secretProfile: billing\n")

	secretsDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(secretsDir, "billing.env"), []byte("API_KEY=s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.SecretsDir = secretsDir

	if _, err := NewWorker(cfg, []string{pkg}, quietLogger()); err != nil {
		t.Errorf("NewWorker() error = %v", err)
	}
}

func TestVariableConstructors(t *testing.T) {
	if v := StringVariable("x"); v.Type != "String" || v.Value != "x" {
		t.Errorf("StringVariable: got %+v", v)
	}
	if v := LongVariable(5); v.Type != "Long" {
		t.Errorf("LongVariable: got %+v", v)
	}
	if v := DoubleVariable(1.5); v.Type != "Double" {
		t.Errorf("DoubleVariable: got %+v", v)
	}
	if v := BooleanVariable(true); v.Type != "Boolean" {
		t.Errorf("BooleanVariable: got %+v", v)
	}
	if v := DateVariable(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)); v.Type != "Date" || v.Value != "2026-08-01T00:00:00Z" {
		t.Errorf("DateVariable: got %+v", v)
	}
	if v := NullVariable(); v.Type != "Null" || v.Value != nil {
		t.Errorf("NullVariable: got %+v", v)
	}

	v := JSONVariable(map[string]any{"a": 1})
	if v.Type != "Object" {
		t.Errorf("JSONVariable: got type %q", v.Type)
	}
	if v.Value != `{"a":1}` {
		t.Errorf("JSONVariable: got value %v", v.Value)
	}
}

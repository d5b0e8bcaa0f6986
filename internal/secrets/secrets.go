// Package secrets resolves per-topic secret bindings and keeps resolved
// values out of logs and engine-bound payloads.
package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Provider resolves a named profile to a set of secrets. Values live in
// memory only; they are injected into the workspace inputs file and nowhere
// else.
type Provider interface {
	Resolve(ctx context.Context, profile string) (map[string]string, error)
}

// FileProvider reads profiles from dotenv files: profile "billing" resolves
// to <dir>/billing.env.
type FileProvider struct {
	dir string
}

// NewFileProvider creates a provider rooted at dir
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

// Resolve loads the profile's dotenv file
func (p *FileProvider) Resolve(_ context.Context, profile string) (map[string]string, error) {
	path := filepath.Join(p.dir, profile+".env")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("secrets profile %q: %w", profile, err)
	}

	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("secrets profile %q: failed to parse %s: %w", profile, path, err)
	}
	return values, nil
}

// NoProvider rejects every profile. Used when no secrets backend is
// configured so that a topic demanding secrets fails at startup instead of
// at lease time.
type NoProvider struct{}

// Resolve always fails
func (NoProvider) Resolve(_ context.Context, profile string) (map[string]string, error) {
	return nil, fmt.Errorf("secrets profile %q requested but no secrets provider is configured", profile)
}

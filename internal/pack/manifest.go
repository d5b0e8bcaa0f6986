// Package pack resolves task packages: directories or zip archives carrying
// a manifest that declares which engine topics the package serves and how.
package pack

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ManifestFileName is the well-known manifest path relative to the package
// root.
const ManifestFileName = "taskpack.yaml"

// FailurePolicy maps an unsuccessful task outcome to one of the engine's
// terminal reports.
type FailurePolicy string

// Failure policies. PolicyUnset defers to the worker-wide default.
const (
	PolicyUnset    FailurePolicy = ""
	PolicyFail     FailurePolicy = "FAIL"
	PolicyError    FailurePolicy = "ERROR"
	PolicyComplete FailurePolicy = "COMPLETE"
)

func (p FailurePolicy) valid() bool {
	switch p {
	case PolicyUnset, PolicyFail, PolicyError, PolicyComplete:
		return true
	}
	return false
}

// TopicSpec declares one engine topic served by a package
type TopicSpec struct {
	// Topic is the engine's service-task topic name
	Topic string `yaml:"topic"`
	// Entry identifies the callable inside the package (a named suite or
	// function understood by the executor)
	Entry string `yaml:"entry"`
	// OnFailure selects the terminal report for unsuccessful outcomes
	OnFailure FailurePolicy `yaml:"onFailure"`
	// ProcessVariables fetches all in-scope process variables when true;
	// only task-local variables otherwise
	ProcessVariables bool `yaml:"processVariables"`
	// Variables optionally restricts which variables are fetched
	Variables []string `yaml:"variables"`
	// PythonPath lists package-relative directories exposed to the
	// executor through its search-path variable
	PythonPath []string `yaml:"pythonPath"`
	// SecretProfile names the secrets-provider profile bound to this topic
	SecretProfile string `yaml:"secretProfile"`
}

// Manifest is the parsed package manifest
type Manifest struct {
	Name   string      `yaml:"name"`
	Topics []TopicSpec `yaml:"topics"`
}

// ParseManifest parses and validates manifest bytes
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if len(m.Topics) == 0 {
		return nil, fmt.Errorf("manifest declares no topics")
	}

	seen := make(map[string]bool, len(m.Topics))
	for i, spec := range m.Topics {
		if spec.Topic == "" {
			return nil, fmt.Errorf("topic %d: missing topic name", i)
		}
		if spec.Entry == "" {
			return nil, fmt.Errorf("topic %q: missing entry", spec.Topic)
		}
		if !spec.OnFailure.valid() {
			return nil, fmt.Errorf("topic %q: unknown onFailure policy %q", spec.Topic, spec.OnFailure)
		}
		if seen[spec.Topic] {
			return nil, fmt.Errorf("topic %q declared twice", spec.Topic)
		}
		seen[spec.Topic] = true
	}

	return &m, nil
}

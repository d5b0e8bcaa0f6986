package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nativebpm/taskworker/internal/pack"
)

func loadPackage(t *testing.T, manifest string) *pack.Package {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, pack.ManifestFileName), []byte(manifest), 0o644))
	p, err := pack.Load(dir)
	require.NoError(t, err)
	return p
}

func TestBuild(t *testing.T) {
	p := loadPackage(t, `
topics:
  - topic: invoice.render
    entry: Render Invoice
    onFailure: ERROR
  - topic: invoice.archive
    entry: Archive Invoice
    secretProfile: billing
`)

	reg, err := Build([]*pack.Package{p}, pack.PolicyFail)
	require.NoError(t, err)

	render, ok := reg.Lookup("invoice.render")
	require.True(t, ok)
	assert.Equal(t, pack.PolicyError, render.Spec.OnFailure)
	assert.Same(t, p, render.Package)

	// Unset policy takes the worker default
	archive, ok := reg.Lookup("invoice.archive")
	require.True(t, ok)
	assert.Equal(t, pack.PolicyFail, archive.Spec.OnFailure)

	_, ok = reg.Lookup("unknown")
	assert.False(t, ok)

	assert.Equal(t, []string{"invoice.render", "invoice.archive"}, reg.Topics())
	assert.Equal(t, []string{"billing"}, reg.SecretProfiles())
}

func TestBuild_DuplicateAcrossPackages(t *testing.T) {
	a := loadPackage(t, "topics:\n  - topic: shared\n    entry: A")
	b := loadPackage(t, "topics:\n  - topic: shared\n    entry: B")

	_, err := Build([]*pack.Package{a, b}, pack.PolicyFail)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shared")
}

func TestBuild_Empty(t *testing.T) {
	_, err := Build(nil, pack.PolicyFail)
	assert.Error(t, err)
}

func TestTopicRequests(t *testing.T) {
	p := loadPackage(t, `
topics:
  - topic: local.only
    entry: A
    variables: [name, count]
  - topic: all.scope
    entry: B
    processVariables: true
`)

	reg, err := Build([]*pack.Package{p}, pack.PolicyFail)
	require.NoError(t, err)

	reqs := reg.TopicRequests(30000)
	require.Len(t, reqs, 2)

	assert.Equal(t, "local.only", reqs[0].TopicName)
	assert.Equal(t, 30000, reqs[0].LockDuration)
	assert.True(t, reqs[0].LocalVariables)
	assert.Equal(t, []string{"name", "count"}, reqs[0].Variables)

	assert.False(t, reqs[1].LocalVariables)
	assert.Nil(t, reqs[1].Variables)
}

package pack

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `
name: billing-tasks
topics:
  - topic: invoice.render
    entry: Render Invoice
    onFailure: ERROR
    processVariables: true
    pythonPath: [lib]
    secretProfile: billing
  - topic: invoice.archive
    entry: Archive Invoice
`

func writePackage(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(sampleManifest))
	require.NoError(t, err)

	assert.Equal(t, "billing-tasks", m.Name)
	require.Len(t, m.Topics, 2)

	first := m.Topics[0]
	assert.Equal(t, "invoice.render", first.Topic)
	assert.Equal(t, "Render Invoice", first.Entry)
	assert.Equal(t, PolicyError, first.OnFailure)
	assert.True(t, first.ProcessVariables)
	assert.Equal(t, []string{"lib"}, first.PythonPath)
	assert.Equal(t, "billing", first.SecretProfile)

	// Unset policy defers to the worker default
	assert.Equal(t, PolicyUnset, m.Topics[1].OnFailure)
}

func TestParseManifest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", "topics: ["},
		{"no topics", "name: empty"},
		{"missing topic name", "topics:\n  - entry: X"},
		{"missing entry", "topics:\n  - topic: t"},
		{"bad policy", "topics:\n  - topic: t\n    entry: X\n    onFailure: RETRY"},
		{"duplicate topic", "topics:\n  - topic: t\n    entry: X\n  - topic: t\n    entry: Y"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad_Directory(t *testing.T) {
	dir := writePackage(t, map[string]string{
		ManifestFileName: sampleManifest,
		"tasks/suite.robot": "content",
	})

	p, err := Load(dir)
	require.NoError(t, err)

	assert.Len(t, p.Manifest.Topics, 2)
	assert.Len(t, p.Fingerprint, 64)

	// Fingerprint is stable across loads
	again, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, p.Fingerprint, again.Fingerprint)

	// and sensitive to content
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks", "suite.robot"), []byte("changed"), 0o644))
	changed, err := Load(dir)
	require.NoError(t, err)
	assert.NotEqual(t, p.Fingerprint, changed.Fingerprint)
}

func TestLoad_MissingManifest(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}

func TestLoad_MissingRef(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestMaterialize_Directory(t *testing.T) {
	dir := writePackage(t, map[string]string{
		ManifestFileName: sampleManifest,
	})

	p, err := Load(dir)
	require.NoError(t, err)

	ws, err := p.Materialize()
	require.NoError(t, err)

	// Directory packages are used in place; scratch is separate and owned
	assert.Equal(t, dir, ws.Root)
	assert.NotEqual(t, ws.Root, ws.Scratch)
	assert.DirExists(t, ws.Scratch)

	require.NoError(t, ws.Release())
	assert.NoDirExists(t, ws.Scratch)
	assert.DirExists(t, dir)
}

func TestArchiveRoundTrip(t *testing.T) {
	dir := writePackage(t, map[string]string{
		ManifestFileName:      sampleManifest,
		"tasks/suite.robot":   "suite",
		"lib/helper.py":       "helper",
		".git/HEAD":           "ref: refs/heads/main",
		"__pycache__/x.pyc":   "bytecode",
		"build/out.bin":       "artifact",
		IgnoreFileName:        "*.secret\n# comment\n",
		"deploy.secret":       "do not ship",
	})

	var buf bytes.Buffer
	require.NoError(t, Archive(dir, &buf))

	archivePath := filepath.Join(t.TempDir(), "pkg.zip")
	require.NoError(t, os.WriteFile(archivePath, buf.Bytes(), 0o644))

	p, err := Load(archivePath)
	require.NoError(t, err)
	assert.Len(t, p.Manifest.Topics, 2)
	assert.Len(t, p.Fingerprint, 64)

	ws, err := p.Materialize()
	require.NoError(t, err)
	defer ws.Release()

	// Package contents are extracted per lease
	assert.FileExists(t, filepath.Join(ws.Root, "tasks", "suite.robot"))
	assert.FileExists(t, filepath.Join(ws.Root, "lib", "helper.py"))

	// Ignored files never made it into the archive
	assert.NoFileExists(t, filepath.Join(ws.Root, ".git", "HEAD"))
	assert.NoFileExists(t, filepath.Join(ws.Root, "__pycache__", "x.pyc"))
	assert.NoFileExists(t, filepath.Join(ws.Root, "build", "out.bin"))
	assert.NoFileExists(t, filepath.Join(ws.Root, "deploy.secret"))
	assert.NoFileExists(t, filepath.Join(ws.Root, IgnoreFileName))
}

func TestMaterialize_Isolated(t *testing.T) {
	dir := writePackage(t, map[string]string{
		ManifestFileName:    sampleManifest,
		"tasks/suite.robot": "suite",
	})

	var buf bytes.Buffer
	require.NoError(t, Archive(dir, &buf))
	archivePath := filepath.Join(t.TempDir(), "pkg.zip")
	require.NoError(t, os.WriteFile(archivePath, buf.Bytes(), 0o644))

	p, err := Load(archivePath)
	require.NoError(t, err)

	a, err := p.Materialize()
	require.NoError(t, err)
	defer a.Release()
	b, err := p.Materialize()
	require.NoError(t, err)
	defer b.Release()

	// Two leases never share a workspace
	assert.NotEqual(t, a.Root, b.Root)

	require.NoError(t, os.WriteFile(filepath.Join(a.Root, "scribble"), []byte("x"), 0o644))
	assert.NoFileExists(t, filepath.Join(b.Root, "scribble"))
}

func TestArchive_NoManifest(t *testing.T) {
	var buf bytes.Buffer
	err := Archive(t.TempDir(), &buf)
	assert.Error(t, err)
}

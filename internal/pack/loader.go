package pack

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Package is a resolved package reference: its manifest, its location, and a
// content fingerprint for diagnostic identity.
type Package struct {
	// Ref is the reference the package was loaded from
	Ref string
	// Manifest is the validated package manifest
	Manifest *Manifest
	// Fingerprint is a SHA-256 over the package contents in sorted path
	// order, hex-encoded
	Fingerprint string

	archive bool
	// root is the package directory for directory references
	root string
}

// Load resolves a package reference, either a directory containing the
// manifest or a zip archive with the manifest at its root. Any problem here
// is a startup configuration error; the worker must not serve topics from a
// package it could not validate.
func Load(ref string) (*Package, error) {
	info, err := os.Stat(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to stat package %s: %w", ref, err)
	}

	if info.IsDir() {
		return loadDir(ref)
	}
	return loadArchive(ref)
}

func loadDir(dir string) (*Package, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve package path %s: %w", dir, err)
	}

	data, err := os.ReadFile(filepath.Join(abs, ManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest in %s: %w", dir, err)
	}

	manifest, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", dir, err)
	}

	fingerprint, err := fingerprintDir(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint package %s: %w", dir, err)
	}

	return &Package{
		Ref:         dir,
		Manifest:    manifest,
		Fingerprint: fingerprint,
		root:        abs,
	}, nil
}

func loadArchive(path string) (*Package, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer r.Close()

	var manifest *Manifest
	h := sha256.New()

	files := make([]*zip.File, 0, len(r.File))
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	for _, f := range files {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to read archive entry %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read archive entry %s: %w", f.Name, err)
		}

		h.Write([]byte(f.Name))
		h.Write([]byte{0})
		h.Write(data)
		h.Write([]byte{0})

		if f.Name == ManifestFileName {
			manifest, err = ParseManifest(data)
			if err != nil {
				return nil, fmt.Errorf("archive %s: %w", path, err)
			}
		}
	}

	if manifest == nil {
		return nil, fmt.Errorf("archive %s: missing %s", path, ManifestFileName)
	}

	return &Package{
		Ref:         path,
		Manifest:    manifest,
		Fingerprint: hex.EncodeToString(h.Sum(nil)),
		archive:     true,
	}, nil
}

func fingerprintDir(root string) (string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, rel := range paths {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return "", err
		}
		h.Write([]byte(rel))
		h.Write([]byte{0})
		h.Write(data)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Workspace is the per-lease view of a materialized package. Scratch is
// always a fresh temporary directory owned by the lease; Root points at the
// package contents (inside Scratch for archives, the source directory for
// directory packages).
type Workspace struct {
	// Root is the package content root handed to the executor
	Root string
	// Scratch holds the lease's exchange files and, for archives, the
	// extracted package
	Scratch string
}

// Materialize prepares a workspace for one lease. Archive packages are
// extracted into the scratch directory so concurrent leases never share
// files; directory packages are used in place.
func (p *Package) Materialize() (*Workspace, error) {
	scratch, err := os.MkdirTemp("", "taskworker-"+uuid.NewString()[:8]+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	if !p.archive {
		return &Workspace{Root: p.root, Scratch: scratch}, nil
	}

	root := filepath.Join(scratch, "package")
	if err := extractArchive(p.Ref, root); err != nil {
		os.RemoveAll(scratch)
		return nil, fmt.Errorf("failed to extract package %s: %w", p.Ref, err)
	}

	return &Workspace{Root: root, Scratch: scratch}, nil
}

// Release removes everything the lease owns. Safe to call on all exit paths.
func (w *Workspace) Release() error {
	return os.RemoveAll(w.Scratch)
}

func extractArchive(path, dest string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		name := filepath.FromSlash(f.Name)
		target := filepath.Join(dest, name)

		// Reject entries escaping the destination
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %s escapes destination", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}

		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm()|0o200)
		if err != nil {
			rc.Close()
			return err
		}

		_, err = io.Copy(out, rc)
		rc.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

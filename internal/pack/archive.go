package pack

import (
	"archive/zip"
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// IgnoreFileName is the optional per-package ignore list, one glob per line,
// applied on top of DefaultIgnores when archiving.
const IgnoreFileName = ".packignore"

// DefaultIgnores are excluded from archives regardless of the package's own
// ignore list: VCS metadata, bytecode caches, build output.
var DefaultIgnores = []string{
	".git",
	".hg",
	".svn",
	"__pycache__",
	"*.pyc",
	".DS_Store",
	"build",
	"dist",
}

// ignoreList matches package-relative paths against glob patterns. A pattern
// without a slash matches any path segment; a pattern with a slash matches
// the whole relative path.
type ignoreList struct {
	patterns []string
}

func newIgnoreList(root string) (*ignoreList, error) {
	patterns := append([]string{}, DefaultIgnores...)

	f, err := os.Open(filepath.Join(root, IgnoreFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return &ignoreList{patterns: patterns}, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return &ignoreList{patterns: patterns}, nil
}

func (il *ignoreList) match(rel string) bool {
	rel = filepath.ToSlash(rel)
	segments := strings.Split(rel, "/")

	for _, pattern := range il.patterns {
		if strings.Contains(pattern, "/") {
			if ok, _ := path.Match(strings.Trim(pattern, "/"), rel); ok {
				return true
			}
			continue
		}
		for _, seg := range segments {
			if ok, _ := path.Match(pattern, seg); ok {
				return true
			}
		}
	}
	return false
}

// Archive writes dir as a zip archive to w, honoring the default ignore set
// plus the package's own ignore file. The ignore file itself is not
// archived. This is the format Load accepts for archive references.
func Archive(dir string, w io.Writer) error {
	root, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve package path %s: %w", dir, err)
	}

	if _, err := os.Stat(filepath.Join(root, ManifestFileName)); err != nil {
		return fmt.Errorf("package %s has no %s: %w", dir, ManifestFileName, err)
	}

	ignores, err := newIgnoreList(root)
	if err != nil {
		return fmt.Errorf("failed to read ignore list: %w", err)
	}

	zw := zip.NewWriter(w)

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if rel == IgnoreFileName {
			return nil
		}
		if ignores.match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate

		entry, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(entry, f)
		return err
	})
	if err != nil {
		zw.Close()
		return fmt.Errorf("failed to archive package %s: %w", dir, err)
	}

	return zw.Close()
}

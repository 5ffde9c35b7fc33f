// Package chroot confines every tool's local filesystem access to a named
// per-tool root. Paths are resolved under the root; `..` components, absolute
// paths and symlink escapes are rejected as validation errors before any I/O.
//
// The conventional roots are Docs (user-supplied inputs), Files (downloaded
// artifacts), SQLite (key/value registries) and Playwright (browser
// recordings).
package chroot

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/effective-security/toolbelt/envelope"
)

// Conventional root directory names, relative to the workspace base.
const (
	Docs       = "docs"
	Files      = "files"
	SQLite     = "sqlite3"
	Playwright = "playwright"
)

// Root is one confined directory tree.
type Root struct {
	base string
}

// New creates the root directory if needed and returns the confinement.
func New(base string) (*Root, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, envelope.Wrap(envelope.KindFile, err, "cannot resolve root %q", base)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, envelope.Wrap(envelope.KindFile, err, "cannot create root %q", base)
	}
	return &Root{base: abs}, nil
}

// Base returns the absolute root directory.
func (r *Root) Base() string { return r.base }

// Resolve maps a caller-supplied relative path to an absolute path inside the
// root. Escapes are rejected with a validation error.
func (r *Root) Resolve(rel string) (string, error) {
	if rel == "" {
		return "", envelope.Validation("path must not be empty")
	}
	if filepath.IsAbs(rel) {
		return "", envelope.Validation("path %q must be relative", rel).
			WithField("path", rel)
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == ".." {
			return "", envelope.Validation("path %q must not contain '..' components", rel).
				WithField("path", rel)
		}
	}

	joined := filepath.Join(r.base, rel)
	if !strings.HasPrefix(joined, r.base+string(filepath.Separator)) && joined != r.base {
		return "", envelope.Validation("path %q escapes the tool root", rel).
			WithField("path", rel)
	}

	// A symlink inside the tree must not point outside of it.
	if resolved, err := filepath.EvalSymlinks(joined); err == nil {
		realBase, berr := filepath.EvalSymlinks(r.base)
		if berr != nil {
			realBase = r.base
		}
		if !strings.HasPrefix(resolved, realBase+string(filepath.Separator)) && resolved != realBase {
			return "", envelope.Validation("path %q escapes the tool root through a symlink", rel).
				WithField("path", rel)
		}
	}
	return joined, nil
}

// WriteFile writes content under the root, creating parent directories.
func (r *Root) WriteFile(rel string, content []byte) (string, error) {
	abs, err := r.Resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", envelope.Wrap(envelope.KindFile, err, "cannot create directories for %q", rel)
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		return "", envelope.Wrap(envelope.KindFile, err, "cannot write %q", rel)
	}
	return abs, nil
}

// ReadFile reads a file under the root.
func (r *Root) ReadFile(rel string) ([]byte, error) {
	abs, err := r.Resolve(rel)
	if err != nil {
		return nil, err
	}
	bs, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, envelope.NotFound("file %q does not exist", rel).WithField("path", rel)
		}
		return nil, envelope.Wrap(envelope.KindFile, err, "cannot read %q", rel)
	}
	return bs, nil
}

// Package content stores submitted artifacts on local disk, addressed by the
// SHA-256 of their bytes.
package content

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/yangwenmai/fmucheck/internal/model"
)

// Extension is appended to the digest to form an artifact's file name.
const Extension = ".fmu"

// Store persists artifacts under root as <digest>.fmu. An artifact is
// written at most once; the digest guarantees identical bytes on resubmission.
type Store struct {
	root string
}

// New creates the root directory if needed.
func New(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the directory artifacts are stored in.
func (s *Store) Root() string {
	return s.root
}

// Put stores data and returns its digest. If an artifact already exists for
// the digest nothing is written. Write failures are returned as
// *model.SubmissionIOError.
func (s *Store) Put(ctx context.Context, data []byte) (model.Digest, error) {
	d := model.ComputeDigest(data)
	if err := ctx.Err(); err != nil {
		return d, err
	}
	if s.Exists(d) {
		return d, nil
	}
	return d, s.write(d, data)
}

// write publishes data for d unless a file is already there.
func (s *Store) write(d model.Digest, data []byte) error {
	final := s.PathFor(d)
	tmp, err := os.CreateTemp(s.root, "."+d.Short()+"-*.tmp")
	if err != nil {
		return &model.SubmissionIOError{Op: "create temp", Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &model.SubmissionIOError{Op: "write", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &model.SubmissionIOError{Op: "sync", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &model.SubmissionIOError{Op: "close", Err: err}
	}
	if err := os.Chmod(tmpName, 0o444); err != nil {
		return &model.SubmissionIOError{Op: "chmod", Err: err}
	}

	// Link never replaces an existing file: a concurrent Put of the same
	// bytes that published first keeps its file.
	if err := os.Link(tmpName, final); err != nil && !errors.Is(err, fs.ErrExist) {
		return &model.SubmissionIOError{Op: "publish", Err: err}
	}
	return nil
}

// Exists reports whether an artifact is stored for d.
func (s *Store) Exists(d model.Digest) bool {
	info, err := os.Stat(s.PathFor(d))
	return err == nil && info.Mode().IsRegular()
}

// PathFor returns the file path of the artifact for d, whether or not it exists.
func (s *Store) PathFor(d model.Digest) string {
	return filepath.Join(s.root, d.String()+Extension)
}

// Open opens the stored artifact read-only.
func (s *Store) Open(d model.Digest) (*os.File, error) {
	f, err := os.Open(s.PathFor(d))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("artifact %s: %w", d.Short(), model.ErrNotFound)
	}
	return f, err
}

// Size returns the stored artifact's size in bytes.
func (s *Store) Size(d model.Digest) (int64, error) {
	info, err := os.Stat(s.PathFor(d))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("artifact %s: %w", d.Short(), model.ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

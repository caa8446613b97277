package keystore

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"github.com/and161185/devsync/internal/errs"
)

// FileStore keeps blobs as single files below a directory, one file per
// label, mode 0600. Labels are path-escaped so separators in labels like
// "device/{uuid}/sign-key" stay inside the directory.
type FileStore struct {
	dir    string
	opened bool
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// FileProvider returns a Provider for a file store rooted at dir.
func FileProvider(dir string) Provider {
	return func() (KeyStore, error) { return NewFileStore(dir), nil }
}

func (s *FileStore) path(label string) string {
	return filepath.Join(s.dir, url.PathEscape(label))
}

// LoadStore creates the backing directory if needed.
func (s *FileStore) LoadStore() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrKeyStoreMissing, err)
	}
	s.opened = true
	return nil
}

// CloseStore marks the store closed.
func (s *FileStore) CloseStore() error {
	s.opened = false
	return nil
}

func (s *FileStore) ensureOpen() error {
	if !s.opened {
		return fmt.Errorf("%w: store not loaded", errs.ErrKeyStoreMissing)
	}
	return nil
}

// Contains reports whether a blob file exists for the label.
func (s *FileStore) Contains(label string) (bool, error) {
	if err := s.ensureOpen(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(label))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Load reads the blob for the label.
func (s *FileStore) Load(label string) ([]byte, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	blob, err := os.ReadFile(s.path(label))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: no blob for %q", errs.ErrKeyStoreMissing, label)
	}
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// Store writes the blob for the label with owner-only permissions.
func (s *FileStore) Store(label string, blob []byte) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return os.WriteFile(s.path(label), blob, 0o600)
}

// Remove deletes the blob for the label.
func (s *FileStore) Remove(label string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	err := os.Remove(s.path(label))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

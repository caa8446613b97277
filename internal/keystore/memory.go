package keystore

import (
	"fmt"

	"github.com/and161185/devsync/internal/errs"
)

// MemoryStore is an in-memory key store for tests and throwaway setups.
// Exported so other packages' tests can use it.
type MemoryStore struct {
	blobs  map[string][]byte
	opened bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// MemoryProvider returns a Provider yielding the given shared store, so a
// test can inspect what the controller persisted.
func MemoryProvider(s *MemoryStore) Provider {
	return func() (KeyStore, error) { return s, nil }
}

// LoadStore marks the store open.
func (s *MemoryStore) LoadStore() error {
	s.opened = true
	return nil
}

// CloseStore marks the store closed. Blobs are retained.
func (s *MemoryStore) CloseStore() error {
	s.opened = false
	return nil
}

func (s *MemoryStore) ensureOpen() error {
	if !s.opened {
		return fmt.Errorf("%w: store not loaded", errs.ErrKeyStoreMissing)
	}
	return nil
}

// Contains reports whether a blob exists under the label.
func (s *MemoryStore) Contains(label string) (bool, error) {
	if err := s.ensureOpen(); err != nil {
		return false, err
	}
	_, ok := s.blobs[label]
	return ok, nil
}

// Load returns a copy of the blob under the label.
func (s *MemoryStore) Load(label string) ([]byte, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	blob, ok := s.blobs[label]
	if !ok {
		return nil, fmt.Errorf("%w: no blob for %q", errs.ErrKeyStoreMissing, label)
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

// Store saves a copy of the blob under the label.
func (s *MemoryStore) Store(label string, blob []byte) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	s.blobs[label] = cp
	return nil
}

// Remove deletes the blob under the label.
func (s *MemoryStore) Remove(label string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	delete(s.blobs, label)
	return nil
}

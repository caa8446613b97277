package settings

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MemoryBackend is a map-backed settings backend for tests.
type MemoryBackend struct {
	values map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: make(map[string][]byte)}
}

// Get returns the raw value for a key.
func (b *MemoryBackend) Get(key string) ([]byte, bool) {
	v, ok := b.values[key]
	return v, ok
}

// Set writes the raw value for a key.
func (b *MemoryBackend) Set(key string, value []byte) {
	cp := make([]byte, len(value))
	copy(cp, value)
	b.values[key] = cp
}

// Remove deletes a single key.
func (b *MemoryBackend) Remove(key string) { delete(b.values, key) }

// Keys lists stored keys with the given prefix in stable order.
func (b *MemoryBackend) Keys(prefix string) []string {
	var keys []string
	for k := range b.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Flush is a no-op for the in-memory backend.
func (b *MemoryBackend) Flush() error { return nil }

// FileBackend persists settings as a JSON object in a single file. Values
// are base64-encoded by the JSON byte-slice encoding.
type FileBackend struct {
	path string
	MemoryBackend
}

// NewFileBackend loads (or initializes) a file-backed settings store.
func NewFileBackend(path string) (*FileBackend, error) {
	b := &FileBackend{path: path}
	b.values = make(map[string][]byte)
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return b, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &b.values); err != nil {
		return nil, err
	}
	return b, nil
}

// Flush writes the current state back to the file.
func (b *FileBackend) Flush() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(b.values, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, raw, 0o600)
}

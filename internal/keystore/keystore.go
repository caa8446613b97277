// Package keystore defines the capability surface for persisting private key
// blobs and a registry of named providers. The registry is instantiated at
// setup time and passed to the crypto controller by reference; there is no
// process-global provider state.
package keystore

import (
	"fmt"
	"sync"

	"github.com/and161185/devsync/internal/errs"
)

// KeyStore persists opaque secret blobs (PKCS#8 keys, packed secrets) under
// string labels. Implementations are single-writer: the owning controller is
// the only mutator.
type KeyStore interface {
	// LoadStore opens the underlying storage. Must be called before any
	// other operation and may be called repeatedly.
	LoadStore() error
	// CloseStore releases the underlying storage.
	CloseStore() error
	// Contains reports whether a blob exists under the label.
	Contains(label string) (bool, error)
	// Load returns the blob stored under the label, or ErrKeyStoreMissing.
	Load(label string) ([]byte, error)
	// Store writes a blob under the label, replacing any previous value.
	Store(label string, blob []byte) error
	// Remove deletes the blob under the label. Removing a missing label is
	// not an error.
	Remove(label string) error
}

// Provider creates a key store instance.
type Provider func() (KeyStore, error)

// Registry maps provider names to factories.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under a name, replacing any previous entry.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Create instantiates the named provider.
func (r *Registry) Create(name string) (KeyStore, error) {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no key store provider %q", errs.ErrKeyStoreMissing, name)
	}
	return p()
}

// Names lists the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

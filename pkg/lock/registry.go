package lock

import (
	"errors"
	"sync"

	"github.com/pixperk/davlock/pkg/store"
)

// the optional lock backend capability
type LockProvider interface {
	store.LockStore
}

var ErrRegistryFrozen = errors.New("lock: registry is frozen")

// process wide registry of the lock backend
// created at startup, frozen before the first request, read-only afterwards
type Registry struct {
	mu       sync.RWMutex
	provider LockProvider
	name     string
	frozen   bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// registers the lock backend, replacing a previous one
func (r *Registry) Register(name string, p LockProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	r.provider = p
	r.name = name
	return nil
}

// no registration is accepted after this
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) Provider() (LockProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.provider, r.provider != nil
}

func (r *Registry) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.name
}

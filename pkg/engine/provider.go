package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Adapter performs the remote create/read/update/delete calls for one
// resource kind. Implementations classify their failures with the engine
// error classes so the executor can decide what is retryable; an
// unclassified error is treated as permanent.
//
// Read returns ErrNotFound (possibly wrapped) when the remote object no
// longer exists.
type Adapter interface {
	Create(ctx context.Context, attrs Attrs) (id string, outputs Attrs, err error)
	Read(ctx context.Context, id string) (attrs Attrs, outputs Attrs, err error)
	Update(ctx context.Context, id string, attrs Attrs) (outputs Attrs, err error)
	Delete(ctx context.Context, id string) error
}

// HealthPoller is the optional capability of adapters whose kind exposes
// health checks (e.g. target groups).
type HealthPoller interface {
	PollHealth(ctx context.Context, id string) (HealthStatus, error)
}

// Registry maps resource kinds to their adapters. One adapter serves each
// kind; an undeclared kind is a configuration error.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Kind]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Kind]Adapter)}
}

// Register binds an adapter to a kind, replacing any previous binding.
func (r *Registry) Register(kind Kind, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[kind] = adapter
}

// Get returns the adapter for a kind.
func (r *Registry) Get(kind Kind) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[kind]
	if !ok {
		return nil, NewPermanentError(
			fmt.Sprintf("no adapter registered for kind %q", kind), nil).
			WithCode(ErrCodeValidation)
	}
	return adapter, nil
}

// Kinds lists the registered kinds in stable order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.adapters))
	for kind := range r.adapters {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Package entity holds the per-entity apply routines the sync engine uses to
// turn a client's queued changes into a new authoritative document.
package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hyperengineering/reliefsync/internal/types"
)

var (
	ErrUnsupportedEntity = errors.New("unsupported entity type")
	ErrUnsupportedAction = errors.New("action not supported for entity type")
	ErrInvalidChanges    = errors.New("invalid changes")
)

// Applier builds new document states for one entity type. Appliers are pure:
// they never touch storage, and they never see the sync clock fields.
type Applier interface {
	// Type returns the entity type this applier handles.
	Type() types.EntityType

	// Create returns the initial document for a create action.
	Create(entry *types.SyncLogEntry, now time.Time) (json.RawMessage, error)

	// Update returns the document after applying entry.Changes to current.
	Update(current json.RawMessage, entry *types.SyncLogEntry, now time.Time) (json.RawMessage, error)
}

// Registry maps entity types to their appliers.
type Registry struct {
	mu       sync.RWMutex
	appliers map[types.EntityType]Applier
}

// NewRegistry returns a registry holding the given appliers.
func NewRegistry(appliers ...Applier) *Registry {
	r := &Registry{appliers: make(map[types.EntityType]Applier)}
	for _, a := range appliers {
		r.Register(a)
	}
	return r
}

// DefaultRegistry returns a registry with the relief center, notification
// and user appliers.
func DefaultRegistry() *Registry {
	return NewRegistry(ReliefCenter{}, Notification{}, User{})
}

// Register adds an applier. Panics if the type is already registered.
func (r *Registry) Register(a Applier) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := a.Type()
	if _, exists := r.appliers[t]; exists {
		panic("applier already registered: " + string(t))
	}
	r.appliers[t] = a
}

// Get returns the applier for t, or ErrUnsupportedEntity.
func (r *Registry) Get(t types.EntityType) (Applier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.appliers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEntity, t)
	}
	return a, nil
}

// Types returns the registered entity types, sorted.
func (r *Registry) Types() []types.EntityType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.EntityType, 0, len(r.appliers))
	for t := range r.appliers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

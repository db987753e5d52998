// Package mutator maps each entity type to the adapter that validates and
// applies proposal payloads to its entity service.
package mutator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"crmflow/internal/domain"
)

var ErrUnknownEntityType = errors.New("unknown entity type")

// Mutator validates and applies proposals of one entity type.
type Mutator interface {
	EntityType() domain.EntityType
	// Validate returns field-level problems; an empty result means the
	// proposal may be executed.
	Validate(op domain.Operation, entityID *string, payload domain.Payload) []domain.FieldError
	Create(ctx context.Context, tenantID string, payload domain.Payload) (string, error)
	Update(ctx context.Context, tenantID, id string, payload domain.Payload) error
	Delete(ctx context.Context, tenantID, id string) error
}

type Registry struct {
	mu       sync.RWMutex
	mutators map[domain.EntityType]Mutator
}

func NewRegistry(mutators ...Mutator) (*Registry, error) {
	r := &Registry{mutators: map[domain.EntityType]Mutator{}}
	for _, m := range mutators {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds m. Registering the same entity type twice is an error.
func (r *Registry) Register(m Mutator) error {
	if m == nil || m.EntityType() == "" {
		return errors.New("mutator must declare an entity type")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.mutators[m.EntityType()]; ok {
		return fmt.Errorf("mutator for %q already registered", m.EntityType())
	}
	r.mutators[m.EntityType()] = m
	return nil
}

// Lookup returns the mutator for t or ErrUnknownEntityType.
func (r *Registry) Lookup(t domain.EntityType) (Mutator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mutators[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, t)
	}
	return m, nil
}

// Types returns the registered entity types in name order.
func (r *Registry) Types() []domain.EntityType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.EntityType, 0, len(r.mutators))
	for t := range r.mutators {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Apply runs op through m. For creates it returns the new entity ID.
func Apply(ctx context.Context, m Mutator, tenantID string, op domain.Operation, entityID *string, payload domain.Payload) (*string, error) {
	switch op {
	case domain.OperationCreate:
		id, err := m.Create(ctx, tenantID, payload)
		if err != nil {
			return nil, err
		}
		return &id, nil
	case domain.OperationUpdate:
		if entityID == nil {
			return nil, errors.New("entity_id required for update")
		}
		if err := m.Update(ctx, tenantID, *entityID, payload); err != nil {
			return nil, err
		}
		return entityID, nil
	case domain.OperationDelete:
		if entityID == nil {
			return nil, errors.New("entity_id required for delete")
		}
		if err := m.Delete(ctx, tenantID, *entityID); err != nil {
			return nil, err
		}
		return entityID, nil
	default:
		return nil, fmt.Errorf("unsupported operation %q", op)
	}
}

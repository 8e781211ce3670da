package alias

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
)

// ErrAliasCollision is returned when an alias is already owned by another entity in the same scope.
var ErrAliasCollision = errors.New("alias already belongs to another entity")

// Writer is the write side of the reference tables, used by the reference loaders.
type Writer interface {
	// UpsertEntity finds the entity by type, name and parent or creates it, filling in ID.
	UpsertEntity(ctx context.Context, entity *models.ReferenceEntity) error
	// AddAliases attaches aliases to entity. An alias owned by another entity of the same type and
	// scope fails with ErrAliasCollision.
	AddAliases(ctx context.Context, entity models.ReferenceEntity, aliases []string) error
	// UpsertCrossRef stores the one external id of an entity on a service.
	UpsertCrossRef(ctx context.Context, ref models.CrossServiceRef) error
	// ListByType returns every entity of entityType ordered by name.
	ListByType(ctx context.Context, entityType string) ([]models.ReferenceEntity, error)
}

// ReadWriteStore is a complete reference store.
type ReadWriteStore interface {
	Store
	Writer
}

// MemoryStore keeps reference data in process memory for tests and dry runs.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]models.ReferenceEntity
	aliases  []models.Alias
	refs     map[string]models.CrossServiceRef
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]models.ReferenceEntity),
		refs:     make(map[string]models.CrossServiceRef),
	}
}

func (m *MemoryStore) FindByAlias(_ context.Context, entityType, aliasNorm string, scope *Scope) ([]models.ReferenceEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.ReferenceEntity
	for _, a := range m.aliases {
		if a.EntityType != entityType || a.AliasNorm != aliasNorm {
			continue
		}
		e := m.entities[a.EntityID]
		if !inScope(e, scope) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryStore) FindByOriginalID(_ context.Context, entityType, serviceID, originalID string) (*models.ReferenceEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ref := range m.refs {
		if ref.EntityType == entityType && ref.ServiceID == serviceID && ref.OriginalID == originalID {
			e := m.entities[ref.EntityID]
			return &e, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) UpsertEntity(_ context.Context, entity *models.ReferenceEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entities {
		if e.EntityType == entity.EntityType && e.Name == entity.Name && sameParent(e.ParentID, entity.ParentID) {
			*entity = e
			return nil
		}
	}
	entity.ID = uuid.New().String()
	entity.CreatedAt = time.Now().UTC()
	m.entities[entity.ID] = *entity
	return nil
}

func (m *MemoryStore) AddAliases(_ context.Context, entity models.ReferenceEntity, aliases []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, text := range aliases {
		norm := Normalize(text)
		if norm == "" {
			continue
		}
		owned := false
		for _, a := range m.aliases {
			if a.EntityType != entity.EntityType || a.AliasNorm != norm || !sameParent(a.ScopeID, entity.ParentID) {
				continue
			}
			if a.EntityID != entity.ID {
				return fmt.Errorf("%w: %s %q is owned by %s", ErrAliasCollision, entity.EntityType, text, a.EntityID)
			}
			owned = true
		}
		if owned {
			continue
		}
		m.aliases = append(m.aliases, models.Alias{
			EntityID:   entity.ID,
			EntityType: entity.EntityType,
			ScopeID:    entity.ParentID,
			AliasText:  text,
			AliasNorm:  norm,
			CreatedAt:  time.Now().UTC(),
		})
	}
	return nil
}

func (m *MemoryStore) UpsertCrossRef(_ context.Context, ref models.CrossServiceRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref.UpdatedAt = time.Now().UTC()
	m.refs[ref.EntityID+"|"+ref.ServiceID] = ref
	return nil
}

func (m *MemoryStore) ListByType(_ context.Context, entityType string) ([]models.ReferenceEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.ReferenceEntity
	for _, e := range m.entities {
		if e.EntityType == entityType {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CrossRefs returns a copy of every stored cross-service reference.
func (m *MemoryStore) CrossRefs() []models.CrossServiceRef {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.CrossServiceRef, 0, len(m.refs))
	for _, r := range m.refs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].ServiceID < out[j].ServiceID
	})
	return out
}

func inScope(e models.ReferenceEntity, scope *Scope) bool {
	if scope == nil {
		return true
	}
	if scope.ParentID != "" && (e.ParentID == nil || *e.ParentID != scope.ParentID) {
		return false
	}
	if len(scope.CandidateIDs) > 0 {
		for _, id := range scope.CandidateIDs {
			if id == e.ID {
				return true
			}
		}
		return false
	}
	return true
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

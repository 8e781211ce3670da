// Package alias maps names and ids used by external services onto canonical reference entities.
package alias

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrEntityTypeHasNoAliasing is returned for types that are not registered for alias lookup.
	ErrEntityTypeHasNoAliasing = errors.New("entity type has no aliasing")
	// ErrNoMatch is returned when no alias (or cross-service reference) matches.
	ErrNoMatch = errors.New("no matching entity")
	// ErrAmbiguousAlias is returned when one alias resolves to more than one canonical entity.
	ErrAmbiguousAlias = errors.New("alias resolves to more than one entity")
)

// Scope narrows a lookup to a candidate subset, e.g. the cities of one state.
type Scope struct {
	ParentID     string
	CandidateIDs []string
}

func (s *Scope) key() string {
	if s == nil {
		return ""
	}
	ids := append([]string(nil), s.CandidateIDs...)
	sort.Strings(ids)
	return s.ParentID + "|" + strings.Join(ids, ",")
}

// Store is the read side of the alias and cross-service reference tables.
type Store interface {
	FindByAlias(ctx context.Context, entityType, aliasNorm string, scope *Scope) ([]models.ReferenceEntity, error)
	FindByOriginalID(ctx context.Context, entityType, serviceID, originalID string) (*models.ReferenceEntity, error)
}

// Resolver resolves raw names to canonical entities. Successful lookups are cached for the
// lifetime of the resolver, which is one batch.
type Resolver struct {
	store    Store
	aliasing map[string]bool
	logger   ectologger.Logger

	cache   map[string]*models.ReferenceEntity
	cacheMu sync.RWMutex
}

// NewResolver creates a resolver that accepts lookups for aliasingTypes only.
func NewResolver(store Store, aliasingTypes []string, logger ectologger.Logger) *Resolver {
	aliasing := make(map[string]bool, len(aliasingTypes))
	for _, t := range aliasingTypes {
		aliasing[t] = true
	}
	return &Resolver{
		store:    store,
		aliasing: aliasing,
		logger:   logger,
		cache:    make(map[string]*models.ReferenceEntity),
	}
}

// Normalize is the case-insensitive form aliases are stored and matched under.
func Normalize(raw string) string {
	return strings.ToLower(strings.Join(strings.Fields(raw), " "))
}

// SupportsAliasing reports whether entityType accepts alias lookups.
func (r *Resolver) SupportsAliasing(entityType string) bool {
	return r.aliasing[entityType]
}

// Resolve finds the canonical entity of entityType whose alias matches rawName exactly,
// ignoring case and surrounding whitespace.
func (r *Resolver) Resolve(ctx context.Context, entityType, rawName string, scope *Scope) (*models.ReferenceEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "alias.Resolver.Resolve")
	defer span.End()

	if !r.aliasing[entityType] {
		return nil, fmt.Errorf("%w: %s", ErrEntityTypeHasNoAliasing, entityType)
	}

	norm := Normalize(rawName)
	if norm == "" {
		return nil, fmt.Errorf("%w: empty %s name", ErrNoMatch, entityType)
	}

	cacheKey := "alias|" + entityType + "|" + norm + "|" + scope.key()
	if entity, ok := r.cached(cacheKey); ok {
		return entity, nil
	}

	entities, err := r.store.FindByAlias(ctx, entityType, norm, scope)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": entityType, "alias": norm}).Error("Failed to look up alias")
		return nil, err
	}

	distinct := dedupe(entities)
	switch len(distinct) {
	case 0:
		return nil, fmt.Errorf("%w: %s %q", ErrNoMatch, entityType, rawName)
	case 1:
		r.remember(cacheKey, &distinct[0])
		return &distinct[0], nil
	default:
		ids := make([]string, len(distinct))
		for i, e := range distinct {
			ids[i] = e.ID
		}
		r.logger.WithContext(ctx).WithFields(map[string]any{"entity_type": entityType, "alias": norm, "entity_ids": ids}).Error("Alias maps to more than one canonical entity")
		return nil, fmt.Errorf("%w: %s %q -> %s", ErrAmbiguousAlias, entityType, rawName, strings.Join(ids, ","))
	}
}

// ResolveOriginalID maps an external service's id for entityType to the canonical entity.
func (r *Resolver) ResolveOriginalID(ctx context.Context, entityType, serviceID, originalID string) (*models.ReferenceEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "alias.Resolver.ResolveOriginalID")
	defer span.End()

	cacheKey := "ref|" + entityType + "|" + serviceID + "|" + originalID
	if entity, ok := r.cached(cacheKey); ok {
		return entity, nil
	}

	entity, err := r.store.FindByOriginalID(ctx, entityType, serviceID, originalID)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, fmt.Errorf("%w: %s id %q on %s", ErrNoMatch, entityType, originalID, serviceID)
	}

	r.remember(cacheKey, entity)
	return entity, nil
}

func (r *Resolver) cached(key string) (*models.ReferenceEntity, bool) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	entity, ok := r.cache[key]
	return entity, ok
}

func (r *Resolver) remember(key string, entity *models.ReferenceEntity) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.cache[key] = entity
}

func dedupe(entities []models.ReferenceEntity) []models.ReferenceEntity {
	seen := make(map[string]struct{}, len(entities))
	out := make([]models.ReferenceEntity, 0, len(entities))
	for _, e := range entities {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	return out
}

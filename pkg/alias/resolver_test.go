package alias

import (
	"context"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

type aliasRow struct {
	entity models.ReferenceEntity
	norm   string
}

type fakeStore struct {
	aliases []aliasRow
	refs    map[string]models.ReferenceEntity
	calls   int
}

func (f *fakeStore) FindByAlias(_ context.Context, entityType, aliasNorm string, scope *Scope) ([]models.ReferenceEntity, error) {
	f.calls++
	var out []models.ReferenceEntity
	for _, row := range f.aliases {
		if row.entity.EntityType != entityType || row.norm != aliasNorm {
			continue
		}
		if scope != nil && scope.ParentID != "" && (row.entity.ParentID == nil || *row.entity.ParentID != scope.ParentID) {
			continue
		}
		if scope != nil && len(scope.CandidateIDs) > 0 && !contains(scope.CandidateIDs, row.entity.ID) {
			continue
		}
		out = append(out, row.entity)
	}
	return out, nil
}

func (f *fakeStore) FindByOriginalID(_ context.Context, entityType, serviceID, originalID string) (*models.ReferenceEntity, error) {
	f.calls++
	e, ok := f.refs[entityType+"|"+serviceID+"|"+originalID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func strPtr(s string) *string { return &s }

func newTestResolver(store Store) *Resolver {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewResolver(store, []string{"city", "state"}, logger)
}

func seededStore() *fakeStore {
	kyivOblast := models.ReferenceEntity{ID: "state-1", EntityType: "state", Name: "Kyiv Oblast"}
	lviv := models.ReferenceEntity{ID: "state-2", EntityType: "state", Name: "Lviv Oblast"}
	kyiv := models.ReferenceEntity{ID: "city-1", EntityType: "city", Name: "Kyiv", ParentID: strPtr("state-1")}
	brovary := models.ReferenceEntity{ID: "city-2", EntityType: "city", Name: "Brovary", ParentID: strPtr("state-1")}
	novosilky1 := models.ReferenceEntity{ID: "city-3", EntityType: "city", Name: "Novosilky", ParentID: strPtr("state-1")}
	novosilky2 := models.ReferenceEntity{ID: "city-4", EntityType: "city", Name: "Novosilky", ParentID: strPtr("state-2")}

	return &fakeStore{
		aliases: []aliasRow{
			{entity: kyivOblast, norm: "kyiv oblast"},
			{entity: lviv, norm: "lviv oblast"},
			{entity: kyiv, norm: "kyiv"},
			{entity: kyiv, norm: "kiev"},
			{entity: brovary, norm: "brovary"},
			{entity: novosilky1, norm: "novosilky"},
			{entity: novosilky2, norm: "novosilky"},
		},
		refs: map[string]models.ReferenceEntity{
			"city|dom-ria|10": kyiv,
		},
	}
}

func TestResolve_CaseInsensitive(t *testing.T) {
	r := newTestResolver(seededStore())

	tests := []struct {
		name string
		raw  string
	}{
		{name: "canonical spelling", raw: "Kyiv"},
		{name: "lower case", raw: "kyiv"},
		{name: "upper case with padding", raw: "  KYIV "},
		{name: "alternative alias", raw: "Kiev"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entity, err := r.Resolve(context.Background(), "city", tt.raw, nil)
			require.NoError(t, err)
			assert.Equal(t, "city-1", entity.ID)
		})
	}
}

func TestResolve_NoMatch(t *testing.T) {
	r := newTestResolver(seededStore())

	_, err := r.Resolve(context.Background(), "city", "Odesa", nil)
	assert.True(t, errors.Is(err, ErrNoMatch))

	_, err = r.Resolve(context.Background(), "city", "   ", nil)
	assert.True(t, errors.Is(err, ErrNoMatch))
}

func TestResolve_TypeWithoutAliasing(t *testing.T) {
	r := newTestResolver(seededStore())

	_, err := r.Resolve(context.Background(), "listing_type", "flat", nil)
	assert.True(t, errors.Is(err, ErrEntityTypeHasNoAliasing))
	assert.False(t, r.SupportsAliasing("listing_type"))
	assert.True(t, r.SupportsAliasing("city"))
}

func TestResolve_Scope(t *testing.T) {
	r := newTestResolver(seededStore())

	t.Run("unscoped duplicate name is ambiguous", func(t *testing.T) {
		_, err := r.Resolve(context.Background(), "city", "Novosilky", nil)
		assert.True(t, errors.Is(err, ErrAmbiguousAlias))
	})

	t.Run("parent scope disambiguates", func(t *testing.T) {
		entity, err := r.Resolve(context.Background(), "city", "Novosilky", &Scope{ParentID: "state-2"})
		require.NoError(t, err)
		assert.Equal(t, "city-4", entity.ID)
	})

	t.Run("candidate ids restrict the match", func(t *testing.T) {
		_, err := r.Resolve(context.Background(), "city", "Kyiv", &Scope{CandidateIDs: []string{"city-2"}})
		assert.True(t, errors.Is(err, ErrNoMatch))
	})
}

func TestResolve_CachesHits(t *testing.T) {
	store := seededStore()
	r := newTestResolver(store)

	first, err := r.Resolve(context.Background(), "city", "Kyiv", nil)
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), "city", "KYIV", nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, store.calls)
}

func TestResolveOriginalID(t *testing.T) {
	r := newTestResolver(seededStore())

	entity, err := r.ResolveOriginalID(context.Background(), "city", "dom-ria", "10")
	require.NoError(t, err)
	assert.Equal(t, "city-1", entity.ID)

	_, err = r.ResolveOriginalID(context.Background(), "city", "dom-ria", "11")
	assert.True(t, errors.Is(err, ErrNoMatch))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "bila tserkva", Normalize("  Bila   TSERKVA\t"))
	assert.Equal(t, "", Normalize(" \n "))
}

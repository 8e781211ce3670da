package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/alias"
	"github.com/Ramsey-B/fern/pkg/fetcher"
	"github.com/Ramsey-B/fern/pkg/mapping"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/quota"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/versioning"
)

// fakeService serves canned responses for one service and counts calls.
type fakeService struct {
	mu         sync.Mutex
	id         string
	reference  map[string][]models.RawRecord
	ids        []string
	listings   map[string]models.RawRecord
	listingErr map[string]error
	searchErr  error
	searches   int
	fetches    int
	opened     int
	closed     int
}

func (f *fakeService) ServiceID() string { return f.id }

func (f *fakeService) Open(context.Context) (fetcher.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	return &fakeSession{f: f}, nil
}

type fakeSession struct{ f *fakeService }

func (s *fakeSession) FetchReference(_ context.Context, entityType string) ([]models.RawRecord, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	records, ok := s.f.reference[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", fetcher.ErrNotProvided, entityType)
	}
	return records, nil
}

func (s *fakeSession) SearchListings(context.Context, mapping.FilterSet) ([]string, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.searches++
	return s.f.ids, s.f.searchErr
}

func (s *fakeSession) FetchListing(_ context.Context, id string) (models.RawRecord, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.fetches++
	if err := s.f.listingErr[id]; err != nil {
		return nil, err
	}
	raw, ok := s.f.listings[id]
	if !ok {
		return nil, &fetcher.TransientServiceError{ServiceID: s.f.id, URL: "/dom/info/" + id, StatusCode: 404}
	}
	out := make(models.RawRecord, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	return out, nil
}

func (s *fakeSession) Close() error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.closed++
	return nil
}

type lockerFunc func(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error

func (l lockerFunc) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	return l(ctx, key, ttl, fn)
}

type harness struct {
	md       *mapping.Metadata
	refs     *alias.MemoryStore
	versions *versioning.MemoryStore
	service  *fakeService
	orch     *Orchestrator
}

func newHarness(t *testing.T, locker BatchLocker) *harness {
	t.Helper()

	md, err := mapping.Load("testdata/metadata.yaml")
	require.NoError(t, err)

	h := &harness{
		md:       md,
		refs:     alias.NewMemoryStore(),
		versions: versioning.NewMemoryStore(),
		service: &fakeService{
			id: "dom-ria",
			reference: map[string][]models.RawRecord{
				"state": {
					{"stateID": float64(10), "name": "Київська"},
					{"stateID": float64(5), "name": "Львівська"},
					{"stateID": float64(99), "name": "Atlantis"},
				},
				"city": {
					{"cityID": float64(10), "name": "Київ", "stateID": float64(10)},
					{"cityID": float64(15), "name": "Ірпінь", "stateID": float64(10)},
					{"cityID": float64(5), "name": "Львів", "stateID": float64(5)},
					{"cityID": float64(77), "name": "Київ", "stateID": float64(5)},
				},
			},
			listings:   map[string]models.RawRecord{},
			listingErr: map[string]error{},
		},
	}

	resolver := alias.NewResolver(h.refs, md.AliasingTypes(), testLogger())
	fetchers := map[string]fetcher.Fetcher{"dom-ria": h.service}

	reg, err := RegistryFromMetadata(md,
		NewSeedLoader(h.refs, md.Seeds, testLogger()),
		NewCrossRefLoader(md, fetchers, resolver, h.refs, testLogger()),
	)
	require.NoError(t, err)

	engine, err := versioning.NewEngine(h.versions, versioning.DefaultKinds(), testLogger())
	require.NoError(t, err)

	h.orch, err = NewOrchestrator(Config{
		Registry: reg,
		Metadata: md,
		Fetchers: fetchers,
		Mapper:   mapping.NewMapper(resolver, testLogger()),
		Engine:   engine,
		Locker:   locker,
		Workers:  2,
	}, testLogger())
	require.NoError(t, err)
	return h
}

func (h *harness) loadReference(t *testing.T) StatusReport {
	t.Helper()
	report := h.orch.LoadReferenceBatch(context.Background(), h.md.EntityTypeNames())
	for name, st := range report {
		require.Equal(t, StatusSuccess, st.Status, "%s: %v", name, st.Detail)
	}
	return report
}

func (h *harness) filterSet(t *testing.T, name string) mapping.FilterSet {
	t.Helper()
	fs, ok := h.md.FilterSet(name)
	require.True(t, ok)
	return *fs
}

func kyivListing(id float64, price string) models.RawRecord {
	return models.RawRecord{
		"realty_id":           id,
		"beautiful_url":       fmt.Sprintf("realty-prodaja-kvartira-kiev-%.0f.html", id),
		"price":               price,
		"currency_type":       "$",
		"total_square_meters": float64(61.5),
		"floor":               float64(7),
		"floors_count":        "16",
		"rooms_count":         float64(2),
		"publishing_date":     "2026-02-14 10:31:00",
		"realty_type_name":    "Квартира",
		"advert_type_name":    "продаж",
		"category_name":       "житлова",
		"state_id":            float64(10),
		"city_name":           "київ",
	}
}

func TestReferenceBatch_SeedsAndCrossRefs(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	report := h.loadReference(t)

	steps, ok := report["state"].Detail.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, SeedSummary{Entities: 2, Aliases: 8}, steps["seed"])
	crossRefs := steps["cross_refs"].(map[string]*CrossRefSummary)
	assert.Equal(t, &CrossRefSummary{Fetched: 3, Matched: 2, Unmatched: 1}, crossRefs["dom-ria"])

	// Київ under Lviv Oblast has no seed, so only the three scoped matches are stored.
	cityRefs := report["city"].Detail.(map[string]any)["cross_refs"].(map[string]*CrossRefSummary)
	assert.Equal(t, &CrossRefSummary{Fetched: 4, Matched: 3, Unmatched: 1}, cityRefs["dom-ria"])

	states, err := h.refs.ListByType(ctx, "state")
	require.NoError(t, err)
	require.Len(t, states, 2)

	kyiv, err := alias.NewResolver(h.refs, h.md.AliasingTypes(), testLogger()).ResolveOriginalID(ctx, "city", "dom-ria", "10")
	require.NoError(t, err)
	assert.Equal(t, "Kyiv", kyiv.Name)
	assert.Len(t, h.refs.CrossRefs(), 5)
	assert.Equal(t, 2, h.service.opened)
	assert.Equal(t, 2, h.service.closed)
}

func TestReferenceBatch_Idempotent(t *testing.T) {
	h := newHarness(t, nil)

	h.loadReference(t)
	h.loadReference(t)

	states, err := h.refs.ListByType(context.Background(), "state")
	require.NoError(t, err)
	assert.Len(t, states, 2)
	assert.Len(t, h.refs.CrossRefs(), 5)
}

func TestSeedLoader_AliasCollision(t *testing.T) {
	store := alias.NewMemoryStore()
	loader := NewSeedLoader(store, map[string][]models.SeedEntity{
		"listing_type": {
			{Name: "flat", Aliases: []string{"apartment"}},
			{Name: "condo", Aliases: []string{"Apartment"}},
		},
	}, testLogger())

	payload, err := loader.Load(context.Background(), EntityType{Name: "listing_type"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, alias.ErrAliasCollision))
	assert.Equal(t, SeedSummary{Entities: 2, Aliases: 2}, payload)
}

func TestSeedLoader_MissingParent(t *testing.T) {
	store := alias.NewMemoryStore()
	loader := NewSeedLoader(store, map[string][]models.SeedEntity{
		"city": {{Name: "Odesa", Parent: "Odesa Oblast"}},
	}, testLogger())

	_, err := loader.Load(context.Background(), EntityType{Name: "city", Parent: "state"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "parent state \"Odesa Oblast\" not loaded")
}

func TestListingsBatch_InsertsSkipsAndVersions(t *testing.T) {
	h := newHarness(t, nil)
	h.loadReference(t)

	h.service.ids = []string{"1", "2", "3", "1", ""}
	h.service.listings["1"] = kyivListing(1, "52 000")
	h.service.listings["2"] = kyivListing(2, "free")
	fs := h.filterSet(t, "kyiv-flats-sale")

	report := h.orch.LoadListingsBatch(context.Background(), []mapping.FilterSet{fs})

	slice := report["kyiv-flats-sale"]["dom-ria"]
	require.NotNil(t, slice)
	assert.Equal(t, SliceCompleted, slice.Status)
	assert.Equal(t, 3, slice.Searched)
	assert.Equal(t, 3, slice.Fetched)
	assert.Equal(t, 1, slice.Inserted)
	assert.Equal(t, 2, slice.Skipped)
	assert.Equal(t, 0, slice.Errors)
	assert.Len(t, h.versions.Rows(versioning.KindListingDetail), 1)
	require.Len(t, h.versions.Rows(versioning.KindListing), 1)

	listing := h.versions.Rows(versioning.KindListing)[0]
	detail := h.versions.Rows(versioning.KindListingDetail)[0]
	assert.Equal(t, detail.ID, listing.Fields["detail_id"])
	assert.Equal(t, "dom-ria", listing.Fields["service_id"])
	assert.Equal(t, "1", listing.Fields["original_id"])

	// Same data again: nothing changes.
	report = h.orch.LoadListingsBatch(context.Background(), []mapping.FilterSet{fs})
	assert.Equal(t, 1, report["kyiv-flats-sale"]["dom-ria"].Unchanged)
	assert.Len(t, h.versions.Rows(versioning.KindListingDetail), 1)

	// A new price supersedes the detail and repoints the listing.
	h.service.listings["1"] = kyivListing(1, "49 500")
	report = h.orch.LoadListingsBatch(context.Background(), []mapping.FilterSet{fs})
	assert.Equal(t, 1, report["kyiv-flats-sale"]["dom-ria"].Changed)

	details := h.versions.Rows(versioning.KindListingDetail)
	require.Len(t, details, 2)
	var live *versioning.Record
	for i := range details {
		if details[i].Live() {
			live = &details[i]
		}
	}
	require.NotNil(t, live)
	assert.Equal(t, 49500.0, live.Fields["price"])

	var liveListings []versioning.Record
	for _, r := range h.versions.Rows(versioning.KindListing) {
		if r.Live() {
			liveListings = append(liveListings, r)
		}
	}
	require.Len(t, liveListings, 1)
	assert.Equal(t, live.ID, liveListings[0].Fields["detail_id"])
}

// racingStore supersedes the live detail once, between the detail and the listing transaction,
// the way a second worker storing the same URL would.
type racingStore struct {
	*versioning.MemoryStore
	mu     sync.Mutex
	calls  int
	engine *versioning.Engine
}

func (s *racingStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	s.calls++
	race := s.calls == 2
	s.mu.Unlock()

	if race {
		for _, r := range s.Rows(versioning.KindListingDetail) {
			if r.Live() {
				fields := r.Fields
				fields["price"] = 1.0
				_, _, _ = s.engine.Apply(ctx, versioning.KindListingDetail, fields)
			}
		}
	}
	return s.MemoryStore.RunInTx(ctx, fn)
}

func TestListingsBatch_DetailSupersededBeforeListing(t *testing.T) {
	h := newHarness(t, nil)
	h.loadReference(t)

	store := &racingStore{MemoryStore: h.versions}
	engine, err := versioning.NewEngine(store, versioning.DefaultKinds(), testLogger())
	require.NoError(t, err)
	store.engine = engine
	h.orch.cfg.Engine = engine

	h.service.ids = []string{"1"}
	h.service.listings["1"] = kyivListing(1, "52 000")
	fs := h.filterSet(t, "kyiv-flats-sale")

	report := h.orch.LoadListingsBatch(context.Background(), []mapping.FilterSet{fs})
	slice := report["kyiv-flats-sale"]["dom-ria"]
	require.NotNil(t, slice)
	assert.Equal(t, 0, slice.Errors)
	assert.Equal(t, 1, slice.Changed)

	var liveDetail *versioning.Record
	details := h.versions.Rows(versioning.KindListingDetail)
	require.Len(t, details, 3)
	for i := range details {
		if details[i].Live() {
			liveDetail = &details[i]
		}
	}
	require.NotNil(t, liveDetail)
	assert.Equal(t, 52000.0, liveDetail.Fields["price"])

	listings := h.versions.Rows(versioning.KindListing)
	require.Len(t, listings, 1)
	assert.True(t, listings[0].Live())
	assert.Equal(t, liveDetail.ID, listings[0].Fields["detail_id"])
}

func TestListingsBatch_QuotaExhaustedSkipsService(t *testing.T) {
	h := newHarness(t, nil)
	h.loadReference(t)
	opened, closed := h.service.opened, h.service.closed

	h.service.ids = []string{"1", "2", "3", "4"}
	for _, id := range h.service.ids {
		h.service.listingErr[id] = fmt.Errorf("dom-ria: %w", quota.ErrQuotaExhausted)
	}

	report := h.orch.LoadListingsBatch(context.Background(), []mapping.FilterSet{
		h.filterSet(t, "kyiv-flats-sale"),
		h.filterSet(t, "lviv-flats-sale"),
	})

	assert.Equal(t, SliceQuotaExhausted, report["kyiv-flats-sale"]["dom-ria"].Status)
	assert.Equal(t, SliceQuotaExhausted, report["lviv-flats-sale"]["dom-ria"].Status)
	assert.Equal(t, 1, h.service.searches)
	assert.Equal(t, opened+1, h.service.opened)
	assert.Equal(t, closed+1, h.service.closed)
	assert.Empty(t, h.versions.Rows(versioning.KindListing))
}

func TestListingsBatch_SearchFailureFailsSlice(t *testing.T) {
	h := newHarness(t, nil)
	h.loadReference(t)
	h.service.searchErr = &fetcher.TransientServiceError{ServiceID: "dom-ria", URL: "/dom/search", StatusCode: 503}

	report := h.orch.LoadListingsBatch(context.Background(), []mapping.FilterSet{
		h.filterSet(t, "kyiv-flats-sale"),
		h.filterSet(t, "lviv-flats-sale"),
	})

	for _, fs := range []string{"kyiv-flats-sale", "lviv-flats-sale"} {
		assert.Equal(t, SliceFailed, report[fs]["dom-ria"].Status)
		assert.Contains(t, report[fs]["dom-ria"].Error, "status 503")
	}
	assert.Equal(t, 2, h.service.searches)
}

func TestListingsBatch_LockedSlice(t *testing.T) {
	var keys []string
	locker := lockerFunc(func(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
		keys = append(keys, key)
		assert.Equal(t, DefaultLockTTL, ttl)
		if key == "dom-ria:kyiv-flats-sale" {
			return redis.ErrLockNotAcquired
		}
		return fn(ctx)
	})
	h := newHarness(t, locker)
	h.loadReference(t)

	report := h.orch.LoadListingsBatch(context.Background(), []mapping.FilterSet{
		h.filterSet(t, "kyiv-flats-sale"),
		h.filterSet(t, "lviv-flats-sale"),
	})

	assert.Equal(t, []string{"dom-ria:kyiv-flats-sale", "dom-ria:lviv-flats-sale"}, keys)
	assert.Equal(t, SliceLocked, report["kyiv-flats-sale"]["dom-ria"].Status)
	assert.Equal(t, SliceCompleted, report["lviv-flats-sale"]["dom-ria"].Status)
	assert.Equal(t, 1, h.service.searches)
}

func TestListingsBatch_NotConfigured(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	o, err := NewOrchestrator(Config{Registry: reg}, testLogger())
	require.NoError(t, err)

	report := o.LoadListingsBatch(context.Background(), []mapping.FilterSet{{Name: "kyiv", Services: []string{"dom-ria"}}})

	assert.Equal(t, SliceFailed, report["kyiv"]["dom-ria"].Status)
}

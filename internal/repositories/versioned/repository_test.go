//go:build integration

package versioned_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/repositories/versioned"
	"github.com/Ramsey-B/fern/internal/testutil"
	"github.com/Ramsey-B/fern/pkg/versioning"
)

func newEngine(t *testing.T) (*versioning.Engine, *versioned.Repository) {
	t.Helper()
	db := testutil.StartPostgres(t)
	repo := versioned.NewRepository(db, testutil.Logger())
	engine, err := versioning.NewEngine(repo, versioning.DefaultKinds(), testutil.Logger())
	require.NoError(t, err)
	return engine, repo
}

func detail(url string, price float64) map[string]any {
	return map[string]any{
		"source_url":   url,
		"price":        price,
		"currency":     "UAH",
		"area_total":   61.2,
		"floor":        4,
		"rooms":        2,
		"publish_date": "2024-03-01",
	}
}

func TestRepository_UpsertCascade(t *testing.T) {
	engine, repo := newEngine(t)
	ctx := context.Background()
	url := "https://dom.ria.com/uk/realty-1.html"

	d, changed, err := engine.Upsert(ctx, versioning.KindListingDetail, detail(url, 100))
	require.NoError(t, err)
	assert.False(t, changed)

	l, _, err := engine.Upsert(ctx, versioning.KindListing, map[string]any{
		"detail_id":   d.ID,
		"service_id":  "dom-ria",
		"original_id": "1",
	})
	require.NoError(t, err)

	_, changed, err = engine.Upsert(ctx, versioning.KindListingDetail, detail(url, 100))
	require.NoError(t, err)
	assert.False(t, changed, "same observation read back from postgres must not be a change")

	newDetail, changed, err := engine.Upsert(ctx, versioning.KindListingDetail, detail(url, 120))
	require.NoError(t, err)
	require.True(t, changed)

	history, err := repo.History(ctx, versioning.ListingDetailKind(), url)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Nil(t, history[0].Version)
	assert.Equal(t, newDetail.ID, history[0].ID)
	assert.NotNil(t, history[1].Version)

	listing, err := repo.FindLive(ctx, versioning.ListingKind(), newDetail.ID)
	require.NoError(t, err)
	require.NotNil(t, listing)
	assert.NotEqual(t, l.ID, listing.ID)
	assert.Equal(t, "dom-ria", listing.Fields["service_id"])

	old, err := repo.FindLive(ctx, versioning.ListingKind(), d.ID)
	require.NoError(t, err)
	assert.Nil(t, old)
}

func TestRepository_LockLive(t *testing.T) {
	engine, repo := newEngine(t)
	ctx := context.Background()
	url := "https://dom.ria.com/uk/realty-2.html"

	old, _, err := engine.Upsert(ctx, versioning.KindListingDetail, detail(url, 100))
	require.NoError(t, err)
	current, _, err := engine.Upsert(ctx, versioning.KindListingDetail, detail(url, 120))
	require.NoError(t, err)

	kind := versioning.ListingDetailKind()
	err = repo.RunInTx(ctx, func(ctx context.Context) error {
		live, err := repo.LockLive(ctx, kind, current.ID)
		require.NoError(t, err)
		assert.True(t, live)

		live, err = repo.LockLive(ctx, kind, old.ID)
		require.NoError(t, err)
		assert.False(t, live)
		return nil
	})
	require.NoError(t, err)

	_, _, err = engine.Upsert(ctx, versioning.KindListing, map[string]any{
		"detail_id":   old.ID,
		"service_id":  "dom-ria",
		"original_id": "2",
	})
	assert.ErrorIs(t, err, versioning.ErrStaleReference)
}

func TestRepository_ConcurrentFirstObservations(t *testing.T) {
	engine, repo := newEngine(t)
	ctx := context.Background()
	url := "https://dom.ria.com/uk/realty-2.html"

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := engine.Upsert(ctx, versioning.KindListingDetail, detail(url, 100))
			assert.NoError(t, err, fmt.Sprintf("worker %d", i))
		}(i)
	}
	wg.Wait()

	history, err := repo.History(ctx, versioning.ListingDetailKind(), url)
	require.NoError(t, err)
	liveRows := 0
	for _, h := range history {
		if h.Live() {
			liveRows++
		}
	}
	assert.Equal(t, 1, liveRows)
}

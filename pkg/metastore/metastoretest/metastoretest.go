// Package metastoretest is the contract suite which every api.MetadataStore
// backend must pass. Backends call Run from their own tests.
package metastoretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/adammck/extentstore/pkg/api"
	"github.com/adammck/extentstore/pkg/metastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a new, initialized, empty store. It should register any
// cleanup with t.Cleanup.
type Factory func(t *testing.T) api.MetadataStore

func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, context.Context, api.MetadataStore)
	}{
		{"UpdateCreates", testUpdateCreates},
		{"UpdateOverwrites", testUpdateOverwrites},
		{"DeleteIsIdempotent", testDeleteIsIdempotent},
		{"LocationNotFound", testLocationNotFound},
		{"ListEmpty", testListEmpty},
		{"ListPages", testListPages},
		{"ListFullFinalPage", testListFullFinalPage},
		{"ListByID", testListByID},
		{"ListProtectWindow", testListProtectWindow},
		{"ListSkipsDeleted", testListSkipsDeleted},
		{"Iterator", testIterator},
		{"ConcurrentUpdates", testConcurrentUpdates},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, context.Background(), factory(t))
		})
	}
}

func ext(id string, size int64, lastModified int64) *api.Extent {
	return &api.Extent{
		ID:               id,
		LocationID:       "loc-" + id,
		Path:             id,
		Size:             size,
		LastModifiedInMS: lastModified,
	}
}

func listAll(t *testing.T, ctx context.Context, md api.MetadataStore, opts api.ListOptions) []*api.Extent {
	t.Helper()
	var out []*api.Extent
	for {
		page, marker, err := md.ListExtents(ctx, opts)
		require.NoError(t, err)
		out = append(out, page...)
		if marker == "" {
			return out
		}
		opts.Marker = marker
	}
}

func ids(extents []*api.Extent) []string {
	out := make([]string, len(extents))
	for i, e := range extents {
		out[i] = e.ID
	}
	return out
}

func testUpdateCreates(t *testing.T, ctx context.Context, md api.MetadataStore) {
	require.NoError(t, md.UpdateExtent(ctx, ext("e1", 10, 1000)))

	loc, err := md.GetExtentLocationID(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "loc-e1", loc)

	page, marker, err := md.ListExtents(ctx, api.ListOptions{ID: "e1"})
	require.NoError(t, err)
	assert.Empty(t, marker)
	require.Len(t, page, 1)
	assert.Equal(t, *ext("e1", 10, 1000), *page[0])
}

func testUpdateOverwrites(t *testing.T, ctx context.Context, md api.MetadataStore) {
	require.NoError(t, md.UpdateExtent(ctx, ext("e1", 10, 1000)))
	require.NoError(t, md.UpdateExtent(ctx, ext("e1", 25, 2000)))

	page, _, err := md.ListExtents(ctx, api.ListOptions{ID: "e1"})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(25), page[0].Size)
	assert.Equal(t, int64(2000), page[0].LastModifiedInMS)
	assert.Equal(t, "loc-e1", page[0].LocationID)
}

func testDeleteIsIdempotent(t *testing.T, ctx context.Context, md api.MetadataStore) {
	require.NoError(t, md.UpdateExtent(ctx, ext("e1", 10, 1000)))
	require.NoError(t, md.DeleteExtent(ctx, "e1"))
	require.NoError(t, md.DeleteExtent(ctx, "e1"))
	require.NoError(t, md.DeleteExtent(ctx, "never-existed"))

	_, err := md.GetExtentLocationID(ctx, "e1")
	assert.True(t, errors.Is(err, &api.NotFound{}), "got: %v", err)
}

func testLocationNotFound(t *testing.T, ctx context.Context, md api.MetadataStore) {
	_, err := md.GetExtentLocationID(ctx, "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, &api.NotFound{}), "got: %v", err)
}

func testListEmpty(t *testing.T, ctx context.Context, md api.MetadataStore) {
	page, marker, err := md.ListExtents(ctx, api.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Empty(t, marker)
}

func testListPages(t *testing.T, ctx context.Context, md api.MetadataStore) {
	var want []string
	for i := 0; i < 7; i++ {
		id := fmt.Sprintf("e%02d", i)
		want = append(want, id)
		require.NoError(t, md.UpdateExtent(ctx, ext(id, int64(i), 1000)))
	}

	opts := api.ListOptions{MaxResults: 3}
	var got []string
	var sizes []int
	var prev api.Marker
	for {
		page, marker, err := md.ListExtents(ctx, opts)
		require.NoError(t, err)
		got = append(got, ids(page)...)
		sizes = append(sizes, len(page))
		if marker == "" {
			break
		}
		if prev != "" {
			assert.Greater(t, string(marker), string(prev), "markers must increase")
		}
		prev = marker
		opts.Marker = marker
	}

	assert.Equal(t, []int{3, 3, 1}, sizes)
	assert.ElementsMatch(t, want, got)
}

func testListFullFinalPage(t *testing.T, ctx context.Context, md api.MetadataStore) {
	for i := 0; i < 4; i++ {
		require.NoError(t, md.UpdateExtent(ctx, ext(fmt.Sprintf("e%d", i), 1, 1000)))
	}

	page, marker, err := md.ListExtents(ctx, api.ListOptions{MaxResults: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)
	require.NotEmpty(t, marker)

	page, marker, err = md.ListExtents(ctx, api.ListOptions{MaxResults: 2, Marker: marker})
	require.NoError(t, err)
	assert.Len(t, page, 2)
	require.NotEmpty(t, marker)

	page, marker, err = md.ListExtents(ctx, api.ListOptions{MaxResults: 2, Marker: marker})
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Empty(t, marker)
}

func testListByID(t *testing.T, ctx context.Context, md api.MetadataStore) {
	require.NoError(t, md.UpdateExtent(ctx, ext("a", 1, 1000)))
	require.NoError(t, md.UpdateExtent(ctx, ext("b", 2, 1000)))

	page, _, err := md.ListExtents(ctx, api.ListOptions{ID: "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(page))

	page, _, err = md.ListExtents(ctx, api.ListOptions{ID: "c"})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func testListProtectWindow(t *testing.T, ctx context.Context, md api.MetadataStore) {
	now := time.UnixMilli(100_000_000)
	window := 10 * time.Minute
	cutoff := now.Add(-window).UnixMilli()

	require.NoError(t, md.UpdateExtent(ctx, ext("old", 1, cutoff-60_000)))
	require.NoError(t, md.UpdateExtent(ctx, ext("just-outside", 1, cutoff-1)))
	require.NoError(t, md.UpdateExtent(ctx, ext("at-cutoff", 1, cutoff)))
	require.NoError(t, md.UpdateExtent(ctx, ext("just-inside", 1, cutoff+1)))
	require.NoError(t, md.UpdateExtent(ctx, ext("fresh", 1, now.UnixMilli())))

	got := listAll(t, ctx, md, api.ListOptions{QueryTime: now, ProtectWindow: window, MaxResults: 2})
	assert.ElementsMatch(t, []string{"old", "just-outside"}, ids(got))

	// without a query time, everything is listed.
	got = listAll(t, ctx, md, api.ListOptions{})
	assert.Len(t, got, 5)
}

func testListSkipsDeleted(t *testing.T, ctx context.Context, md api.MetadataStore) {
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, md.UpdateExtent(ctx, ext(id, 1, 1000)))
	}
	require.NoError(t, md.DeleteExtent(ctx, "b"))

	got := listAll(t, ctx, md, api.ListOptions{MaxResults: 1})
	assert.ElementsMatch(t, []string{"a", "c"}, ids(got))
}

func testIterator(t *testing.T, ctx context.Context, md api.MetadataStore) {
	var want []string
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("old%02d", i)
		want = append(want, id)
		require.NoError(t, md.UpdateExtent(ctx, ext(id, 1, 1000)))
	}

	// written moments ago, so inside the default protect window.
	require.NoError(t, md.UpdateExtent(ctx, ext("fresh", 1, time.Now().UnixMilli())))

	got, err := metastore.Collect(ctx, md.ExtentIterator())
	require.NoError(t, err)
	assert.Len(t, got, len(want))
	for _, id := range want {
		assert.Contains(t, got, id)
	}
	assert.NotContains(t, got, "fresh")

	// small pages, to exercise the marker.
	it := metastore.NewAllExtents(md, metastore.WithPageSize(5))
	batches := 0
	n := 0
	for it.Next(ctx) {
		batches++
		n += len(it.IDs())
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 12, n)
	assert.Equal(t, 3, batches)
	assert.False(t, it.Next(ctx), "iterator is not restartable")
}

func testConcurrentUpdates(t *testing.T, ctx context.Context, md api.MetadataStore) {
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("c%02d", i)
			for size := int64(1); size <= 5; size++ {
				assert.NoError(t, md.UpdateExtent(ctx, ext(id, size, 1000+size)))
			}
		}()
	}
	wg.Wait()

	got := listAll(t, ctx, md, api.ListOptions{MaxResults: 7})
	require.Len(t, got, 20)
	for _, e := range got {
		assert.Equal(t, int64(5), e.Size, e.ID)
	}
}

package mongo

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adammck/extentstore/pkg/api"
	"github.com/adammck/extentstore/pkg/metastore/metastoretest"
	sharedmongo "github.com/adammck/extentstore/pkg/shared/mongo"
	"github.com/adammck/extentstore/pkg/testdeps"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dbSeq atomic.Int64

// setup returns a store on a fresh database, so tests can share a server.
func setup(t *testing.T, env *testdeps.Env, opts ...Option) (context.Context, *Store) {
	ctx := context.Background()

	client := sharedmongo.NewClient(env.MongoURL()).
		WithDatabase(fmt.Sprintf("test_%d", dbSeq.Add(1)))

	store := New(client, opts...)
	require.NoError(t, store.Init(ctx))
	t.Cleanup(func() { store.Close(ctx) })

	return ctx, store
}

func TestMongo(t *testing.T) {
	env := testdeps.New(context.Background(), t, testdeps.WithMongo())

	t.Run("Contract", func(t *testing.T) {
		metastoretest.Run(t, func(t *testing.T) api.MetadataStore {
			_, store := setup(t, env)
			return store
		})
	})

	t.Run("InitTwice", func(t *testing.T) {
		ctx, store := setup(t, env)

		require.NoError(t, store.UpdateExtent(ctx, &api.Extent{ID: "a", LocationID: "l"}))
		require.NoError(t, store.Init(ctx))

		loc, err := store.GetExtentLocationID(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "l", loc)
	})

	t.Run("UpdateKeepsLocation", func(t *testing.T) {
		ctx, store := setup(t, env)

		require.NoError(t, store.UpdateExtent(ctx, &api.Extent{ID: "a", LocationID: "l1", Path: "a", Size: 1}))
		require.NoError(t, store.UpdateExtent(ctx, &api.Extent{ID: "a", LocationID: "l2", Path: "b", Size: 2}))

		page, _, err := store.ListExtents(ctx, api.ListOptions{ID: "a"})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, api.Extent{ID: "a", LocationID: "l1", Path: "a", Size: 2}, *page[0])
	})

	t.Run("IteratorUsesClock", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(time.UnixMilli(5_000_000))
		ctx, store := setup(t, env, WithClock(clock))

		require.NoError(t, store.UpdateExtent(ctx, &api.Extent{ID: "old", LastModifiedInMS: 1}))
		require.NoError(t, store.UpdateExtent(ctx, &api.Extent{ID: "new", LastModifiedInMS: 4_999_999}))

		it := store.ExtentIterator()
		require.True(t, it.Next(ctx))
		assert.Equal(t, []string{"old"}, it.IDs())
		require.NoError(t, it.Err())
	})
}

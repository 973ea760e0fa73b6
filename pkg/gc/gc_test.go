package gc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adammck/extentstore/pkg/api"
	"github.com/adammck/extentstore/pkg/impl/extentstore/memory"
	"github.com/adammck/extentstore/pkg/impl/metastore/local"
	"github.com/adammck/extentstore/pkg/metastore"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, clock clockwork.Clock) (context.Context, *memory.Store) {
	ctx := context.Background()

	md := local.New("", local.WithClock(clock))
	s := memory.New("blob", memory.NewChunkStore(1<<20), md, memory.WithClock(clock))
	require.NoError(t, s.Init(ctx))
	t.Cleanup(func() { s.Close(ctx) })

	return ctx, s
}

func appendN(t *testing.T, ctx context.Context, s api.ExtentStore, n int) []api.Chunk {
	var out []api.Chunk
	for i := 0; i < n; i++ {
		c, err := s.Append(ctx, strings.NewReader(fmt.Sprintf("payload %d", i)))
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

var modes = map[string][]Option{
	"collect":  nil,
	"filtered": {WithFilteredMark()},
}

func TestSweepOnce(t *testing.T) {
	for name, opts := range modes {
		opts := opts
		t.Run(name, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			ctx, store := setup(t, clock)

			old := appendN(t, ctx, store, 4)
			clock.Advance(metastore.DefaultProtectWindow + time.Second)
			fresh := appendN(t, ctx, store, 2)

			referred := metastore.NewStaticReferred(old[0].ID, old[2].ID, fresh[0].ID)
			sw := New(referred, store, append(opts, WithClock(clock))...)

			stats, err := sw.SweepOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, 4, stats.All, "fresh extents are protected")
			assert.Equal(t, 2, stats.Unreferenced)
			assert.Equal(t, 2, stats.Deleted)

			for i, c := range old {
				_, err := store.Read(ctx, c)
				if i == 0 || i == 2 {
					assert.NoError(t, err)
				} else {
					assert.ErrorIs(t, err, &api.NotFound{})
				}
			}

			// unreferenced, but too new to collect.
			rc, err := store.Read(ctx, fresh[1])
			require.NoError(t, err)
			rc.Close()

			// nothing left to do.
			stats, err = sw.SweepOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, stats.Deleted)
		})
	}
}

func TestFilteredMarkManyExtents(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, store := setup(t, clock)

	cs := appendN(t, ctx, store, 500)
	clock.Advance(time.Hour)

	referred := metastore.NewStaticReferred()
	for i, c := range cs {
		if i%7 == 0 {
			referred.Add(c.ID)
		}
	}

	sw := New(referred, store, WithClock(clock), WithFilteredMark(),
		WithAllExtents(func() api.ExtentIterator {
			return metastore.NewAllExtents(store.MetadataStore(), metastore.WithClock(clock), metastore.WithPageSize(64))
		}))

	stats, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 500, stats.All)
	assert.Equal(t, 500-72, stats.Deleted)

	all, _, err := store.MetadataStore().ListExtents(ctx, api.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 72)
}

func TestIDFilter(t *testing.T) {
	ids := []string{"a", "b", "c", "a"}
	f, err := newIDFilter(ids)
	require.NoError(t, err)

	for _, id := range ids {
		assert.True(t, f.Contains(id))
	}

	empty, err := newIDFilter(nil)
	require.NoError(t, err)
	assert.False(t, empty.Contains("a"))
}

func TestSweepNothingReferred(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, store := setup(t, clock)

	appendN(t, ctx, store, 3)
	clock.Advance(time.Hour)

	stats, err := New(metastore.NewStaticReferred(), store, WithClock(clock)).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Deleted)
}

type failingIterator struct{ err error }

func (f *failingIterator) Next(ctx context.Context) bool { return false }
func (f *failingIterator) IDs() []string                 { return nil }
func (f *failingIterator) Err() error                    { return f.err }

type failingReferred struct{ err error }

func (f *failingReferred) ReferredExtentIterator() api.ExtentIterator {
	return &failingIterator{err: f.err}
}

func TestReferredErrorDeletesNothing(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, store := setup(t, clock)

	cs := appendN(t, ctx, store, 2)
	clock.Advance(time.Hour)

	boom := errors.New("boom")
	_, err := New(&failingReferred{err: boom}, store, WithClock(clock)).SweepOnce(ctx)
	assert.ErrorIs(t, err, boom)

	for _, c := range cs {
		rc, err := store.Read(ctx, c)
		require.NoError(t, err)
		rc.Close()
	}
}

func TestLoop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, store := setup(t, clock)

	appendN(t, ctx, store, 2)
	clock.Advance(time.Hour)

	sw := New(metastore.NewStaticReferred(), store, WithClock(clock), WithInterval(time.Minute))
	require.NoError(t, sw.Start(ctx))
	defer sw.Close()

	assert.ErrorIs(t, sw.Start(ctx), ErrRunning)

	countExtents := func() int {
		all, _, err := store.MetadataStore().ListExtents(ctx, api.ListOptions{})
		require.NoError(t, err)
		return len(all)
	}

	// the first sweep runs immediately, then the loop sleeps.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, 0, countExtents())

	appendN(t, ctx, store, 1)
	clock.Advance(time.Hour)

	// the loop wakes, sweeps, and sleeps again.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.Eventually(t, func() bool { return countExtents() == 0 }, 5*time.Second, 10*time.Millisecond)

	assert.True(t, sw.Running())
	sw.Close()
	assert.False(t, sw.Running())
}

// brokenStore fails every Delete.
type brokenStore struct {
	api.ExtentStore
	err error
}

func (b *brokenStore) Delete(ctx context.Context, ids []string) (int, error) {
	return 0, b.err
}

func TestLoopStopsOnError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, store := setup(t, clock)

	appendN(t, ctx, store, 1)
	clock.Advance(time.Hour)

	var mu sync.Mutex
	var got []error

	boom := errors.New("boom")
	sw := New(metastore.NewStaticReferred(), &brokenStore{ExtentStore: store, err: boom},
		WithClock(clock),
		WithErrorHandler(func(err error) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, err)
		}))

	require.NoError(t, sw.Start(ctx))
	defer sw.Close()

	require.Eventually(t, func() bool { return !sw.Running() }, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0], boom)

	// can be started again after failing.
	require.NoError(t, sw.Start(ctx))
}

func TestCloseWithoutStart(t *testing.T) {
	_, store := setup(t, clockwork.NewFakeClock())
	sw := New(metastore.NewStaticReferred(), store)
	sw.Close()
	assert.False(t, sw.Running())
}

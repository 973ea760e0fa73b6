package integrationtest

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/adammck/extentstore/pkg/api"
	"github.com/adammck/extentstore/pkg/config"
	"github.com/adammck/extentstore/pkg/extentstore"
	"github.com/adammck/extentstore/pkg/metastore"
	"github.com/adammck/extentstore/pkg/testdeps"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (context.Context, *testdeps.Env, *extentstore.ExtentStore, *clockwork.FakeClock) {
	ctx := context.Background()
	env := testdeps.New(ctx, t, testdeps.WithMongo(), testdeps.WithMinio())
	clock := clockwork.NewFakeClock()

	return ctx, env, newStore(t, ctx, env, clock), clock
}

// newStore returns an fs store with two destinations and mongo metadata, in
// its own directory and database.
func newStore(t *testing.T, ctx context.Context, env *testdeps.Env, clock clockwork.Clock) *extentstore.ExtentStore {
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.Store.MaxExtentSize = 32
	cfg.Store.Destinations = []api.Destination{
		{LocationID: "hot", Path: filepath.Join(dir, "hot"), MaxConcurrency: 2},
		{LocationID: "cold", Path: filepath.Join(dir, "cold"), MaxConcurrency: 1},
	}
	cfg.Metadata = config.MetadataConfig{
		Backend:  config.MetadataMongo,
		MongoURL: env.MongoURL(),
		Database: fmt.Sprintf("it_%d", time.Now().UnixNano()),
	}
	cfg.Backup = config.BackupConfig{Bucket: env.S3Bucket, Prefix: "it", Concurrency: 4}

	es, err := extentstore.New(cfg, extentstore.WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, es.Init(ctx))
	t.Cleanup(func() { es.Close(ctx) })

	return es
}

func readMany(t *testing.T, ctx context.Context, s api.ExtentStore, cs []api.Chunk) string {
	t.Helper()
	rc, err := s.ReadMany(ctx, cs, 0, -1)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestBasicWriteRead(t *testing.T) {
	ctx, _, es, _ := setup(t)
	s := es.Store()

	var chunks []api.Chunk
	var want strings.Builder
	for i := 0; i < 20; i++ {
		payload := fmt.Sprintf("block-%02d;", i)
		c, err := s.Append(ctx, strings.NewReader(payload))
		require.NoError(t, err)
		chunks = append(chunks, c)
		want.WriteString(payload)
	}

	assert.Equal(t, want.String(), readMany(t, ctx, s, chunks))

	// small extents, so appends rotated across several.
	all, _, err := es.MetadataStore().ListExtents(ctx, api.ListOptions{})
	require.NoError(t, err)
	assert.Greater(t, len(all), 3)

	locs := map[string]bool{}
	for _, e := range all {
		locs[e.LocationID] = true
	}
	assert.Equal(t, map[string]bool{"hot": true, "cold": true}, locs)
}

func TestSweepThenBackupAndRestore(t *testing.T) {
	ctx, env, es, clock := setup(t)
	s := es.Store()

	var keep []api.Chunk
	referred := metastore.NewStaticReferred()
	for i := 0; i < 12; i++ {
		c, err := s.Append(ctx, strings.NewReader(fmt.Sprintf("payload %02d, padded out a bit", i)))
		require.NoError(t, err)
		if i%3 == 0 {
			keep = append(keep, c)
			referred.Add(c.ID)
		}
	}

	clock.Advance(time.Hour)

	stats, err := es.Sweeper(referred).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Greater(t, stats.Deleted, 0)

	var want strings.Builder
	for _, c := range keep {
		want.WriteString(readMany(t, ctx, s, []api.Chunk{c}))
	}
	assert.Equal(t, want.String(), readMany(t, ctx, s, keep))

	b, err := es.Backup()
	require.NoError(t, err)

	keys, err := b.Export(ctx)
	require.NoError(t, err)

	all, _, err := es.MetadataStore().ListExtents(ctx, api.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, keys, len(all))

	// restore into a fresh store, and rewrite the chunks to point at it.
	// whole extents are appended, so the old offsets are relative to the
	// start of each new chunk.
	es2 := newStore(t, ctx, env, clock)
	b2, err := es2.Backup()
	require.NoError(t, err)

	restored, err := b2.Import(ctx, keys)
	require.NoError(t, err)

	var moved []api.Chunk
	for _, c := range keep {
		nc, ok := restored[c.ID]
		require.True(t, ok, c.ID)
		moved = append(moved, api.Chunk{ID: nc.ID, Offset: nc.Offset + c.Offset, Count: c.Count})
	}
	assert.Equal(t, want.String(), readMany(t, ctx, es2.Store(), moved))
}

package extentstore

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/adammck/extentstore/pkg/api"
	"github.com/adammck/extentstore/pkg/config"
	"github.com/adammck/extentstore/pkg/impl/extentstore/fs"
	"github.com/adammck/extentstore/pkg/impl/extentstore/memory"
	"github.com/adammck/extentstore/pkg/impl/metastore/local"
	sqlmeta "github.com/adammck/extentstore/pkg/impl/metastore/sql"
	"github.com/adammck/extentstore/pkg/metastore"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, cfg *config.Config, opts ...Option) (context.Context, *ExtentStore) {
	ctx := context.Background()

	es, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, es.Init(ctx))
	t.Cleanup(func() { es.Close(ctx) })

	return ctx, es
}

func readAll(t *testing.T, ctx context.Context, s api.ExtentStore, c api.Chunk) string {
	t.Helper()
	rc, err := s.Read(ctx, c)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestDefaultIsFSWithLocalMetadata(t *testing.T) {
	ctx, es := setup(t, config.Default(t.TempDir()))

	assert.IsType(t, &fs.Store{}, es.Store())
	assert.IsType(t, &local.Store{}, es.MetadataStore())

	c, err := es.Store().Append(ctx, strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", readAll(t, ctx, es.Store(), c))
}

func TestMemoryWithSQLite(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Store.Kind = config.StoreMemory
	cfg.Metadata = config.MetadataConfig{
		Backend: config.MetadataSQL,
		Driver:  "sqlite",
		DSN:     filepath.Join(t.TempDir(), "extents.sqlite"),
	}

	cs := memory.NewChunkStore(1 << 20)
	ctx, es := setup(t, cfg, WithChunkStore(cs))

	assert.IsType(t, &memory.Store{}, es.Store())
	assert.IsType(t, &sqlmeta.Store{}, es.MetadataStore())

	c, err := es.Store().Append(ctx, strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), cs.TotalSize())

	loc, err := es.MetadataStore().GetExtentLocationID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "blob", loc)
}

func TestUnknownBackends(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Metadata.Backend = "etcd"
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = config.Default(t.TempDir())
	cfg.Store.Kind = "tape"
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestSweeperUsesConfig(t *testing.T) {
	clock := clockwork.NewFakeClock()

	cfg := config.Default(t.TempDir())
	cfg.GC.ProtectWindow = time.Minute
	ctx, es := setup(t, cfg, WithClock(clock))

	keep, err := es.Store().Append(ctx, strings.NewReader("keep"))
	require.NoError(t, err)

	// every memory append is its own extent.
	cfg2 := config.Default(t.TempDir())
	cfg2.Store.Kind = config.StoreMemory
	cfg2.GC.ProtectWindow = time.Minute
	ctx, mem := setup(t, cfg2, WithClock(clock))

	a, err := mem.Store().Append(ctx, strings.NewReader("a"))
	require.NoError(t, err)
	b, err := mem.Store().Append(ctx, strings.NewReader("b"))
	require.NoError(t, err)

	// older than the one minute window, but not the ten minute default.
	clock.Advance(2 * time.Minute)

	stats, err := mem.Sweeper(metastore.NewStaticReferred(a.ID)).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)

	_, err = mem.Store().Read(ctx, b)
	assert.ErrorIs(t, err, &api.NotFound{})
	assert.Equal(t, "a", readAll(t, ctx, mem.Store(), a))

	stats, err = es.Sweeper(metastore.NewStaticReferred(keep.ID)).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Deleted)
}

func TestBackupNeedsBucket(t *testing.T) {
	_, es := setup(t, config.Default(t.TempDir()))

	_, err := es.Backup()
	assert.ErrorIs(t, err, ErrNoBucket)
}

package backup

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/adammck/extentstore/pkg/api"
	"github.com/adammck/extentstore/pkg/impl/extentstore/fs"
	"github.com/adammck/extentstore/pkg/impl/extentstore/memory"
	"github.com/adammck/extentstore/pkg/impl/metastore/local"
	"github.com/adammck/extentstore/pkg/testdeps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (context.Context, *testdeps.Env, *fs.Store) {
	ctx := context.Background()
	env := testdeps.New(ctx, t, testdeps.WithMinio())

	s := fs.New(local.New(""), []api.Destination{{LocationID: "d1", Path: t.TempDir(), MaxConcurrency: 2}})
	require.NoError(t, s.Init(ctx))
	t.Cleanup(func() { s.Close(ctx) })

	return ctx, env, s
}

func read(t *testing.T, ctx context.Context, s api.ExtentStore, c api.Chunk) string {
	t.Helper()
	rc, err := s.Read(ctx, c)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestKey(t *testing.T) {
	e := &api.Extent{ID: "abc", LocationID: "d1"}
	assert.Equal(t, "d1/abc", New("b", nil).Key(e))
	assert.Equal(t, "nightly/d1/abc", New("b", nil, WithPrefix("nightly")).Key(e))
}

func TestRoundTrip(t *testing.T) {
	ctx, env, src := setup(t)

	want := map[string]string{}
	for i := 0; i < 5; i++ {
		payload := fmt.Sprintf("payload number %d", i)
		c, err := src.Append(ctx, strings.NewReader(payload))
		require.NoError(t, err)
		want[c.ID] += payload
	}

	b := New(env.S3Bucket, src, WithPrefix("run1"), WithConcurrency(2))
	require.NoError(t, b.Ping(ctx))

	keys, err := b.Export(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, len(want))

	listed, err := b.List(ctx)
	require.NoError(t, err)
	sort.Strings(keys)
	sort.Strings(listed)
	assert.Equal(t, keys, listed)
	for _, k := range listed {
		assert.True(t, strings.HasPrefix(k, "run1/d1/"), k)
	}

	// import into a store of a different kind.
	dst := memory.New("restore", memory.NewChunkStore(1<<20), local.New(""))
	require.NoError(t, dst.Init(ctx))
	defer dst.Close(ctx)

	got, err := New(env.S3Bucket, dst, WithPrefix("run1")).Import(ctx, listed)
	require.NoError(t, err)
	require.Len(t, got, len(want))

	for oldID, payload := range want {
		c, ok := got[oldID]
		require.True(t, ok, oldID)
		assert.NotEqual(t, oldID, c.ID)
		assert.Equal(t, payload, read(t, ctx, dst, c))
	}
}

func TestExportEmpty(t *testing.T) {
	ctx, env, src := setup(t)

	keys, err := New(env.S3Bucket, src, WithPrefix("empty")).Export(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestImportMissingKey(t *testing.T) {
	ctx, env, src := setup(t)

	_, err := New(env.S3Bucket, src).Import(ctx, []string{"nope/nope"})
	assert.Error(t, err)
}

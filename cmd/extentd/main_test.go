package main

import (
	"context"
	"strings"
	"testing"

	"github.com/adammck/extentstore/pkg/metastore"
	"github.com/stretchr/testify/require"
)

func TestReadReferred(t *testing.T) {
	in := `
# kept by the catalog
aaa
  bbb

ccc
`

	referred, err := readReferred(strings.NewReader(in))
	require.NoError(t, err)

	got, err := metastore.Collect(context.Background(), referred.ReferredExtentIterator())
	require.NoError(t, err)
	require.Equal(t, map[string]struct{}{"aaa": {}, "bbb": {}, "ccc": {}}, got)
}

package fskv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/finalized-log-index/erigon-lib/kv"
)

// TestListPrefixSingleKeyPagesMakeProgress mirrors memkv's pagination test:
// resuming at-or-after the cursor's own boundary key instead of strictly
// after it would re-return that key on every page and never terminate.
func TestListPrefixSingleKeyPagesMakeProgress(t *testing.T) {
	ctx := context.Background()
	s, err := NewMetaStore(t.TempDir(), 1)
	require.NoError(t, err)

	for _, k := range []string{"p/a", "p/b", "p/c"} {
		_, err := s.Put(ctx, []byte(k), []byte("v"), kv.PutAny(), 1)
		require.NoError(t, err)
	}

	var all []string
	var cursor []byte
	for i := 0; i < 10; i++ {
		page, err := s.ListPrefix(ctx, []byte("p/"), cursor, 1)
		require.NoError(t, err)
		require.Len(t, page.Keys, 1)
		all = append(all, string(page.Keys[0]))
		if page.NextCursor == nil {
			break
		}
		cursor = page.NextCursor
	}
	require.Equal(t, []string{"p/a", "p/b", "p/c"}, all)
}

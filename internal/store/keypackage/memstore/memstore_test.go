package memstore

import (
	"context"
	"testing"

	"github.com/marmot-im/marmot-go/internal/mlsprovider"
	"github.com/marmot-im/marmot-go/internal/store/keypackage"
	"github.com/stretchr/testify/require"
)

func TestPutGetRemoveList(t *testing.T) {
	ctx := context.Background()
	s := New()
	var ref [32]byte
	ref[0] = 1
	entry := keypackage.Entry{
		Public:  mlsprovider.KeyPackagePublic{Ref: ref, TLSBytes: []byte("pub")},
		Private: mlsprovider.KeyPackagePrivate{Ref: ref, TLSBytes: []byte("priv")},
	}

	require.NoError(t, s.Put(ctx, entry))

	got, ok, err := s.Get(ctx, ref)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entry, got)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, entry.Public, list[0])

	require.NoError(t, s.Remove(ctx, ref))
	_, ok, err = s.Get(ctx, ref)
	require.NoError(t, err)
	require.False(t, ok)
}

package memstore

import (
	"context"
	"testing"

	"github.com/marmot-im/marmot-go/internal/codec/rumor"
	"github.com/marmot-im/marmot-go/internal/cursor"
	"github.com/marmot-im/marmot-go/internal/model"
	"github.com/marmot-im/marmot-go/internal/store/history"
	"github.com/stretchr/testify/require"
)

func entry(createdAt int64, id string) model.HistoryEntry {
	return model.HistoryEntry{
		Rumor: rumor.Rumor{ID: id, CreatedAt: 0, Kind: 9},
		Outer: cursor.Cursor{CreatedAt: createdAt, ID: id},
	}
}

func TestAddRumorIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	e := entry(100, "aaaa")

	require.NoError(t, s.AddRumor(ctx, e))
	require.NoError(t, s.AddRumor(ctx, e))

	got, err := s.QueryRumors(ctx, history.QueryOpts{})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestResumeCursorMonotonic(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.MarkOuterEventProcessed(ctx, cursor.Cursor{CreatedAt: 10, ID: "b"}))
	require.NoError(t, s.MarkOuterEventProcessed(ctx, cursor.Cursor{CreatedAt: 5, ID: "a"}))

	got, ok, err := s.GetResumeCursor(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(10), got.CreatedAt)
}

func TestQueryRumorsNewestFirstAndUntil(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.AddRumor(ctx, entry(1, "a")))
	require.NoError(t, s.AddRumor(ctx, entry(2, "b")))
	require.NoError(t, s.AddRumor(ctx, entry(3, "c")))

	all, err := s.QueryRumors(ctx, history.QueryOpts{})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b", "a"}, []string{all[0].Rumor.ID, all[1].Rumor.ID, all[2].Rumor.ID})

	until := cursor.Cursor{CreatedAt: 3, ID: "c"}
	older, err := s.QueryRumors(ctx, history.QueryOpts{Until: &until})
	require.NoError(t, err)
	require.Len(t, older, 2)
}

func TestSubscribeEmitsAfterPersist(t *testing.T) {
	ctx := context.Background()
	s := New()
	var got model.HistoryEntry
	unsub := s.Subscribe(func(e model.HistoryEntry) { got = e })
	defer unsub()

	require.NoError(t, s.AddRumor(ctx, entry(1, "z")))
	require.Equal(t, "z", got.Rumor.ID)
}

package batch_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnwatch/vulnwatch/batch"
	"github.com/vulnwatch/vulnwatch/catalog"
)

type memCursor struct {
	cursor  int
	loadErr error
	saveErr error
}

func (m *memCursor) Cursor() (int, error) {
	return m.cursor, m.loadErr
}

func (m *memCursor) SaveCursor(cursor int) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.cursor = cursor
	return nil
}

func fiveAssets() []catalog.Asset {
	return []catalog.Asset{
		{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}, {ID: "e"},
	}
}

func ids(assets []catalog.Asset) []string {
	var out []string
	for _, a := range assets {
		out = append(out, a.ID)
	}
	return out
}

func TestSchedulerTotalBatches(t *testing.T) {
	tests := []struct {
		assets int
		size   int
		want   int
	}{
		{assets: 5, size: 2, want: 3},
		{assets: 6, size: 2, want: 3},
		{assets: 6, size: 3, want: 2},
		{assets: 1, size: 3, want: 1},
		{assets: 5, size: 5, want: 1},
	}
	for _, tt := range tests {
		assets := make([]catalog.Asset, tt.assets)
		s := batch.NewScheduler(&memCursor{}, assets, tt.size)
		assert.Equal(t, tt.want, s.TotalBatches(), "assets=%d size=%d", tt.assets, tt.size)
	}
}

func TestSchedulerSelect(t *testing.T) {
	tests := []struct {
		name       string
		cursor     int
		wantIDs    []string
		wantCursor int
	}{
		{name: "first batch", cursor: 0, wantIDs: []string{"a", "b"}, wantCursor: 0},
		{name: "middle batch", cursor: 1, wantIDs: []string{"c", "d"}, wantCursor: 1},
		{name: "short final batch", cursor: 2, wantIDs: []string{"e"}, wantCursor: 2},
		{name: "stale cursor past the end", cursor: 7, wantIDs: nil, wantCursor: 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := batch.NewScheduler(&memCursor{cursor: tt.cursor}, fiveAssets(), 2)

			selected, cursor, err := s.Select()
			require.NoError(t, err)
			assert.Equal(t, tt.wantIDs, ids(selected))
			assert.Equal(t, tt.wantCursor, cursor)
		})
	}
}

func TestSchedulerAdvanceWrapsAround(t *testing.T) {
	cursors := &memCursor{}
	s := batch.NewScheduler(cursors, fiveAssets(), 2)

	// totalBatches advances return the cursor to its starting value.
	var seen []int
	for i := 0; i < s.TotalBatches(); i++ {
		next, err := s.Advance()
		require.NoError(t, err)
		seen = append(seen, next)
	}
	assert.Equal(t, []int{1, 2, 0}, seen)
	assert.Equal(t, 0, cursors.cursor)
}

func TestSchedulerEmptyBatchStillAdvances(t *testing.T) {
	// A cursor persisted before the catalog shrank.
	cursors := &memCursor{cursor: 3}
	s := batch.NewScheduler(cursors, fiveAssets()[:2], 2)

	selected, cursor, err := s.Select()
	require.NoError(t, err)
	assert.Empty(t, selected)
	assert.Equal(t, 3, cursor)

	next, err := s.Advance()
	require.NoError(t, err)
	assert.Equal(t, 0, next)
	assert.Equal(t, 0, cursors.cursor)
}

func TestSchedulerNegativeCursorIsClamped(t *testing.T) {
	s := batch.NewScheduler(&memCursor{cursor: -2}, fiveAssets(), 2)

	selected, cursor, err := s.Select()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(selected))
	assert.Equal(t, 0, cursor)
}

func TestSchedulerStoreErrors(t *testing.T) {
	t.Run("load failure", func(t *testing.T) {
		s := batch.NewScheduler(&memCursor{loadErr: assert.AnError}, fiveAssets(), 2)

		_, _, err := s.Select()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load batch cursor")

		_, err = s.Advance()
		require.Error(t, err)
	})

	t.Run("save failure", func(t *testing.T) {
		s := batch.NewScheduler(&memCursor{saveErr: assert.AnError}, fiveAssets(), 2)

		_, err := s.Advance()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to persist batch cursor")
	})
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agencysync/internal/snapshot"
)

func ts(h int) snapshot.Timestamp {
	return snapshot.NewTimestamp(time.Date(2024, 5, 10, h, 0, 0, 0, time.UTC))
}

func TestWatermark_GetMissing(t *testing.T) {
	s := createTestStore(t)
	_, ok, err := s.GetWatermark(context.Background(), "node-b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWatermark_Monotonic(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetWatermark(ctx, "node-b", ts(8), ts(9)))
	require.NoError(t, s.SetWatermark(ctx, "node-b", ts(10), ts(11)))
	require.NoError(t, s.SetWatermark(ctx, "node-b", ts(10), ts(12)), "same value is allowed")

	err := s.SetWatermark(ctx, "node-b", ts(9), ts(13))
	assert.ErrorIs(t, err, ErrWatermarkRegression)

	w, ok, err := s.GetWatermark(ctx, "node-b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ts(10), w.LastSyncTimestamp)
	assert.Equal(t, "2024-05-10", w.LastSyncDate.String())
	assert.Equal(t, ts(12), w.UpdatedAt)
}

func TestWatermark_List(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetWatermark(ctx, "node-c", ts(8), ts(8)))
	require.NoError(t, s.SetWatermark(ctx, "node-b", ts(9), ts(9)))

	list, err := s.ListWatermarks(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "node-b", list[0].NodeID)
	assert.Equal(t, "node-c", list[1].NodeID)
}

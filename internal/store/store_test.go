package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/tagfarm/pkg/api"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorePing(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestRecordAndListRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)

	bakeID, err := s.RecordBake(ctx, base, api.BakeReport{
		Profile:  "staged",
		Quality:  "high",
		Message:  "Lightmapper failed during Photon Cast",
		Duration: 90 * time.Second,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, bakeID)

	farmID, err := s.RecordFarm(ctx, base.Add(time.Minute), api.FarmReport{
		TexturesProcessed:  3,
		MaterialsProcessed: 2,
		DurationSeconds:    12.5,
	}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, bakeID, farmID)

	runs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, farmID, runs[0].ID)
	assert.Equal(t, api.RunFarm, runs[0].Kind)
	assert.Equal(t, api.RunSucceeded, runs[0].Status)
	assert.Equal(t, "Farm Completed in 12 seconds", runs[0].Message)
	assert.Equal(t, 3, runs[0].Textures)
	assert.Equal(t, 12500*time.Millisecond, runs[0].Duration)

	assert.Equal(t, api.RunBake, runs[1].Kind)
	assert.Equal(t, api.RunFailed, runs[1].Status)
	assert.Equal(t, "staged/high", runs[1].Profile)
	assert.True(t, base.Equal(runs[1].StartedAt))
}

func TestRecordFarmError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.RecordFarm(ctx, time.Now(), api.FarmReport{}, errors.New("context canceled"))
	require.NoError(t, err)

	runs, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, api.RunFailed, runs[0].Status)
	assert.Equal(t, "context canceled", runs[0].Message)
}

func TestRecentLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		_, err := s.RecordBake(ctx, time.Now().Add(time.Duration(i)*time.Second), api.BakeReport{OK: true})
		require.NoError(t, err)
	}
	runs, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestReopenKeepsHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := NewStore(path)
	require.NoError(t, err)
	_, err = s.RecordBake(ctx, time.Now(), api.BakeReport{OK: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewStore(path)
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

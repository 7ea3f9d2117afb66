package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunstack/internal/storage/models"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	a, err := New(Config{DBPath: filepath.Join(t.TempDir(), "tunstack.db"), LogLevel: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNewLoadsDefaults(t *testing.T) {
	a := newTestApp(t)
	require.NotNil(t, a.Options)
	assert.Equal(t, 8191, a.Options.Geometry.MSS)
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{DBPath: filepath.Join(t.TempDir(), "x.db"), LogLevel: "loud"})
	assert.Error(t, err)
}

func TestSettings(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	s, err := a.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "native", s.Backend)
	assert.Equal(t, 10*time.Second, s.SampleInterval)
	assert.Equal(t, 100, s.SampleRetention)

	require.NoError(t, a.Storage.SetSetting(ctx, "sample_interval", "2m"))
	require.NoError(t, a.Storage.SetSetting(ctx, "sample_retention", "zero"))
	s, err = a.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, s.SampleInterval)
	assert.Equal(t, 100, s.SampleRetention)
}

func TestPrune(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		r := &models.Run{Backend: "native", Platform: "linux/amd64", Options: "{}"}
		require.NoError(t, a.Storage.CreateRun(ctx, r))
		if i != 0 {
			require.NoError(t, a.Storage.FinishRun(ctx, r))
		}
		ids = append(ids, r.ID)
	}

	// The oldest run never finished and is kept.
	n, err := a.Prune(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	runs, err := a.Storage.GetRuns(ctx, -1)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []int64{ids[4], ids[3], ids[0]}, []int64{runs[0].ID, runs[1].ID, runs[2].ID})

	n, err = a.Prune(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

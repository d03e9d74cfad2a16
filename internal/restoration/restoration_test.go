package restoration

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecopuntos-rewards/internal/database"
	"ecopuntos-rewards/internal/models"
)

var now = time.Date(2025, 10, 21, 10, 0, 0, 0, time.UTC)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "restoration.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tr := NewTracker(db, nil)
	tr.now = func() time.Time { return now }
	return tr
}

func TestStatus_NoSuspension(t *testing.T) {
	tr := newTestTracker(t)

	st, err := tr.Status(context.Background(), "u-1", now)
	require.NoError(t, err)
	assert.False(t, st.Suspended)
}

func TestStatus_Countdown(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	until := now.Add(2*24*time.Hour + 5*time.Hour + 30*time.Minute)

	require.NoError(t, tr.Record(ctx, "u-1", until))

	st, err := tr.Status(ctx, "u-1", now)
	require.NoError(t, err)
	assert.True(t, st.Suspended)
	assert.True(t, st.Until.Equal(until))
	assert.Equal(t, 2, st.Days)
	assert.Equal(t, 5, st.Hours)
	assert.Equal(t, 30, st.Minutes)
}

func TestStatus_EndedSuspensionIsCleared(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.Record(ctx, "u-1", now.Add(time.Hour)))

	st, err := tr.Status(ctx, "u-1", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, st.Suspended)

	_, err = tr.repo.GetSuspension(ctx, "u-1")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestRecord_PastUntilClears(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.Record(ctx, "u-1", now.Add(time.Hour)))
	require.NoError(t, tr.Record(ctx, "u-1", now.Add(-time.Minute)))

	st, err := tr.Status(ctx, "u-1", now)
	require.NoError(t, err)
	assert.False(t, st.Suspended)
}

func TestClear(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.Record(ctx, "u-1", now.Add(48*time.Hour)))

	require.NoError(t, tr.Clear(ctx, "u-1"))
	st, err := tr.Status(ctx, "u-1", now)
	require.NoError(t, err)
	assert.False(t, st.Suspended)

	require.NoError(t, tr.Clear(ctx, "u-1"), "clearing twice is fine")
	assert.Error(t, tr.Clear(ctx, ""))
}

func TestRecord_RequiresUser(t *testing.T) {
	tr := newTestTracker(t)
	assert.Error(t, tr.Record(context.Background(), "", now.Add(time.Hour)))
}

func TestPurge(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.Record(ctx, "a", now.Add(time.Minute)))
	require.NoError(t, tr.Record(ctx, "b", now.Add(time.Hour)))

	n, err := tr.Purge(ctx, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

type errRepo struct {
	Repository
	err error
}

func (r errRepo) GetSuspension(context.Context, string) (models.Suspension, error) {
	return models.Suspension{}, r.err
}

func TestCountdown(t *testing.T) {
	tests := []struct {
		name      string
		remaining time.Duration
		days      int
		hours     int
		minutes   int
	}{
		{"under a minute rounds up", 10 * time.Second, 0, 0, 1},
		{"exact hour", time.Hour, 0, 1, 0},
		{"just over a day", 24*time.Hour + time.Second, 1, 0, 1},
		{"three days", 72 * time.Hour, 3, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := countdown(now.Add(tt.remaining), now)
			assert.True(t, st.Suspended)
			assert.Equal(t, tt.days, st.Days)
			assert.Equal(t, tt.hours, st.Hours)
			assert.Equal(t, tt.minutes, st.Minutes)
		})
	}
}

func TestStatus_RepositoryError(t *testing.T) {
	boom := errors.New("database is locked")
	tr := NewTracker(errRepo{err: boom}, nil)

	_, err := tr.Status(context.Background(), "u-1", now)
	assert.ErrorIs(t, err, boom)
}

package account

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
	"ecopuntos-rewards/internal/restoration"
)

type stubSource struct {
	user models.User
	err  error
}

func (s *stubSource) CurrentUser(context.Context) (models.User, error) {
	return s.user, s.err
}

type recorded struct {
	userID string
	until  time.Time
}

type stubRecorder struct {
	calls   []recorded
	cleared []string
	err     error
}

func (r *stubRecorder) Record(_ context.Context, userID string, until time.Time) error {
	r.calls = append(r.calls, recorded{userID, until})
	return r.err
}

func (r *stubRecorder) Clear(_ context.Context, userID string) error {
	r.cleared = append(r.cleared, userID)
	return r.err
}

func TestPointsBeforeRefresh(t *testing.T) {
	a := New(&stubSource{}, nil, nil)

	_, err := a.Points()
	assert.ErrorIs(t, err, ErrNotLoaded)
	_, err = a.User()
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.ErrorIs(t, a.ApplyRedemption(models.Redemption{Balance: 10}), ErrNotLoaded)
}

func TestRefresh(t *testing.T) {
	src := &stubSource{user: models.User{ID: "u-1", Name: "Ana", Points: 650}}
	a := New(src, nil, nil)

	user, err := a.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Ana", user.Name)

	points, err := a.Points()
	require.NoError(t, err)
	assert.Equal(t, 650, points)
	assert.Equal(t, "u-1", a.ID())
}

func TestRefresh_FailureKeepsPreviousUser(t *testing.T) {
	src := &stubSource{user: models.User{ID: "u-1", Points: 650}}
	a := New(src, nil, nil)
	_, err := a.Refresh(context.Background())
	require.NoError(t, err)

	offline := errors.New("offline")
	src.err = offline
	_, err = a.Refresh(context.Background())
	assert.ErrorIs(t, err, offline)

	points, err := a.Points()
	require.NoError(t, err)
	assert.Equal(t, 650, points)
}

func TestRefresh_RejectsNegativeBalance(t *testing.T) {
	a := New(&stubSource{user: models.User{ID: "u-1", Points: -1}}, nil, nil)
	_, err := a.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrInvalidBalance)
}

func TestRefresh_RecordsSuspension(t *testing.T) {
	until := time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)
	rec := &stubRecorder{err: errors.New("disk full")}
	a := New(&stubSource{user: models.User{ID: "u-1", Points: 10, SuspendedUntil: &until}}, rec, nil)

	_, err := a.Refresh(context.Background())
	require.NoError(t, err, "a recorder failure does not fail the refresh")
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "u-1", rec.calls[0].userID)
	assert.True(t, rec.calls[0].until.Equal(until))
}

func TestRefresh_ClearsLiftedSuspension(t *testing.T) {
	rec := &stubRecorder{}
	a := New(&stubSource{user: models.User{ID: "u-1", Points: 10}}, rec, nil)

	_, err := a.Refresh(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rec.calls)
	assert.Equal(t, []string{"u-1"}, rec.cleared)
}

func TestRefresh_SuspensionLiftedEarlyReportsRestored(t *testing.T) {
	db, err := database.NewDB(filepath.Join(t.TempDir(), "account.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	tracker := restoration.NewTracker(db, nil)
	until := time.Now().Add(72 * time.Hour)
	src := &stubSource{user: models.User{ID: "u-1", Points: 10, SuspendedUntil: &until}}
	a := New(src, tracker, nil)

	_, err = a.Refresh(ctx)
	require.NoError(t, err)
	st, err := tracker.Status(ctx, "u-1", time.Now())
	require.NoError(t, err)
	require.True(t, st.Suspended)
	assert.Equal(t, 3, st.Days)

	src.user.SuspendedUntil = nil
	_, err = a.Refresh(ctx)
	require.NoError(t, err)

	st, err = tracker.Status(ctx, "u-1", time.Now())
	require.NoError(t, err)
	assert.False(t, st.Suspended, "a suspension lifted on the backend is restored locally")
}

func TestApplyRedemption_UsesServerBalance(t *testing.T) {
	a := New(&stubSource{user: models.User{ID: "u-1", Points: 650}}, nil, nil)
	_, err := a.Refresh(context.Background())
	require.NoError(t, err)

	require.NoError(t, a.ApplyRedemption(models.Redemption{PointsSpent: 500, Balance: 170}))
	points, _ := a.Points()
	assert.Equal(t, 170, points, "the server balance wins over a local subtraction")

	assert.ErrorIs(t, a.ApplyRedemption(models.Redemption{Balance: -5}), ErrInvalidBalance)
	points, _ = a.Points()
	assert.Equal(t, 170, points)
}

package redemption

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecopuntos-rewards/internal/events"
	"ecopuntos-rewards/internal/metrics"
	"ecopuntos-rewards/internal/models"
	"ecopuntos-rewards/internal/observability"
)

type fakeAccount struct {
	mu         sync.Mutex
	points     int
	remote     *int
	refreshErr error
	refreshes  int
	applied    []models.Redemption
}

func (a *fakeAccount) ID() string { return "u-1" }

// Refresh adopts the remote balance when one is set.
func (a *fakeAccount) Refresh(context.Context) (models.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshes++
	if a.refreshErr != nil {
		return models.User{}, a.refreshErr
	}
	if a.remote != nil {
		a.points = *a.remote
	}
	return models.User{ID: "u-1", Points: a.points}, nil
}

func (a *fakeAccount) setRemote(p int) {
	a.mu.Lock()
	a.remote = &p
	a.mu.Unlock()
}

func (a *fakeAccount) Points() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.points, nil
}

func (a *fakeAccount) setPoints(p int) {
	a.mu.Lock()
	a.points = p
	a.mu.Unlock()
}

func (a *fakeAccount) ApplyRedemption(r models.Redemption) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, r)
	a.points = r.Balance
	return nil
}

type fakeRedeemer struct {
	mu      sync.Mutex
	keys    []string
	err     error
	gate    chan struct{}
	started chan struct{}
}

func (r *fakeRedeemer) Redeem(ctx context.Context, rewardID, key string) (models.Redemption, error) {
	r.mu.Lock()
	r.keys = append(r.keys, key)
	err, gate, started := r.err, r.gate, r.started
	r.mu.Unlock()

	if started != nil {
		close(started)
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return models.Redemption{}, err
	}
	return models.Redemption{
		ID:          "red-1",
		RewardID:    rewardID,
		Code:        "ECO-7781",
		PointsSpent: 500,
		Balance:     150,
		RedeemedAt:  time.Date(2025, 10, 21, 10, 0, 0, 0, time.UTC),
	}, nil
}

func (r *fakeRedeemer) usedKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

var coupon = models.Reward{ID: "r-1", Title: "Cupón 15%", Points: 500, Category: models.CategoryDiscounts}

func sequentialKeys() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("key-%d", n)
	}
}

func newTestFlow(balance int, opts ...Option) (*Flow, *fakeAccount, *fakeRedeemer) {
	acct := &fakeAccount{points: balance}
	red := &fakeRedeemer{}
	opts = append([]Option{WithKeyGenerator(sequentialKeys())}, opts...)
	return New(red, acct, opts...), acct, red
}

func TestAffordableRedemption(t *testing.T) {
	f, acct, red := newTestFlow(650)

	require.NoError(t, f.Select(coupon))
	v := f.View()
	assert.Equal(t, PhaseDetailShown, v.Phase)
	require.NotNil(t, v.Quote)
	assert.True(t, v.Quote.CanRedeem)
	assert.Equal(t, 0, v.Quote.PointsNeeded)
	assert.Equal(t, 150, v.Quote.PointsAfter)

	require.NoError(t, f.RequestRedeem())
	assert.Equal(t, PhaseConfirmShown, f.View().Phase)

	receipt, err := f.Confirm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ECO-7781", receipt.Code)

	v = f.View()
	assert.Equal(t, PhaseIdle, v.Phase)
	assert.Nil(t, v.Reward)
	require.NotNil(t, v.LastReceipt)
	assert.Equal(t, "ECO-7781", v.LastReceipt.Code)

	points, _ := acct.Points()
	assert.Equal(t, 150, points)
	assert.Equal(t, []string{"key-1"}, red.usedKeys())
}

func TestUnaffordableRedemptionIsBlocked(t *testing.T) {
	f, _, red := newTestFlow(300)

	require.NoError(t, f.Select(coupon))
	v := f.View()
	require.NotNil(t, v.Quote)
	assert.False(t, v.Quote.CanRedeem)
	assert.Equal(t, 200, v.Quote.PointsNeeded)

	err := f.RequestRedeem()
	assert.ErrorIs(t, err, ErrInsufficientPoints)

	v = f.View()
	assert.Equal(t, PhaseDetailShown, v.Phase)
	assert.ErrorIs(t, v.Err, ErrInsufficientPoints)
	assert.Empty(t, red.usedKeys())
}

func TestRequestRedeemWithoutSelection(t *testing.T) {
	f, _, _ := newTestFlow(650)

	assert.ErrorIs(t, f.RequestRedeem(), ErrNoSelection)
	assert.Equal(t, PhaseIdle, f.View().Phase)

	_, err := f.Confirm(context.Background())
	assert.ErrorIs(t, err, ErrNoSelection)
}

func TestConfirmRequiresConfirmDialog(t *testing.T) {
	f, _, red := newTestFlow(650)
	require.NoError(t, f.Select(coupon))

	_, err := f.Confirm(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, PhaseDetailShown, f.View().Phase)
	assert.Empty(t, red.usedKeys())
}

func TestSelectRules(t *testing.T) {
	f, _, _ := newTestFlow(650)

	err := f.Select(models.Reward{ID: "bad", Title: "Roto", Points: -5})
	assert.Error(t, err)
	assert.Equal(t, PhaseIdle, f.View().Phase)

	require.NoError(t, f.Select(coupon))
	assert.ErrorIs(t, f.Select(coupon), ErrInvalidTransition)
}

func TestConfirmRevalidatesBalance(t *testing.T) {
	f, acct, red := newTestFlow(650)
	require.NoError(t, f.Select(coupon))
	require.NoError(t, f.RequestRedeem())

	acct.setPoints(100)

	_, err := f.Confirm(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientPoints)
	assert.Equal(t, PhaseDetailShown, f.View().Phase)
	assert.Empty(t, red.usedKeys(), "the backend is not called once the balance no longer covers the cost")
}

func TestConfirmRefreshesBalanceBeforeRedeem(t *testing.T) {
	f, acct, red := newTestFlow(650)
	require.NoError(t, f.Select(coupon))
	require.NoError(t, f.RequestRedeem())

	// Points spent from another device since the dialog opened.
	acct.setRemote(300)

	_, err := f.Confirm(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientPoints)
	assert.Equal(t, 1, acct.refreshes)
	assert.Empty(t, red.usedKeys())

	v := f.View()
	assert.Equal(t, PhaseDetailShown, v.Phase)
	require.NotNil(t, v.Quote)
	assert.Equal(t, 200, v.Quote.PointsNeeded)
	assert.False(t, v.Quote.CanRedeem)
}

func TestConfirmUsesCachedBalanceWhenRefreshFails(t *testing.T) {
	f, acct, red := newTestFlow(650)
	acct.refreshErr = errors.New("offline")

	require.NoError(t, f.Select(coupon))
	require.NoError(t, f.RequestRedeem())

	result, err := f.Confirm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ECO-7781", result.Code)
	assert.Equal(t, []string{"key-1"}, red.usedKeys())
}

func TestConfirmFailureRollsBack(t *testing.T) {
	f, acct, red := newTestFlow(650)
	red.err = errors.New("out of stock")

	require.NoError(t, f.Select(coupon))
	require.NoError(t, f.RequestRedeem())

	_, err := f.Confirm(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "out of stock")

	v := f.View()
	assert.Equal(t, PhaseDetailShown, v.Phase)
	require.NotNil(t, v.Reward)
	assert.Equal(t, "r-1", v.Reward.ID)
	assert.ErrorContains(t, v.Err, "out of stock")
	assert.Nil(t, v.LastReceipt)

	points, _ := acct.Points()
	assert.Equal(t, 650, points, "a failed redemption leaves the balance alone")
	assert.Empty(t, acct.applied)
}

func TestRetryReusesIdempotencyKey(t *testing.T) {
	f, _, red := newTestFlow(650)
	red.err = errors.New("connection reset")

	require.NoError(t, f.Select(coupon))
	require.NoError(t, f.RequestRedeem())
	_, err := f.Confirm(context.Background())
	require.Error(t, err)

	red.err = nil
	require.NoError(t, f.RequestRedeem())
	_, err = f.Confirm(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"key-1", "key-1"}, red.usedKeys())

	// A new intent gets a new key.
	require.NoError(t, f.Select(models.Reward{ID: "r-2", Title: "Café", Points: 100}))
	require.NoError(t, f.RequestRedeem())
	_, err = f.Confirm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "key-2", red.usedKeys()[2])
}

func TestCancel(t *testing.T) {
	f, _, _ := newTestFlow(650)

	require.NoError(t, f.Cancel(), "cancel from idle is a no-op")
	assert.Equal(t, PhaseIdle, f.View().Phase)

	require.NoError(t, f.Select(coupon))
	require.NoError(t, f.Cancel())
	assert.Equal(t, PhaseIdle, f.View().Phase)

	require.NoError(t, f.Select(coupon))
	require.NoError(t, f.RequestRedeem())
	require.NoError(t, f.Cancel())
	v := f.View()
	assert.Equal(t, PhaseIdle, v.Phase)
	assert.Nil(t, v.Reward)
}

func TestFreeRewardAlwaysRedeemable(t *testing.T) {
	f, _, _ := newTestFlow(0)
	require.NoError(t, f.Select(models.Reward{ID: "free", Title: "Sticker", Points: 0}))
	assert.NoError(t, f.RequestRedeem())
}

func TestCancelRejectedWhileConfirming(t *testing.T) {
	f, _, red := newTestFlow(650)
	red.gate = make(chan struct{})
	red.started = make(chan struct{})

	require.NoError(t, f.Select(coupon))
	require.NoError(t, f.RequestRedeem())

	done := make(chan error, 1)
	go func() {
		_, err := f.Confirm(context.Background())
		done <- err
	}()
	<-red.started

	assert.ErrorIs(t, f.Cancel(), ErrInFlight)
	assert.ErrorIs(t, f.RequestRedeem(), ErrInFlight)
	_, err := f.Confirm(context.Background())
	assert.ErrorIs(t, err, ErrInFlight)

	close(red.gate)
	require.NoError(t, <-done)
	assert.Equal(t, PhaseIdle, f.View().Phase)
}

func TestCloseDropsInFlightResult(t *testing.T) {
	f, acct, red := newTestFlow(650)
	red.gate = make(chan struct{})
	red.started = make(chan struct{})

	require.NoError(t, f.Select(coupon))
	require.NoError(t, f.RequestRedeem())

	done := make(chan error, 1)
	go func() {
		_, err := f.Confirm(context.Background())
		done <- err
	}()
	<-red.started

	f.Close()
	close(red.gate)
	assert.ErrorIs(t, <-done, ErrClosed)
	assert.Empty(t, acct.applied)

	assert.ErrorIs(t, f.Select(coupon), ErrClosed)
}

func TestOutcomesArePublished(t *testing.T) {
	em := events.NewManager(true, observability.NewNopLogger())
	m := metrics.New()

	var (
		mu        sync.Mutex
		completed []events.RedemptionCompletedData
	)
	em.Subscribe(events.EventRedemptionCompleted, func(ctx context.Context, e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		completed = append(completed, e.Data.(events.RedemptionCompletedData))
		return nil
	})

	f, acct, red := newTestFlow(650, WithEvents(em), WithMetrics(m))
	require.NoError(t, f.Select(coupon))
	require.NoError(t, f.RequestRedeem())
	_, err := f.Confirm(context.Background())
	require.NoError(t, err)

	red.err = errors.New("rejected")
	acct.setPoints(650)
	require.NoError(t, f.Select(coupon))
	require.NoError(t, f.RequestRedeem())
	_, err = f.Confirm(context.Background())
	require.Error(t, err)

	em.Wait()

	mu.Lock()
	require.Len(t, completed, 1)
	assert.Equal(t, "u-1", completed[0].UserID)
	assert.Equal(t, "Cupón 15%", completed[0].Reward.Title)
	mu.Unlock()

	assert.Equal(t, 2, testutil.CollectAndCount(m.Registry, "ecopuntos_redemption_attempts_total"))
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "idle", PhaseIdle.String())
	assert.Equal(t, "detail_shown", PhaseDetailShown.String())
	assert.Equal(t, "confirm_shown", PhaseConfirmShown.String())
	assert.Equal(t, "completed", PhaseCompleted.String())
}

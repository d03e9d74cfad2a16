package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecopuntos-rewards/internal/models"
)

func TestPublish_DeliversToSubscribers(t *testing.T) {
	m := NewManager(true, nil)

	var got atomic.Value
	m.Subscribe(EventRedemptionCompleted, func(ctx context.Context, e Event) error {
		got.Store(e)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	m.PublishRedemptionCompleted(ctx, "u-1", models.Reward{ID: "r-1"}, models.Redemption{Code: "ECO-1"})
	cancel()
	m.Wait()

	e, ok := got.Load().(Event)
	require.True(t, ok)
	assert.Equal(t, EventRedemptionCompleted, e.Type)

	data, ok := e.Data.(RedemptionCompletedData)
	require.True(t, ok)
	assert.Equal(t, "ECO-1", data.Redemption.Code)
	assert.Equal(t, "u-1", data.UserID)
}

func TestPublish_HandlerErrorsDoNotStopOthers(t *testing.T) {
	m := NewManager(true, nil)

	var calls atomic.Int32
	m.Subscribe(EventCatalogFailed, func(ctx context.Context, e Event) error {
		calls.Add(1)
		return errors.New("boom")
	})
	m.Subscribe(EventCatalogFailed, func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})

	m.PublishCatalogFailed(context.Background(), "u-1", models.CategoryAll, errors.New("offline"))
	m.Wait()

	assert.Equal(t, int32(2), calls.Load())
}

func TestDisabledManagerIgnoresEverything(t *testing.T) {
	m := NewManager(false, nil)

	var calls atomic.Int32
	m.Subscribe(EventCatalogLoaded, func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	m.PublishCatalogLoaded(context.Background(), "u-1", models.CategoryAll, 3)
	m.Wait()

	assert.Equal(t, int32(0), calls.Load())
}

func TestShutdown_StopsDelivery(t *testing.T) {
	m := NewManager(true, nil)

	var calls atomic.Int32
	m.Subscribe(EventCatalogLoaded, func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	m.Shutdown()
	m.PublishCatalogLoaded(context.Background(), "u-1", models.CategoryAll, 3)
	m.Wait()

	assert.Equal(t, int32(0), calls.Load())
}

func TestWait_ConcurrentWithPublish(t *testing.T) {
	m := NewManager(true, nil)

	var calls atomic.Int32
	m.Subscribe(EventCatalogLoaded, func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})

	const publishers, perPublisher = 8, 50
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				m.PublishCatalogLoaded(context.Background(), "u-1", models.CategoryAll, j)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				m.Wait()
			}
		}()
	}
	wg.Wait()
	m.Wait()

	assert.Equal(t, int32(publishers*perPublisher), calls.Load())
}

func TestNilManagerIsSafe(t *testing.T) {
	var m *Manager
	assert.NotPanics(t, func() {
		m.PublishCatalogLoaded(context.Background(), "u-1", models.CategoryAll, 0)
	})
}

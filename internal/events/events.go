package events

import (
	"context"
	"sync"
	"time"

	"ecopuntos-rewards/internal/models"
	"ecopuntos-rewards/internal/observability"
)

// EventType represents the type of event.
type EventType string

const (
	// EventCatalogLoaded is emitted when a catalog fetch is applied to a store
	EventCatalogLoaded EventType = "catalog.loaded"
	// EventCatalogFailed is emitted when a catalog fetch fails
	EventCatalogFailed EventType = "catalog.failed"
	// EventRedemptionCompleted is emitted after the backend confirms a redemption
	EventRedemptionCompleted EventType = "redemption.completed"
	// EventRedemptionFailed is emitted when the backend rejects a redemption
	EventRedemptionFailed EventType = "redemption.failed"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// CatalogLoadedData contains data for catalog loaded events.
type CatalogLoadedData struct {
	UserID   string
	Category models.Category
	Count    int
}

// CatalogFailedData contains data for catalog failed events.
type CatalogFailedData struct {
	UserID   string
	Category models.Category
	Err      error
}

// RedemptionCompletedData contains data for redemption completed events.
type RedemptionCompletedData struct {
	UserID     string
	Reward     models.Reward
	Redemption models.Redemption
}

// RedemptionFailedData contains data for redemption failed events.
type RedemptionFailedData struct {
	UserID string
	Reward models.Reward
	Err    error
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
	logger   *observability.Logger

	// pending counts running handlers. Wait may run concurrently with Publish.
	pendingMu sync.Mutex
	idle      *sync.Cond
	pending   int
}

// NewManager creates a new event manager.
func NewManager(enabled bool, logger *observability.Logger) *Manager {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	m := &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
		logger:   logger,
	}
	m.idle = sync.NewCond(&m.pendingMu)
	return m
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}

	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish publishes an event to all subscribed handlers. Handlers run on
// their own goroutines and must not rely on the caller's context staying
// alive.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	if m == nil {
		return
	}

	m.mu.RLock()
	if !m.enabled {
		m.mu.RUnlock()
		return
	}
	handlers := m.handlers[eventType]
	m.started(len(handlers))
	m.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	hctx := context.WithoutCancel(ctx)
	for _, handler := range handlers {
		go func(h Handler) {
			defer m.finished()
			if err := h(hctx, event); err != nil {
				m.logger.Error(observability.WithFields(hctx,
					observability.Field{Key: "event_type", Value: string(eventType)},
				), "event handler failed", err)
			}
		}(handler)
	}
}

// PublishCatalogLoaded publishes a catalog loaded event.
func (m *Manager) PublishCatalogLoaded(ctx context.Context, userID string, category models.Category, count int) {
	m.Publish(ctx, EventCatalogLoaded, CatalogLoadedData{
		UserID:   userID,
		Category: category,
		Count:    count,
	})
}

// PublishCatalogFailed publishes a catalog failed event.
func (m *Manager) PublishCatalogFailed(ctx context.Context, userID string, category models.Category, err error) {
	m.Publish(ctx, EventCatalogFailed, CatalogFailedData{
		UserID:   userID,
		Category: category,
		Err:      err,
	})
}

// PublishRedemptionCompleted publishes a redemption completed event.
func (m *Manager) PublishRedemptionCompleted(ctx context.Context, userID string, reward models.Reward, redemption models.Redemption) {
	m.Publish(ctx, EventRedemptionCompleted, RedemptionCompletedData{
		UserID:     userID,
		Reward:     reward,
		Redemption: redemption,
	})
}

// PublishRedemptionFailed publishes a redemption failed event.
func (m *Manager) PublishRedemptionFailed(ctx context.Context, userID string, reward models.Reward, err error) {
	m.Publish(ctx, EventRedemptionFailed, RedemptionFailedData{
		UserID: userID,
		Reward: reward,
		Err:    err,
	})
}

func (m *Manager) started(n int) {
	m.pendingMu.Lock()
	m.pending += n
	m.pendingMu.Unlock()
}

func (m *Manager) finished() {
	m.pendingMu.Lock()
	m.pending--
	if m.pending == 0 {
		m.idle.Broadcast()
	}
	m.pendingMu.Unlock()
}

// Wait blocks until no handler is running. Events published while waiting
// are waited for too.
func (m *Manager) Wait() {
	m.pendingMu.Lock()
	for m.pending > 0 {
		m.idle.Wait()
	}
	m.pendingMu.Unlock()
}

// Shutdown stops accepting events and waits for running handlers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
	m.mu.Unlock()

	m.Wait()
}

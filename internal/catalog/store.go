// Package catalog keeps a client-side mirror of the backend reward
// catalog. The backend stays the source of truth: every mutation is a
// round-trip first and a cache reconciliation second.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ecopuntos-rewards/internal/cache"
	"ecopuntos-rewards/internal/events"
	"ecopuntos-rewards/internal/metrics"
	"ecopuntos-rewards/internal/models"
	"ecopuntos-rewards/internal/observability"
	"ecopuntos-rewards/internal/tracing"
	"ecopuntos-rewards/internal/validation"
)

var (
	// ErrSuperseded is returned when a newer fetch was issued while this
	// one was in flight; its response was dropped.
	ErrSuperseded = errors.New("catalog: response superseded by a newer fetch")
	ErrClosed     = errors.New("catalog: store closed")
	ErrNotCached  = errors.New("catalog: reward not in cache")
)

// Backend is the slice of the REST client the store needs.
type Backend interface {
	ListRewards(ctx context.Context, category models.Category) ([]models.Reward, error)
	CreateReward(ctx context.Context, reward models.Reward) (models.Reward, error)
	UpdateReward(ctx context.Context, reward models.Reward) (models.Reward, error)
	DeleteReward(ctx context.Context, id string) error
}

// Status tags the variant of a State.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusLoaded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusLoaded:
		return "loaded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is a point-in-time view of the store.
//
//	Idle                      nothing fetched yet
//	Loading                   a fetch is in flight; Items holds the previous list
//	Loaded(items, fetchedAt)  last fetch succeeded
//	Failed(err, lastGood)     last fetch failed; Items holds the last good list
type State struct {
	Status    Status
	Items     []models.Reward
	Category  models.Category // scope the Items were fetched for
	FetchedAt time.Time
	Stale     bool // Items did not come from the latest fetch
	Err       error
}

type snapshot struct {
	Items     []models.Reward `json:"items"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Option configures a Store.
type Option func(*Store)

// WithSnapshots persists every successful full-catalog load under key.
func WithSnapshots(c cache.Cache, key string, ttl time.Duration) Option {
	return func(s *Store) {
		s.snapshots = c
		s.snapshotKey = key
		s.snapshotTTL = ttl
	}
}

func WithLogger(l *observability.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithEvents publishes load outcomes. owner is asked for the user id at
// publish time.
func WithEvents(m *events.Manager, owner func() string) Option {
	return func(s *Store) {
		s.events = m
		s.owner = owner
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the reward cache of one session.
type Store struct {
	backend Backend

	snapshots   cache.Cache
	snapshotKey string
	snapshotTTL time.Duration

	logger  *observability.Logger
	events  *events.Manager
	metrics *metrics.Metrics
	owner   func() string
	now     func() time.Time

	mu         sync.RWMutex
	state      State
	generation uint64
	closed     bool
}

// New creates an empty store in the Idle state.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		logger:  observability.NewNopLogger(),
		now:     time.Now,
		state:   State{Status: StatusIdle, Category: models.CategoryAll},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns a copy of the current state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyStateLocked()
}

func (s *Store) copyStateLocked() State {
	st := s.state
	st.Items = slices.Clone(s.state.Items)
	if st.Items == nil {
		st.Items = []models.Reward{}
	}
	return st
}

// Load fetches the whole catalog.
func (s *Store) Load(ctx context.Context) (State, error) {
	return s.fetch(ctx, models.CategoryAll)
}

// LoadByCategory fetches a server-side filtered catalog. The result
// replaces the whole cache, so items outside category are no longer held.
func (s *Store) LoadByCategory(ctx context.Context, category models.Category) (State, error) {
	if err := validation.ValidateCategory(category); err != nil {
		return s.State(), err
	}
	if category.IsAll() {
		category = models.CategoryAll
	}
	return s.fetch(ctx, category)
}

func (s *Store) fetch(ctx context.Context, scope models.Category) (State, error) {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "catalog_scope", Value: string(scope)},
	)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return State{}, ErrClosed
	}
	s.generation++
	gen := s.generation
	prevStatus, prevErr := s.state.Status, s.state.Err
	s.state.Status = StatusLoading
	s.mu.Unlock()

	ctx, span := tracing.GetTracer().StartSpan(ctx, "catalog.fetch",
		trace.WithAttributes(attribute.String("catalog.scope", string(scope))),
	)
	items, fetchErr := s.backend.ListRewards(ctx, scope)
	span.End()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.metrics.CatalogDiscarded()
		return State{}, ErrClosed
	}
	if gen != s.generation {
		st := s.copyStateLocked()
		s.mu.Unlock()
		s.metrics.CatalogDiscarded()
		s.logger.Debug(ctx, "dropping superseded catalog response")
		return st, ErrSuperseded
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		// The caller went away; leave the cache as it was before this fetch.
		s.state.Status, s.state.Err = prevStatus, prevErr
		st := s.copyStateLocked()
		s.mu.Unlock()
		s.metrics.CatalogDiscarded()
		return st, ctxErr
	}

	if fetchErr != nil {
		s.state.Status = StatusFailed
		s.state.Err = fetchErr
		s.state.Stale = len(s.state.Items) > 0
		st := s.copyStateLocked()
		s.mu.Unlock()

		s.metrics.CatalogFetch(string(scope), "error")
		s.logger.WarnWithError(ctx, "catalog fetch failed", fetchErr)
		s.events.PublishCatalogFailed(ctx, s.ownerID(), scope, fetchErr)
		return st, fmt.Errorf("load catalog: %w", fetchErr)
	}

	valid := s.sanitize(ctx, items)
	fetchedAt := s.now()
	s.state = State{
		Status:    StatusLoaded,
		Items:     valid,
		Category:  scope,
		FetchedAt: fetchedAt,
	}
	st := s.copyStateLocked()
	s.mu.Unlock()

	s.metrics.CatalogFetch(string(scope), "ok")
	s.events.PublishCatalogLoaded(ctx, s.ownerID(), scope, len(valid))

	if scope == models.CategoryAll {
		s.writeSnapshot(ctx, snapshot{Items: valid, FetchedAt: fetchedAt})
	}

	return st, nil
}

func (s *Store) ownerID() string {
	if s.owner == nil {
		return ""
	}
	return s.owner()
}

// sanitize drops records the flow must never compute on.
func (s *Store) sanitize(ctx context.Context, items []models.Reward) []models.Reward {
	valid := make([]models.Reward, 0, len(items))
	for _, item := range items {
		item = validation.SanitizeReward(item)
		if err := validation.ValidateReward(item); err != nil {
			s.logger.WarnWithError(observability.WithFields(ctx,
				observability.Field{Key: "reward_id", Value: item.ID},
			), "dropping invalid reward from catalog", err)
			continue
		}
		valid = append(valid, item)
	}
	return valid
}

func (s *Store) writeSnapshot(ctx context.Context, snap snapshot) {
	if s.snapshots == nil {
		return
	}
	if err := cache.SetJSON(ctx, s.snapshots, s.snapshotKey, snap, s.snapshotTTL); err != nil {
		s.logger.WarnWithError(ctx, "failed to persist catalog snapshot", err)
	}
}

// Restore seeds the cache from the persisted snapshot. It only applies
// when no fetch result has been applied yet, and marks the items stale.
// It reports whether a snapshot was applied.
func (s *Store) Restore(ctx context.Context) (bool, error) {
	if s.snapshots == nil {
		return false, nil
	}

	var snap snapshot
	if err := cache.GetJSON(ctx, s.snapshots, s.snapshotKey, &snap); err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("read catalog snapshot: %w", err)
	}

	valid := s.sanitize(ctx, snap.Items)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}
	if !s.state.FetchedAt.IsZero() {
		return false, nil
	}

	s.state.Items = valid
	s.state.Category = models.CategoryAll
	s.state.FetchedAt = snap.FetchedAt
	s.state.Stale = true
	if s.state.Status == StatusIdle {
		s.state.Status = StatusLoaded
	}
	return true, nil
}

// Filter returns the cached rewards in category. "all" returns every
// cached reward. An empty result is a valid state, not an error.
func (s *Store) Filter(category models.Category) []models.Reward {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Reward, 0, len(s.state.Items))
	for _, item := range s.state.Items {
		if category.IsAll() || item.Category == category {
			out = append(out, item)
		}
	}
	return out
}

// Lookup finds a cached reward by id.
func (s *Store) Lookup(id string) (models.Reward, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, item := range s.state.Items {
		if item.ID == id {
			return item, true
		}
	}
	return models.Reward{}, false
}

// Create creates a reward on the backend and appends the stored record.
func (s *Store) Create(ctx context.Context, reward models.Reward) (models.Reward, error) {
	reward = validation.SanitizeReward(reward)
	if err := validation.ValidateNewReward(reward); err != nil {
		return models.Reward{}, err
	}

	created, err := s.backend.CreateReward(ctx, reward)
	if err != nil {
		return models.Reward{}, fmt.Errorf("create reward: %w", err)
	}
	created = validation.SanitizeReward(created)
	if err := validation.ValidateReward(created); err != nil {
		return models.Reward{}, fmt.Errorf("create reward: backend returned invalid record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return created, ErrClosed
	}
	if s.state.Category.IsAll() || s.state.Category == created.Category {
		s.state.Items = append(slices.Clone(s.state.Items), created)
	}
	return created, nil
}

// Patch applies a partial update to a cached reward and sends the merged
// record through Update. Rewards outside the cache are ErrNotCached.
func (s *Store) Patch(ctx context.Context, id string, patch models.RewardPatch) (models.Reward, error) {
	id = validation.SanitizeString(id)
	current, ok := s.Lookup(id)
	if !ok {
		return models.Reward{}, fmt.Errorf("update reward %s: %w", id, ErrNotCached)
	}
	return s.Update(ctx, patch.Apply(current))
}

// Update replaces a reward on the backend with the full record and
// replaces the cached record with the same id.
func (s *Store) Update(ctx context.Context, reward models.Reward) (models.Reward, error) {
	reward = validation.SanitizeReward(reward)
	if err := validation.ValidateReward(reward); err != nil {
		return models.Reward{}, err
	}

	updated, err := s.backend.UpdateReward(ctx, reward)
	if err != nil {
		return models.Reward{}, fmt.Errorf("update reward %s: %w", reward.ID, err)
	}
	updated = validation.SanitizeReward(updated)
	if err := validation.ValidateReward(updated); err != nil {
		return models.Reward{}, fmt.Errorf("update reward %s: backend returned invalid record: %w", reward.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return updated, ErrClosed
	}

	items := slices.Clone(s.state.Items)
	for i := range items {
		if items[i].ID != updated.ID {
			continue
		}
		if s.state.Category.IsAll() || s.state.Category == updated.Category {
			items[i] = updated
		} else {
			items = slices.Delete(items, i, i+1)
		}
		break
	}
	s.state.Items = items
	return updated, nil
}

// Delete removes a reward on the backend and drops it from the cache.
func (s *Store) Delete(ctx context.Context, id string) error {
	id = validation.SanitizeString(id)
	if id == "" {
		return &validation.ValidationError{Field: "id", Message: "is required"}
	}

	if err := s.backend.DeleteReward(ctx, id); err != nil {
		return fmt.Errorf("delete reward %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.state.Items = slices.DeleteFunc(slices.Clone(s.state.Items), func(r models.Reward) bool {
		return r.ID == id
	})
	return nil
}

// Close detaches the store. Responses that arrive afterwards are dropped.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

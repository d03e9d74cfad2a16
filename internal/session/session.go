// Package session keeps one set of state containers per bearer token:
// a backend client bound to the token, the account, the reward catalog
// and the redemption flow. Nothing is shared between sessions except the
// catalog snapshot cache.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"ecopuntos-rewards/internal/account"
	"ecopuntos-rewards/internal/backend"
	"ecopuntos-rewards/internal/cache"
	"ecopuntos-rewards/internal/catalog"
	"ecopuntos-rewards/internal/events"
	"ecopuntos-rewards/internal/features"
	"ecopuntos-rewards/internal/metrics"
	"ecopuntos-rewards/internal/models"
	"ecopuntos-rewards/internal/observability"
	"ecopuntos-rewards/internal/redemption"
	"ecopuntos-rewards/internal/restoration"
)

const (
	defaultIdleTimeout = 30 * time.Minute
	defaultSnapshotKey = "catalog:all"
	defaultSnapshotTTL = 24 * time.Hour
	defaultSweepEvery  = time.Minute
)

var (
	ErrMissingToken = errors.New("session: bearer token is required")
	ErrClosed       = errors.New("session: manager closed")
)

// Backend is the per-token client a session talks through.
type Backend interface {
	catalog.Backend
	account.UserSource
	redemption.Redeemer
}

// Dialer binds a backend client to a bearer token.
type Dialer func(token string) Backend

// ClientDialer adapts a shared backend client.
func ClientDialer(c *backend.Client) Dialer {
	return func(token string) Backend { return c.WithToken(token) }
}

// Options holds the shared collaborators handed to every session.
type Options struct {
	IdleTimeout time.Duration
	SweepEvery  time.Duration
	Snapshots   cache.Cache
	SnapshotKey string
	SnapshotTTL time.Duration
	Restoration *restoration.Tracker
	Features    *features.Manager
	Events      *events.Manager
	Metrics     *metrics.Metrics
	Logger      *observability.Logger
}

// Session is the state of one signed-in user.
type Session struct {
	ID      string
	Account *account.Account
	Catalog *catalog.Store
	Flow    *redemption.Flow

	features *features.Manager
	lastSeen atomic.Int64
}

func (s *Session) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

// LastSeen reports when the session was last used.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// RefreshCatalog reloads the catalog. With server-side filtering enabled a
// concrete category is fetched on its own; otherwise the whole catalog is
// loaded and filtered locally by the caller.
func (s *Session) RefreshCatalog(ctx context.Context, category models.Category) (catalog.State, error) {
	if !category.IsAll() && s.features.IsEnabled(features.FeatureServerSideCategoryFilter) {
		return s.Catalog.LoadByCategory(ctx, category)
	}
	return s.Catalog.Load(ctx)
}

// SelectReward opens the redemption detail for a cached reward.
func (s *Session) SelectReward(rewardID string) error {
	reward, ok := s.Catalog.Lookup(rewardID)
	if !ok {
		return fmt.Errorf("%w: %s", catalog.ErrNotCached, rewardID)
	}
	return s.Flow.Select(reward)
}

func (s *Session) close() {
	s.Flow.Close()
	s.Catalog.Close()
}

// Manager owns the sessions of the process.
type Manager struct {
	dial Dialer
	opts Options
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(dial Dialer, opts Options) *Manager {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = defaultSweepEvery
	}
	if opts.SnapshotKey == "" {
		opts.SnapshotKey = defaultSnapshotKey
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = defaultSnapshotTTL
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	return &Manager{
		dial:     dial,
		opts:     opts,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Open returns the session for token, creating and bootstrapping it on
// first use. Bootstrapping refreshes the account and loads the catalog
// concurrently. An account failure fails the open; a catalog failure
// leaves the store in its Failed state for the client to retry.
func (m *Manager) Open(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	id := sessionID(token)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if s, ok := m.sessions[id]; ok {
		s.touch(m.now())
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	ctx = observability.WithFields(ctx, observability.Field{Key: "session_id", Value: id})
	s := m.build(id, m.dial(token))

	if err := m.bootstrap(ctx, s); err != nil {
		s.close()
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		s.close()
		return nil, ErrClosed
	}
	if existing, ok := m.sessions[id]; ok {
		// A concurrent request for the same token won the race.
		s.close()
		existing.touch(m.now())
		return existing, nil
	}
	s.touch(m.now())
	m.sessions[id] = s
	m.opts.Metrics.SetActiveSessions(len(m.sessions))
	m.opts.Logger.Info(ctx, "session opened")
	return s, nil
}

func (m *Manager) build(id string, client Backend) *Session {
	var suspensions account.SuspensionRecorder
	if m.opts.Restoration != nil {
		suspensions = m.opts.Restoration
	}
	acct := account.New(client, suspensions, m.opts.Logger)

	storeOpts := []catalog.Option{
		catalog.WithLogger(m.opts.Logger),
		catalog.WithEvents(m.opts.Events, acct.ID),
		catalog.WithMetrics(m.opts.Metrics),
	}
	if m.opts.Snapshots != nil && m.opts.Features.IsEnabled(features.FeatureCatalogSnapshots) {
		storeOpts = append(storeOpts, catalog.WithSnapshots(m.opts.Snapshots, m.opts.SnapshotKey, m.opts.SnapshotTTL))
	}

	return &Session{
		ID:      id,
		Account: acct,
		Catalog: catalog.New(client, storeOpts...),
		Flow: redemption.New(client, acct,
			redemption.WithLogger(m.opts.Logger),
			redemption.WithEvents(m.opts.Events),
			redemption.WithMetrics(m.opts.Metrics),
		),
		features: m.opts.Features,
	}
}

func (m *Manager) bootstrap(ctx context.Context, s *Session) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		_, err := s.Account.Refresh(gctx)
		return err
	})

	g.Go(func() error {
		if _, err := s.Catalog.Restore(gctx); err != nil {
			m.opts.Logger.WarnWithError(gctx, "catalog snapshot restore failed", err)
		}
		if _, err := s.Catalog.Load(gctx); err != nil {
			m.opts.Logger.WarnWithError(gctx, "initial catalog load failed", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	return nil
}

// Sweep closes sessions idle for longer than the idle timeout and returns
// how many were closed.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if now.Sub(s.LastSeen()) > m.opts.IdleTimeout {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.opts.Metrics.SetActiveSessions(len(m.sessions))
	m.mu.Unlock()

	for _, s := range expired {
		s.close()
	}
	return len(expired)
}

// Run sweeps idle sessions and ended suspensions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := m.now()
			if n := m.Sweep(now); n > 0 {
				m.opts.Logger.Debug(observability.WithFields(ctx,
					observability.Field{Key: "expired", Value: n},
				), "closed idle sessions")
			}
			if m.opts.Restoration != nil {
				if _, err := m.opts.Restoration.Purge(ctx, now); err != nil {
					m.opts.Logger.WarnWithError(ctx, "failed to purge ended suspensions", err)
				}
			}
		}
	}
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close closes every session and refuses new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.closed = true
	m.opts.Metrics.SetActiveSessions(0)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// sessionID derives a stable identifier that is safe to log.
func sessionID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// Package account holds the authenticated user and their point balance.
// The balance is owned by the backend and only ever replaced by values
// the backend reported.
package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ecopuntos-rewards/internal/models"
	"ecopuntos-rewards/internal/observability"
)

var (
	ErrNotLoaded      = errors.New("account: user not loaded")
	ErrInvalidBalance = errors.New("account: backend reported a negative balance")
)

// UserSource reads the current user.
type UserSource interface {
	CurrentUser(ctx context.Context) (models.User, error)
}

// SuspensionRecorder receives the suspension end reported by the backend.
// Clear is called when the backend reports no suspension.
type SuspensionRecorder interface {
	Record(ctx context.Context, userID string, until time.Time) error
	Clear(ctx context.Context, userID string) error
}

type Account struct {
	source      UserSource
	suspensions SuspensionRecorder
	logger      *observability.Logger

	mu     sync.RWMutex
	user   models.User
	loaded bool
}

// New creates an account that has not been loaded yet. suspensions may be nil.
func New(source UserSource, suspensions SuspensionRecorder, logger *observability.Logger) *Account {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Account{source: source, suspensions: suspensions, logger: logger}
}

// Refresh reads the current user from the backend and replaces the
// cached copy. On failure the previous copy stays in place.
func (a *Account) Refresh(ctx context.Context) (models.User, error) {
	user, err := a.source.CurrentUser(ctx)
	if err != nil {
		return models.User{}, fmt.Errorf("refresh account: %w", err)
	}
	if user.Points < 0 {
		return models.User{}, fmt.Errorf("refresh account %s: %w", user.ID, ErrInvalidBalance)
	}

	a.mu.Lock()
	a.user = user
	a.loaded = true
	a.mu.Unlock()

	a.syncSuspension(ctx, user)
	return user, nil
}

// syncSuspension mirrors the reported suspension into the recorder. A
// suspension lifted on the backend is cleared locally.
func (a *Account) syncSuspension(ctx context.Context, user models.User) {
	if a.suspensions == nil {
		return
	}

	var err error
	if user.SuspendedUntil != nil {
		err = a.suspensions.Record(ctx, user.ID, *user.SuspendedUntil)
	} else {
		err = a.suspensions.Clear(ctx, user.ID)
	}
	if err != nil {
		a.logger.WarnWithError(observability.WithFields(ctx,
			observability.Field{Key: "user_id", Value: user.ID},
		), "failed to sync suspension", err)
	}
}

// User returns the cached user.
func (a *Account) User() (models.User, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.loaded {
		return models.User{}, ErrNotLoaded
	}
	return a.user, nil
}

// ID returns the cached user id, or "" before the first refresh.
func (a *Account) ID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.user.ID
}

// Points returns the cached balance.
func (a *Account) Points() (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.loaded {
		return 0, ErrNotLoaded
	}
	return a.user.Points, nil
}

// ApplyRedemption replaces the cached balance with the balance the backend
// reported after a confirmed redemption.
func (a *Account) ApplyRedemption(r models.Redemption) error {
	if r.Balance < 0 {
		return ErrInvalidBalance
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.loaded {
		return ErrNotLoaded
	}
	a.user.Points = r.Balance
	return nil
}

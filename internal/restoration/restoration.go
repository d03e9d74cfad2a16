// Package restoration tracks account suspensions and reports how long is
// left until an account is restored.
package restoration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ecopuntos-rewards/internal/database"
	"ecopuntos-rewards/internal/models"
	"ecopuntos-rewards/internal/observability"
)

// Repository is the persistence the tracker needs.
type Repository interface {
	UpsertSuspension(ctx context.Context, s models.Suspension) error
	GetSuspension(ctx context.Context, userID string) (models.Suspension, error)
	DeleteSuspension(ctx context.Context, userID string) error
	DeleteSuspensionsBefore(ctx context.Context, t time.Time) (int64, error)
}

// Status is the countdown shown while an account is suspended. Remaining
// is split into whole days, hours and minutes, rounded up to the minute.
type Status struct {
	Suspended bool
	Until     time.Time
	Remaining time.Duration
	Days      int
	Hours     int
	Minutes   int
}

type Tracker struct {
	repo   Repository
	logger *observability.Logger
	now    func() time.Time
}

func NewTracker(repo Repository, logger *observability.Logger) *Tracker {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Tracker{repo: repo, logger: logger, now: time.Now}
}

// Record stores a suspension ending at until. An until in the past clears
// any stored suspension instead.
func (t *Tracker) Record(ctx context.Context, userID string, until time.Time) error {
	if userID == "" {
		return fmt.Errorf("record suspension: user id is required")
	}

	now := t.now()
	if !until.After(now) {
		return t.repo.DeleteSuspension(ctx, userID)
	}

	err := t.repo.UpsertSuspension(ctx, models.Suspension{
		UserID:         userID,
		SuspendedUntil: until,
		RecordedAt:     now,
	})
	if err != nil {
		return fmt.Errorf("record suspension: %w", err)
	}

	t.logger.Info(observability.WithFields(ctx,
		observability.Field{Key: "user_id", Value: userID},
		observability.Field{Key: "suspended_until", Value: until},
	), "account suspension recorded")
	return nil
}

// Clear removes any stored suspension of userID.
func (t *Tracker) Clear(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("clear suspension: user id is required")
	}
	if err := t.repo.DeleteSuspension(ctx, userID); err != nil {
		return fmt.Errorf("clear suspension: %w", err)
	}
	return nil
}

// Status reports the countdown for userID at now. A suspension that has
// already ended is deleted and reported as restored.
func (t *Tracker) Status(ctx context.Context, userID string, now time.Time) (Status, error) {
	s, err := t.repo.GetSuspension(ctx, userID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return Status{}, nil
		}
		return Status{}, fmt.Errorf("suspension status: %w", err)
	}

	if !s.SuspendedUntil.After(now) {
		if err := t.repo.DeleteSuspension(ctx, userID); err != nil {
			t.logger.WarnWithError(ctx, "failed to clear ended suspension", err)
		}
		return Status{}, nil
	}

	return countdown(s.SuspendedUntil, now), nil
}

// Purge deletes every suspension that has ended by now.
func (t *Tracker) Purge(ctx context.Context, now time.Time) (int64, error) {
	return t.repo.DeleteSuspensionsBefore(ctx, now)
}

func countdown(until, now time.Time) Status {
	remaining := until.Sub(now)
	minutes := int((remaining + time.Minute - 1) / time.Minute)

	return Status{
		Suspended: true,
		Until:     until,
		Remaining: remaining,
		Days:      minutes / (24 * 60),
		Hours:     (minutes / 60) % 24,
		Minutes:   minutes % 60,
	}
}

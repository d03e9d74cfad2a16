// Package redemption implements the reward redemption dialog sequence:
//
//	Idle -> DetailShown -> ConfirmShown -> Completed -> Idle
//
// Cancel returns any shown phase to Idle. Completion is only declared after
// the backend confirmed the debit and issued a code.
package redemption

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ecopuntos-rewards/internal/events"
	"ecopuntos-rewards/internal/metrics"
	"ecopuntos-rewards/internal/models"
	"ecopuntos-rewards/internal/observability"
	"ecopuntos-rewards/internal/points"
	"ecopuntos-rewards/internal/tracing"
	"ecopuntos-rewards/internal/validation"
)

var (
	ErrNoSelection        = errors.New("redemption: no reward selected")
	ErrInsufficientPoints = errors.New("redemption: insufficient points")
	ErrInvalidTransition  = errors.New("redemption: invalid transition")
	// ErrInFlight is returned while a confirmation is waiting on the backend.
	ErrInFlight = errors.New("redemption: confirmation in progress")
	ErrClosed   = errors.New("redemption: flow closed")
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDetailShown
	PhaseConfirmShown
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDetailShown:
		return "detail_shown"
	case PhaseConfirmShown:
		return "confirm_shown"
	case PhaseCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Redeemer performs the authoritative debit-and-issue-code call.
type Redeemer interface {
	Redeem(ctx context.Context, rewardID, idempotencyKey string) (models.Redemption, error)
}

// Account is the balance owner. The flow reads the balance and hands back
// the balance confirmed by the backend.
type Account interface {
	ID() string
	Refresh(ctx context.Context) (models.User, error)
	Points() (int, error)
	ApplyRedemption(r models.Redemption) error
}

// View is what the dialogs render. Quote is recomputed on every call.
type View struct {
	Phase       Phase
	Reward      *models.Reward
	Quote       *points.Quote
	Err         error
	LastReceipt *models.Redemption
}

type Option func(*Flow)

func WithLogger(l *observability.Logger) Option {
	return func(f *Flow) { f.logger = l }
}

func WithEvents(m *events.Manager) Option {
	return func(f *Flow) { f.events = m }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Flow) { f.metrics = m }
}

// WithKeyGenerator replaces the idempotency key source.
func WithKeyGenerator(gen func() string) Option {
	return func(f *Flow) { f.newKey = gen }
}

type Flow struct {
	redeemer Redeemer
	account  Account

	logger  *observability.Logger
	events  *events.Manager
	metrics *metrics.Metrics
	newKey  func() string

	mu          sync.Mutex
	phase       Phase
	reward      models.Reward
	key         string
	lastErr     error
	lastReceipt *models.Redemption
	inFlight    bool
	closed      bool
}

func New(redeemer Redeemer, account Account, opts ...Option) *Flow {
	f := &Flow{
		redeemer: redeemer,
		account:  account,
		logger:   observability.NewNopLogger(),
		newKey:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Select opens the detail dialog for reward. A new selection starts a new
// redemption intent with its own idempotency key.
func (f *Flow) Select(reward models.Reward) error {
	if err := validation.ValidateReward(reward); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkUsableLocked(); err != nil {
		return err
	}
	if f.phase != PhaseIdle {
		return fmt.Errorf("%w: select from %s", ErrInvalidTransition, f.phase)
	}

	f.reward = reward
	f.key = f.newKey()
	f.lastErr = nil
	f.phase = PhaseDetailShown
	return nil
}

// RequestRedeem moves from the detail dialog to the confirmation dialog.
// It is refused while the balance does not cover the reward.
func (f *Flow) RequestRedeem() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkUsableLocked(); err != nil {
		return err
	}
	switch f.phase {
	case PhaseIdle:
		return ErrNoSelection
	case PhaseDetailShown:
	default:
		return fmt.Errorf("%w: request redeem from %s", ErrInvalidTransition, f.phase)
	}

	if err := f.checkAffordableLocked(); err != nil {
		f.lastErr = err
		return err
	}

	f.lastErr = nil
	f.phase = PhaseConfirmShown
	return nil
}

// Confirm re-checks the balance and asks the backend to redeem the
// selected reward. On success the backend's balance is applied and the
// flow returns to Idle. On failure it falls back to DetailShown with the
// reason and the balance is left as it was.
func (f *Flow) Confirm(ctx context.Context) (models.Redemption, error) {
	f.mu.Lock()
	if err := f.checkUsableLocked(); err != nil {
		f.mu.Unlock()
		return models.Redemption{}, err
	}
	switch f.phase {
	case PhaseIdle:
		f.mu.Unlock()
		return models.Redemption{}, ErrNoSelection
	case PhaseConfirmShown:
	default:
		phase := f.phase
		f.mu.Unlock()
		return models.Redemption{}, fmt.Errorf("%w: confirm from %s", ErrInvalidTransition, phase)
	}

	reward, key := f.reward, f.key
	f.inFlight = true
	f.mu.Unlock()

	ctx = observability.WithFields(ctx,
		observability.Field{Key: "reward_id", Value: reward.ID},
		observability.Field{Key: "idempotency_key", Value: key},
	)

	// The balance may have moved on the server since the confirmation
	// dialog opened. When the refresh fails the cached balance is checked
	// and the backend rejects an unaffordable redeem on its own.
	if _, err := f.account.Refresh(ctx); err != nil {
		f.logger.WarnWithError(ctx, "balance refresh before confirm failed", err)
	}

	f.mu.Lock()
	if f.closed {
		f.inFlight = false
		f.mu.Unlock()
		return models.Redemption{}, ErrClosed
	}
	if err := f.checkAffordableLocked(); err != nil {
		f.inFlight = false
		f.phase = PhaseDetailShown
		f.lastErr = err
		f.mu.Unlock()
		f.metrics.Redemption("insufficient_points")
		return models.Redemption{}, err
	}
	f.mu.Unlock()

	ctx, span := tracing.GetTracer().StartSpan(ctx, "redemption.confirm",
		trace.WithAttributes(
			attribute.String("reward.id", reward.ID),
			attribute.Int("reward.points", reward.Points),
		),
	)
	defer span.End()

	result, err := f.redeemer.Redeem(ctx, reward.ID, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "redeem failed")
	}

	f.mu.Lock()
	f.inFlight = false
	if f.closed {
		f.mu.Unlock()
		return models.Redemption{}, ErrClosed
	}

	if err != nil {
		f.phase = PhaseDetailShown
		f.lastErr = err
		f.mu.Unlock()

		f.metrics.Redemption("failed")
		f.logger.WarnWithError(ctx, "redemption failed", err)
		f.events.PublishRedemptionFailed(ctx, f.account.ID(), reward, err)
		return models.Redemption{}, fmt.Errorf("redeem %s: %w", reward.ID, err)
	}

	f.phase = PhaseCompleted
	if applyErr := f.account.ApplyRedemption(result); applyErr != nil {
		f.logger.WarnWithError(ctx, "redemption confirmed but balance not applied", applyErr)
	}
	receipt := result
	f.lastReceipt = &receipt
	f.lastErr = nil
	f.resetLocked()
	f.mu.Unlock()

	f.metrics.Redemption("completed")
	f.logger.Info(observability.WithFields(ctx,
		observability.Field{Key: "points_spent", Value: result.PointsSpent},
		observability.Field{Key: "balance", Value: result.Balance},
	), "redemption completed")
	f.events.PublishRedemptionCompleted(ctx, f.account.ID(), reward, result)
	return result, nil
}

// Cancel closes any shown dialog. Cancelling from Idle does nothing.
func (f *Flow) Cancel() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkUsableLocked(); err != nil {
		return err
	}
	f.lastErr = nil
	f.resetLocked()
	return nil
}

// View returns the current phase with a freshly computed quote.
func (f *Flow) View() View {
	f.mu.Lock()
	defer f.mu.Unlock()

	v := View{
		Phase: f.phase,
		Err:   f.lastErr,
	}
	if f.lastReceipt != nil {
		receipt := *f.lastReceipt
		v.LastReceipt = &receipt
	}
	if f.phase == PhaseIdle {
		return v
	}

	reward := f.reward
	v.Reward = &reward
	if balance, err := f.account.Points(); err == nil {
		if quote, err := points.Evaluate(reward, balance); err == nil {
			v.Quote = &quote
		}
	}
	return v
}

// Close ends the flow. A confirmation still in flight is not applied.
func (f *Flow) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.resetLocked()
}

func (f *Flow) checkUsableLocked() error {
	if f.closed {
		return ErrClosed
	}
	if f.inFlight {
		return ErrInFlight
	}
	return nil
}

func (f *Flow) checkAffordableLocked() error {
	balance, err := f.account.Points()
	if err != nil {
		return err
	}
	quote, err := points.Evaluate(f.reward, balance)
	if err != nil {
		return err
	}
	if !quote.CanRedeem {
		return fmt.Errorf("%w: %d more needed", ErrInsufficientPoints, quote.PointsNeeded)
	}
	return nil
}

func (f *Flow) resetLocked() {
	f.phase = PhaseIdle
	f.reward = models.Reward{}
	f.key = ""
}

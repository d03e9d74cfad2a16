// Package receipts keeps a local copy of every confirmed redemption.
package receipts

import (
	"context"
	"fmt"
	"time"

	"ecopuntos-rewards/internal/events"
	"ecopuntos-rewards/internal/features"
	"ecopuntos-rewards/internal/models"
	"ecopuntos-rewards/internal/observability"
)

// Store persists receipts.
type Store interface {
	InsertReceipt(ctx context.Context, r models.Receipt) error
}

// Recorder turns redemption.completed events into receipts.
type Recorder struct {
	store    Store
	features *features.Manager
	logger   *observability.Logger
	now      func() time.Time
}

func NewRecorder(store Store, flags *features.Manager, logger *observability.Logger) *Recorder {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Recorder{store: store, features: flags, logger: logger, now: time.Now}
}

// Subscribe registers the recorder on m.
func (r *Recorder) Subscribe(m *events.Manager) {
	m.Subscribe(events.EventRedemptionCompleted, r.Handle)
}

// Handle stores the receipt of a completed redemption. Nothing is written
// while the receipt_history flag is off.
func (r *Recorder) Handle(ctx context.Context, event events.Event) error {
	if !r.features.IsEnabled(features.FeatureReceiptHistory) {
		return nil
	}

	data, ok := event.Data.(events.RedemptionCompletedData)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", event.Data, event.Type)
	}

	receipt := FromRedemption(data.UserID, data.Reward, data.Redemption, event.Timestamp)
	if receipt.RedeemedAt.IsZero() {
		receipt.RedeemedAt = r.now()
	}
	if err := r.store.InsertReceipt(ctx, receipt); err != nil {
		return fmt.Errorf("record receipt %s: %w", receipt.ID, err)
	}

	r.logger.Debug(observability.WithFields(ctx,
		observability.Field{Key: "user_id", Value: receipt.UserID},
		observability.Field{Key: "receipt_id", Value: receipt.ID},
	), "receipt recorded")
	return nil
}

// FromRedemption builds a receipt. The backend timestamp wins over the
// event timestamp when present. A redemption without an id is keyed by
// its code.
func FromRedemption(userID string, reward models.Reward, red models.Redemption, at time.Time) models.Receipt {
	id := red.ID
	if id == "" {
		id = red.Code
	}
	redeemedAt := red.RedeemedAt
	if redeemedAt.IsZero() {
		redeemedAt = at
	}
	rewardID := red.RewardID
	if rewardID == "" {
		rewardID = reward.ID
	}
	return models.Receipt{
		ID:          id,
		UserID:      userID,
		RewardID:    rewardID,
		RewardTitle: reward.Title,
		Code:        red.Code,
		PointsSpent: red.PointsSpent,
		Balance:     red.Balance,
		RedeemedAt:  redeemedAt.UTC(),
	}
}

// Package points holds the affordability arithmetic shared by the reward
// detail and confirmation views. All values are derived from a reward and
// the user's current balance and are recomputed on every call.
package points

import (
	"errors"
	"fmt"

	"ecopuntos-rewards/internal/models"
)

var (
	ErrInvalidCost    = errors.New("points: reward cost must be non-negative")
	ErrInvalidBalance = errors.New("points: balance must be non-negative")
)

// Quote is the affordability of one reward for one balance.
type Quote struct {
	UserPoints   int
	CanRedeem    bool
	PointsNeeded int
	PointsAfter  int
}

func check(reward models.Reward, userPoints int) error {
	if reward.Points < 0 {
		return fmt.Errorf("%w: reward %s costs %d", ErrInvalidCost, reward.ID, reward.Points)
	}
	if userPoints < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidBalance, userPoints)
	}
	return nil
}

// CanRedeem reports whether userPoints covers the reward's cost.
func CanRedeem(reward models.Reward, userPoints int) (bool, error) {
	if err := check(reward, userPoints); err != nil {
		return false, err
	}
	return userPoints >= reward.Points, nil
}

// PointsNeeded returns how many points are missing, zero when affordable.
func PointsNeeded(reward models.Reward, userPoints int) (int, error) {
	if err := check(reward, userPoints); err != nil {
		return 0, err
	}
	return max(0, reward.Points-userPoints), nil
}

// ProjectedBalance returns the balance after redeeming. It may be negative
// when the reward is not affordable; it is only meant for display.
func ProjectedBalance(reward models.Reward, userPoints int) (int, error) {
	if err := check(reward, userPoints); err != nil {
		return 0, err
	}
	return userPoints - reward.Points, nil
}

// Evaluate computes the full quote in one pass.
func Evaluate(reward models.Reward, userPoints int) (Quote, error) {
	if err := check(reward, userPoints); err != nil {
		return Quote{}, err
	}
	return Quote{
		UserPoints:   userPoints,
		CanRedeem:    userPoints >= reward.Points,
		PointsNeeded: max(0, reward.Points-userPoints),
		PointsAfter:  userPoints - reward.Points,
	}, nil
}

package validation

import (
	"fmt"
	"strings"
	"unicode"

	"ecopuntos-rewards/internal/models"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 2000
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// ValidateReward checks a reward coming from or going to the backend.
// A negative cost is invalid data and is never computed on.
func ValidateReward(reward models.Reward) error {
	if SanitizeString(reward.ID) == "" {
		return &ValidationError{
			Field:   "id",
			Message: "is required",
		}
	}

	return validateRewardFields(reward)
}

// ValidateNewReward checks a reward about to be created; the backend
// assigns the id.
func ValidateNewReward(reward models.Reward) error {
	return validateRewardFields(reward)
}

func validateRewardFields(reward models.Reward) error {
	title := SanitizeString(reward.Title)
	if title == "" {
		return &ValidationError{
			Field:   "title",
			Message: "is required",
		}
	}

	if len(title) > maxTitleLength {
		return &ValidationError{
			Field:   "title",
			Message: fmt.Sprintf("cannot exceed %d characters", maxTitleLength),
		}
	}

	if len(reward.Description) > maxDescriptionLength {
		return &ValidationError{
			Field:   "description",
			Message: fmt.Sprintf("cannot exceed %d characters", maxDescriptionLength),
		}
	}

	if reward.Points < 0 {
		return &ValidationError{
			Field:   "points",
			Message: "must be non-negative",
		}
	}

	if reward.Stock < 0 {
		return &ValidationError{
			Field:   "stock",
			Message: "must be non-negative",
		}
	}

	if err := ValidateCategory(reward.Category); err != nil {
		return err
	}

	return nil
}

// ValidateCategory accepts "all", the empty value and the known categories.
func ValidateCategory(category models.Category) error {
	if !category.Valid() {
		return &ValidationError{
			Field:   "category",
			Message: fmt.Sprintf("unknown category %q", string(category)),
		}
	}
	return nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

// SanitizeReward trims control characters from the reward's text fields.
func SanitizeReward(reward models.Reward) models.Reward {
	reward.ID = SanitizeString(reward.ID)
	reward.Title = SanitizeString(reward.Title)
	reward.Description = SanitizeString(reward.Description)
	reward.Category = models.Category(strings.ToLower(SanitizeString(string(reward.Category))))
	return reward
}

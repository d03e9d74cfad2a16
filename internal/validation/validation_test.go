package validation

import (
	"errors"
	"testing"

	"ecopuntos-rewards/internal/models"
)

func TestValidateReward(t *testing.T) {
	valid := models.Reward{
		ID:       "r-1",
		Title:    "Cupón 15%",
		Points:   500,
		Category: models.CategoryDiscounts,
		Stock:    10,
	}

	tests := []struct {
		name      string
		mutate    func(r *models.Reward)
		wantField string
	}{
		{name: "valid reward", mutate: func(r *models.Reward) {}},
		{name: "zero cost is allowed", mutate: func(r *models.Reward) { r.Points = 0 }},
		{name: "unset category is allowed", mutate: func(r *models.Reward) { r.Category = "" }},
		{name: "missing id", mutate: func(r *models.Reward) { r.ID = "  " }, wantField: "id"},
		{name: "missing title", mutate: func(r *models.Reward) { r.Title = "" }, wantField: "title"},
		{name: "negative points", mutate: func(r *models.Reward) { r.Points = -1 }, wantField: "points"},
		{name: "negative stock", mutate: func(r *models.Reward) { r.Stock = -3 }, wantField: "stock"},
		{name: "unknown category", mutate: func(r *models.Reward) { r.Category = "gadgets" }, wantField: "category"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reward := valid
			tt.mutate(&reward)

			err := ValidateReward(reward)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("expected field %q, got %q", tt.wantField, verr.Field)
			}
		})
	}
}

func TestValidateNewReward_NoIDRequired(t *testing.T) {
	err := ValidateNewReward(models.Reward{Title: "Bolsa reutilizable", Points: 120})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestSanitizeReward(t *testing.T) {
	got := SanitizeReward(models.Reward{
		ID:       " r-1\x00 ",
		Title:    "\tDonación\x07",
		Category: " Donations ",
	})

	if got.ID != "r-1" {
		t.Errorf("expected id 'r-1', got %q", got.ID)
	}
	if got.Title != "Donación" {
		t.Errorf("expected title 'Donación', got %q", got.Title)
	}
	if got.Category != models.CategoryDonations {
		t.Errorf("expected category donations, got %q", got.Category)
	}
}

package models

import "time"

// Category groups rewards in the catalog.
type Category string

const (
	CategoryAll         Category = "all"
	CategoryPartners    Category = "partners"
	CategoryProducts    Category = "products"
	CategoryDiscounts   Category = "discounts"
	CategoryExperiences Category = "experiences"
	CategoryDonations   Category = "donations"
)

// Categories lists every concrete category, in display order.
var Categories = []Category{
	CategoryPartners,
	CategoryProducts,
	CategoryDiscounts,
	CategoryExperiences,
	CategoryDonations,
}

// IsAll reports whether c selects the whole catalog. The empty value is
// treated as "all".
func (c Category) IsAll() bool {
	return c == "" || c == CategoryAll
}

// Valid reports whether c is "all" or one of the concrete categories.
func (c Category) Valid() bool {
	if c.IsAll() {
		return true
	}
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Reward is a catalog item redeemable for a fixed point cost. It is owned
// by the backend; the client only mirrors snapshots of it.
type Reward struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Points      int      `json:"points"` // cost in EcoPuntos
	Category    Category `json:"category,omitempty"`
	Stock       int      `json:"stock"` // informational only
	IsPartner   bool     `json:"isPartner"`
}

// RewardPatch is a partial reward update. Nil fields keep their value.
type RewardPatch struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Points      *int      `json:"points,omitempty"`
	Category    *Category `json:"category,omitempty"`
	Stock       *int      `json:"stock,omitempty"`
	IsPartner   *bool     `json:"isPartner,omitempty"`
}

// Apply returns r with the set fields of p written over it.
func (p RewardPatch) Apply(r Reward) Reward {
	if p.Title != nil {
		r.Title = *p.Title
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Points != nil {
		r.Points = *p.Points
	}
	if p.Category != nil {
		r.Category = *p.Category
	}
	if p.Stock != nil {
		r.Stock = *p.Stock
	}
	if p.IsPartner != nil {
		r.IsPartner = *p.IsPartner
	}
	return r
}

// User is the authenticated user as reported by the current-user read.
type User struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Email          string     `json:"email"`
	Points         int        `json:"points"`
	Level          int        `json:"level"`
	SuspendedUntil *time.Time `json:"suspendedUntil,omitempty"`
}

// Redemption is the backend's confirmation of a debit-and-issue-code call.
type Redemption struct {
	ID          string    `json:"id"`
	RewardID    string    `json:"rewardId"`
	Code        string    `json:"code"`
	PointsSpent int       `json:"pointsSpent"`
	Balance     int       `json:"balance"` // balance after the debit
	RedeemedAt  time.Time `json:"redeemedAt"`
}

// Receipt is a locally kept copy of a confirmed redemption.
type Receipt struct {
	ID          string    `json:"id" db:"id"`
	UserID      string    `json:"user_id" db:"user_id"`
	RewardID    string    `json:"reward_id" db:"reward_id"`
	RewardTitle string    `json:"reward_title" db:"reward_title"`
	Code        string    `json:"code" db:"code"`
	PointsSpent int       `json:"points_spent" db:"points_spent"`
	Balance     int       `json:"balance_after" db:"balance_after"`
	RedeemedAt  time.Time `json:"redeemed_at" db:"redeemed_at"`
}

// Suspension records until when an account is suspended.
type Suspension struct {
	UserID         string    `json:"user_id" db:"user_id"`
	SuspendedUntil time.Time `json:"suspended_until" db:"suspended_until"`
	RecordedAt     time.Time `json:"recorded_at" db:"recorded_at"`
}

// SelectRewardRequest is the request body for starting a redemption.
type SelectRewardRequest struct {
	RewardID string `json:"reward_id"`
}

// CatalogResponse is the payload returned for catalog reads.
type CatalogResponse struct {
	Status    string    `json:"status"`
	Category  Category  `json:"category"`
	Stale     bool      `json:"stale"`
	FetchedAt time.Time `json:"fetched_at,omitempty"`
	Error     string    `json:"error,omitempty"`
	Rewards   []Reward  `json:"rewards"`
}

// QuoteResponse carries the affordability values for a selected reward.
type QuoteResponse struct {
	UserPoints   int  `json:"user_points"`
	CanRedeem    bool `json:"can_redeem"`
	PointsNeeded int  `json:"points_needed"`
	PointsAfter  int  `json:"points_after"`
}

// RedemptionResponse describes the redemption flow as seen by the UI.
type RedemptionResponse struct {
	Phase       string         `json:"phase"`
	Reward      *Reward        `json:"reward,omitempty"`
	Quote       *QuoteResponse `json:"quote,omitempty"`
	Error       string         `json:"error,omitempty"`
	LastReceipt *Redemption    `json:"last_receipt,omitempty"`
}

// RestorationResponse is the account-suspension countdown.
type RestorationResponse struct {
	Suspended bool      `json:"suspended"`
	Until     time.Time `json:"until,omitempty"`
	Days      int       `json:"days"`
	Hours     int       `json:"hours"`
	Minutes   int       `json:"minutes"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

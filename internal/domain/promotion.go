package domain

import (
	"time"
)

// LimitPolicy governs how often a customer may redeem a promotion.
type LimitPolicy string

const (
	LimitUnlimited    LimitPolicy = "UNLIMITED"
	LimitOnePerPerson LimitPolicy = "ONE_PER_PERSON"
	LimitOnePer24h    LimitPolicy = "ONE_PER_24H"
	LimitDailyPerUser LimitPolicy = "DAILY_PER_USER"
	LimitCustom       LimitPolicy = "CUSTOM"
)

// Promotion is a redeemable offer owned by a company. The engine only
// reads promotions; they are administered externally.
type Promotion struct {
	ID        string `json:"id"`
	CompanyID string `json:"companyId"`
	Name      string `json:"name"`

	// Active window. Either bound may be nil (open-ended).
	StartsAt *time.Time `json:"startsAt,omitempty"`
	EndsAt   *time.Time `json:"endsAt,omitempty"`

	LimitPolicy LimitPolicy `json:"limitPolicy"`

	// CodeLength overrides the default coupon code length when > 0.
	CodeLength int `json:"codeLength,omitempty"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// WindowContains reports whether the promotion's active window includes t.
func (p *Promotion) WindowContains(t time.Time) bool {
	if p.StartsAt != nil && t.Before(*p.StartsAt) {
		return false
	}
	if p.EndsAt != nil && t.After(*p.EndsAt) {
		return false
	}
	return true
}

// Customer identifies an end customer within a company. The identifier is
// unique per (company, identifier type, identifier).
type Customer struct {
	ID             string    `json:"id"`
	CompanyID      string    `json:"companyId"`
	IdentifierType string    `json:"identifierType"` // email, phone, document
	Identifier     string    `json:"identifier"`
	CreatedAt      time.Time `json:"createdAt"`
}

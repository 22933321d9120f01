package domain

import (
	"encoding/json"
	"time"
)

// ZoneKind is the geometry kind of a geofence zone.
type ZoneKind string

const (
	ZoneCircle    ZoneKind = "CIRCLE"
	ZoneRectangle ZoneKind = "RECTANGLE"
	ZonePolygon   ZoneKind = "POLYGON"
)

// GeofenceZone is a company-scoped geographic area. Geometry is the
// kind-specific JSON document (center/radius, sw/ne corners, or an ordered
// vertex list).
type GeofenceZone struct {
	ID        string          `json:"id"`
	CompanyID string          `json:"companyId"`
	Name      string          `json:"name"`
	Kind      ZoneKind        `json:"kind"`
	Geometry  json.RawMessage `json:"geometry"`
	CreatedAt time.Time       `json:"createdAt"`
}

// GeofenceRuleKind determines how zone containment affects a promotion.
type GeofenceRuleKind string

const (
	// RuleShowInside makes the promotion visible only inside the zone.
	RuleShowInside GeofenceRuleKind = "SHOW_INSIDE"

	// RuleHideOutside hides the promotion outside the zone.
	RuleHideOutside GeofenceRuleKind = "HIDE_OUTSIDE"

	// RuleBlockOutside keeps the promotion visible everywhere but blocks
	// issuance and redemption outside the zone.
	RuleBlockOutside GeofenceRuleKind = "BLOCK_OUTSIDE"

	// RulePrioritizeInside never affects eligibility; it boosts the
	// ordering of the eligible set when the device is inside the zone.
	RulePrioritizeInside GeofenceRuleKind = "PRIORITIZE_INSIDE"
)

// GeofenceRule links a promotion to a zone. Priority orders multiple
// applicable rules and weighs PRIORITIZE_INSIDE boosts.
type GeofenceRule struct {
	ID          string           `json:"id"`
	CompanyID   string           `json:"companyId"`
	PromotionID string           `json:"promotionId"`
	ZoneID      string           `json:"zoneId"`
	Kind        GeofenceRuleKind `json:"kind"`
	Priority    int              `json:"priority"`
	Active      bool             `json:"active"`
	CreatedAt   time.Time        `json:"createdAt"`
}

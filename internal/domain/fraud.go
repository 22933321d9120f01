package domain

import (
	"time"
)

// RuleType selects the evaluator for a fraud rule.
type RuleType string

const (
	RuleVelocity        RuleType = "VELOCITY"
	RuleDuplicateDevice RuleType = "DUPLICATE_DEVICE"
	RuleBlacklist       RuleType = "BLACKLIST"
	RuleLocationAnomaly RuleType = "LOCATION_ANOMALY"
	RuleBehaviorPattern RuleType = "BEHAVIOR_PATTERN"
	RuleCustom          RuleType = "CUSTOM"
)

// Severity of a fraud rule, copied onto alerts it raises.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ConfidenceFor maps a severity to the deterministic confidence score
// carried by alerts.
func ConfidenceFor(s Severity) int {
	switch s {
	case SeverityCritical:
		return 95
	case SeverityHigh:
		return 85
	case SeverityMedium:
		return 70
	default:
		return 50
	}
}

// FraudRule is a company-scoped, configurable fraud condition. The engine
// reads rules at evaluation time; they are created and edited externally.
type FraudRule struct {
	ID        string   `json:"id"`
	CompanyID string   `json:"companyId"`
	Name      string   `json:"name"`
	Type      RuleType `json:"type"`
	Severity  Severity `json:"severity"`

	// Config is the free-form configuration map. Each rule type decodes
	// it into a typed config once, at the evaluation boundary.
	Config map[string]any `json:"config"`

	Active    bool `json:"active"`
	AutoAlert bool `json:"autoAlert"`
	AutoBlock bool `json:"autoBlock"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AlertStatus tracks the manual review workflow of an alert.
type AlertStatus string

const (
	AlertPending       AlertStatus = "PENDING"
	AlertInvestigating AlertStatus = "INVESTIGATING"
	AlertConfirmed     AlertStatus = "CONFIRMED"
	AlertFalsePositive AlertStatus = "FALSE_POSITIVE"
	AlertResolved      AlertStatus = "RESOLVED"
)

// FraudAlert is produced by the engine when a rule with autoAlert triggers.
// The engine never mutates an alert after creation; status changes come
// from manual review.
type FraudAlert struct {
	ID         string         `json:"id"`
	CompanyID  string         `json:"companyId"`
	RuleID     string         `json:"ruleId"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Severity   Severity       `json:"severity"`
	Status     AlertStatus    `json:"status"`
	Confidence int            `json:"confidence"`
	Evidence   map[string]any `json:"evidence"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// FraudEvent is the triggering event submitted to the engine. Context is a
// string-keyed map of heterogeneous values (deviceId, ipAddress, email,
// lat/lon pairs); it is the wire format and is decoded once per evaluation.
type FraudEvent struct {
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Context    map[string]any `json:"context"`
}

package domain

import (
	"time"
)

// BlacklistType classifies the blocked identifier.
type BlacklistType string

const (
	BlacklistIP     BlacklistType = "IP"
	BlacklistDevice BlacklistType = "DEVICE"
	BlacklistEmail  BlacklistType = "EMAIL"
)

// BlacklistEntry is a company-scoped blocked identifier, unique per
// (company, type, value). Entries are deactivated by the expiry sweep,
// never deleted.
type BlacklistEntry struct {
	ID        string        `json:"id"`
	CompanyID string        `json:"companyId"`
	Type      BlacklistType `json:"type"`
	Value     string        `json:"value"`
	Reason    string        `json:"reason,omitempty"`

	// SourceAlertID links the alert whose auto-block created this entry.
	SourceAlertID string `json:"sourceAlertId,omitempty"`

	Active    bool       `json:"active"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Effective reports whether the entry blocks at time now: active and either
// unexpiring or not yet expired.
func (e *BlacklistEntry) Effective(now time.Time) bool {
	if !e.Active {
		return false
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

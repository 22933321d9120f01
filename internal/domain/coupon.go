package domain

import (
	"time"
)

// CouponStatus is the lifecycle state of a coupon.
// Transitions are monotonic: REDEEMED, EXPIRED and CANCELLED are terminal.
type CouponStatus string

const (
	CouponNew       CouponStatus = "NEW"
	CouponValid     CouponStatus = "VALID"
	CouponRedeemed  CouponStatus = "REDEEMED"
	CouponExpired   CouponStatus = "EXPIRED"
	CouponCancelled CouponStatus = "CANCELLED"
)

// Terminal reports whether no further transition is permitted from s.
func (s CouponStatus) Terminal() bool {
	return s == CouponRedeemed || s == CouponExpired || s == CouponCancelled
}

// Coupon is one issuance of a promotion to a customer. Rows are never
// deleted; they are retained for audit and downstream billing.
type Coupon struct {
	ID          string       `json:"id"`
	CompanyID   string       `json:"companyId"`
	PromotionID string       `json:"promotionId"`
	CustomerID  string       `json:"customerId"`
	DeviceID    string       `json:"deviceId"`
	Code        string       `json:"code"`
	Status      CouponStatus `json:"status"`
	ExpiresAt   *time.Time   `json:"expiresAt,omitempty"`
	RedeemedAt  *time.Time   `json:"redeemedAt,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// CouponGate is the admission window the repository enforces inside the
// issuance transaction. Admission passes only if the (promotion, customer)
// pair has no coupon created at or after Since (nil Since means all time).
type CouponGate struct {
	Unlimited bool
	Since     *time.Time
}

// Package ratelimit translates a promotion's limit policy into the
// admission gate the repository enforces at insert time.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openpromo/kestrel/internal/domain"
)

// CustomPolicy decides admission for promotions with the CUSTOM limit
// policy. Implementations receive the repository so they can count
// whatever they need.
type CustomPolicy func(ctx context.Context, repo domain.Repository, companyID string, promo *domain.Promotion, customerID string, now time.Time) (bool, error)

// Enforcer maps limit policies to coupon admission gates.
type Enforcer struct {
	repo domain.Repository

	mu     sync.RWMutex
	custom map[string]CustomPolicy

	now func() time.Time
}

// NewEnforcer creates an enforcer over the given repository.
func NewEnforcer(repo domain.Repository) *Enforcer {
	return &Enforcer{
		repo:   repo,
		custom: make(map[string]CustomPolicy),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RegisterCustom installs the handler for a promotion using the CUSTOM
// policy, keyed by promotion ID.
func (e *Enforcer) RegisterCustom(promotionID string, policy CustomPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.custom[promotionID] = policy
}

// Gate returns the admission gate for one (promotion, customer) issue
// attempt. The returned gate is checked and enforced inside the insert
// transaction so concurrent issues cannot both pass.
func (e *Enforcer) Gate(ctx context.Context, companyID string, promo *domain.Promotion, customerID string) (domain.CouponGate, error) {
	now := e.now()

	switch promo.LimitPolicy {
	case domain.LimitUnlimited:
		return domain.CouponGate{Unlimited: true}, nil

	case domain.LimitOnePerPerson:
		return domain.CouponGate{}, nil

	case domain.LimitOnePer24h:
		since := now.Add(-24 * time.Hour)
		return domain.CouponGate{Since: &since}, nil

	case domain.LimitDailyPerUser:
		since := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return domain.CouponGate{Since: &since}, nil

	case domain.LimitCustom:
		e.mu.RLock()
		policy, ok := e.custom[promo.ID]
		e.mu.RUnlock()
		if !ok {
			slog.Warn("no custom limit policy registered, admitting",
				"company_id", companyID,
				"promotion_id", promo.ID,
			)
			return domain.CouponGate{Unlimited: true}, nil
		}
		admit, err := policy(ctx, e.repo, companyID, promo, customerID, now)
		if err != nil {
			return domain.CouponGate{}, fmt.Errorf("custom limit policy failed: %w", err)
		}
		if !admit {
			return domain.CouponGate{}, domain.Conflict(domain.ReasonLimitReached)
		}
		return domain.CouponGate{Unlimited: true}, nil

	default:
		return domain.CouponGate{}, fmt.Errorf("unknown limit policy: %s", promo.LimitPolicy)
	}
}

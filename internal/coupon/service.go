// Package coupon implements the issue / validate / redeem / expire
// lifecycle over the repository.
package coupon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openpromo/kestrel/internal/code"
	"github.com/openpromo/kestrel/internal/domain"
	"github.com/openpromo/kestrel/internal/ratelimit"
	"github.com/openpromo/kestrel/internal/repository"
)

const promotionCacheTTL = 5 * time.Minute

// Service drives coupon state transitions. All writes go through the
// repository, which is the only serialization point.
type Service struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	limiter *ratelimit.Enforcer
	cfg     domain.CouponConfig

	now func() time.Time
}

// NewService creates a coupon service. cache and bus may be nil.
func NewService(repo domain.Repository, cache domain.Cache, bus domain.EventBus, limiter *ratelimit.Enforcer, cfg domain.CouponConfig) *Service {
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = code.DefaultLength
	}
	if cfg.MaxCodeAttempts <= 0 {
		cfg.MaxCodeAttempts = 5
	}
	return &Service{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		limiter: limiter,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) promotion(ctx context.Context, companyID string, promotionID string) (*domain.Promotion, error) {
	if s.cache != nil {
		if p, err := s.cache.GetPromotion(ctx, companyID, promotionID); err == nil && p != nil {
			return p, nil
		}
	}
	p, err := s.repo.GetPromotion(ctx, companyID, promotionID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		_ = s.cache.SetPromotion(ctx, companyID, p, promotionCacheTTL)
	}
	return p, nil
}

// windowConflict maps a promotion window violation at now to its reason.
// Deactivated promotions behave as ended.
func windowConflict(p *domain.Promotion, now time.Time) error {
	if !p.Active {
		return domain.Conflict(domain.ReasonEnded)
	}
	if p.StartsAt != nil && now.Before(*p.StartsAt) {
		return domain.Conflict(domain.ReasonNotStarted)
	}
	if p.EndsAt != nil && now.After(*p.EndsAt) {
		return domain.Conflict(domain.ReasonEnded)
	}
	return nil
}

// Issue mints a VALID coupon for (promotion, customer, device). Admission
// runs before code generation, and the admission window is enforced again
// inside the insert transaction so concurrent issues cannot both pass.
func (s *Service) Issue(ctx context.Context, companyID string, promotionID string, customerID string, deviceID string) (*domain.Coupon, error) {
	if companyID == "" || promotionID == "" || customerID == "" {
		return nil, fmt.Errorf("companyID, promotionID and customerID are required")
	}

	promo, err := s.promotion(ctx, companyID, promotionID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := windowConflict(promo, now); err != nil {
		return nil, err
	}

	gate, err := s.limiter.Gate(ctx, companyID, promo, customerID)
	if err != nil {
		return nil, err
	}

	length := promo.CodeLength
	if length <= 0 {
		length = s.cfg.CodeLength
	}
	gen := code.NewGenerator(length)

	// Generate-check-insert loop. The UNIQUE(code) constraint is the real
	// collision guard; the loop just retries with a fresh code.
	var c *domain.Coupon
	for attempt := 0; attempt < s.cfg.MaxCodeAttempts; attempt++ {
		couponCode, err := gen.Generate()
		if err != nil {
			return nil, fmt.Errorf("failed to generate code: %w", err)
		}

		c = &domain.Coupon{
			ID:          uuid.NewString(),
			CompanyID:   companyID,
			PromotionID: promotionID,
			CustomerID:  customerID,
			DeviceID:    deviceID,
			Code:        couponCode,
			Status:      domain.CouponValid,
			ExpiresAt:   promo.EndsAt,
			CreatedAt:   now,
		}

		err = s.repo.CreateCouponGated(ctx, companyID, c, gate)
		if err == nil {
			break
		}
		if errors.Is(err, repository.ErrDuplicateCode) {
			c = nil
			continue
		}
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("failed to generate a unique code after %d attempts", s.cfg.MaxCodeAttempts)
	}

	slog.Info("coupon issued",
		"company_id", companyID,
		"promotion_id", promotionID,
		"customer_id", customerID,
		"code", c.Code,
	)

	s.publish(ctx, companyID, domain.TopicCouponIssued, c)
	return c, nil
}

// Validate is a pure read: it reports the conflict a redeem would hit
// without mutating anything, including lapsed-but-unswept expiry.
func (s *Service) Validate(ctx context.Context, companyID string, couponCode string) (*domain.Coupon, error) {
	c, err := s.repo.GetCouponByCode(ctx, companyID, couponCode)
	if err != nil {
		return nil, err
	}
	if err := s.redeemConflict(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// redeemConflict returns the conflict blocking a redeem of c at now, or nil.
// The full promotion window applies again here: a promotion deactivated or
// moved after issue takes its outstanding coupons with it.
func (s *Service) redeemConflict(ctx context.Context, c *domain.Coupon) error {
	switch c.Status {
	case domain.CouponCancelled:
		return domain.Conflict(domain.ReasonAlreadyCancelled)
	case domain.CouponRedeemed:
		return domain.Conflict(domain.ReasonAlreadyRedeemed)
	case domain.CouponExpired:
		return domain.Conflict(domain.ReasonExpired)
	}

	now := s.now()
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return domain.Conflict(domain.ReasonExpired)
	}

	promo, err := s.promotion(ctx, c.CompanyID, c.PromotionID)
	if err != nil {
		return fmt.Errorf("failed to load promotion for coupon: %w", err)
	}
	return windowConflict(promo, now)
}

// Redeem transitions a VALID coupon to REDEEMED exactly once. A coupon
// found lapsed is flipped to EXPIRED first (lazy expiry) and the redeem
// fails with the expired conflict.
func (s *Service) Redeem(ctx context.Context, companyID string, couponCode string) (*domain.Coupon, error) {
	c, err := s.repo.GetCouponByCode(ctx, companyID, couponCode)
	if err != nil {
		return nil, err
	}

	if err := s.redeemConflict(ctx, c); err != nil {
		if domain.IsConflict(err, domain.ReasonExpired) && c.Status == domain.CouponValid {
			expiresAt := c.ExpiresAt
			now := s.now()
			if expiresAt == nil {
				expiresAt = &now
			}
			// A lost race here means another writer settled the coupon
			// first; the expired conflict still stands for this caller.
			if _, serr := s.repo.SetCouponStatus(ctx, companyID, couponCode, domain.CouponExpired, expiresAt); serr != nil {
				slog.Warn("failed to persist lazy expiry", "code", couponCode, "error", serr)
			}
		}
		return nil, err
	}

	now := s.now()
	won, err := s.repo.RedeemCoupon(ctx, companyID, couponCode, now)
	if err != nil {
		return nil, err
	}
	if !won {
		// Lost the compare-and-swap: re-read and surface the racer's state.
		if fresh, ferr := s.repo.GetCouponByCode(ctx, companyID, couponCode); ferr == nil {
			c = fresh
		}
		switch c.Status {
		case domain.CouponCancelled:
			return nil, domain.Conflict(domain.ReasonAlreadyCancelled)
		case domain.CouponExpired:
			return nil, domain.Conflict(domain.ReasonExpired)
		default:
			return nil, domain.Conflict(domain.ReasonAlreadyRedeemed)
		}
	}

	c.Status = domain.CouponRedeemed
	c.RedeemedAt = &now

	slog.Info("coupon redeemed",
		"company_id", companyID,
		"code", couponCode,
		"promotion_id", c.PromotionID,
	)

	s.publish(ctx, companyID, domain.TopicCouponRedeemed, c)
	return c, nil
}

func (s *Service) publish(ctx context.Context, companyID string, topic string, c *domain.Coupon) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(c)
	if err == nil {
		err = s.bus.Publish(ctx, companyID, topic, payload)
	}
	if err != nil {
		slog.Warn("failed to publish coupon event", "topic", topic, "error", err)
	}
}

// Expire forces a coupon to EXPIRED. Redeemed coupons cannot be expired,
// cancelled coupons stay cancelled, and expiring an EXPIRED coupon is a
// no-op.
func (s *Service) Expire(ctx context.Context, companyID string, couponCode string) (*domain.Coupon, error) {
	c, err := s.repo.GetCouponByCode(ctx, companyID, couponCode)
	if err != nil {
		return nil, err
	}

	switch c.Status {
	case domain.CouponRedeemed:
		return nil, domain.Conflict(domain.ReasonAlreadyRedeemed)
	case domain.CouponCancelled:
		return nil, domain.Conflict(domain.ReasonAlreadyCancelled)
	case domain.CouponExpired:
		return c, nil
	}

	expiresAt := c.ExpiresAt
	now := s.now()
	if expiresAt == nil {
		expiresAt = &now
	}
	won, err := s.repo.SetCouponStatus(ctx, companyID, couponCode, domain.CouponExpired, expiresAt)
	if err != nil {
		return nil, err
	}
	if !won {
		// Lost a race with another writer: re-read and surface its state.
		if fresh, ferr := s.repo.GetCouponByCode(ctx, companyID, couponCode); ferr == nil {
			c = fresh
		}
		switch c.Status {
		case domain.CouponExpired:
			return c, nil
		case domain.CouponCancelled:
			return nil, domain.Conflict(domain.ReasonAlreadyCancelled)
		default:
			return nil, domain.Conflict(domain.ReasonAlreadyRedeemed)
		}
	}

	c.Status = domain.CouponExpired
	c.ExpiresAt = expiresAt
	return c, nil
}

// ExpireSweep flips every lapsed VALID coupon to EXPIRED and returns how
// many changed. Safe to re-run.
func (s *Service) ExpireSweep(ctx context.Context) (int64, error) {
	n, err := s.repo.ExpireCouponsSweep(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("coupon expiry sweep failed: %w", err)
	}
	if n > 0 {
		slog.Info("coupon sweep expired coupons", "count", n)
	}
	return n, nil
}

package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/openpromo/kestrel/internal/domain"
)

const (
	ruleSetCacheKey = "geofence:ruleset"
	ruleSetCacheTTL = 60 * time.Second
)

// Service resolves geofence rules into promotion visibility and
// redemption gating for a device location.
type Service struct {
	repo  domain.Repository
	cache domain.Cache

	// now is replaceable for tests with a simulated clock.
	now func() time.Time
}

// NewService creates a geofence service. cache may be nil.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// ruleSet bundles a company's active rules with their zones so a location
// query costs one load.
type ruleSet struct {
	Rules []*domain.GeofenceRule `json:"rules"`
	Zones []*domain.GeofenceZone `json:"zones"`
}

func (s *Service) loadRuleSet(ctx context.Context, companyID string) (*ruleSet, error) {
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, companyID, ruleSetCacheKey); err == nil && data != nil {
			var rs ruleSet
			if err := json.Unmarshal(data, &rs); err == nil {
				return &rs, nil
			}
		}
	}

	rules, err := s.repo.ListActiveGeofenceRules(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list geofence rules: %w", err)
	}
	zones, err := s.repo.ListGeofenceZones(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list geofence zones: %w", err)
	}

	rs := &ruleSet{Rules: rules, Zones: zones}
	if s.cache != nil {
		if data, err := json.Marshal(rs); err == nil {
			_ = s.cache.Set(ctx, companyID, ruleSetCacheKey, data, ruleSetCacheTTL)
		}
	}
	return rs, nil
}

// Invalidate drops the cached rule set after a zone or rule change.
func (s *Service) Invalidate(ctx context.Context, companyID string) {
	if s.cache != nil {
		_ = s.cache.Delete(ctx, companyID, ruleSetCacheKey)
	}
}

// geometries parses every zone once, resolving malformed geometry to a
// never-contains shape.
func (rs *ruleSet) geometries() map[string]Geometry {
	geoms := make(map[string]Geometry, len(rs.Zones))
	for _, z := range rs.Zones {
		g, err := ParseGeometry(z.Kind, z.Geometry)
		if err != nil {
			slog.Warn("geofence zone has unusable geometry",
				"zone_id", z.ID,
				"kind", z.Kind,
				"error", err,
			)
		}
		geoms[z.ID] = g
	}
	return geoms
}

// allows reports whether a single rule lets the promotion appear at p.
// Inactive rules allow unconditionally. BLOCK_OUTSIDE gates redemption,
// not visibility, and PRIORITIZE_INSIDE only affects ordering, so both
// allow here.
func allows(rule *domain.GeofenceRule, geoms map[string]Geometry, p Point) bool {
	if !rule.Active {
		return true
	}

	switch rule.Kind {
	case domain.RuleShowInside, domain.RuleHideOutside:
		g, ok := geoms[rule.ZoneID]
		if !ok {
			return false
		}
		return g.Contains(p)
	default:
		return true
	}
}

// EligiblePromotions returns the distinct set of promotions visible to a
// device at p, ordered by PRIORITIZE_INSIDE boost (rule priority) and then
// promotion ID. Only the device's own company's rules are consulted.
func (s *Service) EligiblePromotions(ctx context.Context, companyID string, deviceID string, p Point) ([]*domain.Promotion, error) {
	if companyID == "" {
		return nil, fmt.Errorf("companyID is required")
	}

	rs, err := s.loadRuleSet(ctx, companyID)
	if err != nil {
		return nil, err
	}
	geoms := rs.geometries()

	byPromotion := make(map[string][]*domain.GeofenceRule)
	for _, rule := range rs.Rules {
		byPromotion[rule.PromotionID] = append(byPromotion[rule.PromotionID], rule)
	}

	now := s.now()
	type candidate struct {
		promo *domain.Promotion
		boost int
	}
	var eligible []candidate

	for promotionID, rules := range byPromotion {
		allowed := false
		boost := 0
		for _, rule := range rules {
			if allows(rule, geoms, p) {
				allowed = true
			}
			if rule.Active && rule.Kind == domain.RulePrioritizeInside {
				if g, ok := geoms[rule.ZoneID]; ok && g.Contains(p) {
					boost += rule.Priority
				}
			}
		}
		if !allowed {
			continue
		}

		promo, err := s.repo.GetPromotion(ctx, companyID, promotionID)
		if err != nil {
			slog.Warn("geofence rule references missing promotion",
				"promotion_id", promotionID,
				"error", err,
			)
			continue
		}
		if !promo.Active || !promo.WindowContains(now) {
			continue
		}
		eligible = append(eligible, candidate{promo: promo, boost: boost})
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].boost != eligible[j].boost {
			return eligible[i].boost > eligible[j].boost
		}
		return eligible[i].promo.ID < eligible[j].promo.ID
	})

	promos := make([]*domain.Promotion, len(eligible))
	for i, c := range eligible {
		promos[i] = c.promo
	}

	slog.Debug("geofence visibility resolved",
		"company_id", companyID,
		"device_id", deviceID,
		"eligible", len(promos),
	)
	return promos, nil
}

// AllowsRedemption enforces BLOCK_OUTSIDE rules for a promotion at p.
// With no active block rules the location never blocks; with one or more,
// the point must be inside at least one of their zones.
func (s *Service) AllowsRedemption(ctx context.Context, companyID string, promotionID string, p Point) (bool, error) {
	if companyID == "" {
		return false, fmt.Errorf("companyID is required")
	}

	rs, err := s.loadRuleSet(ctx, companyID)
	if err != nil {
		return false, err
	}
	geoms := rs.geometries()

	blocked := false
	for _, rule := range rs.Rules {
		if !rule.Active || rule.PromotionID != promotionID || rule.Kind != domain.RuleBlockOutside {
			continue
		}
		blocked = true
		if g, ok := geoms[rule.ZoneID]; ok && g.Contains(p) {
			return true, nil
		}
	}
	return !blocked, nil
}

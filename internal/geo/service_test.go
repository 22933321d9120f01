package geo

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/openpromo/kestrel/internal/domain"
	"github.com/openpromo/kestrel/internal/repository"
)

const testCompany = "company-geo"

func newTestService(t *testing.T) (*Service, domain.Repository) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: dbPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return NewService(repo, nil), repo
}

func mustSavePromotion(t *testing.T, repo domain.Repository, id string) {
	t.Helper()
	err := repo.SavePromotion(context.Background(), testCompany, &domain.Promotion{
		ID:          id,
		CompanyID:   testCompany,
		Name:        "promo " + id,
		LimitPolicy: domain.LimitUnlimited,
		CodeLength:  8,
		Active:      true,
	})
	if err != nil {
		t.Fatalf("failed to save promotion: %v", err)
	}
}

func mustSaveCircleZone(t *testing.T, repo domain.Repository, zoneID string, center Point, radiusM float64) {
	t.Helper()
	raw, _ := json.Marshal(Circle{Center: center, RadiusM: radiusM})
	err := repo.SaveGeofenceZone(context.Background(), testCompany, &domain.GeofenceZone{
		ID:        zoneID,
		CompanyID: testCompany,
		Name:      zoneID,
		Kind:      domain.ZoneCircle,
		Geometry:  raw,
	})
	if err != nil {
		t.Fatalf("failed to save zone: %v", err)
	}
}

func mustSaveRule(t *testing.T, repo domain.Repository, rule *domain.GeofenceRule) {
	t.Helper()
	rule.CompanyID = testCompany
	rule.Active = true
	if err := repo.SaveGeofenceRule(context.Background(), testCompany, rule); err != nil {
		t.Fatalf("failed to save rule: %v", err)
	}
}

func TestEligiblePromotions(t *testing.T) {
	center := Point{Lat: 40.4168, Lon: -3.7038}
	inside := center
	outside := Point{Lat: 41.0, Lon: -3.7038}

	t.Run("ShowInsideGatesVisibility", func(t *testing.T) {
		svc, repo := newTestService(t)
		mustSavePromotion(t, repo, "promo-1")
		mustSaveCircleZone(t, repo, "zone-1", center, 1000)
		mustSaveRule(t, repo, &domain.GeofenceRule{
			ID: "rule-1", PromotionID: "promo-1", ZoneID: "zone-1",
			Kind: domain.RuleShowInside,
		})

		promos, err := svc.EligiblePromotions(context.Background(), testCompany, "device-1", inside)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(promos) != 1 || promos[0].ID != "promo-1" {
			t.Fatalf("expected promo-1 visible inside, got %d promotions", len(promos))
		}

		promos, err = svc.EligiblePromotions(context.Background(), testCompany, "device-1", outside)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(promos) != 0 {
			t.Fatalf("expected nothing visible outside, got %d promotions", len(promos))
		}
	})

	t.Run("BlockOutsideStaysVisible", func(t *testing.T) {
		svc, repo := newTestService(t)
		mustSavePromotion(t, repo, "promo-1")
		mustSaveCircleZone(t, repo, "zone-1", center, 1000)
		mustSaveRule(t, repo, &domain.GeofenceRule{
			ID: "rule-1", PromotionID: "promo-1", ZoneID: "zone-1",
			Kind: domain.RuleBlockOutside,
		})

		promos, err := svc.EligiblePromotions(context.Background(), testCompany, "device-1", outside)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(promos) != 1 {
			t.Fatalf("block rule must not hide the promotion, got %d", len(promos))
		}
	})

	t.Run("PrioritizeInsideOrders", func(t *testing.T) {
		svc, repo := newTestService(t)
		mustSavePromotion(t, repo, "promo-a")
		mustSavePromotion(t, repo, "promo-b")
		mustSaveCircleZone(t, repo, "zone-1", center, 1000)
		mustSaveRule(t, repo, &domain.GeofenceRule{
			ID: "rule-a", PromotionID: "promo-a", ZoneID: "zone-1",
			Kind: domain.RulePrioritizeInside, Priority: 5,
		})
		mustSaveRule(t, repo, &domain.GeofenceRule{
			ID: "rule-b", PromotionID: "promo-b", ZoneID: "zone-1",
			Kind: domain.RulePrioritizeInside, Priority: 10,
		})

		promos, err := svc.EligiblePromotions(context.Background(), testCompany, "device-1", inside)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(promos) != 2 {
			t.Fatalf("expected both promotions, got %d", len(promos))
		}
		if promos[0].ID != "promo-b" {
			t.Errorf("higher priority promotion should sort first, got %s", promos[0].ID)
		}

		// Outside the zone the boost vanishes and ordering falls back to ID.
		promos, err = svc.EligiblePromotions(context.Background(), testCompany, "device-1", outside)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(promos) != 2 || promos[0].ID != "promo-a" {
			t.Errorf("expected ID ordering outside the zone")
		}
	})

	t.Run("InactivePromotionExcluded", func(t *testing.T) {
		svc, repo := newTestService(t)
		err := repo.SavePromotion(context.Background(), testCompany, &domain.Promotion{
			ID: "promo-off", CompanyID: testCompany, Name: "off",
			LimitPolicy: domain.LimitUnlimited, CodeLength: 8, Active: false,
		})
		if err != nil {
			t.Fatalf("failed to save promotion: %v", err)
		}
		mustSaveCircleZone(t, repo, "zone-1", center, 1000)
		mustSaveRule(t, repo, &domain.GeofenceRule{
			ID: "rule-1", PromotionID: "promo-off", ZoneID: "zone-1",
			Kind: domain.RuleShowInside,
		})

		promos, err := svc.EligiblePromotions(context.Background(), testCompany, "device-1", inside)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(promos) != 0 {
			t.Errorf("inactive promotion must not be eligible")
		}
	})

	t.Run("WindowExcludesEndedPromotion", func(t *testing.T) {
		svc, repo := newTestService(t)
		ended := time.Now().UTC().Add(-time.Hour)
		err := repo.SavePromotion(context.Background(), testCompany, &domain.Promotion{
			ID: "promo-ended", CompanyID: testCompany, Name: "ended",
			LimitPolicy: domain.LimitUnlimited, CodeLength: 8, Active: true,
			EndsAt: &ended,
		})
		if err != nil {
			t.Fatalf("failed to save promotion: %v", err)
		}
		mustSaveCircleZone(t, repo, "zone-1", center, 1000)
		mustSaveRule(t, repo, &domain.GeofenceRule{
			ID: "rule-1", PromotionID: "promo-ended", ZoneID: "zone-1",
			Kind: domain.RuleShowInside,
		})

		promos, err := svc.EligiblePromotions(context.Background(), testCompany, "device-1", inside)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(promos) != 0 {
			t.Errorf("ended promotion must not be eligible")
		}
	})
}

func TestAllowsRedemption(t *testing.T) {
	center := Point{Lat: 40.4168, Lon: -3.7038}
	inside := center
	outside := Point{Lat: 41.0, Lon: -3.7038}

	t.Run("NoBlockRulesAlwaysAllows", func(t *testing.T) {
		svc, repo := newTestService(t)
		mustSavePromotion(t, repo, "promo-1")

		ok, err := svc.AllowsRedemption(context.Background(), testCompany, "promo-1", outside)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Error("expected redemption allowed without block rules")
		}
	})

	t.Run("BlockOutsideEnforced", func(t *testing.T) {
		svc, repo := newTestService(t)
		mustSavePromotion(t, repo, "promo-1")
		mustSaveCircleZone(t, repo, "zone-1", center, 1000)
		mustSaveRule(t, repo, &domain.GeofenceRule{
			ID: "rule-1", PromotionID: "promo-1", ZoneID: "zone-1",
			Kind: domain.RuleBlockOutside,
		})

		ok, err := svc.AllowsRedemption(context.Background(), testCompany, "promo-1", inside)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Error("expected redemption allowed inside the zone")
		}

		ok, err = svc.AllowsRedemption(context.Background(), testCompany, "promo-1", outside)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("expected redemption blocked outside the zone")
		}
	})

	t.Run("OtherPromotionUnaffected", func(t *testing.T) {
		svc, repo := newTestService(t)
		mustSavePromotion(t, repo, "promo-1")
		mustSavePromotion(t, repo, "promo-2")
		mustSaveCircleZone(t, repo, "zone-1", center, 1000)
		mustSaveRule(t, repo, &domain.GeofenceRule{
			ID: "rule-1", PromotionID: "promo-1", ZoneID: "zone-1",
			Kind: domain.RuleBlockOutside,
		})

		ok, err := svc.AllowsRedemption(context.Background(), testCompany, "promo-2", outside)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Error("block rule on another promotion must not apply")
		}
	})
}

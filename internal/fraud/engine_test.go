package fraud

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/openpromo/kestrel/internal/blacklist"
	"github.com/openpromo/kestrel/internal/domain"
	"github.com/openpromo/kestrel/internal/repository"
)

const testCompany = "company-fraud"

func newTestEngine(t *testing.T) (*Engine, domain.Repository, *blacklist.Store) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: dbPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	store := blacklist.NewStore(repo, nil)
	engine, err := NewEngine(repo, store, nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return engine, repo, store
}

func saveRule(t *testing.T, repo domain.Repository, rule *domain.FraudRule) {
	t.Helper()
	rule.CompanyID = testCompany
	rule.Active = true
	if err := repo.SaveFraudRule(context.Background(), testCompany, rule); err != nil {
		t.Fatalf("failed to save rule: %v", err)
	}
}

// seedCoupons inserts n coupons for the device, all created now.
func seedCoupons(t *testing.T, repo domain.Repository, deviceID string, promotionID string, n int) {
	t.Helper()
	ctx := context.Background()
	if err := repo.SavePromotion(ctx, testCompany, &domain.Promotion{
		ID: promotionID, CompanyID: testCompany, Name: promotionID,
		LimitPolicy: domain.LimitUnlimited, CodeLength: 8, Active: true,
	}); err != nil {
		t.Fatalf("failed to save promotion: %v", err)
	}
	for i := 0; i < n; i++ {
		c := &domain.Coupon{
			ID:          fmt.Sprintf("cpn-%s-%d", deviceID, i),
			CompanyID:   testCompany,
			PromotionID: promotionID,
			CustomerID:  fmt.Sprintf("cust-%d", i),
			DeviceID:    deviceID,
			Code:        fmt.Sprintf("SEED%s%04d", deviceID[len(deviceID)-1:], i),
			Status:      domain.CouponValid,
			CreatedAt:   time.Now().UTC(),
		}
		if err := repo.CreateCouponGated(ctx, testCompany, c, domain.CouponGate{Unlimited: true}); err != nil {
			t.Fatalf("failed to seed coupon: %v", err)
		}
	}
}

// checkOne runs one event through the engine and requires exactly one result.
func checkOne(t *testing.T, engine *Engine, ev *domain.FraudEvent) RuleResult {
	t.Helper()
	results, err := engine.CheckEvent(context.Background(), testCompany, ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	return results[0]
}

func TestVelocityRule(t *testing.T) {
	t.Run("Triggers", func(t *testing.T) {
		engine, repo, _ := newTestEngine(t)
		seedCoupons(t, repo, "device-1", "promo-1", 15)
		saveRule(t, repo, &domain.FraudRule{
			ID: "rule-vel", Name: "velocity", Type: domain.RuleVelocity,
			Severity: domain.SeverityHigh,
		})

		r := checkOne(t, engine, &domain.FraudEvent{
			EntityType: "device", EntityID: "device-1",
			Context: map[string]any{"deviceId": "device-1"},
		})
		if !r.Triggered {
			t.Error("15 redemptions in the window must trigger the default limit of 10")
		}
	})

	t.Run("UnderLimit", func(t *testing.T) {
		engine, repo, _ := newTestEngine(t)
		seedCoupons(t, repo, "device-1", "promo-1", 3)
		saveRule(t, repo, &domain.FraudRule{
			ID: "rule-vel", Name: "velocity", Type: domain.RuleVelocity,
			Severity: domain.SeverityHigh,
		})

		r := checkOne(t, engine, &domain.FraudEvent{
			EntityType: "device", EntityID: "device-1",
			Context: map[string]any{"deviceId": "device-1"},
		})
		if r.Triggered {
			t.Error("3 redemptions must not trigger the default limit of 10")
		}
	})

	t.Run("MissingDeviceIsNoMatch", func(t *testing.T) {
		engine, repo, _ := newTestEngine(t)
		saveRule(t, repo, &domain.FraudRule{
			ID: "rule-vel", Name: "velocity", Type: domain.RuleVelocity,
			Severity: domain.SeverityHigh,
		})

		r := checkOne(t, engine, &domain.FraudEvent{
			EntityType: "device", EntityID: "device-1", Context: map[string]any{},
		})
		if r.Triggered || r.Err != "" {
			t.Errorf("missing context field must resolve to no match, got %+v", r)
		}
	})

	t.Run("ConfigOverride", func(t *testing.T) {
		engine, repo, _ := newTestEngine(t)
		seedCoupons(t, repo, "device-1", "promo-1", 3)
		saveRule(t, repo, &domain.FraudRule{
			ID: "rule-vel", Name: "velocity", Type: domain.RuleVelocity,
			Severity: domain.SeverityHigh,
			Config:   map[string]any{"maxRedemptions": float64(2)},
		})

		r := checkOne(t, engine, &domain.FraudEvent{
			EntityType: "device", EntityID: "device-1",
			Context: map[string]any{"deviceId": "device-1"},
		})
		if !r.Triggered {
			t.Error("3 redemptions must trigger a configured limit of 2")
		}
	})
}

func TestDuplicateDeviceRule(t *testing.T) {
	engine, repo, _ := newTestEngine(t)
	seedCoupons(t, repo, "device-1", "promo-1", 3)
	saveRule(t, repo, &domain.FraudRule{
		ID: "rule-dup", Name: "dup device", Type: domain.RuleDuplicateDevice,
		Severity: domain.SeverityMedium,
	})

	r := checkOne(t, engine, &domain.FraudEvent{
		EntityType: "device", EntityID: "device-1",
		Context: map[string]any{"deviceId": "device-1", "promotionId": "promo-1"},
	})
	if !r.Triggered {
		t.Error("3 all-time redemptions must trigger the default limit of 3")
	}

	r = checkOne(t, engine, &domain.FraudEvent{
		EntityType: "device", EntityID: "device-2",
		Context: map[string]any{"deviceId": "device-2", "promotionId": "promo-1"},
	})
	if r.Triggered {
		t.Error("an unseen device must not trigger")
	}
}

func TestLocationAnomalyRule(t *testing.T) {
	madridToBarcelona := map[string]any{
		"lastLatitude": 40.4168, "lastLongitude": -3.7038,
		"currentLatitude": 41.3874, "currentLongitude": 2.1686,
	}

	t.Run("DistanceOnly", func(t *testing.T) {
		engine, repo, _ := newTestEngine(t)
		saveRule(t, repo, &domain.FraudRule{
			ID: "rule-loc", Name: "teleport", Type: domain.RuleLocationAnomaly,
			Severity: domain.SeverityCritical,
		})

		r := checkOne(t, engine, &domain.FraudEvent{
			EntityType: "customer", EntityID: "cust-1", Context: madridToBarcelona,
		})
		if !r.Triggered {
			t.Error("a ~505km jump must trigger the default 100km limit")
		}
	})

	t.Run("ShortHopDoesNotTrigger", func(t *testing.T) {
		engine, repo, _ := newTestEngine(t)
		saveRule(t, repo, &domain.FraudRule{
			ID: "rule-loc", Name: "teleport", Type: domain.RuleLocationAnomaly,
			Severity: domain.SeverityCritical,
		})

		r := checkOne(t, engine, &domain.FraudEvent{
			EntityType: "customer", EntityID: "cust-1",
			Context: map[string]any{
				"lastLatitude": 40.4168, "lastLongitude": -3.7038,
				"currentLatitude": 40.4268, "currentLongitude": -3.7138,
			},
		})
		if r.Triggered {
			t.Error("a short hop must not trigger")
		}
	})

	t.Run("RecentLastSeenTriggers", func(t *testing.T) {
		engine, repo, _ := newTestEngine(t)
		saveRule(t, repo, &domain.FraudRule{
			ID: "rule-loc", Name: "teleport", Type: domain.RuleLocationAnomaly,
			Severity: domain.SeverityCritical,
		})

		evCtx := map[string]any{"lastSeenAt": time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339)}
		for k, v := range madridToBarcelona {
			evCtx[k] = v
		}
		r := checkOne(t, engine, &domain.FraudEvent{
			EntityType: "customer", EntityID: "cust-1", Context: evCtx,
		})
		if !r.Triggered {
			t.Error("a big jump minutes after the last sighting must trigger")
		}
	})

	t.Run("OldLastSeenIsPlausibleTravel", func(t *testing.T) {
		engine, repo, _ := newTestEngine(t)
		saveRule(t, repo, &domain.FraudRule{
			ID: "rule-loc", Name: "teleport", Type: domain.RuleLocationAnomaly,
			Severity: domain.SeverityCritical,
		})

		evCtx := map[string]any{"lastSeenAt": time.Now().UTC().Add(-6 * time.Hour).Format(time.RFC3339)}
		for k, v := range madridToBarcelona {
			evCtx[k] = v
		}
		r := checkOne(t, engine, &domain.FraudEvent{
			EntityType: "customer", EntityID: "cust-1", Context: evCtx,
		})
		if r.Triggered {
			t.Error("a jump hours after the last sighting is plausible travel")
		}
	})

	t.Run("MissingCoordinatesNoMatch", func(t *testing.T) {
		engine, repo, _ := newTestEngine(t)
		saveRule(t, repo, &domain.FraudRule{
			ID: "rule-loc", Name: "teleport", Type: domain.RuleLocationAnomaly,
			Severity: domain.SeverityCritical,
		})

		r := checkOne(t, engine, &domain.FraudEvent{
			EntityType: "customer", EntityID: "cust-1",
			Context: map[string]any{"lastLatitude": 40.0},
		})
		if r.Triggered || r.Err != "" {
			t.Errorf("missing coordinates must resolve to no match, got %+v", r)
		}
	})
}

func TestBlacklistRule(t *testing.T) {
	ctx := context.Background()
	engine, repo, store := newTestEngine(t)
	if err := store.Add(ctx, testCompany, &domain.BlacklistEntry{
		Type: domain.BlacklistIP, Value: "203.0.113.9",
	}); err != nil {
		t.Fatalf("failed to seed blacklist: %v", err)
	}
	saveRule(t, repo, &domain.FraudRule{
		ID: "rule-bl", Name: "blocked ids", Type: domain.RuleBlacklist,
		Severity: domain.SeverityHigh,
	})

	r := checkOne(t, engine, &domain.FraudEvent{
		EntityType: "redemption", EntityID: "cpn-1",
		Context: map[string]any{"ipAddress": "203.0.113.9", "deviceId": "device-clean"},
	})
	if !r.Triggered {
		t.Error("a blacklisted IP must trigger")
	}
	if r.Evidence["ipAddress"] != "203.0.113.9" {
		t.Errorf("evidence should carry the matched value, got %v", r.Evidence)
	}

	r = checkOne(t, engine, &domain.FraudEvent{
		EntityType: "redemption", EntityID: "cpn-2",
		Context: map[string]any{"ipAddress": "198.51.100.7"},
	})
	if r.Triggered {
		t.Error("a clean IP must not trigger")
	}
}

func TestCustomRule(t *testing.T) {
	t.Run("ExpressionTriggers", func(t *testing.T) {
		engine, repo, _ := newTestEngine(t)
		saveRule(t, repo, &domain.FraudRule{
			ID: "rule-cel", Name: "big order", Type: domain.RuleCustom,
			Severity: domain.SeverityLow,
			Config:   map[string]any{"expression": `ctx.orderTotal > 100.0 && entity_type == "redemption"`},
		})

		r := checkOne(t, engine, &domain.FraudEvent{
			EntityType: "redemption", EntityID: "cpn-1",
			Context: map[string]any{"orderTotal": 250.0},
		})
		if !r.Triggered {
			t.Error("expected expression to trigger")
		}

		r = checkOne(t, engine, &domain.FraudEvent{
			EntityType: "redemption", EntityID: "cpn-2",
			Context: map[string]any{"orderTotal": 20.0},
		})
		if r.Triggered {
			t.Error("expected expression not to trigger")
		}
	})

	t.Run("WithoutExpressionNoMatch", func(t *testing.T) {
		engine, repo, _ := newTestEngine(t)
		saveRule(t, repo, &domain.FraudRule{
			ID: "rule-cel", Name: "empty", Type: domain.RuleCustom,
			Severity: domain.SeverityLow,
		})

		r := checkOne(t, engine, &domain.FraudEvent{
			EntityType: "redemption", EntityID: "cpn-1", Context: map[string]any{},
		})
		if r.Triggered || r.Err != "" {
			t.Errorf("expected no match, got %+v", r)
		}
	})
}

func TestRuleFailureDoesNotAbort(t *testing.T) {
	ctx := context.Background()
	engine, repo, _ := newTestEngine(t)
	seedCoupons(t, repo, "device-1", "promo-1", 15)
	saveRule(t, repo, &domain.FraudRule{
		ID: "rule-a-broken", Name: "broken", Type: domain.RuleCustom,
		Severity: domain.SeverityLow,
		Config:   map[string]any{"expression": "this is not CEL ((("},
	})
	saveRule(t, repo, &domain.FraudRule{
		ID: "rule-b-vel", Name: "velocity", Type: domain.RuleVelocity,
		Severity: domain.SeverityHigh,
	})

	results, err := engine.CheckEvent(ctx, testCompany, &domain.FraudEvent{
		EntityType: "device", EntityID: "device-1",
		Context: map[string]any{"deviceId": "device-1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].RuleID != "rule-a-broken" || results[0].Err == "" {
		t.Errorf("expected the broken rule to record its failure, got %+v", results[0])
	}
	if results[1].RuleID != "rule-b-vel" || !results[1].Triggered {
		t.Errorf("expected the velocity rule to still trigger, got %+v", results[1])
	}
}

func TestAutoAlert(t *testing.T) {
	ctx := context.Background()
	engine, repo, _ := newTestEngine(t)
	seedCoupons(t, repo, "device-1", "promo-1", 15)
	saveRule(t, repo, &domain.FraudRule{
		ID: "rule-vel", Name: "velocity", Type: domain.RuleVelocity,
		Severity: domain.SeverityHigh, AutoAlert: true,
	})

	r := checkOne(t, engine, &domain.FraudEvent{
		EntityType: "device", EntityID: "device-1",
		Context: map[string]any{"deviceId": "device-1"},
	})
	if r.AlertID == "" {
		t.Fatal("expected an alert to be created")
	}

	alert, err := repo.GetFraudAlert(ctx, testCompany, r.AlertID)
	if err != nil {
		t.Fatalf("failed to load alert: %v", err)
	}
	if alert.Status != domain.AlertPending {
		t.Errorf("expected PENDING, got %s", alert.Status)
	}
	if alert.Severity != domain.SeverityHigh {
		t.Errorf("expected severity copied from the rule, got %s", alert.Severity)
	}
	if alert.Confidence != 85 {
		t.Errorf("expected confidence 85 for HIGH, got %d", alert.Confidence)
	}
	if alert.Evidence["deviceId"] != "device-1" {
		t.Errorf("expected evidence to carry the device, got %v", alert.Evidence)
	}
}

func TestAutoBlock(t *testing.T) {
	ctx := context.Background()
	engine, repo, store := newTestEngine(t)
	seedCoupons(t, repo, "device-1", "promo-1", 15)
	saveRule(t, repo, &domain.FraudRule{
		ID: "rule-vel", Name: "velocity", Type: domain.RuleVelocity,
		Severity: domain.SeverityCritical, AutoAlert: true, AutoBlock: true,
	})

	event := &domain.FraudEvent{
		EntityType: "device", EntityID: "device-1",
		Context: map[string]any{"deviceId": "device-1", "ipAddress": "203.0.113.9"},
	}

	r := checkOne(t, engine, event)
	if !r.Triggered {
		t.Fatal("expected the rule to trigger")
	}

	blocked, err := store.IsBlocked(ctx, testCompany, domain.BlacklistDevice, "device-1")
	if err != nil || !blocked {
		t.Errorf("expected the device to be auto-blocked, blocked=%v err=%v", blocked, err)
	}
	blocked, err = store.IsBlocked(ctx, testCompany, domain.BlacklistIP, "203.0.113.9")
	if err != nil || !blocked {
		t.Errorf("expected the IP to be auto-blocked, blocked=%v err=%v", blocked, err)
	}

	entry, err := repo.GetBlacklistEntry(ctx, testCompany, domain.BlacklistDevice, "device-1")
	if err != nil {
		t.Fatalf("failed to load entry: %v", err)
	}
	if entry.SourceAlertID != r.AlertID {
		t.Errorf("expected the entry to link its source alert")
	}

	// Re-triggering the same event must not duplicate entries.
	if _, err := engine.CheckEvent(ctx, testCompany, event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries, err := repo.ListBlacklistEntries(ctx, testCompany)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries after re-trigger, got %d", len(entries))
	}
}

func TestConfigDecoding(t *testing.T) {
	v := decodeVelocityConfig(nil)
	if v.WindowMinutes != defaultVelocityWindowMinutes || v.MaxRedemptions != defaultMaxRedemptions {
		t.Errorf("nil config must decode to defaults, got %+v", v)
	}
	v = decodeVelocityConfig(map[string]any{"timeWindowMinutes": float64(5), "maxRedemptions": 2})
	if v.WindowMinutes != 5 || v.MaxRedemptions != 2 {
		t.Errorf("overrides not applied, got %+v", v)
	}

	d := decodeDuplicateDeviceConfig(map[string]any{"maxRedemptionsPerDevice": float64(1)})
	if d.MaxPerDevice != 1 {
		t.Errorf("override not applied, got %+v", d)
	}

	l := decodeLocationAnomalyConfig(map[string]any{"maxDistanceKm": 50.0})
	if l.MaxDistanceKm != 50.0 || l.WindowMinutes != defaultVelocityWindowMinutes {
		t.Errorf("partial config must keep remaining defaults, got %+v", l)
	}
}

func TestBehaviorPatternNoMatch(t *testing.T) {
	engine, repo, _ := newTestEngine(t)
	saveRule(t, repo, &domain.FraudRule{
		ID: "rule-bp", Name: "behavior", Type: domain.RuleBehaviorPattern,
		Severity: domain.SeverityLow,
	})

	r := checkOne(t, engine, &domain.FraudEvent{
		EntityType: "customer", EntityID: "cust-1",
		Context: map[string]any{"deviceId": "device-1"},
	})
	if r.Triggered || r.Err != "" {
		t.Errorf("behavior pattern must resolve to no match, got %+v", r)
	}
}

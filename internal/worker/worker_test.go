package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/openpromo/kestrel/internal/blacklist"
	"github.com/openpromo/kestrel/internal/bus"
	"github.com/openpromo/kestrel/internal/coupon"
	"github.com/openpromo/kestrel/internal/domain"
	"github.com/openpromo/kestrel/internal/fraud"
	"github.com/openpromo/kestrel/internal/ratelimit"
	"github.com/openpromo/kestrel/internal/repository"
)

const testCompany = "company-wrk"

func newTestStack(t *testing.T) (domain.Repository, domain.EventBus, *fraud.Engine) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: dbPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	store := blacklist.NewStore(repo, b)
	engine, err := fraud.NewEngine(repo, store, b)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return repo, b, engine
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWorkerProcessesFraudEvents(t *testing.T) {
	ctx := context.Background()
	repo, b, engine := newTestStack(t)

	// A blacklist rule with autoAlert fires for a blocked device.
	store := blacklist.NewStore(repo, nil)
	if err := store.Add(ctx, testCompany, &domain.BlacklistEntry{
		Type: domain.BlacklistDevice, Value: "device-hot",
	}); err != nil {
		t.Fatalf("failed to seed blacklist: %v", err)
	}
	if err := repo.SaveFraudRule(ctx, testCompany, &domain.FraudRule{
		ID: "rule-bl", CompanyID: testCompany, Name: "blocked ids",
		Type: domain.RuleBlacklist, Severity: domain.SeverityHigh,
		Active: true, AutoAlert: true,
	}); err != nil {
		t.Fatalf("failed to save rule: %v", err)
	}

	w := NewWorker(b, engine)
	if err := w.Start(Config{CompanyIDs: []string{testCompany}}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	defer w.Stop()

	if stats := w.GetStats(); stats.SubscriptionCount != 3 {
		t.Fatalf("expected 3 subscriptions per company, got %d", stats.SubscriptionCount)
	}

	payload, _ := json.Marshal(&domain.FraudEvent{
		EntityType: "device", EntityID: "device-hot",
		Context: map[string]any{"deviceId": "device-hot"},
	})
	if err := b.Publish(ctx, testCompany, domain.TopicFraudEvent, payload); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	waitFor(t, func() bool {
		alerts, err := repo.ListFraudAlerts(ctx, testCompany)
		return err == nil && len(alerts) == 1
	})

	alerts, _ := repo.ListFraudAlerts(ctx, testCompany)
	if alerts[0].RuleID != "rule-bl" || alerts[0].EntityID != "device-hot" {
		t.Errorf("unexpected alert: %+v", alerts[0])
	}
}

func TestWorkerScreensRedemptions(t *testing.T) {
	ctx := context.Background()
	repo, b, engine := newTestStack(t)

	// Duplicate-device rule triggers as soon as the device's all-time count
	// for the promotion reaches 1.
	if err := repo.SaveFraudRule(ctx, testCompany, &domain.FraudRule{
		ID: "rule-dup", CompanyID: testCompany, Name: "dup device",
		Type: domain.RuleDuplicateDevice, Severity: domain.SeverityMedium,
		Active: true, AutoAlert: true,
		Config: map[string]any{"maxRedemptionsPerDevice": float64(1)},
	}); err != nil {
		t.Fatalf("failed to save rule: %v", err)
	}

	w := NewWorker(b, engine)
	if err := w.Start(Config{CompanyIDs: []string{testCompany}}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	defer w.Stop()

	// Issue and redeem through the coupon service so the redeemed event
	// carries a real coupon.
	if err := repo.SavePromotion(ctx, testCompany, &domain.Promotion{
		ID: "promo-1", CompanyID: testCompany, Name: "spring",
		LimitPolicy: domain.LimitUnlimited, CodeLength: 8, Active: true,
	}); err != nil {
		t.Fatalf("failed to save promotion: %v", err)
	}
	svc := coupon.NewService(repo, nil, b, ratelimit.NewEnforcer(repo), domain.CouponConfig{CodeLength: 8, MaxCodeAttempts: 5})
	issued, err := svc.Issue(ctx, testCompany, "promo-1", "cust-1", "device-1")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := svc.Redeem(ctx, testCompany, issued.Code); err != nil {
		t.Fatalf("redeem failed: %v", err)
	}

	waitFor(t, func() bool {
		alerts, err := repo.ListFraudAlerts(ctx, testCompany)
		return err == nil && len(alerts) == 1
	})
}

func TestWorkerScreensLocationUpdates(t *testing.T) {
	ctx := context.Background()
	repo, b, engine := newTestStack(t)

	store := blacklist.NewStore(repo, nil)
	if err := store.Add(ctx, testCompany, &domain.BlacklistEntry{
		Type: domain.BlacklistDevice, Value: "device-roam",
	}); err != nil {
		t.Fatalf("failed to seed blacklist: %v", err)
	}
	if err := repo.SaveFraudRule(ctx, testCompany, &domain.FraudRule{
		ID: "rule-bl", CompanyID: testCompany, Name: "blocked ids",
		Type: domain.RuleBlacklist, Severity: domain.SeverityHigh,
		Active: true, AutoAlert: true,
	}); err != nil {
		t.Fatalf("failed to save rule: %v", err)
	}

	w := NewWorker(b, engine)
	if err := w.Start(Config{CompanyIDs: []string{testCompany}}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	defer w.Stop()

	payload, _ := json.Marshal(map[string]any{
		"deviceId": "device-roam", "latitude": 40.4168, "longitude": -3.7038,
	})
	if err := b.Publish(ctx, testCompany, domain.TopicLocationUpdated, payload); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	waitFor(t, func() bool {
		alerts, err := repo.ListFraudAlerts(ctx, testCompany)
		return err == nil && len(alerts) == 1
	})

	alerts, _ := repo.ListFraudAlerts(ctx, testCompany)
	if alerts[0].EntityID != "device-roam" {
		t.Errorf("unexpected alert: %+v", alerts[0])
	}
}

func TestSweeper(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestStack(t)

	store := blacklist.NewStore(repo, nil)
	expires := time.Now().UTC().Add(-time.Minute)
	if err := store.Add(ctx, testCompany, &domain.BlacklistEntry{
		Type: domain.BlacklistIP, Value: "203.0.113.9", ExpiresAt: &expires,
	}); err != nil {
		t.Fatalf("failed to seed blacklist: %v", err)
	}

	if err := repo.SavePromotion(ctx, testCompany, &domain.Promotion{
		ID: "promo-1", CompanyID: testCompany, Name: "spring",
		LimitPolicy: domain.LimitUnlimited, CodeLength: 8, Active: true,
	}); err != nil {
		t.Fatalf("failed to save promotion: %v", err)
	}
	svc := coupon.NewService(repo, nil, nil, ratelimit.NewEnforcer(repo), domain.CouponConfig{CodeLength: 8, MaxCodeAttempts: 5})
	issued, err := svc.Issue(ctx, testCompany, "promo-1", "cust-1", "device-1")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	past := time.Now().UTC().Add(-time.Hour)
	if _, err := repo.SetCouponStatus(ctx, testCompany, issued.Code, domain.CouponValid, &past); err != nil {
		t.Fatalf("failed to backdate coupon: %v", err)
	}

	s := NewSweeper(store, svc, time.Hour)
	s.RunOnce(ctx)

	blocked, err := store.IsBlocked(ctx, testCompany, domain.BlacklistIP, "203.0.113.9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if blocked {
		t.Error("expected the expired entry to be deactivated")
	}

	c, err := repo.GetCouponByCode(ctx, testCompany, issued.Code)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Status != domain.CouponExpired {
		t.Errorf("expected the lapsed coupon to be EXPIRED, got %s", c.Status)
	}
}

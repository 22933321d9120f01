//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kestrel promotion
// engine against a running server.
//
// These tests verify the COMPLETE coupon pipeline:
//
//	Promotion → Issue → Validate → Redeem → Fraud screening
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. PROMOTION: A redeemable offer with an active window and a limit
//    policy (UNLIMITED, ONE_PER_PERSON, ONE_PER_24H, DAILY_PER_USER).
//
// 2. COUPON: One issuance of a promotion to a customer. Lifecycle is
//    monotonic: VALID → REDEEMED | EXPIRED | CANCELLED.
//
// 3. FRAUD RULE: A screening pattern (VELOCITY, DUPLICATE_DEVICE,
//    BLACKLIST, LOCATION_ANOMALY, CUSTOM CEL expressions). Triggered
//    rules can raise alerts and auto-block identifiers.
//
// 4. GEOFENCE: Zones plus per-promotion rules that gate visibility
//    (SHOW_INSIDE, HIDE_OUTSIDE) or redemption (BLOCK_OUTSIDE).
//
// Each test run uses a fresh company ID, so no seeding or cleanup is
// required between runs.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL   string
	CompanyID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL:   baseURL,
		CompanyID: fmt.Sprintf("it-company-%d", time.Now().UnixNano()),
	}
}

// ============================================================================
// API Request/Response Types (matching Kestrel's API contract)
// ============================================================================

type PromotionRequest struct {
	Name        string     `json:"name"`
	StartsAt    *time.Time `json:"startsAt,omitempty"`
	EndsAt      *time.Time `json:"endsAt,omitempty"`
	LimitPolicy string     `json:"limitPolicy,omitempty"`
}

type Promotion struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	LimitPolicy string `json:"limitPolicy"`
	Active      bool   `json:"active"`
}

type IssueRequest struct {
	PromotionID string `json:"promotionId"`
	CustomerID  string `json:"customerId"`
	DeviceID    string `json:"deviceId,omitempty"`
}

type Coupon struct {
	ID          string `json:"id"`
	PromotionID string `json:"promotionId"`
	CustomerID  string `json:"customerId"`
	Code        string `json:"code"`
	Status      string `json:"status"`
}

type ValidateResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Coupon Coupon `json:"coupon"`
}

type ConflictResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

type FraudRuleRequest struct {
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	Config    map[string]any `json:"config,omitempty"`
	AutoAlert bool           `json:"autoAlert"`
}

type CheckRequest struct {
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Context    map[string]any `json:"context"`
}

type CheckResponse struct {
	Evaluated int `json:"evaluated"`
	Triggered int `json:"triggered"`
}

type AlertList struct {
	Alerts []struct {
		ID         string `json:"id"`
		RuleID     string `json:"ruleId"`
		Status     string `json:"status"`
		Confidence int    `json:"confidence"`
	} `json:"alerts"`
	Count int `json:"count"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func call(t *testing.T, config TestConfig, method, path string, reqBody any, wantStatus int, out any) {
	t.Helper()

	var body io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequest(method, config.BaseURL+path, body)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Company-ID", config.CompanyID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if resp.StatusCode != wantStatus {
		t.Fatalf("Expected status %d for %s %s, got %d: %s", wantStatus, method, path, resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(respBody))
		}
	}
}

func createPromotion(t *testing.T, config TestConfig, req PromotionRequest) Promotion {
	t.Helper()
	var p Promotion
	call(t, config, "POST", "/promotions", req, http.StatusCreated, &p)
	return p
}

func issueCoupon(t *testing.T, config TestConfig, req IssueRequest) Coupon {
	t.Helper()
	var c Coupon
	call(t, config, "POST", "/coupons/issue", req, http.StatusCreated, &c)
	return c
}

// ============================================================================
// SCENARIO 1: Full coupon lifecycle
// ============================================================================

func TestCouponLifecycle(t *testing.T) {
	/*
	   SCENARIO: Issue a coupon for an open promotion, validate it,
	   redeem it, then try to redeem it again.

	   EXPECTED BEHAVIOR:
	   - Issue returns a VALID coupon with a generated code
	   - Validate reports valid=true without changing state
	   - Redeem flips the coupon to REDEEMED exactly once
	   - A second redeem is rejected with reason "already_redeemed"
	*/
	config := getTestConfig()

	promo := createPromotion(t, config, PromotionRequest{Name: "Integration Promo"})
	coupon := issueCoupon(t, config, IssueRequest{
		PromotionID: promo.ID,
		CustomerID:  "it-customer-001",
		DeviceID:    "it-device-001",
	})

	if coupon.Status != "VALID" || coupon.Code == "" {
		t.Fatalf("Unexpected issued coupon: %+v", coupon)
	}

	var validated ValidateResponse
	call(t, config, "GET", "/coupons/"+coupon.Code, nil, http.StatusOK, &validated)
	if !validated.Valid {
		t.Errorf("Expected coupon to validate, got reason %q", validated.Reason)
	}

	var redeemed Coupon
	call(t, config, "POST", "/coupons/"+coupon.Code+"/redeem", nil, http.StatusOK, &redeemed)
	if redeemed.Status != "REDEEMED" {
		t.Errorf("Expected status REDEEMED, got %s", redeemed.Status)
	}

	var conflict ConflictResponse
	call(t, config, "POST", "/coupons/"+coupon.Code+"/redeem", nil, http.StatusConflict, &conflict)
	if conflict.Reason != "already_redeemed" {
		t.Errorf("Expected reason already_redeemed, got %q", conflict.Reason)
	}
}

// ============================================================================
// SCENARIO 2: Limit policy enforcement
// ============================================================================

func TestOnePerPersonLimit(t *testing.T) {
	/*
	   SCENARIO: A ONE_PER_PERSON promotion issues once per customer.

	   EXPECTED BEHAVIOR:
	   - First issue succeeds
	   - Second issue for the same customer is rejected with
	     reason "limit_reached"
	   - A different customer can still get a coupon
	*/
	config := getTestConfig()

	promo := createPromotion(t, config, PromotionRequest{
		Name:        "One Per Person",
		LimitPolicy: "ONE_PER_PERSON",
	})

	issueCoupon(t, config, IssueRequest{PromotionID: promo.ID, CustomerID: "it-customer-a"})

	var conflict ConflictResponse
	call(t, config, "POST", "/coupons/issue", IssueRequest{
		PromotionID: promo.ID,
		CustomerID:  "it-customer-a",
	}, http.StatusConflict, &conflict)
	if conflict.Reason != "limit_reached" {
		t.Errorf("Expected reason limit_reached, got %q", conflict.Reason)
	}

	issueCoupon(t, config, IssueRequest{PromotionID: promo.ID, CustomerID: "it-customer-b"})
}

// ============================================================================
// SCENARIO 3: Fraud screening raises alerts
// ============================================================================

func TestFraudScreening(t *testing.T) {
	/*
	   SCENARIO: A DUPLICATE_DEVICE rule with autoAlert fires when one
	   device collects more coupons for a promotion than allowed.

	   EXPECTED BEHAVIOR:
	   - Issuing two coupons from the same device is allowed
	   - POST /fraud/check against that device triggers the rule
	   - The triggered rule records a PENDING alert
	*/
	config := getTestConfig()

	promo := createPromotion(t, config, PromotionRequest{Name: "Device Watch"})

	call(t, config, "POST", "/fraud/rules", FraudRuleRequest{
		Name:      "device collector",
		Type:      "DUPLICATE_DEVICE",
		Severity:  "HIGH",
		Config:    map[string]any{"maxRedemptionsPerDevice": 1},
		AutoAlert: true,
	}, http.StatusCreated, nil)

	for i := 0; i < 2; i++ {
		issueCoupon(t, config, IssueRequest{
			PromotionID: promo.ID,
			CustomerID:  fmt.Sprintf("it-customer-%02d", i),
			DeviceID:    "it-shared-device",
		})
	}

	var check CheckResponse
	call(t, config, "POST", "/fraud/check", CheckRequest{
		EntityType: "redemption",
		EntityID:   "it-rdm-001",
		Context: map[string]any{
			"deviceId":    "it-shared-device",
			"promotionId": promo.ID,
		},
	}, http.StatusOK, &check)
	if check.Triggered != 1 {
		t.Fatalf("Expected 1 triggered rule, got %d", check.Triggered)
	}

	var alerts AlertList
	call(t, config, "GET", "/fraud/alerts", nil, http.StatusOK, &alerts)
	if alerts.Count != 1 {
		t.Fatalf("Expected 1 alert, got %d", alerts.Count)
	}
	if alerts.Alerts[0].Status != "PENDING" {
		t.Errorf("Expected PENDING alert, got %s", alerts.Alerts[0].Status)
	}
	if alerts.Alerts[0].Confidence != 85 {
		t.Errorf("Expected confidence 85 for HIGH severity, got %d", alerts.Alerts[0].Confidence)
	}
}

// ============================================================================
// SCENARIO 4: Geofence-gated visibility and redemption
// ============================================================================

func TestGeofenceGating(t *testing.T) {
	/*
	   SCENARIO: A promotion is visible only inside a 1km circle and a
	   second promotion blocks redemption outside the same circle.

	   EXPECTED BEHAVIOR:
	   - A location update inside the zone lists the SHOW_INSIDE promotion
	   - The same update outside the zone omits it
	   - Issuing the BLOCK_OUTSIDE promotion from outside is rejected
	     with reason "blocked_outside_zone"
	*/
	config := getTestConfig()

	visible := createPromotion(t, config, PromotionRequest{Name: "In Store Only"})
	blocked := createPromotion(t, config, PromotionRequest{Name: "Redeem In Store"})

	var zone struct {
		ID string `json:"id"`
	}
	call(t, config, "POST", "/geofence/zones", map[string]any{
		"name":     "Flagship Store",
		"kind":     "CIRCLE",
		"geometry": map[string]any{"center": map[string]float64{"lat": 40.4168, "lon": -3.7038}, "radiusM": 1000},
	}, http.StatusCreated, &zone)

	call(t, config, "POST", "/geofence/rules", map[string]any{
		"promotionId": visible.ID,
		"zoneId":      zone.ID,
		"kind":        "SHOW_INSIDE",
	}, http.StatusCreated, nil)
	call(t, config, "POST", "/geofence/rules", map[string]any{
		"promotionId": blocked.ID,
		"zoneId":      zone.ID,
		"kind":        "BLOCK_OUTSIDE",
	}, http.StatusCreated, nil)

	var inside struct {
		Promotions []Promotion `json:"promotions"`
		Count      int         `json:"count"`
	}
	call(t, config, "POST", "/locations", map[string]any{
		"deviceId": "it-device-geo",
		"latitude": 40.4168, "longitude": -3.7038,
	}, http.StatusOK, &inside)
	if inside.Count != 2 {
		t.Errorf("Expected both promotions inside the zone, got %d", inside.Count)
	}

	var outside struct {
		Count int `json:"count"`
	}
	call(t, config, "POST", "/locations", map[string]any{
		"deviceId": "it-device-geo",
		"latitude": 41.39, "longitude": 2.17,
	}, http.StatusOK, &outside)
	if outside.Count != 1 {
		t.Errorf("Expected only the BLOCK_OUTSIDE promotion outside the zone, got %d", outside.Count)
	}

	var conflict ConflictResponse
	call(t, config, "POST", "/coupons/issue", map[string]any{
		"promotionId": blocked.ID,
		"customerId":  "it-customer-geo",
		"latitude":    41.39, "longitude": 2.17,
	}, http.StatusConflict, &conflict)
	if conflict.Reason != "blocked_outside_zone" {
		t.Errorf("Expected reason blocked_outside_zone, got %q", conflict.Reason)
	}
}

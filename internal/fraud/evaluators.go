package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/openpromo/kestrel/internal/domain"
	"github.com/openpromo/kestrel/internal/geo"
)

// Defaults applied when a rule's config omits a key.
const (
	defaultVelocityWindowMinutes = 60
	defaultMaxRedemptions        = 10
	defaultMaxPerDevice          = 3
	defaultMaxDistanceKm         = 100.0
)

// ctxString reads a string field from the event context. Missing or
// non-string fields read as absent.
func ctxString(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// ctxFloat reads a numeric field from the event context. JSON decoding
// yields float64 but callers may also pass int.
func ctxFloat(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func cfgInt(cfg map[string]any, key string, def int) int {
	if f, ok := ctxFloat(cfg, key); ok {
		return int(f)
	}
	return def
}

func cfgFloat(cfg map[string]any, key string, def float64) float64 {
	if f, ok := ctxFloat(cfg, key); ok {
		return f
	}
	return def
}

// Each rule kind decodes its config map into a typed struct once, before
// evaluation. Missing or mistyped keys fall back to the defaults above.

type velocityConfig struct {
	WindowMinutes  int
	MaxRedemptions int
}

func decodeVelocityConfig(cfg map[string]any) velocityConfig {
	return velocityConfig{
		WindowMinutes:  cfgInt(cfg, "timeWindowMinutes", defaultVelocityWindowMinutes),
		MaxRedemptions: cfgInt(cfg, "maxRedemptions", defaultMaxRedemptions),
	}
}

type duplicateDeviceConfig struct {
	MaxPerDevice int
}

func decodeDuplicateDeviceConfig(cfg map[string]any) duplicateDeviceConfig {
	return duplicateDeviceConfig{
		MaxPerDevice: cfgInt(cfg, "maxRedemptionsPerDevice", defaultMaxPerDevice),
	}
}

type locationAnomalyConfig struct {
	MaxDistanceKm float64
	WindowMinutes int
}

func decodeLocationAnomalyConfig(cfg map[string]any) locationAnomalyConfig {
	return locationAnomalyConfig{
		MaxDistanceKm: cfgFloat(cfg, "maxDistanceKm", defaultMaxDistanceKm),
		WindowMinutes: cfgInt(cfg, "timeWindowMinutes", defaultVelocityWindowMinutes),
	}
}

// evaluateVelocity triggers when the device's redemption count within the
// trailing window reaches the configured maximum.
func (e *Engine) evaluateVelocity(ctx context.Context, companyID string, rule *domain.FraudRule, ev *domain.FraudEvent) (bool, map[string]any, error) {
	deviceID, ok := ctxString(ev.Context, "deviceId")
	if !ok {
		return false, nil, nil
	}

	cfg := decodeVelocityConfig(rule.Config)

	since := e.now().Add(-time.Duration(cfg.WindowMinutes) * time.Minute)
	count, err := e.repo.CountCouponsByDevice(ctx, companyID, deviceID, since)
	if err != nil {
		return false, nil, fmt.Errorf("velocity count failed: %w", err)
	}

	if count < int64(cfg.MaxRedemptions) {
		return false, nil, nil
	}
	return true, map[string]any{
		"deviceId":          deviceID,
		"redemptionCount":   count,
		"timeWindowMinutes": cfg.WindowMinutes,
		"maxRedemptions":    cfg.MaxRedemptions,
	}, nil
}

// evaluateDuplicateDevice triggers when a device has accumulated too many
// all-time redemptions for one promotion.
func (e *Engine) evaluateDuplicateDevice(ctx context.Context, companyID string, rule *domain.FraudRule, ev *domain.FraudEvent) (bool, map[string]any, error) {
	deviceID, ok := ctxString(ev.Context, "deviceId")
	if !ok {
		return false, nil, nil
	}
	promotionID, ok := ctxString(ev.Context, "promotionId")
	if !ok {
		return false, nil, nil
	}

	cfg := decodeDuplicateDeviceConfig(rule.Config)
	count, err := e.repo.CountCouponsByDevicePromotion(ctx, companyID, deviceID, promotionID)
	if err != nil {
		return false, nil, fmt.Errorf("duplicate device count failed: %w", err)
	}

	if count < int64(cfg.MaxPerDevice) {
		return false, nil, nil
	}
	return true, map[string]any{
		"deviceId":                deviceID,
		"promotionId":             promotionID,
		"redemptionCount":         count,
		"maxRedemptionsPerDevice": cfg.MaxPerDevice,
	}, nil
}

// evaluateLocationAnomaly triggers on an implausible jump between the last
// and current positions. When the context carries lastSeenAt the jump must
// also fall inside the configured time window; without it the distance
// alone decides.
func (e *Engine) evaluateLocationAnomaly(_ context.Context, _ string, rule *domain.FraudRule, ev *domain.FraudEvent) (bool, map[string]any, error) {
	lastLat, ok1 := ctxFloat(ev.Context, "lastLatitude")
	lastLon, ok2 := ctxFloat(ev.Context, "lastLongitude")
	curLat, ok3 := ctxFloat(ev.Context, "currentLatitude")
	curLon, ok4 := ctxFloat(ev.Context, "currentLongitude")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return false, nil, nil
	}

	cfg := decodeLocationAnomalyConfig(rule.Config)
	distanceKm := geo.Haversine(
		geo.Point{Lat: lastLat, Lon: lastLon},
		geo.Point{Lat: curLat, Lon: curLon},
	) / 1000

	if distanceKm <= cfg.MaxDistanceKm {
		return false, nil, nil
	}

	evidence := map[string]any{
		"distanceKm":    distanceKm,
		"maxDistanceKm": cfg.MaxDistanceKm,
		"lastLatitude":  lastLat,
		"lastLongitude": lastLon,
	}

	if raw, ok := ctxString(ev.Context, "lastSeenAt"); ok {
		lastSeen, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return false, nil, nil
		}
		elapsed := e.now().Sub(lastSeen)
		if elapsed > time.Duration(cfg.WindowMinutes)*time.Minute {
			// The jump took long enough to be plausible travel.
			return false, nil, nil
		}
		evidence["elapsedMinutes"] = elapsed.Minutes()
		evidence["timeWindowMinutes"] = cfg.WindowMinutes
	}
	return true, evidence, nil
}

// evaluateBlacklist triggers when any identifier in the context matches an
// effective blacklist entry.
func (e *Engine) evaluateBlacklist(ctx context.Context, companyID string, _ *domain.FraudRule, ev *domain.FraudEvent) (bool, map[string]any, error) {
	checks := []struct {
		key string
		typ domain.BlacklistType
	}{
		{"ipAddress", domain.BlacklistIP},
		{"deviceId", domain.BlacklistDevice},
		{"email", domain.BlacklistEmail},
	}

	evidence := map[string]any{}
	matched := false
	for _, c := range checks {
		value, ok := ctxString(ev.Context, c.key)
		if !ok {
			continue
		}
		blocked, err := e.store.IsBlocked(ctx, companyID, c.typ, value)
		if err != nil {
			return false, nil, fmt.Errorf("blacklist check failed: %w", err)
		}
		if blocked {
			matched = true
			evidence[c.key] = value
		}
	}
	if !matched {
		return false, nil, nil
	}
	return true, evidence, nil
}

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/openpromo/kestrel/internal/blacklist"
	"github.com/openpromo/kestrel/internal/coupon"
	"github.com/openpromo/kestrel/internal/domain"
	"github.com/openpromo/kestrel/internal/fraud"
	"github.com/openpromo/kestrel/internal/geo"
	"github.com/openpromo/kestrel/internal/repository"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	coupons  *coupon.Service
	engine   *fraud.Engine
	store    *blacklist.Store
	geofence *geo.Service
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, coupons *coupon.Service, engine *fraud.Engine, store *blacklist.Store, geofence *geo.Service, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		coupons:  coupons,
		engine:   engine,
		store:    store,
		geofence: geofence,
		version:  version,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// PromotionRequest is the request body for POST /promotions.
type PromotionRequest struct {
	ID          string     `json:"id,omitempty"`
	Name        string     `json:"name"`
	StartsAt    *time.Time `json:"startsAt,omitempty"`
	EndsAt      *time.Time `json:"endsAt,omitempty"`
	LimitPolicy string     `json:"limitPolicy,omitempty"`
	CodeLength  int        `json:"codeLength,omitempty"`
	Active      *bool      `json:"active,omitempty"`
}

// CreatePromotion handles POST /promotions.
func (h *Handler) CreatePromotion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := GetCompanyID(ctx)

	var req PromotionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name is required",
		})
		return
	}

	p := &domain.Promotion{
		ID:          req.ID,
		CompanyID:   companyID,
		Name:        req.Name,
		StartsAt:    req.StartsAt,
		EndsAt:      req.EndsAt,
		LimitPolicy: domain.LimitPolicy(req.LimitPolicy),
		CodeLength:  req.CodeLength,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.LimitPolicy == "" {
		p.LimitPolicy = domain.LimitUnlimited
	}
	if req.Active != nil {
		p.Active = *req.Active
	}

	if err := h.repo.SavePromotion(ctx, companyID, p); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("promotion created", "company_id", companyID, "promotion_id", p.ID)
	writeJSON(w, http.StatusCreated, p)
}

// ListPromotions handles GET /promotions.
func (h *Handler) ListPromotions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := GetCompanyID(ctx)

	promos, err := h.repo.ListPromotions(ctx, companyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"promotions": promos,
		"count":      len(promos),
	})
}

// GetPromotion handles GET /promotions/{id}.
func (h *Handler) GetPromotion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := GetCompanyID(ctx)

	p, err := h.repo.GetPromotion(ctx, companyID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CustomerRequest is the request body for POST /customers.
type CustomerRequest struct {
	ID             string `json:"id,omitempty"`
	IdentifierType string `json:"identifierType"`
	Identifier     string `json:"identifier"`
}

// CreateCustomer handles POST /customers.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := GetCompanyID(ctx)

	var req CustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.IdentifierType == "" || req.Identifier == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "identifierType and identifier are required",
		})
		return
	}

	c := &domain.Customer{
		ID:             req.ID,
		CompanyID:      companyID,
		IdentifierType: req.IdentifierType,
		Identifier:     req.Identifier,
		CreatedAt:      time.Now().UTC(),
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}

	if err := h.repo.SaveCustomer(ctx, companyID, c); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GetCustomer handles GET /customers/{id}.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := GetCompanyID(ctx)

	c, err := h.repo.GetCustomer(ctx, companyID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// IssueRequest is the request body for POST /coupons/issue.
type IssueRequest struct {
	PromotionID string   `json:"promotionId"`
	CustomerID  string   `json:"customerId"`
	DeviceID    string   `json:"deviceId,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
}

// IssueCoupon handles POST /coupons/issue.
func (h *Handler) IssueCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := GetCompanyID(ctx)

	var req IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.PromotionID == "" || req.CustomerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "promotionId and customerId are required",
		})
		return
	}

	// Location-gated promotions cannot issue outside their zone.
	if req.Latitude != nil && req.Longitude != nil {
		allowed, err := h.geofence.AllowsRedemption(ctx, companyID, req.PromotionID, geo.Point{Lat: *req.Latitude, Lon: *req.Longitude})
		if err != nil {
			writeError(w, err)
			return
		}
		if !allowed {
			writeError(w, domain.Conflict(domain.ReasonBlockedOutside))
			return
		}
	}

	c, err := h.coupons.Issue(ctx, companyID, req.PromotionID, req.CustomerID, req.DeviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ValidateCoupon handles GET /coupons/{code}. Validation never mutates
// state; conflicts come back as valid=false with the stable reason.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := GetCompanyID(ctx)
	code := chi.URLParam(r, "code")

	c, err := h.coupons.Validate(ctx, companyID, code)
	if err != nil {
		if reason := domain.ConflictReason(err); reason != "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"valid":  false,
				"reason": reason,
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":  true,
		"coupon": c,
	})
}

// RedeemRequest is the request body for POST /coupons/{code}/redeem.
type RedeemRequest struct {
	DeviceID  string   `json:"deviceId,omitempty"`
	IPAddress string   `json:"ipAddress,omitempty"`
	Email     string   `json:"email,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// RedeemCoupon handles POST /coupons/{code}/redeem.
func (h *Handler) RedeemCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := GetCompanyID(ctx)
	code := chi.URLParam(r, "code")

	var req RedeemRequest
	if r.Body != nil {
		// The body is optional; ignore decode errors on an empty body.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if req.Latitude != nil && req.Longitude != nil {
		c, err := h.repo.GetCouponByCode(ctx, companyID, code)
		if err != nil {
			writeError(w, err)
			return
		}
		allowed, err := h.geofence.AllowsRedemption(ctx, companyID, c.PromotionID, geo.Point{Lat: *req.Latitude, Lon: *req.Longitude})
		if err != nil {
			writeError(w, err)
			return
		}
		if !allowed {
			writeError(w, domain.Conflict(domain.ReasonBlockedOutside))
			return
		}
	}

	c, err := h.coupons.Redeem(ctx, companyID, code)
	if err != nil {
		writeError(w, err)
		return
	}

	// IP and email only arrive with the request, so screen them here; the
	// worker screens device and promotion from the redeemed event.
	if h.bus != nil && (req.IPAddress != "" || req.Email != "") {
		evCtx := map[string]any{
			"deviceId":    c.DeviceID,
			"promotionId": c.PromotionID,
			"customerId":  c.CustomerID,
		}
		if req.IPAddress != "" {
			evCtx["ipAddress"] = req.IPAddress
		}
		if req.Email != "" {
			evCtx["email"] = req.Email
		}
		payload, merr := json.Marshal(&domain.FraudEvent{
			EntityType: "redemption",
			EntityID:   c.ID,
			Context:    evCtx,
		})
		if merr == nil {
			merr = h.bus.Publish(ctx, companyID, domain.TopicFraudEvent, payload)
		}
		if merr != nil {
			slog.Warn("failed to publish fraud event", "error", merr)
		}
	}

	writeJSON(w, http.StatusOK, c)
}

// ExpireCoupon handles POST /coupons/{code}/expire.
func (h *Handler) ExpireCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := GetCompanyID(ctx)

	c, err := h.coupons.Expire(ctx, companyID, chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// LocationRequest is the request body for POST /locations.
type LocationRequest struct {
	DeviceID  string  `json:"deviceId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// UpdateLocation handles POST /locations: it records the device position
// on the bus and returns the promotions visible there.
func (h *Handler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := GetCompanyID(ctx)

	var req LocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "deviceId is required",
		})
		return
	}

	if h.bus != nil {
		payload, merr := json.Marshal(req)
		if merr == nil {
			merr = h.bus.Publish(ctx, companyID, domain.TopicLocationUpdated, payload)
		}
		if merr != nil {
			slog.Warn("failed to publish location event", "error", merr)
		}
	}

	promos, err := h.geofence.EligiblePromotions(ctx, companyID, req.DeviceID, geo.Point{Lat: req.Latitude, Lon: req.Longitude})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"promotions": promos,
		"count":      len(promos),
	})
}

// CheckFraud handles POST /fraud/check.
func (h *Handler) CheckFraud(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := GetCompanyID(ctx)

	var ev domain.FraudEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if ev.EntityType == "" || ev.EntityID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "entityType and entityId are required",
		})
		return
	}

	results, err := h.engine.CheckEvent(ctx, companyID, &ev)
	if err != nil {
		writeError(w, err)
		return
	}

	triggered := 0
	for _, res := range results {
		if res.Triggered {
			triggered++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":   results,
		"evaluated": len(results),
		"triggered": triggered,
	})
}

// FraudRuleRequest is the request body for POST /fraud/rules.
type FraudRuleRequest struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	Config    map[string]any `json:"config,omitempty"`
	Active    *bool          `json:"active,omitempty"`
	AutoAlert bool           `json:"autoAlert,omitempty"`
	AutoBlock bool           `json:"autoBlock,omitempty"`
}

// CreateFraudRule handles POST /fraud/rules.
func (h *Handler) CreateFraudRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := GetCompanyID(ctx)

	var req FraudRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Name == "" || req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name and type are required",
		})
		return
	}

	now := time.Now().UTC()
	rule := &domain.FraudRule{
		ID:        req.ID,
		CompanyID: companyID,
		Name:      req.Name,
		Type:      domain.RuleType(req.Type),
		Severity:  domain.Severity(req.Severity),
		Config:    req.Config,
		Active:    true,
		AutoAlert: req.AutoAlert,
		AutoBlock: req.AutoBlock,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.Severity == "" {
		rule.Severity = domain.SeverityMedium
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}

	if err := h.repo.SaveFraudRule(ctx, companyID, rule); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("fraud rule created", "company_id", companyID, "rule_id", rule.ID, "type", rule.Type)
	writeJSON(w, http.StatusCreated, rule)
}

// ListFraudRules handles GET /fraud/rules.
func (h *Handler) ListFraudRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := GetCompanyID(ctx)

	rules, err := h.repo.ListActiveFraudRules(ctx, companyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

// GetFraudRule handles GET /fraud/rules/{id}.
func (h *Handler) GetFraudRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := GetCompanyID(ctx)

	rule, err := h.repo.GetFraudRule(ctx, companyID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// ListFraudAlerts handles GET /fraud/alerts.
func (h *Handler) ListFraudAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := GetCompanyID(ctx)

	alerts, err := h.repo.ListFraudAlerts(ctx, companyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetFraudAlert handles GET /fraud/alerts/{id}.
func (h *Handler) GetFraudAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := GetCompanyID(ctx)

	alert, err := h.repo.GetFraudAlert(ctx, companyID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

var validAlertStatuses = map[domain.AlertStatus]bool{
	domain.AlertPending:       true,
	domain.AlertInvestigating: true,
	domain.AlertConfirmed:     true,
	domain.AlertFalsePositive: true,
	domain.AlertResolved:      true,
}

// UpdateFraudAlertStatus handles PUT /fraud/alerts/{id}/status.
func (h *Handler) UpdateFraudAlertStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := GetCompanyID(ctx)
	alertID := chi.URLParam(r, "id")

	var req struct {
		Status domain.AlertStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if !validAlertStatuses[req.Status] {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid status",
		})
		return
	}

	if err := h.repo.UpdateFraudAlertStatus(ctx, companyID, alertID, req.Status); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("fraud alert status updated", "company_id", companyID, "alert_id", alertID, "status", req.Status)
	writeJSON(w, http.StatusOK, map[string]string{
		"id":     alertID,
		"status": string(req.Status),
	})
}

// BlacklistRequest is the request body for POST /blacklist.
type BlacklistRequest struct {
	Type      string     `json:"type"`
	Value     string     `json:"value"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// AddBlacklistEntry handles POST /blacklist.
func (h *Handler) AddBlacklistEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := GetCompanyID(ctx)

	var req BlacklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Type == "" || req.Value == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "type and value are required",
		})
		return
	}

	entry := &domain.BlacklistEntry{
		Type:      domain.BlacklistType(req.Type),
		Value:     req.Value,
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
	}
	if err := h.store.Add(ctx, companyID, entry); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// ListBlacklistEntries handles GET /blacklist.
func (h *Handler) ListBlacklistEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := GetCompanyID(ctx)

	entries, err := h.store.List(ctx, companyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// ZoneRequest is the request body for POST /geofence/zones.
type ZoneRequest struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Kind     string          `json:"kind"`
	Geometry json.RawMessage `json:"geometry"`
}

// CreateGeofenceZone handles POST /geofence/zones. The geometry is parsed
// up front so malformed zones are rejected instead of stored.
func (h *Handler) CreateGeofenceZone(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := GetCompanyID(ctx)

	var req ZoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Name == "" || req.Kind == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name and kind are required",
		})
		return
	}
	if _, err := geo.ParseGeometry(domain.ZoneKind(req.Kind), req.Geometry); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid geometry: " + err.Error(),
		})
		return
	}

	z := &domain.GeofenceZone{
		ID:        req.ID,
		CompanyID: companyID,
		Name:      req.Name,
		Kind:      domain.ZoneKind(req.Kind),
		Geometry:  req.Geometry,
		CreatedAt: time.Now().UTC(),
	}
	if z.ID == "" {
		z.ID = uuid.New().String()
	}

	if err := h.repo.SaveGeofenceZone(ctx, companyID, z); err != nil {
		writeError(w, err)
		return
	}
	h.geofence.Invalidate(ctx, companyID)
	writeJSON(w, http.StatusCreated, z)
}

// ListGeofenceZones handles GET /geofence/zones.
func (h *Handler) ListGeofenceZones(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := GetCompanyID(ctx)

	zones, err := h.repo.ListGeofenceZones(ctx, companyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"zones": zones,
		"count": len(zones),
	})
}

// GetGeofenceZone handles GET /geofence/zones/{id}.
func (h *Handler) GetGeofenceZone(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := GetCompanyID(ctx)

	z, err := h.repo.GetGeofenceZone(ctx, companyID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, z)
}

// GeofenceRuleRequest is the request body for POST /geofence/rules.
type GeofenceRuleRequest struct {
	ID          string `json:"id,omitempty"`
	PromotionID string `json:"promotionId"`
	ZoneID      string `json:"zoneId"`
	Kind        string `json:"kind"`
	Priority    int    `json:"priority,omitempty"`
	Active      *bool  `json:"active,omitempty"`
}

var validGeofenceRuleKinds = map[domain.GeofenceRuleKind]bool{
	domain.RuleShowInside:       true,
	domain.RuleHideOutside:      true,
	domain.RuleBlockOutside:     true,
	domain.RulePrioritizeInside: true,
}

// CreateGeofenceRule handles POST /geofence/rules.
func (h *Handler) CreateGeofenceRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := GetCompanyID(ctx)

	var req GeofenceRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.PromotionID == "" || req.ZoneID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "promotionId and zoneId are required",
		})
		return
	}
	if !validGeofenceRuleKinds[domain.GeofenceRuleKind(req.Kind)] {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid rule kind",
		})
		return
	}

	rule := &domain.GeofenceRule{
		ID:          req.ID,
		CompanyID:   companyID,
		PromotionID: req.PromotionID,
		ZoneID:      req.ZoneID,
		Kind:        domain.GeofenceRuleKind(req.Kind),
		Priority:    req.Priority,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}

	if err := h.repo.SaveGeofenceRule(ctx, companyID, rule); err != nil {
		writeError(w, err)
		return
	}
	h.geofence.Invalidate(ctx, companyID)
	writeJSON(w, http.StatusCreated, rule)
}

// writeError maps domain and repository errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	if reason := domain.ConflictReason(err); reason != "" {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "state conflict",
			"reason": reason,
		})
		return
	}
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "not found",
		})
		return
	}
	if errors.Is(err, repository.ErrInvalidInput) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	slog.Error("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error": "internal server error",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

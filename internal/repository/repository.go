// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openpromo/kestrel/internal/domain"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrDuplicateCode = errors.New("coupon code already exists")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SavePromotion stores or updates a promotion with tenant isolation.
func (r *SQLRepository) SavePromotion(ctx context.Context, companyID string, p *domain.Promotion) error {
	if companyID == "" {
		return fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO promotions (
			id, company_id, name, starts_at, ends_at, limit_policy,
			code_length, active, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			starts_at = excluded.starts_at,
			ends_at = excluded.ends_at,
			limit_policy = excluded.limit_policy,
			code_length = excluded.code_length,
			active = excluded.active
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		p.ID, companyID, p.Name,
		nullTime(p.StartsAt), nullTime(p.EndsAt),
		string(p.LimitPolicy), p.CodeLength, boolInt(p.Active), p.CreatedAt,
	)
	return err
}

// GetPromotion retrieves a promotion by ID with tenant isolation.
func (r *SQLRepository) GetPromotion(ctx context.Context, companyID string, promotionID string) (*domain.Promotion, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, company_id, name, starts_at, ends_at, limit_policy,
		       code_length, active, created_at
		FROM promotions
		WHERE company_id = ? AND id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), companyID, promotionID)
	p, err := scanPromotion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListPromotions retrieves all active promotions for a company.
func (r *SQLRepository) ListPromotions(ctx context.Context, companyID string) ([]*domain.Promotion, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, company_id, name, starts_at, ends_at, limit_policy,
		       code_length, active, created_at
		FROM promotions
		WHERE company_id = ? AND active = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var promos []*domain.Promotion
	for rows.Next() {
		p, err := scanPromotion(rows)
		if err != nil {
			return nil, err
		}
		promos = append(promos, p)
	}
	return promos, rows.Err()
}

// SaveCustomer stores a customer with tenant isolation.
func (r *SQLRepository) SaveCustomer(ctx context.Context, companyID string, c *domain.Customer) error {
	if companyID == "" {
		return fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO customers (id, company_id, identifier_type, identifier, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, companyID, c.IdentifierType, c.Identifier, c.CreatedAt,
	)
	return err
}

// GetCustomer retrieves a customer by ID with tenant isolation.
func (r *SQLRepository) GetCustomer(ctx context.Context, companyID string, customerID string) (*domain.Customer, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, company_id, identifier_type, identifier, created_at
		FROM customers
		WHERE company_id = ? AND id = ?
	`

	var c domain.Customer
	err := r.db.QueryRowContext(ctx, r.rebind(query), companyID, customerID).Scan(
		&c.ID, &c.CompanyID, &c.IdentifierType, &c.Identifier, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCouponGated inserts a coupon inside a transaction that re-checks the
// admission window, so concurrent issuance for the same (promotion, customer)
// cannot both pass the count check and both insert.
func (r *SQLRepository) CreateCouponGated(ctx context.Context, companyID string, c *domain.Coupon, gate domain.CouponGate) error {
	if companyID == "" {
		return fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if !gate.Unlimited {
		// Serialize competing issuances on the promotion row. SQLite
		// serializes writers on its own; Postgres needs the row lock.
		if r.driver == "postgres" {
			lock := r.rebind(`SELECT id FROM promotions WHERE id = ? FOR UPDATE`)
			if _, err := tx.ExecContext(ctx, lock, c.PromotionID); err != nil {
				return err
			}
		}

		count, err := countCouponsTx(ctx, tx, r, companyID, c.PromotionID, c.CustomerID, gate.Since)
		if err != nil {
			return err
		}
		if count > 0 {
			return domain.Conflict(domain.ReasonLimitReached)
		}
	}

	insert := `
		INSERT INTO coupons (
			id, company_id, promotion_id, customer_id, device_id, code,
			status, expires_at, redeemed_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, r.rebind(insert),
		c.ID, companyID, c.PromotionID, c.CustomerID, c.DeviceID, c.Code,
		string(c.Status), nullTime(c.ExpiresAt), nullTime(c.RedeemedAt), c.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateCode
		}
		return err
	}

	return tx.Commit()
}

func countCouponsTx(ctx context.Context, tx *sql.Tx, r *SQLRepository, companyID, promotionID, customerID string, since *time.Time) (int64, error) {
	query := `
		SELECT COUNT(*) FROM coupons
		WHERE company_id = ? AND promotion_id = ? AND customer_id = ?
		  AND status != 'CANCELLED'
	`
	args := []any{companyID, promotionID, customerID}
	if since != nil {
		query += ` AND created_at >= ?`
		args = append(args, *since)
	}

	var count int64
	err := tx.QueryRowContext(ctx, r.rebind(query), args...).Scan(&count)
	return count, err
}

// GetCouponByCode retrieves a coupon by its code with tenant isolation.
func (r *SQLRepository) GetCouponByCode(ctx context.Context, companyID string, code string) (*domain.Coupon, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, company_id, promotion_id, customer_id, device_id, code,
		       status, expires_at, redeemed_at, created_at
		FROM coupons
		WHERE company_id = ? AND code = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), companyID, code)
	c, err := scanCoupon(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// CouponCodeExists reports whether a code is already taken, across all
// companies (codes are globally unique).
func (r *SQLRepository) CouponCodeExists(ctx context.Context, code string) (bool, error) {
	query := `SELECT COUNT(*) FROM coupons WHERE code = ?`

	var count int64
	if err := r.db.QueryRowContext(ctx, r.rebind(query), code).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// RedeemCoupon flips a coupon from VALID to REDEEMED atomically.
// Returns false if the coupon was not in VALID state (the redeem-once
// compare-and-swap lost, or the coupon was never valid).
func (r *SQLRepository) RedeemCoupon(ctx context.Context, companyID string, code string, redeemedAt time.Time) (bool, error) {
	if companyID == "" {
		return false, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `
		UPDATE coupons
		SET status = 'REDEEMED', redeemed_at = ?
		WHERE company_id = ? AND code = ? AND status = 'VALID'
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), redeemedAt, companyID, code)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// SetCouponStatus transitions a VALID coupon to the given status (and
// expiry when provided). Returns false when the coupon had already left
// VALID, so a concurrent redeem is never overwritten.
func (r *SQLRepository) SetCouponStatus(ctx context.Context, companyID string, code string, status domain.CouponStatus, expiresAt *time.Time) (bool, error) {
	if companyID == "" {
		return false, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	var result sql.Result
	var err error
	if expiresAt != nil {
		query := `UPDATE coupons SET status = ?, expires_at = ? WHERE company_id = ? AND code = ? AND status = 'VALID'`
		result, err = r.db.ExecContext(ctx, r.rebind(query), string(status), *expiresAt, companyID, code)
	} else {
		query := `UPDATE coupons SET status = ? WHERE company_id = ? AND code = ? AND status = 'VALID'`
		result, err = r.db.ExecContext(ctx, r.rebind(query), string(status), companyID, code)
	}
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 1 {
		return true, nil
	}

	// Zero rows is either a lost race or a missing coupon.
	var count int
	existsQuery := `SELECT COUNT(*) FROM coupons WHERE company_id = ? AND code = ?`
	if err := r.db.QueryRowContext(ctx, r.rebind(existsQuery), companyID, code).Scan(&count); err != nil {
		return false, err
	}
	if count == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

// CountCoupons counts non-cancelled coupons for a (promotion, customer)
// pair, optionally restricted to those created at or after since.
func (r *SQLRepository) CountCoupons(ctx context.Context, companyID string, promotionID string, customerID string, since *time.Time) (int64, error) {
	if companyID == "" {
		return 0, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*) FROM coupons
		WHERE company_id = ? AND promotion_id = ? AND customer_id = ?
		  AND status != 'CANCELLED'
	`
	args := []any{companyID, promotionID, customerID}
	if since != nil {
		query += ` AND created_at >= ?`
		args = append(args, *since)
	}

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), args...).Scan(&count)
	return count, err
}

// CountCouponsByDevice counts coupons issued at a device within a window.
func (r *SQLRepository) CountCouponsByDevice(ctx context.Context, companyID string, deviceID string, since time.Time) (int64, error) {
	if companyID == "" {
		return 0, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*) FROM coupons
		WHERE company_id = ? AND device_id = ? AND created_at >= ?
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), companyID, deviceID, since).Scan(&count)
	return count, err
}

// CountCouponsByDevicePromotion counts all-time coupons for a device on one
// promotion.
func (r *SQLRepository) CountCouponsByDevicePromotion(ctx context.Context, companyID string, deviceID string, promotionID string) (int64, error) {
	if companyID == "" {
		return 0, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*) FROM coupons
		WHERE company_id = ? AND device_id = ? AND promotion_id = ?
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), companyID, deviceID, promotionID).Scan(&count)
	return count, err
}

// ExpireCouponsSweep marks non-terminal coupons whose expiry has passed as
// EXPIRED. Cross-company batch writer; safe to re-run.
func (r *SQLRepository) ExpireCouponsSweep(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE coupons
		SET status = 'EXPIRED'
		WHERE status = 'VALID' AND expires_at IS NOT NULL AND expires_at < ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// SaveFraudRule stores or updates a fraud rule with tenant isolation.
func (r *SQLRepository) SaveFraudRule(ctx context.Context, companyID string, rule *domain.FraudRule) error {
	if companyID == "" {
		return fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	config, _ := json.Marshal(rule.Config)

	query := `
		INSERT INTO fraud_rules (
			id, company_id, name, type, severity, config,
			active, auto_alert, auto_block, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			severity = excluded.severity,
			config = excluded.config,
			active = excluded.active,
			auto_alert = excluded.auto_alert,
			auto_block = excluded.auto_block,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	createdAt := rule.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, companyID, rule.Name, string(rule.Type), string(rule.Severity),
		string(config), boolInt(rule.Active), boolInt(rule.AutoAlert),
		boolInt(rule.AutoBlock), createdAt, now,
	)
	return err
}

// GetFraudRule retrieves a fraud rule with tenant isolation.
func (r *SQLRepository) GetFraudRule(ctx context.Context, companyID string, ruleID string) (*domain.FraudRule, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := fraudRuleSelect + ` WHERE company_id = ? AND id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), companyID, ruleID)
	rule, err := scanFraudRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListActiveFraudRules retrieves active rules for a company in stable
// (rule ID) order, so evaluation is reproducible.
func (r *SQLRepository) ListActiveFraudRules(ctx context.Context, companyID string) ([]*domain.FraudRule, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := fraudRuleSelect + ` WHERE company_id = ? AND active = 1 ORDER BY id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.FraudRule
	for rows.Next() {
		rule, err := scanFraudRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

const fraudRuleSelect = `
	SELECT id, company_id, name, type, severity, config,
	       active, auto_alert, auto_block, created_at, updated_at
	FROM fraud_rules
`

// SaveFraudAlert stores an alert with tenant isolation.
func (r *SQLRepository) SaveFraudAlert(ctx context.Context, companyID string, a *domain.FraudAlert) error {
	if companyID == "" {
		return fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	evidence, _ := json.Marshal(a.Evidence)

	query := `
		INSERT INTO fraud_alerts (
			id, company_id, rule_id, entity_type, entity_id,
			severity, status, confidence, evidence, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, companyID, a.RuleID, a.EntityType, a.EntityID,
		string(a.Severity), string(a.Status), a.Confidence, string(evidence), a.CreatedAt,
	)
	return err
}

// GetFraudAlert retrieves an alert with tenant isolation.
func (r *SQLRepository) GetFraudAlert(ctx context.Context, companyID string, alertID string) (*domain.FraudAlert, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := fraudAlertSelect + ` WHERE company_id = ? AND id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), companyID, alertID)
	a, err := scanFraudAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListFraudAlerts retrieves alerts for a company, newest first.
func (r *SQLRepository) ListFraudAlerts(ctx context.Context, companyID string) ([]*domain.FraudAlert, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := fraudAlertSelect + ` WHERE company_id = ? ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.FraudAlert
	for rows.Next() {
		a, err := scanFraudAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// UpdateFraudAlertStatus applies a manual review transition.
func (r *SQLRepository) UpdateFraudAlertStatus(ctx context.Context, companyID string, alertID string, status domain.AlertStatus) error {
	if companyID == "" {
		return fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `UPDATE fraud_alerts SET status = ? WHERE company_id = ? AND id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), string(status), companyID, alertID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

const fraudAlertSelect = `
	SELECT id, company_id, rule_id, entity_type, entity_id,
	       severity, status, confidence, evidence, created_at
	FROM fraud_alerts
`

// AddBlacklistEntry inserts an entry, reactivating an existing row for the
// same (company, type, value) instead of duplicating it.
func (r *SQLRepository) AddBlacklistEntry(ctx context.Context, companyID string, e *domain.BlacklistEntry) error {
	if companyID == "" {
		return fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO blacklist_entries (
			id, company_id, type, value, reason, source_alert_id,
			active, expires_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(company_id, type, value) DO UPDATE SET
			active = 1,
			reason = excluded.reason,
			source_alert_id = excluded.source_alert_id,
			expires_at = excluded.expires_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		e.ID, companyID, string(e.Type), e.Value, e.Reason, e.SourceAlertID,
		boolInt(e.Active), nullTime(e.ExpiresAt), e.CreatedAt,
	)
	return err
}

// GetBlacklistEntry retrieves the entry for (type, value) with tenant
// isolation, regardless of whether it is currently effective.
func (r *SQLRepository) GetBlacklistEntry(ctx context.Context, companyID string, typ domain.BlacklistType, value string) (*domain.BlacklistEntry, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := blacklistSelect + ` WHERE company_id = ? AND type = ? AND value = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), companyID, string(typ), value)
	e, err := scanBlacklistEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// ListBlacklistEntries retrieves all entries for a company.
func (r *SQLRepository) ListBlacklistEntries(ctx context.Context, companyID string) ([]*domain.BlacklistEntry, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := blacklistSelect + ` WHERE company_id = ? ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.BlacklistEntry
	for rows.Next() {
		e, err := scanBlacklistEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeactivateExpiredBlacklist sets active=false on entries whose expiry has
// passed. Never deletes rows; re-running produces no further change.
func (r *SQLRepository) DeactivateExpiredBlacklist(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE blacklist_entries
		SET active = 0
		WHERE active = 1 AND expires_at IS NOT NULL AND expires_at < ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const blacklistSelect = `
	SELECT id, company_id, type, value, reason, source_alert_id,
	       active, expires_at, created_at
	FROM blacklist_entries
`

// SaveGeofenceZone stores or updates a zone with tenant isolation.
func (r *SQLRepository) SaveGeofenceZone(ctx context.Context, companyID string, z *domain.GeofenceZone) error {
	if companyID == "" {
		return fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO geofence_zones (id, company_id, name, kind, geometry, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			geometry = excluded.geometry
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		z.ID, companyID, z.Name, string(z.Kind), string(z.Geometry), z.CreatedAt,
	)
	return err
}

// GetGeofenceZone retrieves a zone with tenant isolation.
func (r *SQLRepository) GetGeofenceZone(ctx context.Context, companyID string, zoneID string) (*domain.GeofenceZone, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, company_id, name, kind, geometry, created_at
		FROM geofence_zones
		WHERE company_id = ? AND id = ?
	`

	var z domain.GeofenceZone
	var kind, geometry string
	err := r.db.QueryRowContext(ctx, r.rebind(query), companyID, zoneID).Scan(
		&z.ID, &z.CompanyID, &z.Name, &kind, &geometry, &z.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	z.Kind = domain.ZoneKind(kind)
	z.Geometry = []byte(geometry)
	return &z, nil
}

// ListGeofenceZones retrieves all zones for a company.
func (r *SQLRepository) ListGeofenceZones(ctx context.Context, companyID string) ([]*domain.GeofenceZone, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, company_id, name, kind, geometry, created_at
		FROM geofence_zones
		WHERE company_id = ?
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var zones []*domain.GeofenceZone
	for rows.Next() {
		var z domain.GeofenceZone
		var kind, geometry string
		if err := rows.Scan(&z.ID, &z.CompanyID, &z.Name, &kind, &geometry, &z.CreatedAt); err != nil {
			return nil, err
		}
		z.Kind = domain.ZoneKind(kind)
		z.Geometry = []byte(geometry)
		zones = append(zones, &z)
	}
	return zones, rows.Err()
}

// SaveGeofenceRule stores or updates a geofence rule with tenant isolation.
func (r *SQLRepository) SaveGeofenceRule(ctx context.Context, companyID string, rule *domain.GeofenceRule) error {
	if companyID == "" {
		return fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO geofence_rules (
			id, company_id, promotion_id, zone_id, kind, priority, active, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			promotion_id = excluded.promotion_id,
			zone_id = excluded.zone_id,
			kind = excluded.kind,
			priority = excluded.priority,
			active = excluded.active
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, companyID, rule.PromotionID, rule.ZoneID,
		string(rule.Kind), rule.Priority, boolInt(rule.Active), rule.CreatedAt,
	)
	return err
}

// ListActiveGeofenceRules retrieves active rules for one company only, in
// (priority desc, id) order.
func (r *SQLRepository) ListActiveGeofenceRules(ctx context.Context, companyID string) ([]*domain.GeofenceRule, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, company_id, promotion_id, zone_id, kind, priority, active, created_at
		FROM geofence_rules
		WHERE company_id = ? AND active = 1
		ORDER BY priority DESC, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.GeofenceRule
	for rows.Next() {
		var g domain.GeofenceRule
		var kind string
		var active int
		if err := rows.Scan(&g.ID, &g.CompanyID, &g.PromotionID, &g.ZoneID, &kind, &g.Priority, &active, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.Kind = domain.GeofenceRuleKind(kind)
		g.Active = active == 1
		rules = append(rules, &g)
	}
	return rules, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

// isUniqueViolation detects unique-constraint failures across both drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed") && strings.Contains(msg, "UNIQUE") ||
		strings.Contains(msg, "duplicate key value")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPromotion(row rowScanner) (*domain.Promotion, error) {
	var p domain.Promotion
	var startsAt, endsAt sql.NullTime
	var policy string
	var active int

	err := row.Scan(
		&p.ID, &p.CompanyID, &p.Name, &startsAt, &endsAt,
		&policy, &p.CodeLength, &active, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.LimitPolicy = domain.LimitPolicy(policy)
	p.Active = active == 1
	p.StartsAt = timePtr(startsAt)
	p.EndsAt = timePtr(endsAt)
	return &p, nil
}

func scanCoupon(row rowScanner) (*domain.Coupon, error) {
	var c domain.Coupon
	var expiresAt, redeemedAt sql.NullTime
	var status string

	err := row.Scan(
		&c.ID, &c.CompanyID, &c.PromotionID, &c.CustomerID, &c.DeviceID,
		&c.Code, &status, &expiresAt, &redeemedAt, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = domain.CouponStatus(status)
	c.ExpiresAt = timePtr(expiresAt)
	c.RedeemedAt = timePtr(redeemedAt)
	return &c, nil
}

func scanFraudRule(row rowScanner) (*domain.FraudRule, error) {
	var rule domain.FraudRule
	var typ, severity, config string
	var active, autoAlert, autoBlock int

	err := row.Scan(
		&rule.ID, &rule.CompanyID, &rule.Name, &typ, &severity, &config,
		&active, &autoAlert, &autoBlock, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Type = domain.RuleType(typ)
	rule.Severity = domain.Severity(severity)
	rule.Active = active == 1
	rule.AutoAlert = autoAlert == 1
	rule.AutoBlock = autoBlock == 1
	if config != "" {
		json.Unmarshal([]byte(config), &rule.Config)
	}
	return &rule, nil
}

func scanFraudAlert(row rowScanner) (*domain.FraudAlert, error) {
	var a domain.FraudAlert
	var severity, status, evidence string

	err := row.Scan(
		&a.ID, &a.CompanyID, &a.RuleID, &a.EntityType, &a.EntityID,
		&severity, &status, &a.Confidence, &evidence, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Severity = domain.Severity(severity)
	a.Status = domain.AlertStatus(status)
	if evidence != "" {
		json.Unmarshal([]byte(evidence), &a.Evidence)
	}
	return &a, nil
}

func scanBlacklistEntry(row rowScanner) (*domain.BlacklistEntry, error) {
	var e domain.BlacklistEntry
	var typ string
	var reason, sourceAlertID sql.NullString
	var active int
	var expiresAt sql.NullTime

	err := row.Scan(
		&e.ID, &e.CompanyID, &typ, &e.Value, &reason, &sourceAlertID,
		&active, &expiresAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Type = domain.BlacklistType(typ)
	e.Reason = reason.String
	e.SourceAlertID = sourceAlertID.String
	e.Active = active == 1
	e.ExpiresAt = timePtr(expiresAt)
	return &e, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require companyID for strict multi-tenancy isolation, except
// the cross-company sweeps, which are periodic batch writers.
type Repository interface {
	// Promotion operations (read inputs to the engine)
	SavePromotion(ctx context.Context, companyID string, p *Promotion) error
	GetPromotion(ctx context.Context, companyID string, promotionID string) (*Promotion, error)
	ListPromotions(ctx context.Context, companyID string) ([]*Promotion, error)

	// Customer operations
	SaveCustomer(ctx context.Context, companyID string, c *Customer) error
	GetCustomer(ctx context.Context, companyID string, customerID string) (*Customer, error)

	// Coupon operations
	// CreateCouponGated inserts the coupon inside a transaction that
	// re-checks the admission window, so concurrent issuance cannot defeat
	// the rate limit. Returns a limit_reached conflict on rejection and
	// ErrDuplicateCode when the code column's uniqueness fires.
	CreateCouponGated(ctx context.Context, companyID string, c *Coupon, gate CouponGate) error
	GetCouponByCode(ctx context.Context, companyID string, code string) (*Coupon, error)
	CouponCodeExists(ctx context.Context, code string) (bool, error)
	// RedeemCoupon flips VALID→REDEEMED atomically; false means the coupon
	// was not in VALID state when the update ran.
	RedeemCoupon(ctx context.Context, companyID string, code string, redeemedAt time.Time) (bool, error)
	SetCouponStatus(ctx context.Context, companyID string, code string, status CouponStatus, expiresAt *time.Time) (bool, error)
	CountCoupons(ctx context.Context, companyID string, promotionID string, customerID string, since *time.Time) (int64, error)
	CountCouponsByDevice(ctx context.Context, companyID string, deviceID string, since time.Time) (int64, error)
	CountCouponsByDevicePromotion(ctx context.Context, companyID string, deviceID string, promotionID string) (int64, error)
	// ExpireCouponsSweep marks every non-terminal coupon whose expiry has
	// passed as EXPIRED. Cross-company, idempotent.
	ExpireCouponsSweep(ctx context.Context, now time.Time) (int64, error)

	// Fraud rule operations
	SaveFraudRule(ctx context.Context, companyID string, r *FraudRule) error
	GetFraudRule(ctx context.Context, companyID string, ruleID string) (*FraudRule, error)
	ListActiveFraudRules(ctx context.Context, companyID string) ([]*FraudRule, error)

	// Fraud alert operations
	SaveFraudAlert(ctx context.Context, companyID string, a *FraudAlert) error
	GetFraudAlert(ctx context.Context, companyID string, alertID string) (*FraudAlert, error)
	ListFraudAlerts(ctx context.Context, companyID string) ([]*FraudAlert, error)
	UpdateFraudAlertStatus(ctx context.Context, companyID string, alertID string, status AlertStatus) error

	// Blacklist operations
	// AddBlacklistEntry is idempotent: a conflicting effective entry is a
	// no-op, an inactive conflicting row is reactivated.
	AddBlacklistEntry(ctx context.Context, companyID string, e *BlacklistEntry) error
	GetBlacklistEntry(ctx context.Context, companyID string, typ BlacklistType, value string) (*BlacklistEntry, error)
	ListBlacklistEntries(ctx context.Context, companyID string) ([]*BlacklistEntry, error)
	// DeactivateExpiredBlacklist sets active=false on every entry whose
	// expiry has passed. Cross-company, idempotent, never deletes.
	DeactivateExpiredBlacklist(ctx context.Context, now time.Time) (int64, error)

	// Geofence operations
	SaveGeofenceZone(ctx context.Context, companyID string, z *GeofenceZone) error
	GetGeofenceZone(ctx context.Context, companyID string, zoneID string) (*GeofenceZone, error)
	ListGeofenceZones(ctx context.Context, companyID string) ([]*GeofenceZone, error)
	SaveGeofenceRule(ctx context.Context, companyID string, r *GeofenceRule) error
	ListActiveGeofenceRules(ctx context.Context, companyID string) ([]*GeofenceRule, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

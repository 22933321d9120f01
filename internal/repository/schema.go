package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaPromotions = `
CREATE TABLE IF NOT EXISTS promotions (
    id TEXT NOT NULL,
    company_id TEXT NOT NULL,
    name TEXT NOT NULL,
    starts_at TIMESTAMP,
    ends_at TIMESTAMP,
    limit_policy TEXT NOT NULL,
    code_length INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id)
);

CREATE INDEX IF NOT EXISTS idx_promotions_company ON promotions(company_id);
CREATE INDEX IF NOT EXISTS idx_promotions_active ON promotions(company_id, active);
`

const schemaCustomers = `
CREATE TABLE IF NOT EXISTS customers (
    id TEXT NOT NULL,
    company_id TEXT NOT NULL,
    identifier_type TEXT NOT NULL,
    identifier TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_customers_identity
    ON customers(company_id, identifier_type, identifier);
`

const schemaCoupons = `
CREATE TABLE IF NOT EXISTS coupons (
    id TEXT NOT NULL,
    company_id TEXT NOT NULL,
    promotion_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    device_id TEXT NOT NULL,
    code TEXT NOT NULL,
    status TEXT NOT NULL,
    expires_at TIMESTAMP,
    redeemed_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_coupons_code ON coupons(code);
CREATE INDEX IF NOT EXISTS idx_coupons_company ON coupons(company_id);
CREATE INDEX IF NOT EXISTS idx_coupons_promo_customer ON coupons(company_id, promotion_id, customer_id);
CREATE INDEX IF NOT EXISTS idx_coupons_device ON coupons(company_id, device_id, created_at);
CREATE INDEX IF NOT EXISTS idx_coupons_expiry ON coupons(status, expires_at);
`

const schemaFraudRules = `
CREATE TABLE IF NOT EXISTS fraud_rules (
    id TEXT NOT NULL,
    company_id TEXT NOT NULL,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    severity TEXT NOT NULL,
    config TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    auto_alert INTEGER NOT NULL DEFAULT 1,
    auto_block INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id)
);

CREATE INDEX IF NOT EXISTS idx_fraud_rules_company ON fraud_rules(company_id);
CREATE INDEX IF NOT EXISTS idx_fraud_rules_active ON fraud_rules(company_id, active);
`

const schemaFraudAlerts = `
CREATE TABLE IF NOT EXISTS fraud_alerts (
    id TEXT NOT NULL,
    company_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    severity TEXT NOT NULL,
    status TEXT NOT NULL,
    confidence INTEGER NOT NULL,
    evidence TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id)
);

CREATE INDEX IF NOT EXISTS idx_fraud_alerts_company ON fraud_alerts(company_id);
CREATE INDEX IF NOT EXISTS idx_fraud_alerts_status ON fraud_alerts(company_id, status);
CREATE INDEX IF NOT EXISTS idx_fraud_alerts_rule ON fraud_alerts(company_id, rule_id);
`

const schemaBlacklist = `
CREATE TABLE IF NOT EXISTS blacklist_entries (
    id TEXT NOT NULL,
    company_id TEXT NOT NULL,
    type TEXT NOT NULL,
    value TEXT NOT NULL,
    reason TEXT,
    source_alert_id TEXT,
    active INTEGER NOT NULL DEFAULT 1,
    expires_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_blacklist_identity
    ON blacklist_entries(company_id, type, value);
CREATE INDEX IF NOT EXISTS idx_blacklist_expiry ON blacklist_entries(active, expires_at);
`

const schemaGeofence = `
CREATE TABLE IF NOT EXISTS geofence_zones (
    id TEXT NOT NULL,
    company_id TEXT NOT NULL,
    name TEXT NOT NULL,
    kind TEXT NOT NULL,
    geometry TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id)
);

CREATE INDEX IF NOT EXISTS idx_geofence_zones_company ON geofence_zones(company_id);

CREATE TABLE IF NOT EXISTS geofence_rules (
    id TEXT NOT NULL,
    company_id TEXT NOT NULL,
    promotion_id TEXT NOT NULL,
    zone_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id)
);

CREATE INDEX IF NOT EXISTS idx_geofence_rules_company ON geofence_rules(company_id, active);
CREATE INDEX IF NOT EXISTS idx_geofence_rules_promotion ON geofence_rules(company_id, promotion_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaPromotions,
		schemaCustomers,
		schemaCoupons,
		schemaFraudRules,
		schemaFraudAlerts,
		schemaBlacklist,
		schemaGeofence,
	}
}

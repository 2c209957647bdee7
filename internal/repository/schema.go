package repository

// Schema definitions for the Tariff database.
// Compatible with both SQLite and PostgreSQL. Money is stored as TEXT so
// decimal values survive the round trip exactly.

const schemaPricingRules = `
CREATE TABLE IF NOT EXISTS pricing_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    rule_type TEXT NOT NULL,
    calculation_type TEXT NOT NULL,
    value TEXT NOT NULL,
    target_role TEXT NOT NULL DEFAULT '',
    priority INTEGER NOT NULL DEFAULT 0,
    min_order_value TEXT NOT NULL DEFAULT '0',
    effective_from TIMESTAMP NOT NULL,
    effective_to TIMESTAMP,
    condition_expr TEXT NOT NULL DEFAULT '',
    supersedes TEXT NOT NULL DEFAULT '',
    is_locked INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_pricing_rules_priority ON pricing_rules(tenant_id, priority);
`

// Orders are write-once. The snapshot column holds the engine output verbatim.
const schemaOrders = `
CREATE TABLE IF NOT EXISTS orders (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    buyer_id TEXT NOT NULL,
    buyer TEXT NOT NULL,
    lines TEXT NOT NULL,
    snapshot TEXT NOT NULL,
    final_total TEXT NOT NULL,
    pricing_version TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_orders_buyer ON orders(tenant_id, buyer_id);
CREATE INDEX IF NOT EXISTS idx_orders_created ON orders(tenant_id, created_at);
`

const schemaAmendments = `
CREATE TABLE IF NOT EXISTS order_amendments (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    order_id TEXT NOT NULL,
    reason TEXT NOT NULL,
    buyer TEXT NOT NULL,
    lines TEXT NOT NULL,
    snapshot TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_order_amendments_order ON order_amendments(tenant_id, order_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaPricingRules,
		schemaOrders,
		schemaAmendments,
	}
}

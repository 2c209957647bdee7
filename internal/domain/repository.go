// Package domain defines the core interfaces and types for Tariff.
package domain

import (
	"context"
	"time"
)

// RulePool returns every rule currently known for a tenant, regardless of
// date or role. Filtering belongs to the selector.
type RulePool interface {
	ListActiveRulePool(ctx context.Context, tenantID string) ([]*PricingRule, error)
}

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	RulePool

	// Rule operations
	SaveRule(ctx context.Context, tenantID string, rule *PricingRule) error
	GetRule(ctx context.Context, tenantID string, ruleID string) (*PricingRule, error)
	LockRule(ctx context.Context, tenantID string, ruleID string) error

	// ListRules is the admin listing; malformed rows are reported, not fatal.
	ListRules(ctx context.Context, tenantID string) (*RuleListing, error)

	// Orders are insert-only; snapshots are never rewritten.
	SaveOrder(ctx context.Context, tenantID string, order *Order) error
	GetOrder(ctx context.Context, tenantID string, orderID string) (*Order, error)

	// Amendments
	SaveAmendment(ctx context.Context, tenantID string, amendment *Amendment) error
	ListAmendments(ctx context.Context, tenantID string, orderID string) ([]*Amendment, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RuleListing is the admin view of a tenant's stored rules.
type RuleListing struct {
	Rules     []*PricingRule  `json:"rules"`
	Malformed []MalformedRule `json:"malformed"`
}

// MalformedRule is a stored row that no longer decodes into a valid rule.
// Rule carries whatever columns could be read.
type MalformedRule struct {
	Rule  *PricingRule `json:"rule"`
	Field string       `json:"field"`
	Error string       `json:"error"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "pgx"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific (both lib/pq and pgx)
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

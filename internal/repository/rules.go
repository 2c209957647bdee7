package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/tariff/internal/domain"
	"github.com/shopspring/decimal"
)

const ruleColumns = `
	id, tenant_id, name, rule_type, calculation_type, value, target_role,
	priority, min_order_value, effective_from, effective_to, condition_expr,
	supersedes, is_locked, created_at, updated_at`

// SaveRule inserts rule or updates it in place. Locked rules are never
// updated: the conditional upsert matches no row and ErrRuleLocked is returned.
func (r *SQLRepository) SaveRule(ctx context.Context, tenantID string, rule *domain.PricingRule) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if rule == nil {
		return fmt.Errorf("%w: rule is required", ErrInvalidInput)
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	var effectiveTo sql.NullTime
	if rule.EffectiveTo != nil {
		effectiveTo = sql.NullTime{Time: rule.EffectiveTo.UTC(), Valid: true}
	}

	query := `
		INSERT INTO pricing_rules (` + ruleColumns + `
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			name = excluded.name,
			rule_type = excluded.rule_type,
			calculation_type = excluded.calculation_type,
			value = excluded.value,
			target_role = excluded.target_role,
			priority = excluded.priority,
			min_order_value = excluded.min_order_value,
			effective_from = excluded.effective_from,
			effective_to = excluded.effective_to,
			condition_expr = excluded.condition_expr,
			supersedes = excluded.supersedes,
			is_locked = excluded.is_locked,
			updated_at = excluded.updated_at
		WHERE pricing_rules.is_locked = 0
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name,
		string(rule.RuleType), string(rule.CalculationType), rule.Value.String(),
		string(rule.TargetRole), rule.Priority, rule.MinOrderValue.String(),
		rule.EffectiveFrom.UTC(), effectiveTo, rule.Condition,
		rule.Supersedes, boolToInt(rule.IsLocked), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrRuleLocked, rule.ID)
	}

	rule.TenantID = tenantID
	return nil
}

// GetRule retrieves one rule with tenant isolation.
func (r *SQLRepository) GetRule(ctx context.Context, tenantID string, ruleID string) (*domain.PricingRule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + ruleColumns + ` FROM pricing_rules WHERE tenant_id = ? AND id = ?`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListActiveRulePool returns every rule stored for the tenant. Dates and
// targeting are left to the selector. A row that does not decode into a
// valid rule fails the whole read with a MalformedRuleError.
func (r *SQLRepository) ListActiveRulePool(ctx context.Context, tenantID string) ([]*domain.PricingRule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + ruleColumns + ` FROM pricing_rules WHERE tenant_id = ? ORDER BY priority DESC, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := make([]*domain.PricingRule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// ListRules returns every stored rule for the admin view. Rows that no longer
// decode are reported beside the listing instead of failing it.
func (r *SQLRepository) ListRules(ctx context.Context, tenantID string) (*domain.RuleListing, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + ruleColumns + ` FROM pricing_rules WHERE tenant_id = ? ORDER BY priority DESC, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	listing := &domain.RuleListing{
		Rules:     make([]*domain.PricingRule, 0),
		Malformed: make([]domain.MalformedRule, 0),
	}
	for rows.Next() {
		rr, err := scanRuleRow(rows)
		if err != nil {
			return nil, err
		}
		rule, err := rr.decode()
		if err == nil {
			listing.Rules = append(listing.Rules, rule)
			continue
		}

		var malformed *domain.MalformedRuleError
		if !errors.As(err, &malformed) {
			return nil, err
		}
		listing.Malformed = append(listing.Malformed, domain.MalformedRule{
			Rule:   rule,
			Field: malformed.Field,
			Error: malformed.Error(),
		})
	}

	return listing, rows.Err()
}

// LockRule freezes a rule. Further SaveRule calls for it return ErrRuleLocked.
func (r *SQLRepository) LockRule(ctx context.Context, tenantID string, ruleID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	query := `
		UPDATE pricing_rules
		SET is_locked = 1, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, ruleID)
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

type rowScanner interface {
	Scan(dest ...any) error
}

// ruleRow holds one pricing_rules row before its enum and money columns
// are decoded.
type ruleRow struct {
	rule            domain.PricingRule
	ruleType        string
	calculationType string
	value           string
	targetRole      string
	minOrderValue   string
	effectiveTo     sql.NullTime
	locked          int
}

func scanRuleRow(row rowScanner) (*ruleRow, error) {
	var rr ruleRow
	err := row.Scan(
		&rr.rule.ID, &rr.rule.TenantID, &rr.rule.Name, &rr.ruleType, &rr.calculationType, &rr.value, &rr.targetRole,
		&rr.rule.Priority, &rr.minOrderValue, &rr.rule.EffectiveFrom, &rr.effectiveTo, &rr.rule.Condition,
		&rr.rule.Supersedes, &rr.locked, &rr.rule.CreatedAt, &rr.rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rr, nil
}

// scanRule decodes one row. Enum and money columns go through the same
// validating parsers as the JSON boundary.
func scanRule(row rowScanner) (*domain.PricingRule, error) {
	rr, err := scanRuleRow(row)
	if err != nil {
		return nil, err
	}
	rule, err := rr.decode()
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// decode always returns the rule as far as it could be read, together with
// the first MalformedRuleError found. Undecodable columns keep their raw text
// where the type allows it.
func (rr *ruleRow) decode() (*domain.PricingRule, error) {
	rule := rr.rule
	rule.EffectiveFrom = rule.EffectiveFrom.UTC()
	if rr.effectiveTo.Valid {
		to := rr.effectiveTo.Time.UTC()
		rule.EffectiveTo = &to
	}
	rule.IsLocked = rr.locked == 1
	rule.CreatedAt = rule.CreatedAt.UTC()
	rule.UpdatedAt = rule.UpdatedAt.UTC()

	var first error
	keep := func(err error) {
		if first == nil {
			first = err
		}
	}

	var err error
	if rule.RuleType, err = domain.ParseRuleType(rr.ruleType); err != nil {
		rule.RuleType = domain.RuleType(rr.ruleType)
		keep(domain.WithRuleID(err, rule.ID))
	}
	if rule.CalculationType, err = domain.ParseCalculationType(rr.calculationType); err != nil {
		rule.CalculationType = domain.CalculationType(rr.calculationType)
		keep(domain.WithRuleID(err, rule.ID))
	}
	if rule.TargetRole, err = domain.ParseRole(rr.targetRole); err != nil {
		rule.TargetRole = domain.Role(rr.targetRole)
		keep(domain.WithRuleID(err, rule.ID))
	}
	if rule.Value, err = decimal.NewFromString(rr.value); err != nil {
		keep(&domain.MalformedRuleError{RuleID: rule.ID, Field: "value", Value: rr.value, Reason: "not a valid number"})
	}
	if rule.MinOrderValue, err = decimal.NewFromString(rr.minOrderValue); err != nil {
		keep(&domain.MalformedRuleError{RuleID: rule.ID, Field: "minOrderValue", Value: rr.minOrderValue, Reason: "not a valid number"})
	}

	if first == nil {
		if err := rule.Validate(); err != nil {
			keep(err)
		}
	}
	return &rule, first
}

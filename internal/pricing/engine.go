// Package pricing provides the rule-based pricing and settlement engine.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/tariff/internal/domain"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// currencyPlaces is the precision rule amounts are rounded to (paise).
const currencyPlaces = 2

var (
	tracer  = otel.Tracer("tariff-pricing")
	hundred = decimal.NewFromInt(100)
)

// Engine turns a cart and a buyer into an OrderSnapshot.
// It holds no per-checkout state and is safe for concurrent use.
type Engine struct {
	selector       *Selector
	conditions     *conditionEnv
	settlementMode domain.SettlementMode
}

// NewEngine creates a pricing engine reading rules from pool.
// An empty settlement mode selects domain.DefaultSettlementMode.
func NewEngine(pool domain.RulePool, settlementMode domain.SettlementMode) (*Engine, error) {
	if pool == nil {
		return nil, fmt.Errorf("rule pool is required")
	}
	if settlementMode == "" {
		settlementMode = domain.DefaultSettlementMode
	}
	if !settlementMode.Valid() {
		return nil, fmt.Errorf("unknown settlement mode: %s", settlementMode)
	}

	conditions, err := newConditionEnv()
	if err != nil {
		return nil, err
	}

	return &Engine{
		selector:       NewSelector(pool),
		conditions:     conditions,
		settlementMode: settlementMode,
	}, nil
}

// ComputeOption adjusts a single computation.
type ComputeOption func(*computeOptions)

type computeOptions struct {
	settlementMode domain.SettlementMode
}

// WithSettlementMode overrides the engine's default settlement mode.
func WithSettlementMode(mode domain.SettlementMode) ComputeOption {
	return func(o *computeOptions) {
		if mode != "" {
			o.settlementMode = mode
		}
	}
}

// Selector returns the engine's rule selector.
func (e *Engine) Selector() *Selector {
	return e.selector
}

// ValidateRule checks a rule's fields and compiles its condition
// without touching the rule pool.
func (e *Engine) ValidateRule(rule *domain.PricingRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.Condition == "" {
		return nil
	}
	_, err := e.conditions.program(rule)
	return err
}

// ComputeSnapshot prices cart for buyer at asOf.
//
// Percentages are always taken against the base total, so percentage rules
// never compound. Commission entries are recorded but leave the total alone.
// Any malformed rule or failed rule fetch aborts the whole computation.
func (e *Engine) ComputeSnapshot(ctx context.Context, tenantID string, cart domain.Cart, buyer domain.Buyer, asOf time.Time, opts ...ComputeOption) (*domain.OrderSnapshot, error) {
	ctx, span := tracer.Start(ctx, "pricing.ComputeSnapshot",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("buyer.id", buyer.ID),
			attribute.Int("cart.lines", len(cart.Lines)),
		),
	)
	defer span.End()

	snapshot, err := e.compute(ctx, tenantID, cart, buyer, asOf, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pricing failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("rules.applied", len(snapshot.AppliedRules)),
		attribute.String("total.final", snapshot.FinalTotal.String()),
	)
	return snapshot, nil
}

func (e *Engine) compute(ctx context.Context, tenantID string, cart domain.Cart, buyer domain.Buyer, asOf time.Time, opts []ComputeOption) (*domain.OrderSnapshot, error) {
	options := computeOptions{settlementMode: e.settlementMode}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.settlementMode.Valid() {
		return nil, fmt.Errorf("unknown settlement mode: %s", options.settlementMode)
	}

	if err := cart.Validate(); err != nil {
		return nil, err
	}

	baseTotal := cart.BaseTotal()

	rules, err := e.selector.SelectApplicableRules(ctx, tenantID, buyer, asOf)
	if err != nil {
		return nil, err
	}

	// Compile every condition up front so a broken gate fails the
	// computation even when an earlier check would have skipped its rule.
	for _, rule := range rules {
		if rule.Condition == "" {
			continue
		}
		if _, err := e.conditions.program(rule); err != nil {
			return nil, err
		}
	}

	var activation map[string]any
	currentTotal := baseTotal
	applied := make([]domain.AppliedRule, 0, len(rules))

	for _, rule := range rules {
		if rule.MinOrderValue.IsPositive() && baseTotal.LessThan(rule.MinOrderValue) {
			slog.Debug("rule skipped below minimum order value",
				"rule_id", rule.ID,
				"base_total", baseTotal.String(),
				"min_order_value", rule.MinOrderValue.String(),
			)
			continue
		}

		if rule.Condition != "" {
			if activation == nil {
				activation = cartActivation(cart, buyer)
			}
			ok, err := e.conditions.eval(rule, activation)
			if err != nil {
				return nil, err
			}
			if !ok {
				slog.Debug("rule skipped by condition", "rule_id", rule.ID)
				continue
			}
		}

		amount, err := ruleAmount(rule, baseTotal)
		if err != nil {
			return nil, err
		}

		entry := domain.AppliedRule{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Type:     rule.RuleType,
		}

		switch rule.RuleType {
		case domain.RuleTypeDiscount:
			currentTotal = currentTotal.Sub(amount)
			entry.Amount = amount.Neg()
		case domain.RuleTypeMarkup, domain.RuleTypeShipping:
			currentTotal = currentTotal.Add(amount)
			entry.Amount = amount
		case domain.RuleTypeCommission:
			entry.Amount = amount
		default:
			return nil, &domain.MalformedRuleError{RuleID: rule.ID, Field: "ruleType", Value: string(rule.RuleType), Reason: "unknown rule type"}
		}

		applied = append(applied, entry)
	}

	return &domain.OrderSnapshot{
		BaseTotal:      baseTotal,
		FinalTotal:     currentTotal,
		AppliedRules:   applied,
		SettlementMode: options.settlementMode,
		Pipeline:       buyer.Pipeline,
		PricingVersion: domain.PricingVersion,
		PricedAt:       asOf.UTC(),
	}, nil
}

// ruleAmount returns the unsigned amount a rule contributes. Percentages
// are rounded to paise; fixed amounts are validated to paise already.
func ruleAmount(rule *domain.PricingRule, baseTotal decimal.Decimal) (decimal.Decimal, error) {
	switch rule.CalculationType {
	case domain.CalcPercentage:
		return baseTotal.Mul(rule.Value).Div(hundred).Round(currencyPlaces), nil
	case domain.CalcFixedAmount:
		return rule.Value, nil
	}
	return decimal.Zero, &domain.MalformedRuleError{RuleID: rule.ID, Field: "calculationType", Value: string(rule.CalculationType), Reason: "unknown calculation type"}
}

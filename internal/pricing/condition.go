package pricing

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/tariff/internal/domain"
)

// conditionEnv compiles and memoizes the CEL gates attached to rules.
// Programs are keyed by expression text, so an edited rule gets a fresh program.
type conditionEnv struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
}

func newConditionEnv() (*conditionEnv, error) {
	env, err := cel.NewEnv(
		cel.Variable("base_total", cel.DoubleType),
		cel.Variable("lots", cel.IntType),
		cel.Variable("pieces", cel.IntType),
		cel.Variable("line_count", cel.IntType),
		cel.Variable("buyer_role", cel.StringType),
		cel.Variable("has_agent", cel.BoolType),
		cel.Variable("has_gaddi", cel.BoolType),
		cel.Variable("has_distributor", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &conditionEnv{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// program returns the compiled program for rule's condition.
func (c *conditionEnv) program(rule *domain.PricingRule) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.programs[rule.Condition]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(rule.Condition)
	if issues != nil && issues.Err() != nil {
		return nil, &domain.MalformedRuleError{RuleID: rule.ID, Field: "condition", Value: rule.Condition, Reason: issues.Err().Error()}
	}
	if ast.OutputType() != cel.BoolType {
		return nil, &domain.MalformedRuleError{RuleID: rule.ID, Field: "condition", Value: rule.Condition, Reason: "expression must return bool, got " + ast.OutputType().String()}
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, &domain.MalformedRuleError{RuleID: rule.ID, Field: "condition", Value: rule.Condition, Reason: err.Error()}
	}

	c.mu.Lock()
	c.programs[rule.Condition] = prg
	c.mu.Unlock()

	return prg, nil
}

// eval runs rule's condition. Rules without a condition always pass.
func (c *conditionEnv) eval(rule *domain.PricingRule, activation map[string]any) (bool, error) {
	if rule.Condition == "" {
		return true, nil
	}

	prg, err := c.program(rule)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, &domain.MalformedRuleError{RuleID: rule.ID, Field: "condition", Value: rule.Condition, Reason: "evaluation error: " + err.Error()}
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, &domain.MalformedRuleError{RuleID: rule.ID, Field: "condition", Value: rule.Condition, Reason: "non-bool result"}
	}
	return bool(b), nil
}

// cartActivation builds the CEL variables for a cart and buyer.
func cartActivation(cart domain.Cart, buyer domain.Buyer) map[string]any {
	base, _ := cart.BaseTotal().Float64()
	return map[string]any{
		"base_total":      base,
		"lots":            int64(cart.TotalLots()),
		"pieces":          int64(cart.TotalPieces()),
		"line_count":      int64(len(cart.Lines)),
		"buyer_role":      string(buyer.Role),
		"has_agent":       buyer.Pipeline.Has(domain.RoleAgent),
		"has_gaddi":       buyer.Pipeline.Has(domain.RoleGaddi),
		"has_distributor": buyer.Pipeline.Has(domain.RoleDistributor),
	}
}

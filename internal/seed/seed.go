// Package seed loads pricing rules from a YAML file into the repository.
//
// A seed file looks like:
//
//	tenants:
//	  - id: tenant-001
//	    rules:
//	      - id: festive-5
//	        name: Festive 5% off
//	        ruleType: DISCOUNT
//	        calculationType: PERCENTAGE
//	        value: "5"
//	        priority: 10
//	        effectiveFrom: 2026-01-01T00:00:00Z
//
// Every rule goes through the same parsers the API uses, so a seed file can
// never store a rule the engine would reject.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/opensource-finance/tariff/internal/domain"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// File is the top-level document.
type File struct {
	Tenants []Tenant `yaml:"tenants"`
}

// Tenant groups the rules for one tenant.
type Tenant struct {
	ID    string `yaml:"id"`
	Rules []Rule `yaml:"rules"`
}

// Rule is a rule as written in YAML. Amounts and dates are kept as strings
// until they are parsed.
type Rule struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	RuleType        string `yaml:"ruleType"`
	CalculationType string `yaml:"calculationType"`
	Value           string `yaml:"value"`
	TargetRole      string `yaml:"targetRole"`
	Priority        int    `yaml:"priority"`
	MinOrderValue   string `yaml:"minOrderValue"`
	EffectiveFrom   string `yaml:"effectiveFrom"`
	EffectiveTo     string `yaml:"effectiveTo"`
	Condition       string `yaml:"condition"`
	Supersedes      string `yaml:"supersedes"`
	Locked          bool   `yaml:"locked"`
}

// Validator checks rules beyond their fields, such as compiling conditions.
// *pricing.Engine satisfies it.
type Validator interface {
	ValidateRule(rule *domain.PricingRule) error
}

// Store is where seeded rules are saved.
type Store interface {
	SaveRule(ctx context.Context, tenantID string, rule *domain.PricingRule) error
}

// Result counts what a load did.
type Result struct {
	Saved   int `json:"saved"`
	Skipped int `json:"skipped"`
}

// Parse decodes a seed document and converts every rule. The first
// malformed rule fails the parse.
func Parse(r io.Reader) (map[string][]*domain.PricingRule, error) {
	var file File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string][]*domain.PricingRule{}, nil
		}
		return nil, fmt.Errorf("failed to decode seed file: %w", err)
	}

	out := make(map[string][]*domain.PricingRule, len(file.Tenants))
	for _, tenant := range file.Tenants {
		if tenant.ID == "" {
			return nil, fmt.Errorf("seed tenant without id")
		}
		for _, raw := range tenant.Rules {
			rule, err := raw.toDomain()
			if err != nil {
				return nil, fmt.Errorf("tenant %s: %w", tenant.ID, err)
			}
			out[tenant.ID] = append(out[tenant.ID], rule)
		}
	}
	return out, nil
}

func (r Rule) toDomain() (*domain.PricingRule, error) {
	ruleType, err := domain.ParseRuleType(r.RuleType)
	if err != nil {
		return nil, domain.WithRuleID(err, r.ID)
	}
	calcType, err := domain.ParseCalculationType(r.CalculationType)
	if err != nil {
		return nil, domain.WithRuleID(err, r.ID)
	}
	role, err := domain.ParseRole(r.TargetRole)
	if err != nil {
		return nil, domain.WithRuleID(err, r.ID)
	}

	value, err := decimal.NewFromString(r.Value)
	if err != nil {
		return nil, &domain.MalformedRuleError{RuleID: r.ID, Field: "value", Value: r.Value, Reason: "not a valid number"}
	}
	minOrder := decimal.Zero
	if r.MinOrderValue != "" {
		if minOrder, err = decimal.NewFromString(r.MinOrderValue); err != nil {
			return nil, &domain.MalformedRuleError{RuleID: r.ID, Field: "minOrderValue", Value: r.MinOrderValue, Reason: "not a valid number"}
		}
	}

	from, err := time.Parse(time.RFC3339, r.EffectiveFrom)
	if err != nil {
		return nil, &domain.MalformedRuleError{RuleID: r.ID, Field: "effectiveFrom", Value: r.EffectiveFrom, Reason: "not an RFC 3339 time"}
	}
	var to *time.Time
	if r.EffectiveTo != "" {
		t, err := time.Parse(time.RFC3339, r.EffectiveTo)
		if err != nil {
			return nil, &domain.MalformedRuleError{RuleID: r.ID, Field: "effectiveTo", Value: r.EffectiveTo, Reason: "not an RFC 3339 time"}
		}
		to = &t
	}

	rule := &domain.PricingRule{
		ID:              r.ID,
		Name:            r.Name,
		RuleType:        ruleType,
		CalculationType: calcType,
		Value:           value,
		TargetRole:      role,
		Priority:        r.Priority,
		MinOrderValue:   minOrder,
		EffectiveFrom:   from,
		EffectiveTo:     to,
		Condition:       r.Condition,
		Supersedes:      r.Supersedes,
		IsLocked:        r.Locked,
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

// Load parses r and saves every rule. Rules that are already locked in the
// store are skipped, so a seed file can be applied on every start.
func Load(ctx context.Context, r io.Reader, store Store, validator Validator) (Result, error) {
	var res Result

	tenants, err := Parse(r)
	if err != nil {
		return res, err
	}

	for tenantID, rules := range tenants {
		for _, rule := range rules {
			if validator != nil {
				if err := validator.ValidateRule(rule); err != nil {
					return res, fmt.Errorf("tenant %s: %w", tenantID, err)
				}
			}
			err := store.SaveRule(ctx, tenantID, rule)
			if errors.Is(err, domain.ErrRuleLocked) {
				slog.Debug("seed rule is locked, skipping", "tenant_id", tenantID, "rule_id", rule.ID)
				res.Skipped++
				continue
			}
			if err != nil {
				return res, fmt.Errorf("tenant %s: failed to save rule %s: %w", tenantID, rule.ID, err)
			}
			res.Saved++
		}
	}

	slog.Info("rules seeded", "saved", res.Saved, "skipped", res.Skipped)
	return res, nil
}

// LoadFile is Load over the file at path.
func LoadFile(ctx context.Context, path string, store Store, validator Validator) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()
	return Load(ctx, f, store, validator)
}


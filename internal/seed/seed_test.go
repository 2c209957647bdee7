package seed

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opensource-finance/tariff/internal/domain"
	"github.com/opensource-finance/tariff/internal/pricing"
	"github.com/opensource-finance/tariff/internal/repository"
	"github.com/shopspring/decimal"
)

const sample = `
tenants:
  - id: tenant-001
    rules:
      - id: festive-5
        name: Festive 5% off
        ruleType: discount
        calculationType: PERCENTAGE
        value: "5"
        priority: 10
        effectiveFrom: 2026-01-01T00:00:00Z
        effectiveTo: 2026-12-31T23:59:59Z
      - id: agent-commission
        name: Agent 2%
        ruleType: COMMISSION
        calculationType: PERCENTAGE
        value: "2"
        targetRole: AGENT
        minOrderValue: "5000"
        effectiveFrom: 2026-01-01T00:00:00Z
        condition: has_agent
  - id: tenant-002
    rules:
      - id: shipping
        name: Flat shipping
        ruleType: SHIPPING
        calculationType: FIXED_AMOUNT
        value: "150.50"
        effectiveFrom: 2026-01-01T00:00:00Z
        locked: true
`

func newTestRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "seed.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newValidator(t *testing.T) *pricing.Engine {
	t.Helper()
	engine, err := pricing.NewEngine(pricing.NewMemoryPool(), "")
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return engine
}

func TestParse(t *testing.T) {
	tenants, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(tenants["tenant-001"]) != 2 || len(tenants["tenant-002"]) != 1 {
		t.Fatalf("unexpected tenants: %v", tenants)
	}

	festive := tenants["tenant-001"][0]
	if festive.RuleType != domain.RuleTypeDiscount {
		t.Errorf("expected DISCOUNT, got %s", festive.RuleType)
	}
	if festive.EffectiveTo == nil || festive.EffectiveTo.Month() != 12 {
		t.Errorf("expected effectiveTo in December, got %v", festive.EffectiveTo)
	}

	agent := tenants["tenant-001"][1]
	if agent.TargetRole != domain.RoleAgent || !agent.MinOrderValue.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("unexpected agent rule: %+v", agent)
	}

	shipping := tenants["tenant-002"][0]
	if !shipping.Value.Equal(decimal.RequireFromString("150.50")) || !shipping.IsLocked {
		t.Errorf("unexpected shipping rule: %+v", shipping)
	}
}

func TestParseEmpty(t *testing.T) {
	tenants, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(tenants) != 0 {
		t.Errorf("expected no tenants, got %d", len(tenants))
	}
}

func TestParseRejects(t *testing.T) {
	rule := func(field, value string) string {
		fields := map[string]string{
			"id":              "r1",
			"ruleType":        "DISCOUNT",
			"calculationType": "PERCENTAGE",
			"value":           `"5"`,
			"effectiveFrom":   "2026-01-01T00:00:00Z",
		}
		fields[field] = value
		var b strings.Builder
		b.WriteString("tenants:\n  - id: t1\n    rules:\n      - ")
		first := true
		for _, k := range []string{"id", "ruleType", "calculationType", "value", "targetRole", "effectiveFrom"} {
			v, ok := fields[k]
			if !ok {
				continue
			}
			if !first {
				b.WriteString("        ")
			}
			first = false
			b.WriteString(k + ": " + v + "\n")
		}
		return b.String()
	}

	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"UnknownRuleType", rule("ruleType", "CASHBACK"), "ruleType"},
		{"UnknownCalculation", rule("calculationType", "TIERED"), "calculationType"},
		{"UnknownRole", rule("targetRole", "WHOLESALER"), "targetRole"},
		{"NonNumericValue", rule("value", "five"), "value"},
		{"NegativeValue", rule("value", `"-1"`), "value"},
		{"BadDate", rule("effectiveFrom", "yesterday"), "effectiveFrom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			var malformed *domain.MalformedRuleError
			if !errors.As(err, &malformed) {
				t.Fatalf("expected MalformedRuleError, got %v", err)
			}
			if malformed.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, malformed.Field)
			}
			if malformed.RuleID != "r1" {
				t.Errorf("expected rule id r1, got %q", malformed.RuleID)
			}
		})
	}

	t.Run("UnknownField", func(t *testing.T) {
		doc := "tenants:\n  - id: t1\n    rulez: []\n"
		if _, err := Parse(strings.NewReader(doc)); err == nil {
			t.Error("expected unknown field to be rejected")
		}
	})

	t.Run("TenantWithoutID", func(t *testing.T) {
		doc := "tenants:\n  - rules: []\n"
		if _, err := Parse(strings.NewReader(doc)); err == nil {
			t.Error("expected tenant without id to be rejected")
		}
	})
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	res, err := Load(ctx, strings.NewReader(sample), repo, newValidator(t))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if res.Saved != 3 || res.Skipped != 0 {
		t.Errorf("unexpected result: %+v", res)
	}

	rule, err := repo.GetRule(ctx, "tenant-001", "agent-commission")
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}
	if rule.Condition != "has_agent" {
		t.Errorf("expected condition has_agent, got %q", rule.Condition)
	}

	t.Run("ReapplySkipsLocked", func(t *testing.T) {
		res, err := Load(ctx, strings.NewReader(sample), repo, newValidator(t))
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if res.Saved != 2 || res.Skipped != 1 {
			t.Errorf("unexpected result: %+v", res)
		}
	})

	t.Run("BadCondition", func(t *testing.T) {
		doc := strings.Replace(sample, "condition: has_agent", "condition: lots >", 1)
		if _, err := Load(ctx, strings.NewReader(doc), repo, newValidator(t)); err == nil {
			t.Error("expected condition compile error")
		}
	})
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatalf("failed to write seed: %v", err)
	}

	res, err := LoadFile(context.Background(), path, newTestRepo(t), nil)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if res.Saved != 3 {
		t.Errorf("expected 3 saved, got %d", res.Saved)
	}

	if _, err := LoadFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), newTestRepo(t), nil); err == nil {
		t.Error("expected error for missing file")
	}
}

package pricing

import (
	"context"
	"testing"

	"github.com/opensource-finance/tariff/internal/domain"
)

func selectIDs(t *testing.T, pool *MemoryPool, buyer domain.Buyer) []string {
	t.Helper()
	rules, err := NewSelector(pool).SelectApplicableRules(context.Background(), tenantID, buyer, asOf)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	ids := make([]string, 0, len(rules))
	for _, r := range rules {
		ids = append(ids, r.ID)
	}
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSelectorTemporalBounds(t *testing.T) {
	expired := newRule("expired", domain.RuleTypeDiscount, domain.CalcPercentage, "5", 1)
	end := asOf.Add(-1)
	expired.EffectiveTo = &end

	future := newRule("future", domain.RuleTypeDiscount, domain.CalcPercentage, "5", 1)
	future.EffectiveFrom = asOf.AddDate(0, 0, 1)

	startsNow := newRule("starts-now", domain.RuleTypeDiscount, domain.CalcPercentage, "5", 1)
	startsNow.EffectiveFrom = asOf

	endsNow := newRule("ends-now", domain.RuleTypeDiscount, domain.CalcPercentage, "5", 1)
	endsNow.EffectiveTo = &asOf

	pool := NewMemoryPool()
	pool.Put(tenantID, expired, future, startsNow, endsNow)

	got := selectIDs(t, pool, domain.Buyer{Role: domain.RoleRetailer})
	want := []string{"ends-now", "starts-now"}
	if !equalIDs(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestSelectorTargeting(t *testing.T) {
	everyone := newRule("everyone", domain.RuleTypeShipping, domain.CalcFixedAmount, "10", 1)
	gaddi := newRule("gaddi-only", domain.RuleTypeCommission, domain.CalcPercentage, "1", 1)
	gaddi.TargetRole = domain.RoleGaddi
	agent := newRule("agent-only", domain.RuleTypeCommission, domain.CalcPercentage, "2", 1)
	agent.TargetRole = domain.RoleAgent
	retailer := newRule("retailer-only", domain.RuleTypeDiscount, domain.CalcPercentage, "3", 1)
	retailer.TargetRole = domain.RoleRetailer

	pool := NewMemoryPool()
	pool.Put(tenantID, everyone, gaddi, agent, retailer)

	tests := []struct {
		name  string
		buyer domain.Buyer
		want  []string
	}{
		{
			name:  "RetailerWithGaddiLink",
			buyer: domain.Buyer{Role: domain.RoleRetailer, Pipeline: domain.Pipeline{GaddiID: "g-1"}},
			want:  []string{"everyone", "gaddi-only", "retailer-only"},
		},
		{
			name:  "RetailerWithoutPipeline",
			buyer: domain.Buyer{Role: domain.RoleRetailer},
			want:  []string{"everyone", "retailer-only"},
		},
		{
			name:  "AgentBuyer",
			buyer: domain.Buyer{Role: domain.RoleAgent},
			want:  []string{"agent-only", "everyone"},
		},
		{
			name:  "FullPipeline",
			buyer: domain.Buyer{Role: domain.RoleDistributor, Pipeline: domain.Pipeline{AgentID: "a", GaddiID: "g", DistributorID: "d"}},
			want:  []string{"agent-only", "everyone", "gaddi-only"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectIDs(t, pool, tt.buyer)
			if !equalIDs(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSelectorOrdering(t *testing.T) {
	pool := NewMemoryPool()
	pool.Put(tenantID,
		newRule("c", domain.RuleTypeMarkup, domain.CalcFixedAmount, "1", 5),
		newRule("a", domain.RuleTypeMarkup, domain.CalcFixedAmount, "1", 5),
		newRule("z", domain.RuleTypeMarkup, domain.CalcFixedAmount, "1", 9),
		newRule("b", domain.RuleTypeMarkup, domain.CalcFixedAmount, "1", -2),
	)

	got := selectIDs(t, pool, domain.Buyer{})
	want := []string{"z", "a", "c", "b"}
	if !equalIDs(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestSelectorTenantIsolation(t *testing.T) {
	pool := NewMemoryPool()
	pool.Put("other-tenant", newRule("foreign", domain.RuleTypeDiscount, domain.CalcPercentage, "50", 1))

	if got := selectIDs(t, pool, domain.Buyer{}); len(got) != 0 {
		t.Errorf("expected no rules for tenant, got %v", got)
	}
}

func TestSelectorRejectsMalformedOutsideWindow(t *testing.T) {
	bad := newRule("bad", domain.RuleTypeDiscount, domain.CalcPercentage, "5", 1)
	bad.RuleType = "REBATE"
	bad.EffectiveFrom = asOf.AddDate(1, 0, 0)

	pool := NewMemoryPool()
	pool.Put(tenantID, bad)

	_, err := NewSelector(pool).SelectApplicableRules(context.Background(), tenantID, domain.Buyer{}, asOf)
	if !domain.IsMalformedRule(err) {
		t.Errorf("expected MalformedRuleError, got %v", err)
	}
}

package pricing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opensource-finance/tariff/internal/domain"
)

// Selector narrows the rule pool to the rules that apply to one buyer at one instant.
type Selector struct {
	pool domain.RulePool
}

// NewSelector creates a selector over pool.
func NewSelector(pool domain.RulePool) *Selector {
	return &Selector{pool: pool}
}

// SelectApplicableRules fetches the pool and keeps every rule that is
// inside its effective window at asOf and targets the buyer's role or one of
// the buyer's pipeline links. The result is ordered by priority descending,
// ties broken by rule id ascending.
//
// A single malformed rule anywhere in the pool fails the selection.
func (s *Selector) SelectApplicableRules(ctx context.Context, tenantID string, buyer domain.Buyer, asOf time.Time) ([]*domain.PricingRule, error) {
	pool, err := s.pool.ListActiveRulePool(ctx, tenantID)
	if err != nil {
		if domain.IsMalformedRule(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrRuleFetch, err)
	}

	selected := make([]*domain.PricingRule, 0, len(pool))
	for _, rule := range pool {
		if rule == nil {
			continue
		}
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		if !rule.ActiveAt(asOf) {
			continue
		}
		if !appliesTo(rule, buyer) {
			continue
		}
		selected = append(selected, rule)
	}

	sort.SliceStable(selected, func(i, j int) bool {
		if selected[i].Priority != selected[j].Priority {
			return selected[i].Priority > selected[j].Priority
		}
		return selected[i].ID < selected[j].ID
	})

	return selected, nil
}

// appliesTo reports whether rule targets buyer. Untargeted rules apply to
// everyone; pipeline-targeted rules apply when the buyer has that link.
func appliesTo(rule *domain.PricingRule, buyer domain.Buyer) bool {
	if rule.TargetRole == "" {
		return true
	}
	if rule.TargetRole == buyer.Role {
		return true
	}
	return buyer.Pipeline.Has(rule.TargetRole)
}

package pricing

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/tariff/internal/domain"
)

const rulePoolKey = "rulepool"

// CachedRulePool is a read-through cache in front of a rule pool.
// Entries expire after ttl or when Invalidate is called on a rule change.
type CachedRulePool struct {
	source domain.RulePool
	cache  domain.Cache
	ttl    time.Duration
}

// NewCachedRulePool wraps source with cache. A zero ttl defaults to one minute.
func NewCachedRulePool(source domain.RulePool, cache domain.Cache, ttl time.Duration) *CachedRulePool {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedRulePool{
		source: source,
		cache:  cache,
		ttl:    ttl,
	}
}

// ListActiveRulePool returns the cached pool, reading through to the source on a miss.
// Cache faults fall back to the source; source errors are returned unchanged.
func (p *CachedRulePool) ListActiveRulePool(ctx context.Context, tenantID string) ([]*domain.PricingRule, error) {
	data, err := p.cache.Get(ctx, tenantID, rulePoolKey)
	if err != nil {
		slog.Warn("rule pool cache read failed", "tenant_id", tenantID, "error", err)
	} else if data != nil {
		var rules []*domain.PricingRule
		uerr := json.Unmarshal(data, &rules)
		if uerr == nil {
			return rules, nil
		}
		slog.Warn("discarding unreadable cached rule pool", "tenant_id", tenantID, "error", uerr)
		_ = p.cache.Delete(ctx, tenantID, rulePoolKey)
	}

	rules, err := p.source.ListActiveRulePool(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(rules); err == nil {
		if err := p.cache.Set(ctx, tenantID, rulePoolKey, payload, p.ttl); err != nil {
			slog.Warn("rule pool cache write failed", "tenant_id", tenantID, "error", err)
		}
	}

	return rules, nil
}

// Invalidate drops the cached pool for tenantID.
func (p *CachedRulePool) Invalidate(ctx context.Context, tenantID string) error {
	return p.cache.Delete(ctx, tenantID, rulePoolKey)
}

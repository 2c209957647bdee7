package pricing

import (
	"context"
	"sync"

	"github.com/opensource-finance/tariff/internal/domain"
)

// MemoryPool is an in-memory rule pool, used for fixtures and tests.
type MemoryPool struct {
	mu    sync.RWMutex
	rules map[string][]*domain.PricingRule
	err   error
	reads int
}

// NewMemoryPool creates an empty pool.
func NewMemoryPool() *MemoryPool {
	return &MemoryPool{rules: make(map[string][]*domain.PricingRule)}
}

// Put replaces the rules held for tenantID, keeping their order.
func (p *MemoryPool) Put(tenantID string, rules ...*domain.PricingRule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules[tenantID] = rules
}

// FailWith makes every subsequent read return err.
func (p *MemoryPool) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Reads returns how many times the pool has been read.
func (p *MemoryPool) Reads() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reads
}

// ListActiveRulePool implements domain.RulePool. Returned rules are copies.
func (p *MemoryPool) ListActiveRulePool(ctx context.Context, tenantID string) ([]*domain.PricingRule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	if p.err != nil {
		return nil, p.err
	}

	rules := make([]*domain.PricingRule, 0, len(p.rules[tenantID]))
	for _, r := range p.rules[tenantID] {
		c := *r
		rules = append(rules, &c)
	}
	return rules, nil
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PricingVersion identifies the computation that produced a snapshot.
// Bump it whenever the algorithm changes so stored orders keep their meaning.
const PricingVersion = "tariff-pricing-v1"

// SettlementMode describes how an order balance is settled.
type SettlementMode string

const (
	SettlementAutoLedger  SettlementMode = "AUTO_LEDGER"
	SettlementGaddiCredit SettlementMode = "GADDI_CREDIT"
	SettlementDirect      SettlementMode = "DIRECT"
)

// DefaultSettlementMode is stamped when no override is supplied.
const DefaultSettlementMode = SettlementAutoLedger

// Valid reports whether m is a known settlement mode.
func (m SettlementMode) Valid() bool {
	switch m {
	case SettlementAutoLedger, SettlementGaddiCredit, SettlementDirect:
		return true
	}
	return false
}

// AppliedRule is one line of a snapshot's breakdown. Amount is signed:
// negative for discounts, positive otherwise.
type AppliedRule struct {
	RuleID   string          `json:"ruleId"`
	RuleName string          `json:"ruleName"`
	Amount   decimal.Decimal `json:"amount"`
	Type     RuleType        `json:"type"`
}

// OrderSnapshot is the write-once financial record of one checkout.
type OrderSnapshot struct {
	BaseTotal      decimal.Decimal `json:"baseTotal"`
	FinalTotal     decimal.Decimal `json:"finalTotal"`
	AppliedRules   []AppliedRule   `json:"appliedRules"`
	SettlementMode SettlementMode  `json:"settlementMode"`
	Pipeline       Pipeline        `json:"pipeline"`
	PricingVersion string          `json:"pricingVersion"`
	PricedAt       time.Time       `json:"pricedAt"`
}

// Commission sums the COMMISSION entries, which never affect FinalTotal.
func (s *OrderSnapshot) Commission() decimal.Decimal {
	total := decimal.Zero
	for _, a := range s.AppliedRules {
		if a.Type == RuleTypeCommission {
			total = total.Add(a.Amount)
		}
	}
	return total
}

// Clone returns a deep copy so callers cannot alias a stored snapshot.
func (s *OrderSnapshot) Clone() *OrderSnapshot {
	c := *s
	c.AppliedRules = make([]AppliedRule, len(s.AppliedRules))
	copy(c.AppliedRules, s.AppliedRules)
	return &c
}

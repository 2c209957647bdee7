package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RuleType determines how a rule's amount affects the running total.
type RuleType string

const (
	RuleTypeDiscount   RuleType = "DISCOUNT"
	RuleTypeCommission RuleType = "COMMISSION"
	RuleTypeMarkup     RuleType = "MARKUP"
	RuleTypeShipping   RuleType = "SHIPPING"
)

// ParseRuleType returns the RuleType for s or a MalformedRuleError.
func ParseRuleType(s string) (RuleType, error) {
	switch t := RuleType(strings.ToUpper(strings.TrimSpace(s))); t {
	case RuleTypeDiscount, RuleTypeCommission, RuleTypeMarkup, RuleTypeShipping:
		return t, nil
	}
	return "", &MalformedRuleError{Field: "ruleType", Value: s, Reason: "unknown rule type"}
}

// Valid reports whether t is one of the known rule types.
func (t RuleType) Valid() bool {
	switch t {
	case RuleTypeDiscount, RuleTypeCommission, RuleTypeMarkup, RuleTypeShipping:
		return true
	}
	return false
}

func (t *RuleType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return &MalformedRuleError{Field: "ruleType", Value: string(data), Reason: "not a string"}
	}
	parsed, err := ParseRuleType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// CalculationType determines how a rule's value is interpreted.
type CalculationType string

const (
	CalcPercentage  CalculationType = "PERCENTAGE"
	CalcFixedAmount CalculationType = "FIXED_AMOUNT"
)

// ParseCalculationType returns the CalculationType for s or a MalformedRuleError.
func ParseCalculationType(s string) (CalculationType, error) {
	switch c := CalculationType(strings.ToUpper(strings.TrimSpace(s))); c {
	case CalcPercentage, CalcFixedAmount:
		return c, nil
	}
	return "", &MalformedRuleError{Field: "calculationType", Value: s, Reason: "unknown calculation type"}
}

// Valid reports whether c is one of the known calculation types.
func (c CalculationType) Valid() bool {
	return c == CalcPercentage || c == CalcFixedAmount
}

func (c *CalculationType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return &MalformedRuleError{Field: "calculationType", Value: string(data), Reason: "not a string"}
	}
	parsed, err := ParseCalculationType(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Role is a buyer role. AGENT, GADDI and DISTRIBUTOR are also pipeline roles.
type Role string

const (
	RoleRetailer    Role = "RETAILER"
	RoleAgent       Role = "AGENT"
	RoleGaddi       Role = "GADDI"
	RoleDistributor Role = "DISTRIBUTOR"
)

// ParseRole returns the Role for s. An empty string yields an empty Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case "", RoleRetailer, RoleAgent, RoleGaddi, RoleDistributor:
		return r, nil
	}
	return "", &MalformedRuleError{Field: "targetRole", Value: s, Reason: "unknown role"}
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return &MalformedRuleError{Field: "role", Value: string(data), Reason: "not a string"}
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Valid reports whether r is empty or a known role.
func (r Role) Valid() bool {
	switch r {
	case "", RoleRetailer, RoleAgent, RoleGaddi, RoleDistributor:
		return true
	}
	return false
}

// PricingRule is a named, versionable commercial policy.
type PricingRule struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenantId,omitempty"`
	Name            string          `json:"name"`
	RuleType        RuleType        `json:"ruleType"`
	CalculationType CalculationType `json:"calculationType"`
	Value           decimal.Decimal `json:"value"`

	// TargetRole is empty when the rule applies to every buyer.
	TargetRole Role `json:"targetRole,omitempty"`

	Priority      int             `json:"priority"`
	MinOrderValue decimal.Decimal `json:"minOrderValue"`

	EffectiveFrom time.Time  `json:"effectiveFrom"`
	EffectiveTo   *time.Time `json:"effectiveTo,omitempty"`

	// Condition is an optional CEL expression over the cart that must return bool.
	Condition string `json:"condition,omitempty"`

	// Supersedes names the rule this one replaces.
	Supersedes string `json:"supersedes,omitempty"`

	IsLocked  bool      `json:"isLocked"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Validate checks every field the engine depends on.
func (r *PricingRule) Validate() error {
	if r.ID == "" {
		return &MalformedRuleError{Field: "id", Reason: "required"}
	}
	if !r.RuleType.Valid() {
		return &MalformedRuleError{RuleID: r.ID, Field: "ruleType", Value: string(r.RuleType), Reason: "unknown rule type"}
	}
	if !r.CalculationType.Valid() {
		return &MalformedRuleError{RuleID: r.ID, Field: "calculationType", Value: string(r.CalculationType), Reason: "unknown calculation type"}
	}
	if !r.TargetRole.Valid() {
		return &MalformedRuleError{RuleID: r.ID, Field: "targetRole", Value: string(r.TargetRole), Reason: "unknown role"}
	}
	if r.Value.IsNegative() {
		return &MalformedRuleError{RuleID: r.ID, Field: "value", Value: r.Value.String(), Reason: "must not be negative"}
	}
	if r.CalculationType == CalcFixedAmount && !r.Value.Equal(r.Value.Round(2)) {
		return &MalformedRuleError{RuleID: r.ID, Field: "value", Value: r.Value.String(), Reason: "fixed amount finer than paise"}
	}
	if r.MinOrderValue.IsNegative() {
		return &MalformedRuleError{RuleID: r.ID, Field: "minOrderValue", Value: r.MinOrderValue.String(), Reason: "must not be negative"}
	}
	if r.EffectiveFrom.IsZero() {
		return &MalformedRuleError{RuleID: r.ID, Field: "effectiveFrom", Reason: "required"}
	}
	if r.EffectiveTo != nil && r.EffectiveTo.Before(r.EffectiveFrom) {
		return &MalformedRuleError{RuleID: r.ID, Field: "effectiveTo", Value: r.EffectiveTo.Format(time.RFC3339), Reason: "before effectiveFrom"}
	}
	return nil
}

// ActiveAt reports whether asOf falls inside the rule's effective window.
// Both bounds are inclusive.
func (r *PricingRule) ActiveAt(asOf time.Time) bool {
	if r.EffectiveFrom.After(asOf) {
		return false
	}
	if r.EffectiveTo != nil && r.EffectiveTo.Before(asOf) {
		return false
	}
	return true
}

// UnmarshalJSON decodes a rule and rejects it if any field is malformed.
// Values that are not valid numbers surface as MalformedRuleError.
func (r *PricingRule) UnmarshalJSON(data []byte) error {
	type alias PricingRule
	aux := struct {
		*alias
		Value         json.RawMessage `json:"value"`
		MinOrderValue json.RawMessage `json:"minOrderValue"`
	}{alias: (*alias)(r)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	value, err := parseAmount(aux.Value)
	if err != nil {
		return &MalformedRuleError{RuleID: r.ID, Field: "value", Value: string(aux.Value), Reason: "not a valid number"}
	}
	r.Value = value

	if len(aux.MinOrderValue) > 0 && string(aux.MinOrderValue) != "null" {
		minValue, err := parseAmount(aux.MinOrderValue)
		if err != nil {
			return &MalformedRuleError{RuleID: r.ID, Field: "minOrderValue", Value: string(aux.MinOrderValue), Reason: "not a valid number"}
		}
		r.MinOrderValue = minValue
	} else {
		r.MinOrderValue = decimal.Zero
	}

	return r.Validate()
}

// parseAmount accepts a JSON number or a numeric string.
func parseAmount(raw json.RawMessage) (decimal.Decimal, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return decimal.Zero, fmt.Errorf("missing")
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Zero, err
		}
	}
	return decimal.NewFromString(strings.TrimSpace(s))
}

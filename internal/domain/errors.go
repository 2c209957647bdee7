package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrRuleFetch marks a failure to read the rule pool. Checkout must abort.
	ErrRuleFetch = errors.New("rule pool fetch failed")

	// ErrRuleLocked is returned when a locked rule would be mutated in place.
	ErrRuleLocked = errors.New("rule is locked")

	// ErrInvalidCart is returned for cart lines with negative quantities or prices.
	ErrInvalidCart = errors.New("invalid cart")
)

// MalformedRuleError reports a rule record the engine cannot interpret.
// Any such rule fails the whole computation.
type MalformedRuleError struct {
	RuleID string
	Field  string
	Value  string
	Reason string
}

func (e *MalformedRuleError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("malformed rule: %s %q: %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("malformed rule %s: %s %q: %s", e.RuleID, e.Field, e.Value, e.Reason)
}

// IsMalformedRule reports whether err wraps a MalformedRuleError.
func IsMalformedRule(err error) bool {
	var target *MalformedRuleError
	return errors.As(err, &target)
}

// WithRuleID fills in the rule id of a MalformedRuleError produced by one of
// the Parse functions, which do not know which rule they are parsing.
func WithRuleID(err error, ruleID string) error {
	var malformed *MalformedRuleError
	if errors.As(err, &malformed) && malformed.RuleID == "" {
		malformed.RuleID = ruleID
	}
	return err
}

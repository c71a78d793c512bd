package domain

import "time"

// RuleCondition is a single predicate over a context attribute.
// Conditions are evaluated left to right with AND binding tighter than OR.
// Value holds the comparison operand as a string; numeric comparisons parse
// it, IN/NOT_IN treat it as a comma-separated list.
type RuleCondition struct {
	ID              int64           `json:"id,omitempty"`
	Attribute       string          `json:"attribute"`
	Operator        RuleOperator    `json:"operator"`
	Value           string          `json:"value,omitempty"`
	LogicalOperator LogicalOperator `json:"logical_operator"`
}

// RuleAction is the effect applied when a rule matches.
type RuleAction struct {
	ID         int64             `json:"id,omitempty"`
	ActionType RuleActionType    `json:"action_type"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// CalculationRule is a versioned inclusion/exclusion/adjustment rule.
// Rules sort by priority ascending; identical priorities break ties on ID.
type CalculationRule struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	RuleType      RuleType        `json:"rule_type"`
	Market        string          `json:"market"` // Market code or GLOBAL
	Priority      int             `json:"priority"`
	EffectiveDate string          `json:"effective_date"`
	ExpiryDate    string          `json:"expiry_date,omitempty"`
	Status        RuleStatus      `json:"status"`
	Conditions    []RuleCondition `json:"conditions"`
	Actions       []RuleAction    `json:"actions"`

	Version        int64     `json:"version"`
	LastModifiedAt time.Time `json:"last_modified_at"`
}

// IsEffective reports whether the rule is ACTIVE and in its effective window
// on the given date.
func (r *CalculationRule) IsEffective(date string) bool {
	if r.Status != RuleActive {
		return false
	}
	if r.EffectiveDate > date {
		return false
	}
	return r.ExpiryDate == "" || date < r.ExpiryDate
}

// AppliesTo reports whether the rule covers the given market.
// GLOBAL rules apply everywhere.
func (r *CalculationRule) AppliesTo(market string) bool {
	return r.Market == MarketGlobal || r.Market == market
}

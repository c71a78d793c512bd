package rules

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/seclend/imscore/internal/domain"
)

func cond(attr string, op domain.RuleOperator, value string, logical domain.LogicalOperator) domain.RuleCondition {
	return domain.RuleCondition{Attribute: attr, Operator: op, Value: value, LogicalOperator: logical}
}

func includeRule(id string, priority int, conds ...domain.RuleCondition) domain.CalculationRule {
	return domain.CalculationRule{
		ID:            id,
		Name:          id,
		RuleType:      domain.RuleInclude,
		Market:        domain.MarketGlobal,
		Priority:      priority,
		EffectiveDate: "2020-01-01",
		Status:        domain.RuleActive,
		Conditions:    conds,
		Version:       1,
	}
}

func TestConditionOperators(t *testing.T) {
	ctx := Context{
		"market":      "US",
		"quantity":    decimal.NewFromInt(500),
		"bookId":      "EQ-01",
		"temperature": "HTB",
	}

	cases := []struct {
		name string
		cond domain.RuleCondition
		want bool
	}{
		{"eq match", cond("market", domain.OpEQ, "US", domain.LogicalAnd), true},
		{"eq miss", cond("market", domain.OpEQ, "JP", domain.LogicalAnd), false},
		{"neq", cond("market", domain.OpNEQ, "JP", domain.LogicalAnd), true},
		{"gt numeric", cond("quantity", domain.OpGT, "100", domain.LogicalAnd), true},
		{"lt numeric", cond("quantity", domain.OpLT, "100", domain.LogicalAnd), false},
		{"gte boundary", cond("quantity", domain.OpGTE, "500", domain.LogicalAnd), true},
		{"lte boundary", cond("quantity", domain.OpLTE, "500", domain.LogicalAnd), true},
		{"contains", cond("bookId", domain.OpContains, "Q-0", domain.LogicalAnd), true},
		{"starts_with", cond("bookId", domain.OpStartsWith, "EQ", domain.LogicalAnd), true},
		{"ends_with", cond("bookId", domain.OpEndsWith, "01", domain.LogicalAnd), true},
		{"in", cond("temperature", domain.OpIn, "HTB, WARM", domain.LogicalAnd), true},
		{"not_in", cond("temperature", domain.OpNotIn, "GC,COLD", domain.LogicalAnd), true},
		{"is_null absent", cond("missing", domain.OpIsNull, "", domain.LogicalAnd), true},
		{"is_not_null present", cond("market", domain.OpIsNotNull, "", domain.LogicalAnd), true},
		{"unknown attribute is false", cond("missing", domain.OpEQ, "x", domain.LogicalAnd), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, conditionHolds(&tc.cond, ctx))
		})
	}
}

func TestAndBindsTighterThanOr(t *testing.T) {
	// market=JP AND quantity>1000 OR market=US
	// With market=US, quantity=5: the AND run fails but the OR arm holds.
	rule := includeRule("R-1", 100,
		cond("market", domain.OpEQ, "JP", domain.LogicalAnd),
		cond("quantity", domain.OpGT, "1000", domain.LogicalOr),
		cond("market", domain.OpEQ, "US", domain.LogicalAnd),
	)

	assert.True(t, ruleMatches(&rule, Context{"market": "US", "quantity": decimal.NewFromInt(5)}))
	assert.True(t, ruleMatches(&rule, Context{"market": "JP", "quantity": decimal.NewFromInt(2000)}))
	assert.False(t, ruleMatches(&rule, Context{"market": "JP", "quantity": decimal.NewFromInt(5)}))
}

func TestEmptyConditionListMatches(t *testing.T) {
	rule := includeRule("R-1", 100)
	assert.True(t, ruleMatches(&rule, Context{}))
}

func TestSortRulesPriorityThenID(t *testing.T) {
	rs := []domain.CalculationRule{
		{ID: "B", Priority: 10},
		{ID: "A", Priority: 10},
		{ID: "C", Priority: 1},
	}
	sortRules(rs)
	assert.Equal(t, "C", rs[0].ID)
	assert.Equal(t, "A", rs[1].ID)
	assert.Equal(t, "B", rs[2].ID)
}

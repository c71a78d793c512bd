package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/seclend/imscore/internal/domain"
)

// ruleMatches evaluates a single rule's condition list against a context.
// Conditions evaluate left to right; AND binds tighter than OR, so the list
// is an OR of AND-runs (the LogicalOperator on condition i joins it to
// condition i+1). A rule with no conditions matches everything.
// Evaluation never fails: malformed conditions evaluate to false.
func ruleMatches(rule *domain.CalculationRule, ctx Context) bool {
	if len(rule.Conditions) == 0 {
		return true
	}

	andRun := true
	orAcc := false
	for i, cond := range rule.Conditions {
		andRun = andRun && conditionHolds(&cond, ctx)

		last := i == len(rule.Conditions)-1
		if last || cond.LogicalOperator == domain.LogicalOr {
			orAcc = orAcc || andRun
			andRun = true
		}
	}
	return orAcc
}

// conditionHolds evaluates one condition. An unknown attribute is false
// (closed world) except under IS_NULL, which asks exactly that question.
func conditionHolds(cond *domain.RuleCondition, ctx Context) bool {
	raw, present := ctx[cond.Attribute]

	switch cond.Operator {
	case domain.OpIsNull:
		return !present || raw == nil
	case domain.OpIsNotNull:
		return present && raw != nil
	}

	if !present || raw == nil {
		return false
	}
	actual := stringify(raw)

	switch cond.Operator {
	case domain.OpEQ:
		return compare(actual, cond.Value) == 0
	case domain.OpNEQ:
		return compare(actual, cond.Value) != 0
	case domain.OpGT:
		return compare(actual, cond.Value) > 0
	case domain.OpLT:
		return compare(actual, cond.Value) < 0
	case domain.OpGTE:
		return compare(actual, cond.Value) >= 0
	case domain.OpLTE:
		return compare(actual, cond.Value) <= 0
	case domain.OpContains:
		return strings.Contains(actual, cond.Value)
	case domain.OpStartsWith:
		return strings.HasPrefix(actual, cond.Value)
	case domain.OpEndsWith:
		return strings.HasSuffix(actual, cond.Value)
	case domain.OpIn:
		return inList(actual, cond.Value)
	case domain.OpNotIn:
		return !inList(actual, cond.Value)
	}
	return false
}

// compare orders two values numerically when both parse as decimals,
// lexically otherwise.
func compare(a, b string) int {
	da, errA := decimal.NewFromString(a)
	db, errB := decimal.NewFromString(b)
	if errA == nil && errB == nil {
		return da.Cmp(db)
	}
	return strings.Compare(a, b)
}

// inList checks membership in a comma-separated value list.
func inList(actual, list string) bool {
	for _, item := range strings.Split(list, ",") {
		if strings.TrimSpace(item) == actual {
			return true
		}
	}
	return false
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case decimal.Decimal:
		return t.String()
	case *decimal.Decimal:
		if t == nil {
			return ""
		}
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// sortRules orders rules by priority ascending with ID as the tie-break,
// so evaluation order is deterministic across runs.
func sortRules(rs []domain.CalculationRule) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority < rs[j].Priority
		}
		return rs[i].ID < rs[j].ID
	})
}

// Package rules implements the versioned rule engine: persistence of
// inclusion/exclusion/adjustment rules, deterministic evaluation against an
// attribute context, and market-specific context adjustments.
package rules

// Context is the attribute bag a rule set is evaluated against. Keys are
// the canonical attribute names used in rule conditions ("market",
// "isBorrowed", "activityType", ...). Values are strings, bools, ints, or
// decimals; the evaluator coerces as needed.
type Context map[string]interface{}

// Clone returns a shallow copy. Market adjustments operate on copies so
// evaluation never mutates the caller's context.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Bool returns a boolean attribute; absent or non-bool values are false.
func (c Context) Bool(key string) bool {
	v, ok := c[key].(bool)
	return ok && v
}

// Int returns an integer attribute; absent or non-int values are 0.
func (c Context) Int(key string) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// String returns a string attribute; absent or non-string values are "".
func (c Context) String(key string) string {
	v, _ := c[key].(string)
	return v
}

// Canonical context attribute names referenced by market adjustments.
const (
	AttrMarket                 = "market"
	AttrIsBorrowed             = "isBorrowed"
	AttrCanBeLent              = "canBeLent"
	AttrActivityType           = "activityType"
	AttrIsBeforeJapanCutoff    = "isBeforeJapanCutoff"
	AttrEffectiveSettlementDay = "effectiveSettlementDay"
	AttrSettlementDays         = "settlementDays"
	AttrIsQuanto               = "isQuanto"
)

// ActivitySLAB marks securities-lending-against-borrow activity in a context.
const ActivitySLAB = "SLAB"

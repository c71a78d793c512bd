// Package domain defines the core entity types of the inventory calculation
// system: securities, positions, availability, limits, and calculation rules.
//
// All entities are flat records holding opaque identifiers. Related entities
// are resolved through repositories at query boundaries; nothing in this
// package reaches for infrastructure.
package domain

import "time"

// DateLayout is the civil-date format used for all business dates.
const DateLayout = "2006-01-02"

// EventSource identifies the core as the origin of every outbound event.
const EventSource = "CALCULATION_CORE"

// MarketGlobal matches rules that apply to every market.
const MarketGlobal = "GLOBAL"

// Markets with regulatory adjustments.
const (
	MarketTaiwan = "TW"
	MarketJapan  = "JP"
)

// SecurityType classifies a security.
type SecurityType string

const (
	SecurityEquity SecurityType = "EQUITY"
	SecurityBond   SecurityType = "BOND"
	SecurityETF    SecurityType = "ETF"
	SecurityIndex  SecurityType = "INDEX"
	SecurityOption SecurityType = "OPTION"
	SecurityFuture SecurityType = "FUTURE"
	SecuritySwap   SecurityType = "SWAP"
	SecurityOther  SecurityType = "OTHER"
)

// SecurityStatus is the lifecycle status of a security.
type SecurityStatus string

const (
	SecurityActive   SecurityStatus = "ACTIVE"
	SecurityInactive SecurityStatus = "INACTIVE"
)

// Security is reference data, immutable from the core's perspective.
type Security struct {
	InternalID      string         `json:"internal_id"`
	Type            SecurityType   `json:"type"`
	Market          string         `json:"market"`
	Currency        string         `json:"currency"`
	Status          SecurityStatus `json:"status"`
	IsBasketProduct bool           `json:"is_basket_product"`
	BasketType      string         `json:"basket_type,omitempty"`
}

// IsActive returns true when the security participates in calculations.
func (s *Security) IsActive() bool {
	return s.Status == SecurityActive
}

// CalculationType is an inventory availability category.
type CalculationType string

const (
	CalcForLoan    CalculationType = "FOR_LOAN"
	CalcForPledge  CalculationType = "FOR_PLEDGE"
	CalcShortSell  CalculationType = "SHORT_SELL"
	CalcLongSell   CalculationType = "LONG_SELL"
	CalcLocate     CalculationType = "LOCATE"
	CalcOverborrow CalculationType = "OVERBORROW"
)

// AllCalculationTypes lists every availability category in computation order.
// Later categories read the outputs of earlier ones, so the order matters.
func AllCalculationTypes() []CalculationType {
	return []CalculationType{
		CalcForLoan,
		CalcForPledge,
		CalcShortSell,
		CalcLongSell,
		CalcLocate,
		CalcOverborrow,
	}
}

// CalculationStatus tracks whether a derived value is current.
type CalculationStatus string

const (
	CalcPending CalculationStatus = "PENDING"
	CalcValid   CalculationStatus = "VALID"
	CalcInvalid CalculationStatus = "INVALID"
	CalcError   CalculationStatus = "ERROR"
)

// InventoryStatus is the lifecycle status of an availability record.
type InventoryStatus string

const (
	InventoryActive   InventoryStatus = "ACTIVE"
	InventoryInactive InventoryStatus = "INACTIVE"
	InventoryPending  InventoryStatus = "PENDING"
	InventoryError    InventoryStatus = "ERROR"
)

// SecurityTemperature classifies borrow difficulty.
type SecurityTemperature string

const (
	TemperatureHTB  SecurityTemperature = "HTB"
	TemperatureGC   SecurityTemperature = "GC"
	TemperatureWarm SecurityTemperature = "WARM"
	TemperatureCold SecurityTemperature = "COLD"
)

// TradeSide is the direction of a trade.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// OrderType is the kind of sell order validated against limits.
type OrderType string

const (
	OrderLongSell  OrderType = "LONG_SELL"
	OrderShortSell OrderType = "SHORT_SELL"
)

// LimitType classifies how a limit was derived.
type LimitType string

const (
	LimitRegulatory LimitType = "REGULATORY"
	LimitInternal   LimitType = "INTERNAL"
)

// LimitStatus is the lifecycle status of a limit record.
type LimitStatus string

const (
	LimitActive    LimitStatus = "ACTIVE"
	LimitSuspended LimitStatus = "SUSPENDED"
)

// ContractType classifies a securities-financing contract.
type ContractType string

const (
	ContractRepo           ContractType = "REPO"
	ContractSLAB           ContractType = "SLAB"
	ContractPayToHold      ContractType = "PAY_TO_HOLD"
	ContractExternalBorrow ContractType = "EXTERNAL_BORROW"
)

// RuleType classifies a calculation rule.
type RuleType string

const (
	RuleInclude  RuleType = "INCLUDE"
	RuleExclude  RuleType = "EXCLUDE"
	RuleAdjust   RuleType = "ADJUST"
	RuleValidate RuleType = "VALIDATE"
)

// RuleStatus is the lifecycle status of a rule.
type RuleStatus string

const (
	RuleActive     RuleStatus = "ACTIVE"
	RuleInactive   RuleStatus = "INACTIVE"
	RuleDraft      RuleStatus = "DRAFT"
	RuleDeprecated RuleStatus = "DEPRECATED"
)

// RuleOperator is a condition comparison operator.
type RuleOperator string

const (
	OpEQ         RuleOperator = "EQ"
	OpNEQ        RuleOperator = "NEQ"
	OpGT         RuleOperator = "GT"
	OpLT         RuleOperator = "LT"
	OpGTE        RuleOperator = "GTE"
	OpLTE        RuleOperator = "LTE"
	OpContains   RuleOperator = "CONTAINS"
	OpStartsWith RuleOperator = "STARTS_WITH"
	OpEndsWith   RuleOperator = "ENDS_WITH"
	OpIn         RuleOperator = "IN"
	OpNotIn      RuleOperator = "NOT_IN"
	OpIsNull     RuleOperator = "IS_NULL"
	OpIsNotNull  RuleOperator = "IS_NOT_NULL"
)

// LogicalOperator joins consecutive rule conditions.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// RuleActionType is the effect of a matched rule.
type RuleActionType string

const (
	ActionInclude        RuleActionType = "INCLUDE"
	ActionExclude        RuleActionType = "EXCLUDE"
	ActionAdjustQuantity RuleActionType = "ADJUST_QUANTITY"
	ActionSetFlag        RuleActionType = "SET_FLAG"
	ActionApplyFactor    RuleActionType = "APPLY_FACTOR"
	ActionValidate       RuleActionType = "VALIDATE"
	ActionNotify         RuleActionType = "NOTIFY"
)

// Today returns the current business date in UTC.
func Today() string {
	return time.Now().UTC().Format(DateLayout)
}

// DaysBetween returns the number of civil days from date a to date b.
// Both dates use DateLayout. Malformed dates return 0.
func DaysBetween(a, b string) int {
	ta, errA := time.Parse(DateLayout, a)
	tb, errB := time.Parse(DateLayout, b)
	if errA != nil || errB != nil {
		return 0
	}
	return int(tb.Sub(ta).Hours() / 24)
}

// NextDate returns the civil date n days after the given date.
func NextDate(date string, n int) string {
	t, err := time.Parse(DateLayout, date)
	if err != nil {
		return date
	}
	return t.AddDate(0, 0, n).Format(DateLayout)
}

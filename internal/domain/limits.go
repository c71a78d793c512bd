package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LimitCore holds the fields shared by client and aggregation-unit limits.
// The two limit kinds are compositions over this record; behavior dispatches
// on the owning type rather than inheritance.
type LimitCore struct {
	SecurityID   string `json:"security_id"`
	BusinessDate string `json:"business_date"`

	LongSellLimit  decimal.Decimal `json:"long_sell_limit"`
	ShortSellLimit decimal.Decimal `json:"short_sell_limit"`
	LongSellUsed   decimal.Decimal `json:"long_sell_used"`
	ShortSellUsed  decimal.Decimal `json:"short_sell_used"`

	Currency  string      `json:"currency"`
	LimitType LimitType   `json:"limit_type"`
	Market    string      `json:"market"`
	Status    LimitStatus `json:"status"`

	Version     int64     `json:"version"`
	LastUpdated time.Time `json:"last_updated"`
}

// LimitFor returns the limit for the given order type.
func (l *LimitCore) LimitFor(orderType OrderType) decimal.Decimal {
	if orderType == OrderShortSell {
		return l.ShortSellLimit
	}
	return l.LongSellLimit
}

// UsedFor returns the usage for the given order type.
func (l *LimitCore) UsedFor(orderType OrderType) decimal.Decimal {
	if orderType == OrderShortSell {
		return l.ShortSellUsed
	}
	return l.LongSellUsed
}

// CanAccept reports whether used + qty stays within the limit.
func (l *LimitCore) CanAccept(orderType OrderType, qty decimal.Decimal) bool {
	if l.Status != LimitActive {
		return false
	}
	return l.UsedFor(orderType).Add(qty).LessThanOrEqual(l.LimitFor(orderType))
}

// ApplyUsage increments usage for the order type. The caller must have
// validated headroom first; usage never exceeds the limit.
func (l *LimitCore) ApplyUsage(orderType OrderType, qty decimal.Decimal) {
	if orderType == OrderShortSell {
		l.ShortSellUsed = l.ShortSellUsed.Add(qty)
	} else {
		l.LongSellUsed = l.LongSellUsed.Add(qty)
	}
}

// ClientLimit is the per-(client, security, date) trading limit.
type ClientLimit struct {
	ClientID string `json:"client_id"`
	LimitCore
}

// AggregationUnitLimit is the per-(AU, security, date) trading limit.
// MarketSpecificRules carries the regulatory rule tags applied to this AU
// (for example the Taiwan no-relend reduction), serialized as a CSV of tags.
type AggregationUnitLimit struct {
	AggregationUnitID   string `json:"aggregation_unit_id"`
	MarketSpecificRules string `json:"market_specific_rules,omitempty"`
	LimitCore
}

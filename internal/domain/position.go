package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementDays is the depth of the settlement ladder grid.
const SettlementDays = 5

// Position is the per-(book, security, business date) holding state.
//
// currentNetPosition and projectedNetPosition are derivations of the other
// quantity fields; Recalculate keeps them consistent. Version increments on
// every successful write and backs optimistic concurrency in the store.
type Position struct {
	BookID       string `json:"book_id"`
	SecurityID   string `json:"security_id"`
	BusinessDate string `json:"business_date"`

	ContractualQty decimal.Decimal `json:"contractual_qty"`
	SettledQty     decimal.Decimal `json:"settled_qty"`

	// Settlement ladder: deliveries and receipts over sd0..sd4.
	// Trades settling beyond sd4 accumulate into sd4 and set HasLongDated.
	Deliver [SettlementDays]decimal.Decimal `json:"deliver"`
	Receipt [SettlementDays]decimal.Decimal `json:"receipt"`

	CurrentNetPosition   decimal.Decimal `json:"current_net_position"`
	ProjectedNetPosition decimal.Decimal `json:"projected_net_position"`

	IsHypothecatable bool `json:"is_hypothecatable"`
	IsReserved       bool `json:"is_reserved"`
	IsStartOfDay     bool `json:"is_start_of_day"`
	IsBorrowed       bool `json:"is_borrowed"`
	IsPayToHold      bool `json:"is_pay_to_hold"`
	HasLongDated     bool `json:"has_long_dated"`

	CalculationStatus      CalculationStatus `json:"calculation_status"`
	CalculationRuleID      string            `json:"calculation_rule_id,omitempty"`
	CalculationRuleVersion int64             `json:"calculation_rule_version,omitempty"`
	CalculationDate        string            `json:"calculation_date,omitempty"`

	Version        int64     `json:"version"`
	LastModifiedAt time.Time `json:"last_modified_at"`
}

// PositionKey identifies a position.
type PositionKey struct {
	BookID       string
	SecurityID   string
	BusinessDate string
}

// Key returns the composite identity of the position.
func (p *Position) Key() PositionKey {
	return PositionKey{BookID: p.BookID, SecurityID: p.SecurityID, BusinessDate: p.BusinessDate}
}

// NetSettlement is the ladder total: sum of receipts minus deliveries.
func (p *Position) NetSettlement() decimal.Decimal {
	net := decimal.Zero
	for i := 0; i < SettlementDays; i++ {
		net = net.Add(p.Receipt[i]).Sub(p.Deliver[i])
	}
	return net
}

// Recalculate derives currentNetPosition and projectedNetPosition from the
// quantity fields. Both are pure functions of the stored quantities.
func (p *Position) Recalculate() {
	p.CurrentNetPosition = p.SettledQty.Add(p.ContractualQty)
	p.ProjectedNetPosition = p.CurrentNetPosition.Add(p.NetSettlement())
}

// IsLong reports whether the current net holding is positive.
func (p *Position) IsLong() bool {
	return p.CurrentNetPosition.IsPositive()
}

// SettledPlusDayZero is settledQty + sd0Receipt - sd0Deliver, the quantity
// deliverable today. Used for LONG_SELL availability.
func (p *Position) SettledPlusDayZero() decimal.Decimal {
	return p.SettledQty.Add(p.Receipt[0]).Sub(p.Deliver[0])
}

// SettlementLadder is a read-only view of a position's 5-day grid.
// It exists for query convenience and is never mutated independently.
type SettlementLadder struct {
	BookID        string                          `json:"book_id"`
	SecurityID    string                          `json:"security_id"`
	BusinessDate  string                          `json:"business_date"`
	Deliver       [SettlementDays]decimal.Decimal `json:"deliver"`
	Receipt       [SettlementDays]decimal.Decimal `json:"receipt"`
	NetSettlement decimal.Decimal                 `json:"net_settlement"`
}

// Ladder returns the settlement-ladder view of the position.
func (p *Position) Ladder() SettlementLadder {
	return SettlementLadder{
		BookID:        p.BookID,
		SecurityID:    p.SecurityID,
		BusinessDate:  p.BusinessDate,
		Deliver:       p.Deliver,
		Receipt:       p.Receipt,
		NetSettlement: p.NetSettlement(),
	}
}

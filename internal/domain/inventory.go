package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// InventoryAvailability is a derived availability figure for one security,
// calculation type, and business date. Internal records aggregate positions
// and contracts; external records (IsExternalSource) absorb availability
// reported by outside lenders and locate sources.
type InventoryAvailability struct {
	SecurityID        string          `json:"security_id"`
	CalculationType   CalculationType `json:"calculation_type"`
	BusinessDate      string          `json:"business_date"`
	CounterpartyID    string          `json:"counterparty_id,omitempty"`
	AggregationUnitID string          `json:"aggregation_unit_id,omitempty"`

	IsExternalSource   bool   `json:"is_external_source"`
	ExternalSourceName string `json:"external_source_name,omitempty"`

	GrossQuantity     decimal.Decimal `json:"gross_quantity"`
	NetQuantity       decimal.Decimal `json:"net_quantity"`
	AvailableQuantity decimal.Decimal `json:"available_quantity"`
	ReservedQuantity  decimal.Decimal `json:"reserved_quantity"`
	// DecrementQuantity is availability consumed by approved locates.
	DecrementQuantity decimal.Decimal `json:"decrement_quantity"`

	Market              string              `json:"market"`
	SecurityTemperature SecurityTemperature `json:"security_temperature"`
	BorrowRate          *decimal.Decimal    `json:"borrow_rate,omitempty"`

	CalculationRuleID      string          `json:"calculation_rule_id,omitempty"`
	CalculationRuleVersion int64           `json:"calculation_rule_version,omitempty"`
	Status                 InventoryStatus `json:"status"`

	// Overborrow bookkeeping, populated only for OVERBORROW records.
	IsOverborrowed     bool            `json:"is_overborrowed,omitempty"`
	OverborrowQuantity decimal.Decimal `json:"overborrow_quantity,omitempty"`

	Version        int64     `json:"version"`
	LastModifiedAt time.Time `json:"last_modified_at"`
}

// InventoryKey identifies an availability record.
type InventoryKey struct {
	SecurityID         string
	CalculationType    CalculationType
	BusinessDate       string
	CounterpartyID     string
	AggregationUnitID  string
	IsExternalSource   bool
	ExternalSourceName string
}

// Key returns the composite identity of the record.
func (a *InventoryAvailability) Key() InventoryKey {
	return InventoryKey{
		SecurityID:         a.SecurityID,
		CalculationType:    a.CalculationType,
		BusinessDate:       a.BusinessDate,
		CounterpartyID:     a.CounterpartyID,
		AggregationUnitID:  a.AggregationUnitID,
		IsExternalSource:   a.IsExternalSource,
		ExternalSourceName: a.ExternalSourceName,
	}
}

// RemainingQuantity is availability net of locate consumption.
// Invariant after locate application: never negative.
func (a *InventoryAvailability) RemainingQuantity() decimal.Decimal {
	return a.AvailableQuantity.Sub(a.DecrementQuantity)
}

// Contract is a securities-financing contract absorbed from ContractEvents.
// Dates are civil dates; a contract is open on date d when
// startDate <= d and (endDate empty or d <= endDate).
type Contract struct {
	ContractID     string          `json:"contract_id"`
	Type           ContractType    `json:"type"`
	SecurityID     string          `json:"security_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	StartDate      string          `json:"start_date"`
	EndDate        string          `json:"end_date,omitempty"`
	CounterpartyID string          `json:"counterparty_id"`
	LastModifiedAt time.Time       `json:"last_modified_at"`
}

// IsOpen reports whether the contract is in force on the given date.
func (c *Contract) IsOpen(date string) bool {
	if c.StartDate > date {
		return false
	}
	return c.EndDate == "" || c.EndDate >= date
}

// MaturesBy reports whether the contract ends on or before the given date.
func (c *Contract) MaturesBy(date string) bool {
	return c.EndDate != "" && c.EndDate <= date
}

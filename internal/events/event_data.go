package events

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/seclend/imscore/internal/domain"
)

// EventData is the interface all event payloads implement. PartitionKey
// returns the ordering key for the payload so ingress sharding and egress
// publishing agree on what "same key" means.
type EventData interface {
	EventType() EventType
	PartitionKey() string
}

// TradeDataEvent is an inbound trade. BUY adds to the receipt bucket for its
// settlement day, SELL to the deliver bucket. IsCancellation reverses a
// previously applied trade with the same TradeID.
type TradeDataEvent struct {
	TradeID           string          `json:"tradeId" msgpack:"tradeId"`
	BookID            string          `json:"bookId" msgpack:"bookId"`
	SecurityID        string          `json:"securityId" msgpack:"securityId"`
	Side              domain.TradeSide `json:"side" msgpack:"side"`
	Quantity          decimal.Decimal `json:"quantity" msgpack:"quantity"`
	TradeDate         string          `json:"tradeDate" msgpack:"tradeDate"`
	SettlementDate    string          `json:"settlementDate" msgpack:"settlementDate"`
	CounterpartyID    string          `json:"counterpartyId,omitempty" msgpack:"counterpartyId,omitempty"`
	AggregationUnitID string          `json:"auId,omitempty" msgpack:"auId,omitempty"`
	IsCancellation    bool            `json:"isCancellation,omitempty" msgpack:"isCancellation,omitempty"`
}

func (e *TradeDataEvent) EventType() EventType { return TradeData }

func (e *TradeDataEvent) PartitionKey() string { return e.BookID }

// Validate checks the inbound trade contract.
func (e *TradeDataEvent) Validate() error {
	const op = "events.TradeDataEvent.Validate"
	switch {
	case e.TradeID == "":
		return domain.E(op, domain.KindValidation, "tradeId is required")
	case e.BookID == "":
		return domain.E(op, domain.KindValidation, "bookId is required")
	case e.SecurityID == "":
		return domain.E(op, domain.KindValidation, "securityId is required")
	case e.Side != domain.SideBuy && e.Side != domain.SideSell:
		return domain.E(op, domain.KindValidation, fmt.Sprintf("invalid side %q", e.Side))
	case !e.Quantity.IsPositive():
		return domain.E(op, domain.KindValidation, "quantity must be positive")
	case e.TradeDate == "":
		return domain.E(op, domain.KindValidation, "tradeDate is required")
	case e.SettlementDate == "":
		return domain.E(op, domain.KindValidation, "settlementDate is required")
	}
	return nil
}

// PositionEvent is an inbound position snapshot from an external authority.
// Only start-of-day snapshots may overwrite engine-owned position state.
type PositionEvent struct {
	BookID       string `json:"bookId" msgpack:"bookId"`
	SecurityID   string `json:"securityId" msgpack:"securityId"`
	BusinessDate string `json:"businessDate" msgpack:"businessDate"`

	ContractualQty *decimal.Decimal `json:"contractualQty,omitempty" msgpack:"contractualQty,omitempty"`
	SettledQty     *decimal.Decimal `json:"settledQty,omitempty" msgpack:"settledQty,omitempty"`

	Deliver *[domain.SettlementDays]decimal.Decimal `json:"deliver,omitempty" msgpack:"deliver,omitempty"`
	Receipt *[domain.SettlementDays]decimal.Decimal `json:"receipt,omitempty" msgpack:"receipt,omitempty"`

	IsStartOfDay bool `json:"isStartOfDay" msgpack:"isStartOfDay"`
}

func (e *PositionEvent) EventType() EventType { return PositionFeed }

func (e *PositionEvent) PartitionKey() string { return e.BookID }

// Validate checks the inbound position contract.
func (e *PositionEvent) Validate() error {
	const op = "events.PositionEvent.Validate"
	switch {
	case e.BookID == "":
		return domain.E(op, domain.KindValidation, "bookId is required")
	case e.SecurityID == "":
		return domain.E(op, domain.KindValidation, "securityId is required")
	case e.BusinessDate == "":
		return domain.E(op, domain.KindValidation, "businessDate is required")
	}
	return nil
}

// InventoryEvent is an inbound external-availability delta from an outside
// lender or locate source.
type InventoryEvent struct {
	SecurityIdentifier          string `json:"securityIdentifier" msgpack:"securityIdentifier"`
	SecurityMarket              string `json:"securityMarket,omitempty" msgpack:"securityMarket,omitempty"`
	CounterpartyIdentifier      string `json:"counterpartyIdentifier,omitempty" msgpack:"counterpartyIdentifier,omitempty"`
	AggregationUnitIdentifier   string `json:"aggregationUnitIdentifier,omitempty" msgpack:"aggregationUnitIdentifier,omitempty"`
	BusinessDate                string `json:"businessDate" msgpack:"businessDate"`

	CalculationType domain.CalculationType `json:"calculationType" msgpack:"calculationType"`

	GrossQuantity     decimal.Decimal `json:"grossQuantity" msgpack:"grossQuantity"`
	NetQuantity       decimal.Decimal `json:"netQuantity" msgpack:"netQuantity"`
	AvailableQuantity decimal.Decimal `json:"availableQuantity" msgpack:"availableQuantity"`
	ReservedQuantity  decimal.Decimal `json:"reservedQuantity" msgpack:"reservedQuantity"`
	DecrementQuantity decimal.Decimal `json:"decrementQuantity" msgpack:"decrementQuantity"`

	SecurityTemperature domain.SecurityTemperature `json:"securityTemperature,omitempty" msgpack:"securityTemperature,omitempty"`
	BorrowRate          *decimal.Decimal           `json:"borrowRate,omitempty" msgpack:"borrowRate,omitempty"`

	CalculationRuleID      string `json:"calculationRuleId,omitempty" msgpack:"calculationRuleId,omitempty"`
	CalculationRuleVersion int64  `json:"calculationRuleVersion,omitempty" msgpack:"calculationRuleVersion,omitempty"`

	IsExternalSource   bool   `json:"isExternalSource" msgpack:"isExternalSource"`
	ExternalSourceName string `json:"externalSourceName,omitempty" msgpack:"externalSourceName,omitempty"`

	Status domain.InventoryStatus `json:"status,omitempty" msgpack:"status,omitempty"`
}

func (e *InventoryEvent) EventType() EventType { return InventoryFeed }

func (e *InventoryEvent) PartitionKey() string { return e.SecurityIdentifier }

// Validate checks the inbound inventory contract.
func (e *InventoryEvent) Validate() error {
	const op = "events.InventoryEvent.Validate"
	switch {
	case e.SecurityIdentifier == "":
		return domain.E(op, domain.KindValidation, "securityIdentifier is required")
	case e.CalculationType == "":
		return domain.E(op, domain.KindValidation, "calculationType is required")
	case e.BusinessDate == "":
		return domain.E(op, domain.KindValidation, "businessDate is required")
	}
	return nil
}

// ContractEvent is an inbound securities-financing contract.
type ContractEvent struct {
	ContractID     string              `json:"contractId" msgpack:"contractId"`
	Type           domain.ContractType `json:"type" msgpack:"type"`
	SecurityID     string              `json:"securityId" msgpack:"securityId"`
	Quantity       decimal.Decimal     `json:"qty" msgpack:"qty"`
	StartDate      string              `json:"startDate" msgpack:"startDate"`
	EndDate        string              `json:"endDate,omitempty" msgpack:"endDate,omitempty"`
	CounterpartyID string              `json:"counterpartyId" msgpack:"counterpartyId"`
}

func (e *ContractEvent) EventType() EventType { return ContractFeed }

func (e *ContractEvent) PartitionKey() string { return e.SecurityID }

// Validate checks the inbound contract event.
func (e *ContractEvent) Validate() error {
	const op = "events.ContractEvent.Validate"
	switch {
	case e.ContractID == "":
		return domain.E(op, domain.KindValidation, "contractId is required")
	case e.SecurityID == "":
		return domain.E(op, domain.KindValidation, "securityId is required")
	case e.StartDate == "":
		return domain.E(op, domain.KindValidation, "startDate is required")
	}
	switch e.Type {
	case domain.ContractRepo, domain.ContractSLAB, domain.ContractPayToHold, domain.ContractExternalBorrow:
	default:
		return domain.E(op, domain.KindValidation, fmt.Sprintf("invalid contract type %q", e.Type))
	}
	return nil
}

// PositionUpdateData is the outbound payload published after every
// successful position write.
type PositionUpdateData struct {
	Position domain.Position `json:"position" msgpack:"position"`
}

func (d *PositionUpdateData) EventType() EventType { return PositionUpdate }

func (d *PositionUpdateData) PartitionKey() string {
	return d.Position.BookID + ":" + d.Position.SecurityID
}

// InventoryUpdateData is the outbound payload for a recomputed availability.
type InventoryUpdateData struct {
	Availability domain.InventoryAvailability `json:"availability" msgpack:"availability"`
}

func (d *InventoryUpdateData) EventType() EventType { return InventoryUpdate }

func (d *InventoryUpdateData) PartitionKey() string {
	return d.Availability.SecurityID + ":" + string(d.Availability.CalculationType)
}

// ClientLimitUpdateData is the outbound payload for a client limit change.
type ClientLimitUpdateData struct {
	Limit domain.ClientLimit `json:"limit" msgpack:"limit"`
}

func (d *ClientLimitUpdateData) EventType() EventType { return ClientLimitUpdate }

func (d *ClientLimitUpdateData) PartitionKey() string {
	return d.Limit.ClientID + ":" + d.Limit.SecurityID
}

// AULimitUpdateData is the outbound payload for an aggregation-unit limit change.
type AULimitUpdateData struct {
	Limit domain.AggregationUnitLimit `json:"limit" msgpack:"limit"`
}

func (d *AULimitUpdateData) EventType() EventType { return AULimitUpdate }

func (d *AULimitUpdateData) PartitionKey() string {
	return d.Limit.AggregationUnitID + ":" + d.Limit.SecurityID
}

// RuleChangedData is published on rule create/update so cached snapshots
// invalidate without polling.
type RuleChangedData struct {
	RuleID   string          `json:"ruleId" msgpack:"ruleId"`
	RuleType domain.RuleType `json:"ruleType" msgpack:"ruleType"`
	Market   string          `json:"market" msgpack:"market"`
	Version  int64           `json:"version" msgpack:"version"`
	Action   string          `json:"action" msgpack:"action"` // "created" or "updated"
}

func (d *RuleChangedData) EventType() EventType { return RuleChanged }

func (d *RuleChangedData) PartitionKey() string { return d.RuleID }

// JobStatusData is published on job lifecycle transitions.
type JobStatusData struct {
	JobID    string  `json:"jobId" msgpack:"jobId"`
	JobType  string  `json:"jobType" msgpack:"jobType"`
	Status   string  `json:"status" msgpack:"status"` // "started", "completed", "failed"
	Error    string  `json:"error,omitempty" msgpack:"error,omitempty"`
	Duration float64 `json:"duration,omitempty" msgpack:"duration,omitempty"`
}

func (d *JobStatusData) EventType() EventType {
	switch d.Status {
	case "completed":
		return JobCompleted
	case "failed":
		return JobFailed
	default:
		return JobStarted
	}
}

func (d *JobStatusData) PartitionKey() string { return d.JobID }

// EventParkedData is published when an event exhausts its retries and is
// written to the dead-letter store.
type EventParkedData struct {
	EventID      string    `json:"eventId" msgpack:"eventId"`
	Type         EventType `json:"eventType" msgpack:"eventType"`
	Partition    string    `json:"partitionKey" msgpack:"partitionKey"`
	ErrorKind    string    `json:"errorKind" msgpack:"errorKind"`
	ErrorDetail  string    `json:"errorDetail" msgpack:"errorDetail"`
	RetriesSpent int       `json:"retriesSpent" msgpack:"retriesSpent"`
}

func (d *EventParkedData) EventType() EventType { return EventParked }

func (d *EventParkedData) PartitionKey() string { return d.Partition }

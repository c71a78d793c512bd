package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seclend/imscore/internal/domain"
)

func TestTradeDataEventValidate(t *testing.T) {
	valid := TradeDataEvent{
		TradeID:        "T-1",
		BookID:         "EQ-01",
		SecurityID:     "AAPL",
		Side:           domain.SideBuy,
		Quantity:       decimal.NewFromInt(100),
		TradeDate:      "2026-08-24",
		SettlementDate: "2026-08-26",
	}
	assert.NoError(t, valid.Validate())

	missing := valid
	missing.BookID = ""
	err := missing.Validate()
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	badSide := valid
	badSide.Side = "HOLD"
	assert.Error(t, badSide.Validate())

	zeroQty := valid
	zeroQty.Quantity = decimal.Zero
	assert.Error(t, zeroQty.Validate())
}

func TestInventoryEventValidate(t *testing.T) {
	valid := InventoryEvent{
		SecurityIdentifier: "AAPL",
		CalculationType:    domain.CalcShortSell,
		BusinessDate:       "2026-08-24",
		AvailableQuantity:  decimal.NewFromInt(5000),
		IsExternalSource:   true,
		ExternalSourceName: "LENDER_A",
	}
	assert.NoError(t, valid.Validate())

	for _, mutate := range []func(*InventoryEvent){
		func(e *InventoryEvent) { e.SecurityIdentifier = "" },
		func(e *InventoryEvent) { e.CalculationType = "" },
		func(e *InventoryEvent) { e.BusinessDate = "" },
	} {
		e := valid
		mutate(&e)
		err := e.Validate()
		require.Error(t, err)
		assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	}
}

func TestContractEventValidate(t *testing.T) {
	valid := ContractEvent{
		ContractID:     "C-1",
		Type:           domain.ContractRepo,
		SecurityID:     "MSFT",
		Quantity:       decimal.NewFromInt(1000),
		StartDate:      "2026-08-01",
		CounterpartyID: "CP-9",
	}
	assert.NoError(t, valid.Validate())

	badType := valid
	badType.Type = "LOAN"
	assert.Error(t, badType.Validate())
}

func TestPartitionKeys(t *testing.T) {
	trade := &TradeDataEvent{BookID: "EQ-01", SecurityID: "AAPL"}
	assert.Equal(t, "EQ-01", trade.PartitionKey())

	inv := &InventoryEvent{SecurityIdentifier: "AAPL"}
	assert.Equal(t, "AAPL", inv.PartitionKey())

	posUpd := &PositionUpdateData{Position: domain.Position{BookID: "EQ-01", SecurityID: "AAPL"}}
	assert.Equal(t, "EQ-01:AAPL", posUpd.PartitionKey())

	invUpd := &InventoryUpdateData{Availability: domain.InventoryAvailability{
		SecurityID:      "AAPL",
		CalculationType: domain.CalcForLoan,
	}}
	assert.Equal(t, "AAPL:FOR_LOAN", invUpd.PartitionKey())

	cl := &ClientLimitUpdateData{Limit: domain.ClientLimit{ClientID: "C-123"}}
	cl.Limit.SecurityID = "AAPL"
	assert.Equal(t, "C-123:AAPL", cl.PartitionKey())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	trade := &TradeDataEvent{
		TradeID:        "T-42",
		BookID:         "EQ-01",
		SecurityID:     "AAPL",
		Side:           domain.SideSell,
		Quantity:       decimal.RequireFromString("1500.250000"),
		TradeDate:      "2026-08-24",
		SettlementDate: "2026-08-26",
	}
	event := NewEvent(domain.EventSource, trade)
	event.CorrelationID = "corr-1"

	data, err := Encode(event)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, event.EventID, decoded.EventID)
	assert.Equal(t, TradeData, decoded.Type)
	assert.Equal(t, "corr-1", decoded.CorrelationID)
	assert.Equal(t, "EQ-01", decoded.PartitionKey)

	got, ok := decoded.Data.(*TradeDataEvent)
	require.True(t, ok)
	assert.Equal(t, trade.TradeID, got.TradeID)
	assert.True(t, trade.Quantity.Equal(got.Quantity))
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := DecodePayload("NOT_A_TYPE", []byte{0x80})
	assert.Error(t, err)
}

func TestBusDispatchOrder(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var got []string
	bus.Subscribe(PositionUpdate, func(e *Event) {
		d := e.Data.(*PositionUpdateData)
		got = append(got, d.Position.SecurityID)
	})

	for _, sec := range []string{"AAPL", "MSFT", "AAPL"} {
		bus.Emit(domain.EventSource, &PositionUpdateData{
			Position: domain.Position{BookID: "EQ-01", SecurityID: sec},
		})
	}

	assert.Equal(t, []string{"AAPL", "MSFT", "AAPL"}, got)
}

func TestBusRecoversFromPanickingHandler(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	delivered := false
	bus.Subscribe(RuleChanged, func(e *Event) { panic("boom") })
	bus.Subscribe(RuleChanged, func(e *Event) { delivered = true })

	bus.Emit(domain.EventSource, &RuleChangedData{RuleID: "R-1", Action: "updated"})
	assert.True(t, delivered)
}

func TestNewEventStampsEnvelope(t *testing.T) {
	e := NewEvent(domain.EventSource, &RuleChangedData{RuleID: "R-1"})
	assert.NotEmpty(t, e.EventID)
	assert.Equal(t, domain.EventSource, e.Source)
	assert.Equal(t, RuleChanged, e.Type)
	assert.Equal(t, "R-1", e.PartitionKey)
	assert.False(t, e.Timestamp.IsZero())
}

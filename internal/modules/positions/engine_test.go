package positions

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seclend/imscore/internal/database"
	"github.com/seclend/imscore/internal/domain"
	"github.com/seclend/imscore/internal/events"
	"github.com/seclend/imscore/internal/modules/securities"
)

const testDate = "2026-08-24"

func newTestDB(t *testing.T, name string) *database.DB {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "test_"+name+"_*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStore,
		Name:    name,
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	t.Cleanup(func() {
		_ = db.Close()
		_ = os.Remove(tmpPath)
	})
	return db
}

func setupEngine(t *testing.T) (*Engine, *securities.Repository, *events.Bus) {
	t.Helper()

	positionsDB := newTestDB(t, "positions")
	refdataDB := newTestDB(t, "refdata")

	secRepo := securities.NewRepository(refdataDB.Conn(), zerolog.Nop())
	require.NoError(t, secRepo.Upsert(&domain.Security{
		InternalID: "AAPL",
		Type:       domain.SecurityEquity,
		Market:     "US",
		Currency:   "USD",
		Status:     domain.SecurityActive,
	}))

	repo := NewRepository(positionsDB.Conn(), zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	return NewEngine(repo, secRepo, bus, zerolog.Nop()), secRepo, bus
}

func buyTrade(id string, qty int64, settlementDate string) *events.TradeDataEvent {
	return &events.TradeDataEvent{
		TradeID:        id,
		BookID:         "EQ-01",
		SecurityID:     "AAPL",
		Side:           domain.SideBuy,
		Quantity:       decimal.NewFromInt(qty),
		TradeDate:      testDate,
		SettlementDate: settlementDate,
	}
}

func sellTrade(id string, qty int64, settlementDate string) *events.TradeDataEvent {
	tr := buyTrade(id, qty, settlementDate)
	tr.Side = domain.SideSell
	return tr
}

func TestBuyTradeCreatesPosition(t *testing.T) {
	engine, _, _ := setupEngine(t)

	pos, err := engine.ProcessTradeEvent(context.Background(), buyTrade("T-1", 1000, "2026-08-26"))
	require.NoError(t, err)

	assert.True(t, pos.ContractualQty.Equal(decimal.NewFromInt(1000)))
	assert.True(t, pos.Receipt[2].Equal(decimal.NewFromInt(1000)))
	assert.True(t, pos.CurrentNetPosition.Equal(decimal.NewFromInt(1000)))
	assert.True(t, pos.ProjectedNetPosition.Equal(decimal.NewFromInt(2000)))
	assert.Equal(t, domain.CalcValid, pos.CalculationStatus)
	assert.Equal(t, int64(1), pos.Version)
}

func TestPositionInvariants(t *testing.T) {
	engine, _, _ := setupEngine(t)

	_, err := engine.ProcessTradeEvent(context.Background(), buyTrade("T-1", 500, "2026-08-25"))
	require.NoError(t, err)
	pos, err := engine.ProcessTradeEvent(context.Background(), sellTrade("T-2", 200, "2026-08-24"))
	require.NoError(t, err)

	// currentNet = settled + contractual
	assert.True(t, pos.CurrentNetPosition.Equal(pos.SettledQty.Add(pos.ContractualQty)))
	// projectedNet = currentNet + sum(receipt - deliver)
	assert.True(t, pos.ProjectedNetPosition.Equal(pos.CurrentNetPosition.Add(pos.NetSettlement())))
}

func TestLongDatedTradeAccumulatesIntoSD4(t *testing.T) {
	engine, _, _ := setupEngine(t)

	// Settles 10 days out: beyond the 5-day grid.
	pos, err := engine.ProcessTradeEvent(context.Background(), buyTrade("T-1", 300, "2026-09-03"))
	require.NoError(t, err)

	assert.True(t, pos.Receipt[4].Equal(decimal.NewFromInt(300)))
	assert.True(t, pos.HasLongDated)
	for i := 0; i < 4; i++ {
		assert.True(t, pos.Receipt[i].IsZero())
	}
}

func TestCancelLastLongDatedTradeClearsFlag(t *testing.T) {
	engine, _, _ := setupEngine(t)

	// Settles 10 days out: beyond the 5-day grid.
	pos, err := engine.ProcessTradeEvent(context.Background(), buyTrade("T-1", 300, "2026-09-03"))
	require.NoError(t, err)
	require.True(t, pos.HasLongDated)

	undo := buyTrade("T-1", 300, "2026-09-03")
	undo.IsCancellation = true
	pos, err = engine.ProcessTradeEvent(context.Background(), undo)
	require.NoError(t, err)

	assert.True(t, pos.Receipt[4].IsZero())
	assert.False(t, pos.HasLongDated, "nothing long-dated remains to pin in the last rung")
}

func TestCancelOneOfTwoLongDatedTradesKeepsFlag(t *testing.T) {
	engine, _, _ := setupEngine(t)

	_, err := engine.ProcessTradeEvent(context.Background(), buyTrade("T-1", 300, "2026-09-03"))
	require.NoError(t, err)
	_, err = engine.ProcessTradeEvent(context.Background(), buyTrade("T-2", 200, "2026-09-10"))
	require.NoError(t, err)

	undo := buyTrade("T-1", 300, "2026-09-03")
	undo.IsCancellation = true
	pos, err := engine.ProcessTradeEvent(context.Background(), undo)
	require.NoError(t, err)

	assert.True(t, pos.Receipt[4].Equal(decimal.NewFromInt(200)))
	assert.True(t, pos.HasLongDated)
}

func TestTradeReplayDoesNotDoubleCount(t *testing.T) {
	engine, _, _ := setupEngine(t)

	first, err := engine.ProcessTradeEvent(context.Background(), buyTrade("T-1", 1000, "2026-08-26"))
	require.NoError(t, err)

	replayed, err := engine.ProcessTradeEvent(context.Background(), buyTrade("T-1", 1000, "2026-08-26"))
	require.NoError(t, err)

	assert.True(t, replayed.ContractualQty.Equal(first.ContractualQty))
	assert.True(t, replayed.Receipt[2].Equal(first.Receipt[2]))
	assert.Equal(t, first.Version, replayed.Version)
}

func TestSellThenCancelRoundTrip(t *testing.T) {
	engine, _, _ := setupEngine(t)

	_, err := engine.ProcessTradeEvent(context.Background(), buyTrade("T-0", 5000, "2026-08-25"))
	require.NoError(t, err)
	before, err := engine.GetPosition(domain.PositionKey{BookID: "EQ-01", SecurityID: "AAPL", BusinessDate: testDate})
	require.NoError(t, err)

	sell := sellTrade("T-1", 2000, "2026-08-26")
	_, err = engine.ProcessTradeEvent(context.Background(), sell)
	require.NoError(t, err)

	undo := sellTrade("T-1", 2000, "2026-08-26")
	undo.IsCancellation = true
	after, err := engine.ProcessTradeEvent(context.Background(), undo)
	require.NoError(t, err)

	assert.True(t, after.ContractualQty.Equal(before.ContractualQty))
	assert.True(t, after.SettledQty.Equal(before.SettledQty))
	for i := 0; i < domain.SettlementDays; i++ {
		assert.True(t, after.Deliver[i].Equal(before.Deliver[i]), "deliver sd%d", i)
		assert.True(t, after.Receipt[i].Equal(before.Receipt[i]), "receipt sd%d", i)
	}
	assert.True(t, after.ProjectedNetPosition.Equal(before.ProjectedNetPosition))

	// The cancelled trade id can be applied again afterwards.
	replay, err := engine.ProcessTradeEvent(context.Background(), sellTrade("T-1", 2000, "2026-08-26"))
	require.NoError(t, err)
	assert.True(t, replay.Deliver[2].Equal(decimal.NewFromInt(2000)))
}

func TestCancelUnknownTradeIsNotFound(t *testing.T) {
	engine, _, _ := setupEngine(t)

	undo := sellTrade("T-404", 100, "2026-08-25")
	undo.IsCancellation = true
	_, err := engine.ProcessTradeEvent(context.Background(), undo)
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestUnknownSecurityYieldsPending(t *testing.T) {
	engine, _, _ := setupEngine(t)

	trade := buyTrade("T-1", 100, "2026-08-25")
	trade.SecurityID = "ZZZZ"
	pos, err := engine.ProcessTradeEvent(context.Background(), trade)
	require.NoError(t, err)
	assert.Equal(t, domain.CalcPending, pos.CalculationStatus)
}

func TestPendingPositionRecoversAfterRefdataArrives(t *testing.T) {
	engine, secRepo, _ := setupEngine(t)

	trade := buyTrade("T-1", 100, "2026-08-25")
	trade.SecurityID = "NEWCO"
	pos, err := engine.ProcessTradeEvent(context.Background(), trade)
	require.NoError(t, err)
	require.Equal(t, domain.CalcPending, pos.CalculationStatus)

	require.NoError(t, secRepo.Upsert(&domain.Security{
		InternalID: "NEWCO", Type: domain.SecurityEquity,
		Market: "US", Currency: "USD", Status: domain.SecurityActive,
	}))

	updated, err := engine.RecalculatePositions(testDate, domain.CalcPending)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	got, err := engine.GetPosition(domain.PositionKey{BookID: "EQ-01", SecurityID: "NEWCO", BusinessDate: testDate})
	require.NoError(t, err)
	assert.Equal(t, domain.CalcValid, got.CalculationStatus)
}

func TestIntradayPositionEventRejected(t *testing.T) {
	engine, _, _ := setupEngine(t)

	qty := decimal.NewFromInt(100)
	ev := &events.PositionEvent{
		BookID:       "EQ-01",
		SecurityID:   "AAPL",
		BusinessDate: testDate,
		SettledQty:   &qty,
		IsStartOfDay: false,
	}
	_, err := engine.ProcessPositionEvent(context.Background(), ev)
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestStartOfDaySnapshotOverwrites(t *testing.T) {
	engine, _, _ := setupEngine(t)

	_, err := engine.ProcessTradeEvent(context.Background(), buyTrade("T-1", 1000, "2026-08-26"))
	require.NoError(t, err)

	settled := decimal.NewFromInt(100000)
	contractual := decimal.Zero
	ev := &events.PositionEvent{
		BookID:         "EQ-01",
		SecurityID:     "AAPL",
		BusinessDate:   testDate,
		SettledQty:     &settled,
		ContractualQty: &contractual,
		IsStartOfDay:   true,
	}
	pos, err := engine.ProcessPositionEvent(context.Background(), ev)
	require.NoError(t, err)

	assert.True(t, pos.SettledQty.Equal(settled))
	assert.True(t, pos.ContractualQty.IsZero())
	assert.True(t, pos.IsStartOfDay)
	assert.True(t, pos.CurrentNetPosition.Equal(settled))
}

func TestLadderViewMatchesDirectComputation(t *testing.T) {
	engine, _, _ := setupEngine(t)

	_, err := engine.ProcessTradeEvent(context.Background(), buyTrade("T-1", 700, "2026-08-25"))
	require.NoError(t, err)
	_, err = engine.ProcessTradeEvent(context.Background(), sellTrade("T-2", 300, "2026-08-27"))
	require.NoError(t, err)

	key := domain.PositionKey{BookID: "EQ-01", SecurityID: "AAPL", BusinessDate: testDate}
	pos, err := engine.GetPosition(key)
	require.NoError(t, err)
	ladder, err := engine.GetSettlementLadder(key)
	require.NoError(t, err)

	assert.True(t, ladder.NetSettlement.Equal(pos.NetSettlement()))
	assert.True(t, pos.ProjectedNetPosition.Equal(pos.CurrentNetPosition.Add(ladder.NetSettlement)))
}

func TestPositionUpdatePublishedOnWrite(t *testing.T) {
	engine, _, bus := setupEngine(t)

	var published []*events.Event
	bus.Subscribe(events.PositionUpdate, func(e *events.Event) {
		published = append(published, e)
	})

	_, err := engine.ProcessTradeEvent(context.Background(), buyTrade("T-1", 100, "2026-08-25"))
	require.NoError(t, err)

	require.Len(t, published, 1)
	assert.Equal(t, "EQ-01:AAPL", published[0].PartitionKey)
	data, ok := published[0].Data.(*events.PositionUpdateData)
	require.True(t, ok)
	assert.True(t, data.Position.ContractualQty.Equal(decimal.NewFromInt(100)))
}

func TestSaveAllAndStartOfDayBatch(t *testing.T) {
	engine, _, _ := setupEngine(t)

	batch := []domain.Position{
		{BookID: "EQ-01", SecurityID: "AAPL", SettledQty: decimal.NewFromInt(100000)},
		{BookID: "EQ-02", SecurityID: "AAPL", SettledQty: decimal.NewFromInt(50000)},
	}
	require.NoError(t, engine.ProcessStartOfDayPositions(batch, testDate))

	list, err := engine.GetPositionsByDate(testDate)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, pos := range list {
		assert.True(t, pos.IsStartOfDay)
		assert.Equal(t, domain.CalcValid, pos.CalculationStatus)
		assert.True(t, pos.CurrentNetPosition.Equal(pos.SettledQty))
	}
}

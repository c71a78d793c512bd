package positions

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/seclend/imscore/internal/domain"
	"github.com/seclend/imscore/internal/events"
	"github.com/seclend/imscore/internal/modules/securities"
)

// Engine owns position state. Updates for one (book, security) key are
// serialized by the ingress shard that carries them; the engine itself is
// free of locks and relies on optimistic versioning as a backstop.
type Engine struct {
	repo       *Repository
	securities *securities.Repository
	bus        *events.Bus
	log        zerolog.Logger
}

// NewEngine creates a position engine.
func NewEngine(repo *Repository, secs *securities.Repository, bus *events.Bus, log zerolog.Logger) *Engine {
	return &Engine{
		repo:       repo,
		securities: secs,
		bus:        bus,
		log:        log.With().Str("engine", "positions").Logger(),
	}
}

// ProcessTradeEvent applies a trade to its position: BUY adds to the
// receipt bucket for the settlement day, SELL to the deliver bucket, with
// contractualQty moving by the signed quantity. Settlement beyond the
// 5-day grid accumulates into sd4 and flags the position. Replays of an
// already-applied tradeId are no-ops; cancellations reverse a previously
// applied trade exactly.
func (e *Engine) ProcessTradeEvent(ctx context.Context, trade *events.TradeDataEvent) (*domain.Position, error) {
	const op = "positions.ProcessTradeEvent"
	if err := trade.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.Wrap(op, domain.KindTimeout, err)
	}

	key := domain.PositionKey{
		BookID:       trade.BookID,
		SecurityID:   trade.SecurityID,
		BusinessDate: trade.TradeDate,
	}

	applied, err := e.repo.WasTradeApplied(trade.TradeID)
	if err != nil {
		return nil, domain.Wrap(op, domain.KindDependency, err)
	}

	if trade.IsCancellation {
		if !applied {
			return nil, domain.E(op, domain.KindNotFound,
				fmt.Sprintf("trade %s was never applied", trade.TradeID))
		}
	} else if applied {
		// Replay: return current state without double-counting.
		pos, err := e.repo.FindByKey(key)
		if err != nil {
			return nil, domain.Wrap(op, domain.KindDependency, err)
		}
		e.log.Debug().Str("trade_id", trade.TradeID).Msg("Duplicate trade ignored")
		return pos, nil
	}

	pos, err := e.applyTradeOnce(key, trade)
	if domain.IsKind(err, domain.KindConflict) {
		// Concurrent writer slipped in; reload and reapply once.
		pos, err = e.applyTradeOnce(key, trade)
	}
	if err != nil {
		return nil, err
	}

	e.publish(pos)
	return pos, nil
}

func (e *Engine) applyTradeOnce(key domain.PositionKey, trade *events.TradeDataEvent) (*domain.Position, error) {
	const op = "positions.applyTrade"

	pos, err := e.repo.FindByKey(key)
	if err != nil {
		return nil, domain.Wrap(op, domain.KindDependency, err)
	}
	if pos == nil {
		pos = &domain.Position{
			BookID:       key.BookID,
			SecurityID:   key.SecurityID,
			BusinessDate: key.BusinessDate,
		}
	}

	day := domain.DaysBetween(key.BusinessDate, trade.SettlementDate)
	if day < 0 {
		day = 0
	}
	if day >= domain.SettlementDays {
		day = domain.SettlementDays - 1
		if !trade.IsCancellation {
			pos.HasLongDated = true
		}
	}

	qty := trade.Quantity
	if trade.IsCancellation {
		qty = qty.Neg()
	}

	if trade.Side == domain.SideBuy {
		pos.ContractualQty = pos.ContractualQty.Add(qty)
		pos.Receipt[day] = pos.Receipt[day].Add(qty)
	} else {
		pos.ContractualQty = pos.ContractualQty.Sub(qty)
		pos.Deliver[day] = pos.Deliver[day].Add(qty)
	}

	// An emptied last rung has no long-dated flow left to pin overnight.
	if trade.IsCancellation && pos.HasLongDated &&
		pos.Receipt[domain.SettlementDays-1].IsZero() &&
		pos.Deliver[domain.SettlementDays-1].IsZero() {
		pos.HasLongDated = false
	}

	pos.Recalculate()
	if err := e.stampStatus(pos); err != nil {
		return nil, err
	}

	if trade.IsCancellation {
		err = e.repo.SaveWithTradeReversal(pos, trade.TradeID)
	} else {
		err = e.repo.SaveWithTrade(pos, trade.TradeID)
	}
	if err != nil {
		if domain.IsKind(err, domain.KindConflict) {
			return nil, err
		}
		return nil, domain.Wrap(op, domain.KindDependency, err)
	}
	return pos, nil
}

// ProcessPositionEvent absorbs an external position snapshot. Only
// start-of-day snapshots may overwrite engine-owned state; anything else
// is a conflicting authority and is rejected.
func (e *Engine) ProcessPositionEvent(ctx context.Context, ev *events.PositionEvent) (*domain.Position, error) {
	const op = "positions.ProcessPositionEvent"
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if !ev.IsStartOfDay {
		return nil, domain.E(op, domain.KindValidation,
			"intraday position snapshots conflict with engine-owned state")
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.Wrap(op, domain.KindTimeout, err)
	}

	key := domain.PositionKey{BookID: ev.BookID, SecurityID: ev.SecurityID, BusinessDate: ev.BusinessDate}
	pos, err := e.repo.FindByKey(key)
	if err != nil {
		return nil, domain.Wrap(op, domain.KindDependency, err)
	}
	if pos == nil {
		pos = &domain.Position{BookID: key.BookID, SecurityID: key.SecurityID, BusinessDate: key.BusinessDate}
	}

	if ev.ContractualQty != nil {
		pos.ContractualQty = *ev.ContractualQty
	}
	if ev.SettledQty != nil {
		pos.SettledQty = *ev.SettledQty
	}
	if ev.Deliver != nil {
		pos.Deliver = *ev.Deliver
	}
	if ev.Receipt != nil {
		pos.Receipt = *ev.Receipt
	}
	pos.IsStartOfDay = true

	pos.Recalculate()
	if err := e.stampStatus(pos); err != nil {
		return nil, err
	}
	if err := e.repo.Save(pos); err != nil {
		return nil, err
	}

	e.publish(pos)
	return pos, nil
}

// ProcessStartOfDayPositions persists a start-of-day batch, then
// recalculates everything on that date so derived values reflect the
// fresh baseline.
func (e *Engine) ProcessStartOfDayPositions(list []domain.Position, date string) error {
	for i := range list {
		list[i].BusinessDate = date
		list[i].IsStartOfDay = true
		list[i].Recalculate()
		if err := e.stampStatus(&list[i]); err != nil {
			return err
		}
	}
	if err := e.repo.SaveAll(list); err != nil {
		return err
	}
	for i := range list {
		e.publish(&list[i])
	}

	_, err := e.RecalculatePositions(date, "")
	return err
}

// RecalculatePositions reprocesses positions on a date, rederiving current
// and projected net. An empty status recalculates everything on the date;
// otherwise only positions in that calculation status. Returns the number
// of positions updated.
func (e *Engine) RecalculatePositions(date string, status domain.CalculationStatus) (int, error) {
	var (
		list []domain.Position
		err  error
	)
	if status == "" {
		list, err = e.repo.FindByDate(date)
	} else {
		list, err = e.repo.FindByStatusAndDate(status, date)
	}
	if err != nil {
		return 0, domain.Wrap("positions.Recalculate", domain.KindDependency, err)
	}

	updated := 0
	for i := range list {
		pos := &list[i]
		pos.Recalculate()
		if err := e.stampStatus(pos); err != nil {
			return updated, err
		}
		if err := e.repo.Save(pos); err != nil {
			e.log.Warn().Err(err).
				Str("book_id", pos.BookID).
				Str("security_id", pos.SecurityID).
				Msg("Failed to save recalculated position")
			continue
		}
		e.publish(pos)
		updated++
	}

	e.log.Info().Str("date", date).Str("status", string(status)).
		Int("updated", updated).Msg("Positions recalculated")
	return updated, nil
}

// GetPosition returns a position by key, or nil when absent.
func (e *Engine) GetPosition(key domain.PositionKey) (*domain.Position, error) {
	return e.repo.FindByKey(key)
}

// GetPositionsByDate returns all positions for a business date.
func (e *Engine) GetPositionsByDate(date string) ([]domain.Position, error) {
	return e.repo.FindByDate(date)
}

// GetSettlementLadder returns the ladder view for a position.
func (e *Engine) GetSettlementLadder(key domain.PositionKey) (*domain.SettlementLadder, error) {
	pos, err := e.repo.FindByKey(key)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, domain.E("positions.GetSettlementLadder", domain.KindNotFound,
			fmt.Sprintf("position %s/%s/%s not found", key.BookID, key.SecurityID, key.BusinessDate))
	}
	ladder := pos.Ladder()
	return &ladder, nil
}

// stampStatus marks the position VALID when its security is known, PENDING
// otherwise so the retry sweep picks it up once reference data arrives.
func (e *Engine) stampStatus(pos *domain.Position) error {
	sec, err := e.securities.GetByID(pos.SecurityID)
	if err != nil {
		return domain.Wrap("positions.stampStatus", domain.KindDependency, err)
	}
	if sec == nil {
		pos.CalculationStatus = domain.CalcPending
		e.log.Debug().Str("security_id", pos.SecurityID).Msg("Unknown security, position pending")
	} else {
		pos.CalculationStatus = domain.CalcValid
	}
	pos.CalculationDate = domain.Today()
	return nil
}

func (e *Engine) publish(pos *domain.Position) {
	e.bus.Emit(domain.EventSource, &events.PositionUpdateData{Position: *pos})
}

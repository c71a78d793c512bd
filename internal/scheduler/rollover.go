package scheduler

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/seclend/imscore/internal/domain"
	"github.com/seclend/imscore/internal/modules/inventory"
	"github.com/seclend/imscore/internal/modules/limits"
	"github.com/seclend/imscore/internal/modules/positions"
)

// RolloverService advances the book of record to the next business date:
// positions are cloned as start-of-day records with the settlement ladder
// aged one day, then inventory and limits are rebuilt on the new date.
type RolloverService struct {
	positions *positions.Engine
	inventory *inventory.Engine
	limits    *limits.Engine
	markets   []string
	log       zerolog.Logger
}

// NewRolloverService creates the end-of-day rollover service. markets is
// the set of markets to re-apply market-specific limit rules on after the
// new date's limits are built.
func NewRolloverService(pos *positions.Engine, inv *inventory.Engine, lim *limits.Engine,
	markets []string, log zerolog.Logger) *RolloverService {
	return &RolloverService{
		positions: pos,
		inventory: inv,
		limits:    lim,
		markets:   markets,
		log:       log.With().Str("component", "eod_rollover").Logger(),
	}
}

// Run rolls the given business date over to the next one. Already-rolled
// dates are skipped, so the job is safe to re-fire.
func (s *RolloverService) Run(ctx context.Context, fromDate string) error {
	const op = "rollover.Run"
	next := domain.NextDate(fromDate, 1)

	existing, err := s.positions.GetPositionsByDate(next)
	if err != nil {
		return domain.Wrap(op, domain.KindDependency, err)
	}
	if len(existing) > 0 {
		s.log.Info().Str("from", fromDate).Str("to", next).
			Int("existing", len(existing)).Msg("Rollover skipped, target date already populated")
		return nil
	}

	current, err := s.positions.GetPositionsByDate(fromDate)
	if err != nil {
		return domain.Wrap(op, domain.KindDependency, err)
	}
	if len(current) == 0 {
		s.log.Warn().Str("from", fromDate).Msg("Rollover found no positions to carry forward")
		return nil
	}

	carried := make([]domain.Position, 0, len(current))
	for i := range current {
		carried = append(carried, ageOvernight(&current[i]))
	}
	if err := s.positions.ProcessStartOfDayPositions(carried, next); err != nil {
		return domain.Wrap(op, domain.KindDependency, err)
	}

	if err := s.inventory.CalculateAllInventoryTypes(ctx, next); err != nil {
		return err
	}
	if _, err := s.limits.RecalculateLimits(ctx, next); err != nil {
		return err
	}
	for _, market := range s.markets {
		if _, err := s.limits.ApplyMarketSpecificRules(market, next); err != nil {
			return err
		}
	}

	s.log.Info().Str("from", fromDate).Str("to", next).
		Int("positions", len(carried)).Msg("End-of-day rollover complete")
	return nil
}

// ageOvernight produces the next day's start-of-day position: sd0 settles
// into settledQty and every remaining ladder rung moves one day closer.
func ageOvernight(p *domain.Position) domain.Position {
	out := *p
	out.IsStartOfDay = true
	out.Version = 0

	// Settled flow moves out of the contractual balance as it lands in
	// settledQty, keeping currentNet = settled + contractual unchanged.
	settled := p.Receipt[0].Sub(p.Deliver[0])
	out.SettledQty = p.SettledQty.Add(settled)
	out.ContractualQty = p.ContractualQty.Sub(settled)

	for i := 0; i < domain.SettlementDays-1; i++ {
		out.Deliver[i] = p.Deliver[i+1]
		out.Receipt[i] = p.Receipt[i+1]
	}
	// Long-dated flow beyond the grid stays pinned in the last rung until
	// its settle date enters the window.
	if p.HasLongDated {
		out.Deliver[domain.SettlementDays-1] = p.Deliver[domain.SettlementDays-1]
		out.Receipt[domain.SettlementDays-1] = p.Receipt[domain.SettlementDays-1]
	} else {
		out.Deliver[domain.SettlementDays-1] = decimal.Zero
		out.Receipt[domain.SettlementDays-1] = decimal.Zero
	}
	return out
}

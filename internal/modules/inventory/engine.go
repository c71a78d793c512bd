package inventory

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/seclend/imscore/internal/domain"
	"github.com/seclend/imscore/internal/events"
	"github.com/seclend/imscore/internal/modules/positions"
	"github.com/seclend/imscore/internal/modules/rules"
	"github.com/seclend/imscore/internal/modules/securities"
)

// Engine derives the six availability categories for each (security, date)
// from positions, contracts, and external availability, under rule-engine
// verdicts. Categories compute in a fixed order because later ones read
// earlier outputs: FOR_LOAN, FOR_PLEDGE, SHORT_SELL, LONG_SELL, LOCATE,
// OVERBORROW.
type Engine struct {
	repo       *Repository
	positions  *positions.Repository
	securities *securities.Repository
	rules      *rules.Engine
	bus        *events.Bus
	log        zerolog.Logger

	jpCutoff     time.Duration // UTC offset from midnight
	batchWorkers int
	now          func() time.Time
}

// NewEngine creates an inventory engine. jpCutoff is the Japan SLAB cutoff
// as a UTC offset from midnight; batchWorkers bounds the parallelism of
// full-date recomputes.
func NewEngine(repo *Repository, posRepo *positions.Repository, secRepo *securities.Repository,
	ruleEngine *rules.Engine, bus *events.Bus, jpCutoff time.Duration, batchWorkers int,
	log zerolog.Logger) *Engine {
	if batchWorkers < 1 {
		batchWorkers = 1
	}
	return &Engine{
		repo:         repo,
		positions:    posRepo,
		securities:   secRepo,
		rules:        ruleEngine,
		bus:          bus,
		jpCutoff:     jpCutoff,
		batchWorkers: batchWorkers,
		log:          log.With().Str("engine", "inventory").Logger(),
		now:          time.Now,
	}
}

// isBeforeJapanCutoff compares the current UTC wall clock to the cutoff.
func (e *Engine) isBeforeJapanCutoff() bool {
	now := e.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return now.Sub(midnight) < e.jpCutoff
}

// CalculateAllInventoryTypes recomputes every security that has positions,
// contracts, or external availability on the date. Securities compute in
// parallel; the per-security computation stays sequential.
func (e *Engine) CalculateAllInventoryTypes(ctx context.Context, date string) error {
	ids, err := e.securitiesToCompute(date)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.batchWorkers)
	for _, id := range ids {
		securityID := id
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.CalculateInventoryForSecurity(ctx, securityID, date); err != nil {
				// One bad security must not sink the batch.
				e.log.Error().Err(err).Str("security_id", securityID).Msg("Inventory recompute failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.Wrap("inventory.CalculateAll", domain.KindTimeout, err)
	}

	e.log.Info().Str("date", date).Int("securities", len(ids)).Msg("Full inventory recompute finished")
	return nil
}

func (e *Engine) securitiesToCompute(date string) ([]string, error) {
	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	posList, err := e.positions.FindByDate(date)
	if err != nil {
		return nil, domain.Wrap("inventory.securitiesToCompute", domain.KindDependency, err)
	}
	for i := range posList {
		add(posList[i].SecurityID)
	}

	withRecords, err := e.repo.SecuritiesWithRecords(date)
	if err != nil {
		return nil, domain.Wrap("inventory.securitiesToCompute", domain.KindDependency, err)
	}
	for _, id := range withRecords {
		add(id)
	}
	return ids, nil
}

// RecalculateInventory groups updated positions by security and recomputes
// each security once.
func (e *Engine) RecalculateInventory(ctx context.Context, updated []domain.Position, date string) error {
	seen := map[string]bool{}
	for i := range updated {
		id := updated[i].SecurityID
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := e.CalculateInventoryForSecurity(ctx, id, date); err != nil {
			return err
		}
	}
	return nil
}

// HandlePositionUpdate recomputes inventory for the position's security.
// Wired to POSITION_UPDATE on the bus so position and inventory changes for
// one (book, security) stay totally ordered.
func (e *Engine) HandlePositionUpdate(ctx context.Context, pos *domain.Position) error {
	return e.CalculateInventoryForSecurity(ctx, pos.SecurityID, pos.BusinessDate)
}

// ProcessInventoryEvent absorbs an external availability delta, then
// recomputes the security so derived categories see the new supply.
func (e *Engine) ProcessInventoryEvent(ctx context.Context, ev *events.InventoryEvent) error {
	const op = "inventory.ProcessInventoryEvent"
	if err := ev.Validate(); err != nil {
		return err
	}

	key := domain.InventoryKey{
		SecurityID:         ev.SecurityIdentifier,
		CalculationType:    ev.CalculationType,
		BusinessDate:       ev.BusinessDate,
		CounterpartyID:     ev.CounterpartyIdentifier,
		AggregationUnitID:  ev.AggregationUnitIdentifier,
		IsExternalSource:   ev.IsExternalSource,
		ExternalSourceName: ev.ExternalSourceName,
	}

	existing, err := e.repo.FindByKey(key)
	if err != nil {
		return domain.Wrap(op, domain.KindDependency, err)
	}

	av := &domain.InventoryAvailability{
		SecurityID:             key.SecurityID,
		CalculationType:        key.CalculationType,
		BusinessDate:           key.BusinessDate,
		CounterpartyID:         key.CounterpartyID,
		AggregationUnitID:      key.AggregationUnitID,
		IsExternalSource:       key.IsExternalSource,
		ExternalSourceName:     key.ExternalSourceName,
		GrossQuantity:          ev.GrossQuantity,
		NetQuantity:            ev.NetQuantity,
		AvailableQuantity:      ev.AvailableQuantity,
		ReservedQuantity:       ev.ReservedQuantity,
		DecrementQuantity:      ev.DecrementQuantity,
		Market:                 ev.SecurityMarket,
		SecurityTemperature:    ev.SecurityTemperature,
		BorrowRate:             ev.BorrowRate,
		CalculationRuleID:      ev.CalculationRuleID,
		CalculationRuleVersion: ev.CalculationRuleVersion,
		Status:                 ev.Status,
	}
	if av.SecurityTemperature == "" {
		av.SecurityTemperature = domain.TemperatureGC
	}
	if av.Status == "" {
		av.Status = domain.InventoryActive
	}
	if existing != nil {
		av.Version = existing.Version
	}

	if err := e.repo.Save(av); err != nil {
		return err
	}
	e.publish(av)

	// External supply only feeds derived categories for external records.
	if ev.IsExternalSource {
		return e.CalculateInventoryForSecurity(ctx, ev.SecurityIdentifier, ev.BusinessDate)
	}
	return nil
}

// ProcessContractEvent absorbs a contract, then recomputes its security.
func (e *Engine) ProcessContractEvent(ctx context.Context, ev *events.ContractEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	contract := &domain.Contract{
		ContractID:     ev.ContractID,
		Type:           ev.Type,
		SecurityID:     ev.SecurityID,
		Quantity:       ev.Quantity,
		StartDate:      ev.StartDate,
		EndDate:        ev.EndDate,
		CounterpartyID: ev.CounterpartyID,
	}
	if err := e.repo.SaveContract(contract); err != nil {
		return domain.Wrap("inventory.ProcessContractEvent", domain.KindDependency, err)
	}

	return e.CalculateInventoryForSecurity(ctx, ev.SecurityID, domain.Today())
}

// ApplyLocateDecrement consumes locate availability with a compare-and-swap
// on the record version. A concurrent writer gets one retry before the
// failure surfaces as CONFLICT; over-consumption surfaces as VALIDATION.
func (e *Engine) ApplyLocateDecrement(securityID, date string, qty decimal.Decimal) (*domain.InventoryAvailability, error) {
	const op = "inventory.ApplyLocateDecrement"
	if !qty.IsPositive() {
		return nil, domain.E(op, domain.KindValidation, "decrement quantity must be positive")
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		av, err := e.repo.FindInternal(securityID, domain.CalcLocate, date)
		if err != nil {
			return nil, domain.Wrap(op, domain.KindDependency, err)
		}
		if av == nil {
			return nil, domain.E(op, domain.KindNotFound, "no locate availability for "+securityID)
		}

		if av.RemainingQuantity().LessThan(qty) {
			return nil, domain.E(op, domain.KindValidation, "insufficient locate availability for "+securityID)
		}

		av.DecrementQuantity = av.DecrementQuantity.Add(qty)
		if err := e.repo.Save(av); err != nil {
			if domain.IsKind(err, domain.KindConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		e.publish(av)
		return av, nil
	}
	return nil, lastErr
}

// publish emits an INVENTORY_UPDATE for a record.
func (e *Engine) publish(av *domain.InventoryAvailability) {
	e.bus.Emit(domain.EventSource, &events.InventoryUpdateData{Availability: *av})
}

// GetAvailability returns availability records by security and date.
func (e *Engine) GetAvailability(securityID, date string) ([]domain.InventoryAvailability, error) {
	return e.repo.FindBySecurityAndDate(securityID, date)
}

// GetAvailabilityByType returns all records of one category on a date.
func (e *Engine) GetAvailabilityByType(calcType domain.CalculationType, date string) ([]domain.InventoryAvailability, error) {
	return e.repo.FindByTypeAndDate(calcType, date)
}

// GetAllAvailability returns every record on a date.
func (e *Engine) GetAllAvailability(date string) ([]domain.InventoryAvailability, error) {
	return e.repo.FindByDate(date)
}

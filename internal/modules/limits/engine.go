package limits

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/seclend/imscore/internal/domain"
	"github.com/seclend/imscore/internal/events"
	"github.com/seclend/imscore/internal/modules/inventory"
	"github.com/seclend/imscore/internal/modules/positions"
)

// mutexStripes bounds lock granularity for per-(client, security) serialization.
const mutexStripes = 64

// Submitter schedules a named unit of work on the background worker pool.
type Submitter interface {
	Submit(name string, fn func(ctx context.Context) error) error
}

// Engine derives and enforces trading limits. Validation and usage updates
// for the same (client, security) are serialized on a striped mutex; reads
// on the validation hot path go through a small invalidating cache.
type Engine struct {
	repo      *Repository
	positions *positions.Repository
	inventory *inventory.Repository
	bus       *events.Bus
	log       zerolog.Logger

	validationDeadline time.Duration
	submitter          Submitter

	stripes [mutexStripes]sync.Mutex

	cacheMu     sync.RWMutex
	clientCache map[string]*domain.ClientLimit
	auCache     map[string]*domain.AggregationUnitLimit
}

// NewEngine creates a limit engine. submitter may be nil; async recompute
// then degrades to synchronous execution.
func NewEngine(repo *Repository, posRepo *positions.Repository, invRepo *inventory.Repository,
	bus *events.Bus, validationDeadline time.Duration, log zerolog.Logger) *Engine {
	if validationDeadline <= 0 {
		validationDeadline = 150 * time.Millisecond
	}
	return &Engine{
		repo:               repo,
		positions:          posRepo,
		inventory:          invRepo,
		bus:                bus,
		validationDeadline: validationDeadline,
		log:                log.With().Str("engine", "limits").Logger(),
		clientCache:        map[string]*domain.ClientLimit{},
		auCache:            map[string]*domain.AggregationUnitLimit{},
	}
}

// SetSubmitter wires the background worker pool used by async recomputes.
func (e *Engine) SetSubmitter(s Submitter) { e.submitter = s }

func (e *Engine) stripe(clientID, securityID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(securityID))
	return &e.stripes[h.Sum32()%mutexStripes]
}

// auForMarket is the aggregation unit a book's market rolls up to when no
// explicit AU limit was fed. One regulatory unit per market.
func auForMarket(market string) string {
	if market == "" {
		return "AU-GLOBAL"
	}
	return "AU-" + market
}

// CalculateLimits rebuilds client and AU limits for the date from the given
// positions plus current inventory. Existing usage and versions are carried;
// a freshly derived limit never drops below recorded usage.
func (e *Engine) CalculateLimits(ctx context.Context, posList []domain.Position, date string) (int, error) {
	const op = "limits.CalculateLimits"
	if err := ctx.Err(); err != nil {
		return 0, domain.Wrap(op, domain.KindTimeout, err)
	}

	shortSupply := map[string]decimal.Decimal{}
	markets := map[string]string{}

	var clients []domain.ClientLimit
	auAgg := map[string]*domain.AggregationUnitLimit{}

	for i := range posList {
		p := &posList[i]

		supply, ok := shortSupply[p.SecurityID]
		if !ok {
			av, err := e.inventory.FindInternal(p.SecurityID, domain.CalcShortSell, date)
			if err != nil {
				return 0, domain.Wrap(op, domain.KindDependency, err)
			}
			market := ""
			if av != nil {
				supply = av.RemainingQuantity()
				market = av.Market
			}
			shortSupply[p.SecurityID] = supply
			markets[p.SecurityID] = market
		}

		limit := domain.ClientLimit{
			ClientID: p.BookID,
			LimitCore: domain.LimitCore{
				SecurityID:     p.SecurityID,
				BusinessDate:   date,
				LongSellLimit:  decimal.Max(decimal.Zero, p.SettledPlusDayZero()),
				ShortSellLimit: decimal.Max(decimal.Zero, shortSupply[p.SecurityID]),
				LimitType:      domain.LimitInternal,
				Market:         markets[p.SecurityID],
				Status:         domain.LimitActive,
			},
		}

		existing, err := e.repo.FindClientLimit(limit.ClientID, limit.SecurityID, date)
		if err != nil {
			return 0, domain.Wrap(op, domain.KindDependency, err)
		}
		if existing != nil {
			limit.LongSellUsed = existing.LongSellUsed
			limit.ShortSellUsed = existing.ShortSellUsed
			limit.Currency = existing.Currency
			limit.Version = existing.Version
			// Usage already granted stays within bounds.
			limit.LongSellLimit = decimal.Max(limit.LongSellLimit, limit.LongSellUsed)
			limit.ShortSellLimit = decimal.Max(limit.ShortSellLimit, limit.ShortSellUsed)
		}
		clients = append(clients, limit)

		auID := auForMarket(limit.Market)
		agg, ok := auAgg[auID+"|"+p.SecurityID]
		if !ok {
			agg = &domain.AggregationUnitLimit{
				AggregationUnitID: auID,
				LimitCore: domain.LimitCore{
					SecurityID:   p.SecurityID,
					BusinessDate: date,
					LimitType:    domain.LimitRegulatory,
					Market:       limit.Market,
					Status:       domain.LimitActive,
				},
			}
			auAgg[auID+"|"+p.SecurityID] = agg
		}
		agg.LongSellLimit = agg.LongSellLimit.Add(limit.LongSellLimit)
		agg.ShortSellLimit = agg.ShortSellLimit.Add(limit.ShortSellLimit)
	}

	var aus []domain.AggregationUnitLimit
	for _, agg := range auAgg {
		existing, err := e.repo.FindAULimit(agg.AggregationUnitID, agg.SecurityID, date)
		if err != nil {
			return 0, domain.Wrap(op, domain.KindDependency, err)
		}
		if existing != nil {
			agg.LongSellUsed = existing.LongSellUsed
			agg.ShortSellUsed = existing.ShortSellUsed
			agg.Currency = existing.Currency
			agg.MarketSpecificRules = existing.MarketSpecificRules
			agg.Version = existing.Version
			agg.LongSellLimit = decimal.Max(agg.LongSellLimit, agg.LongSellUsed)
			agg.ShortSellLimit = decimal.Max(agg.ShortSellLimit, agg.ShortSellUsed)
		}
		aus = append(aus, *agg)
	}

	if err := e.repo.SaveAll(clients, aus); err != nil {
		return 0, err
	}
	e.invalidateCache()

	for i := range clients {
		e.publishClient(&clients[i])
	}
	for i := range aus {
		e.publishAU(&aus[i])
	}

	e.log.Info().Str("date", date).
		Int("client_limits", len(clients)).
		Int("au_limits", len(aus)).
		Msg("Limits recalculated")
	return len(clients) + len(aus), nil
}

// CalculateLimitsAsync schedules CalculateLimits on the worker pool. Without
// a wired submitter it runs inline.
func (e *Engine) CalculateLimitsAsync(posList []domain.Position, date string) error {
	run := func(ctx context.Context) error {
		_, err := e.CalculateLimits(ctx, posList, date)
		return err
	}
	if e.submitter == nil {
		return run(context.Background())
	}
	return e.submitter.Submit("limits:recalculate", run)
}

// ValidateOrderAgainstLimits answers whether an order fits inside BOTH the
// client limit and the AU limit, under the validation deadline. Both limits
// must exist; validation of an unknown limit key is NOT_FOUND.
func (e *Engine) ValidateOrderAgainstLimits(ctx context.Context, clientID, auID, securityID string,
	orderType domain.OrderType, qty decimal.Decimal) (bool, error) {
	const op = "limits.ValidateOrderAgainstLimits"

	if !qty.IsPositive() {
		return false, domain.E(op, domain.KindValidation, "order quantity must be positive")
	}

	ctx, cancel := context.WithTimeout(ctx, e.validationDeadline)
	defer cancel()

	mu := e.stripe(clientID, securityID)
	mu.Lock()
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		return false, domain.Wrap(op, domain.KindTimeout, err)
	}

	client, au, err := e.loadPair(clientID, auID, securityID, domain.Today())
	if err != nil {
		return false, err
	}

	if err := ctx.Err(); err != nil {
		return false, domain.Wrap(op, domain.KindTimeout, err)
	}

	ok := client.CanAccept(orderType, qty) && au.CanAccept(orderType, qty)
	e.log.Debug().
		Str("client_id", clientID).
		Str("au_id", auID).
		Str("security_id", securityID).
		Str("order_type", string(orderType)).
		Str("qty", qty.String()).
		Bool("accepted", ok).
		Msg("Order validated against limits")
	return ok, nil
}

// UpdateLimitUsage atomically consumes headroom on both limits after an
// executed order. Usage never exceeds either limit; insufficient headroom is
// VALIDATION. A concurrent write gets one retry before CONFLICT surfaces.
func (e *Engine) UpdateLimitUsage(clientID, auID, securityID string,
	orderType domain.OrderType, qty decimal.Decimal) error {
	const op = "limits.UpdateLimitUsage"

	if !qty.IsPositive() {
		return domain.E(op, domain.KindValidation, "usage quantity must be positive")
	}

	mu := e.stripe(clientID, securityID)
	mu.Lock()
	defer mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		client, au, err := e.loadPair(clientID, auID, securityID, domain.Today())
		if err != nil {
			return err
		}

		if !client.CanAccept(orderType, qty) || !au.CanAccept(orderType, qty) {
			return domain.E(op, domain.KindValidation, "insufficient limit headroom for "+securityID)
		}

		client.ApplyUsage(orderType, qty)
		au.ApplyUsage(orderType, qty)

		err = e.repo.SaveAll([]domain.ClientLimit{*client}, []domain.AggregationUnitLimit{*au})
		if err != nil {
			if domain.IsKind(err, domain.KindConflict) {
				lastErr = err
				e.invalidateCache()
				continue
			}
			return err
		}

		client.Version++
		au.Version++
		e.invalidateCache()
		e.publishClient(client)
		e.publishAU(au)
		return nil
	}
	return lastErr
}

// ApplyMarketSpecificRules applies regulatory adjustments to AU limits in a
// market and republishes them. TW: borrowed stock cannot be re-lent, so the
// borrowed long quantity comes off the short-sell limit.
func (e *Engine) ApplyMarketSpecificRules(market, date string) (int, error) {
	const op = "limits.ApplyMarketSpecificRules"

	if market != domain.MarketTaiwan {
		return 0, nil
	}

	aus, err := e.repo.FindAULimitsByMarket(market, date)
	if err != nil {
		return 0, domain.Wrap(op, domain.KindDependency, err)
	}

	adjusted := 0
	for i := range aus {
		au := &aus[i]
		if hasRuleTag(au.MarketSpecificRules, ruleTagTWNoRelend) {
			continue
		}

		borrowed, err := e.borrowedLongQuantity(au.SecurityID, date)
		if err != nil {
			return adjusted, err
		}
		if !borrowed.IsPositive() {
			continue
		}

		au.ShortSellLimit = decimal.Max(au.ShortSellUsed, au.ShortSellLimit.Sub(borrowed))
		au.MarketSpecificRules = appendRuleTag(au.MarketSpecificRules, ruleTagTWNoRelend)
		if err := e.repo.SaveAULimit(au); err != nil {
			return adjusted, err
		}
		e.publishAU(au)
		adjusted++
	}

	if adjusted > 0 {
		e.invalidateCache()
		e.log.Info().Str("market", market).Int("adjusted", adjusted).Msg("Market-specific limit rules applied")
	}
	return adjusted, nil
}

// RecalculateLimits drops the cache and rebuilds from today's positions.
func (e *Engine) RecalculateLimits(ctx context.Context, date string) (int, error) {
	e.invalidateCache()

	posList, err := e.positions.FindByDate(date)
	if err != nil {
		return 0, domain.Wrap("limits.RecalculateLimits", domain.KindDependency, err)
	}
	return e.CalculateLimits(ctx, posList, date)
}

// GetClientLimit returns one client limit; NOT_FOUND when absent.
func (e *Engine) GetClientLimit(clientID, securityID, date string) (*domain.ClientLimit, error) {
	limit, err := e.repo.FindClientLimit(clientID, securityID, date)
	if err != nil {
		return nil, domain.Wrap("limits.GetClientLimit", domain.KindDependency, err)
	}
	if limit == nil {
		return nil, domain.E("limits.GetClientLimit", domain.KindNotFound,
			"no client limit for "+clientID+"/"+securityID)
	}
	return limit, nil
}

// GetAULimit returns one AU limit; NOT_FOUND when absent.
func (e *Engine) GetAULimit(auID, securityID, date string) (*domain.AggregationUnitLimit, error) {
	limit, err := e.repo.FindAULimit(auID, securityID, date)
	if err != nil {
		return nil, domain.Wrap("limits.GetAULimit", domain.KindDependency, err)
	}
	if limit == nil {
		return nil, domain.E("limits.GetAULimit", domain.KindNotFound,
			"no AU limit for "+auID+"/"+securityID)
	}
	return limit, nil
}

// GetLimitsByDate returns all limits of both kinds on a date.
func (e *Engine) GetLimitsByDate(date string) ([]domain.ClientLimit, []domain.AggregationUnitLimit, error) {
	clients, err := e.repo.FindClientLimitsByDate(date)
	if err != nil {
		return nil, nil, domain.Wrap("limits.GetLimitsByDate", domain.KindDependency, err)
	}
	aus, err := e.repo.FindAULimitsByDate(date)
	if err != nil {
		return nil, nil, domain.Wrap("limits.GetLimitsByDate", domain.KindDependency, err)
	}
	return clients, aus, nil
}

// loadPair reads the client and AU limits backing one validation, through
// the cache.
func (e *Engine) loadPair(clientID, auID, securityID, date string) (*domain.ClientLimit, *domain.AggregationUnitLimit, error) {
	const op = "limits.loadPair"
	clientKey := "c|" + clientID + "|" + securityID + "|" + date
	auKey := "a|" + auID + "|" + securityID + "|" + date

	e.cacheMu.RLock()
	client := e.clientCache[clientKey]
	au := e.auCache[auKey]
	e.cacheMu.RUnlock()

	if client == nil {
		var err error
		client, err = e.repo.FindClientLimit(clientID, securityID, date)
		if err != nil {
			return nil, nil, domain.Wrap(op, domain.KindDependency, err)
		}
		if client == nil {
			return nil, nil, domain.E(op, domain.KindNotFound, "no client limit for "+clientID+"/"+securityID)
		}
	}
	if au == nil {
		var err error
		au, err = e.repo.FindAULimit(auID, securityID, date)
		if err != nil {
			return nil, nil, domain.Wrap(op, domain.KindDependency, err)
		}
		if au == nil {
			return nil, nil, domain.E(op, domain.KindNotFound, "no AU limit for "+auID+"/"+securityID)
		}
	}

	e.cacheMu.Lock()
	e.clientCache[clientKey] = client
	e.auCache[auKey] = au
	e.cacheMu.Unlock()

	c, a := *client, *au
	return &c, &a, nil
}

func (e *Engine) invalidateCache() {
	e.cacheMu.Lock()
	e.clientCache = map[string]*domain.ClientLimit{}
	e.auCache = map[string]*domain.AggregationUnitLimit{}
	e.cacheMu.Unlock()
}

func (e *Engine) publishClient(limit *domain.ClientLimit) {
	e.bus.Emit(domain.EventSource, &events.ClientLimitUpdateData{Limit: *limit})
}

func (e *Engine) publishAU(limit *domain.AggregationUnitLimit) {
	e.bus.Emit(domain.EventSource, &events.AULimitUpdateData{Limit: *limit})
}

// borrowedLongQuantity sums borrowed long holdings of a security, the
// quantity TW regulation bars from re-lending.
func (e *Engine) borrowedLongQuantity(securityID, date string) (decimal.Decimal, error) {
	posList, err := e.positions.FindBySecurityAndDate(securityID, date)
	if err != nil {
		return decimal.Zero, domain.Wrap("limits.borrowedLongQuantity", domain.KindDependency, err)
	}
	total := decimal.Zero
	for i := range posList {
		if posList[i].IsBorrowed && posList[i].CurrentNetPosition.IsPositive() {
			total = total.Add(posList[i].CurrentNetPosition)
		}
	}
	return total, nil
}

const ruleTagTWNoRelend = "TW_NO_RELEND"

func hasRuleTag(csv, tag string) bool {
	for _, t := range strings.Split(csv, ",") {
		if strings.TrimSpace(t) == tag {
			return true
		}
	}
	return false
}

func appendRuleTag(csv, tag string) string {
	if csv == "" {
		return tag
	}
	return csv + "," + tag
}

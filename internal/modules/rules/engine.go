package rules

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/seclend/imscore/internal/domain"
	"github.com/seclend/imscore/internal/events"
)

// Verdict is the outcome of evaluating a rule set, carrying the provenance
// the derived entities record.
type Verdict struct {
	Included    bool
	RuleID      string
	RuleVersion int64
}

// snapshot is an immutable view of the active rule set. Readers load it
// atomically and never see a half-built cache; writers rebuild a fresh one
// and swap it in.
type snapshot struct {
	active       []domain.CalculationRule
	byTypeMarket map[string][]domain.CalculationRule
	builtAt      time.Time
}

// Engine holds versioned calculation rules and evaluates them against
// attribute contexts. The active-rule cache is read-mostly with
// copy-on-write snapshots; create/update invalidate explicitly.
type Engine struct {
	repo *Repository
	bus  *events.Bus
	log  zerolog.Logger

	snap     atomic.Pointer[snapshot]
	buildMu  sync.Mutex
	cacheTTL time.Duration
}

// NewEngine creates a rule engine.
func NewEngine(repo *Repository, bus *events.Bus, log zerolog.Logger) *Engine {
	return &Engine{
		repo: repo,
		bus:  bus,
		log:  log.With().Str("engine", "rules").Logger(),
	}
}

// SetCacheTTL bounds the snapshot age. Zero keeps the default: no expiry,
// explicit invalidation only.
func (e *Engine) SetCacheTTL(ttl time.Duration) {
	e.cacheTTL = ttl
}

// GetActiveRules returns every ACTIVE rule effective on the given date.
func (e *Engine) GetActiveRules(date string) ([]domain.CalculationRule, error) {
	snap, err := e.currentSnapshot()
	if err != nil {
		return nil, err
	}

	var out []domain.CalculationRule
	for _, rule := range snap.active {
		if rule.IsEffective(date) {
			out = append(out, rule)
		}
	}
	return out, nil
}

// GetActiveRulesByTypeAndMarket filters active rules by type and market.
// GLOBAL rules are always included.
func (e *Engine) GetActiveRulesByTypeAndMarket(ruleType domain.RuleType, market, date string) ([]domain.CalculationRule, error) {
	snap, err := e.currentSnapshot()
	if err != nil {
		return nil, err
	}

	var out []domain.CalculationRule
	for _, key := range []string{cacheKey(ruleType, market), cacheKey(ruleType, domain.MarketGlobal)} {
		for _, rule := range snap.byTypeMarket[key] {
			if rule.IsEffective(date) {
				out = append(out, rule)
			}
		}
		if market == domain.MarketGlobal {
			break
		}
	}
	sortRules(out)
	return out, nil
}

// GetRule returns a rule by ID, or nil when absent.
func (e *Engine) GetRule(id string) (*domain.CalculationRule, error) {
	return e.repo.GetByID(id)
}

// DeleteRule removes a rule and invalidates the cache.
func (e *Engine) DeleteRule(id string) error {
	if err := e.repo.Delete(id); err != nil {
		return err
	}
	e.InvalidateCache()
	return nil
}

// CreateRule validates and persists a new rule, then invalidates the cache.
func (e *Engine) CreateRule(rule *domain.CalculationRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if rule.Status == "" {
		rule.Status = domain.RuleDraft
	}
	if err := e.repo.Create(rule); err != nil {
		return err
	}

	e.InvalidateCache()
	e.bus.Emit(domain.EventSource, &events.RuleChangedData{
		RuleID:   rule.ID,
		RuleType: rule.RuleType,
		Market:   rule.Market,
		Version:  rule.Version,
		Action:   "created",
	})
	return nil
}

// UpdateRule validates and rewrites a rule, incrementing its version, then
// invalidates the cache.
func (e *Engine) UpdateRule(rule *domain.CalculationRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if err := e.repo.Update(rule); err != nil {
		return err
	}

	e.InvalidateCache()
	e.bus.Emit(domain.EventSource, &events.RuleChangedData{
		RuleID:   rule.ID,
		RuleType: rule.RuleType,
		Market:   rule.Market,
		Version:  rule.Version,
		Action:   "updated",
	})
	return nil
}

// EvaluateRules returns true iff any INCLUDE rule matches (or none exist)
// and no EXCLUDE rule matches. Pure: same rules and context always yield
// the same verdict. Rules must already be sorted; malformed rules simply
// do not match.
func (e *Engine) EvaluateRules(rs []domain.CalculationRule, ctx Context) Verdict {
	verdict := Verdict{}

	hasInclude := false
	includeMatched := false
	for i := range rs {
		rule := &rs[i]
		switch rule.RuleType {
		case domain.RuleInclude:
			hasInclude = true
			if !includeMatched && ruleMatches(rule, ctx) {
				includeMatched = true
				verdict.RuleID = rule.ID
				verdict.RuleVersion = rule.Version
			}
		case domain.RuleExclude:
			if ruleMatches(rule, ctx) {
				return Verdict{Included: false, RuleID: rule.ID, RuleVersion: rule.Version}
			}
		}
	}

	verdict.Included = !hasInclude || includeMatched
	return verdict
}

// EvaluateRulesByTypeAndMarket applies market context adjustments, then
// evaluates the active rules for (ruleType, market) on the given date.
func (e *Engine) EvaluateRulesByTypeAndMarket(ruleType domain.RuleType, market, date string, ctx Context) (Verdict, error) {
	rs, err := e.GetActiveRulesByTypeAndMarket(ruleType, market, date)
	if err != nil {
		return Verdict{}, err
	}
	adjusted := e.ApplyMarketSpecificRuleAdjustments(market, ctx)
	return e.EvaluateRules(rs, adjusted), nil
}

// ApplyMarketSpecificRuleAdjustments returns a copy of the context with
// regulatory adjustments applied:
//
//   - TW: borrowed shares may not be re-lent, so isBorrowed forces
//     canBeLent = false.
//   - JP: SLAB activity after the cutoff settles a day later; quanto
//     structures settle T+2 even when fed as T+1.
func (e *Engine) ApplyMarketSpecificRuleAdjustments(market string, ctx Context) Context {
	switch market {
	case domain.MarketTaiwan:
		if ctx.Bool(AttrIsBorrowed) {
			adjusted := ctx.Clone()
			adjusted[AttrCanBeLent] = false
			return adjusted
		}
	case domain.MarketJapan:
		adjusted := ctx
		cloned := false
		clone := func() {
			if !cloned {
				adjusted = ctx.Clone()
				cloned = true
			}
		}
		if ctx.String(AttrActivityType) == ActivitySLAB && !ctx.Bool(AttrIsBeforeJapanCutoff) {
			clone()
			adjusted[AttrEffectiveSettlementDay] = ctx.Int(AttrEffectiveSettlementDay) + 1
		}
		if ctx.Bool(AttrIsQuanto) && ctx.Int(AttrSettlementDays) == 1 {
			clone()
			adjusted[AttrSettlementDays] = 2
		}
		return adjusted
	}
	return ctx
}

// InvalidateCache drops the rule snapshot; the next read rebuilds it.
func (e *Engine) InvalidateCache() {
	e.snap.Store(nil)
	e.log.Debug().Msg("Rule cache invalidated")
}

func (e *Engine) currentSnapshot() (*snapshot, error) {
	if snap := e.snap.Load(); snap != nil && !e.expired(snap) {
		return snap, nil
	}

	e.buildMu.Lock()
	defer e.buildMu.Unlock()
	if snap := e.snap.Load(); snap != nil && !e.expired(snap) {
		return snap, nil
	}

	active, err := e.repo.FindByStatus(domain.RuleActive)
	if err != nil {
		return nil, domain.Wrap("rules.snapshot", domain.KindDependency, err)
	}
	sortRules(active)

	snap := &snapshot{
		active:       active,
		byTypeMarket: make(map[string][]domain.CalculationRule),
		builtAt:      time.Now(),
	}
	for _, rule := range active {
		key := cacheKey(rule.RuleType, rule.Market)
		snap.byTypeMarket[key] = append(snap.byTypeMarket[key], rule)
	}

	e.snap.Store(snap)
	e.log.Debug().Int("active_rules", len(active)).Msg("Rule cache rebuilt")
	return snap, nil
}

func (e *Engine) expired(snap *snapshot) bool {
	return e.cacheTTL > 0 && time.Since(snap.builtAt) > e.cacheTTL
}

func cacheKey(ruleType domain.RuleType, market string) string {
	return string(ruleType) + "|" + market
}

func validateRule(rule *domain.CalculationRule) error {
	const op = "rules.validate"
	switch {
	case rule.ID == "":
		return domain.E(op, domain.KindValidation, "id is required")
	case rule.Name == "":
		return domain.E(op, domain.KindValidation, "name is required")
	case rule.RuleType == "":
		return domain.E(op, domain.KindValidation, "ruleType is required")
	case rule.Market == "":
		return domain.E(op, domain.KindValidation, "market is required")
	case rule.EffectiveDate == "":
		return domain.E(op, domain.KindValidation, "effectiveDate is required")
	case len(rule.Conditions) == 0:
		return domain.E(op, domain.KindValidation, "at least one condition is required")
	}
	switch rule.RuleType {
	case domain.RuleInclude, domain.RuleExclude, domain.RuleAdjust, domain.RuleValidate:
	default:
		return domain.E(op, domain.KindValidation, fmt.Sprintf("invalid ruleType %q", rule.RuleType))
	}
	return nil
}

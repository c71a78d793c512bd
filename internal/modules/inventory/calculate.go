package inventory

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/seclend/imscore/internal/domain"
	"github.com/seclend/imscore/internal/modules/rules"
)

// calcInput is everything one security's recompute reads. Loaded once so
// all six categories derive from the same snapshot.
type calcInput struct {
	securityID string
	date       string
	security   *domain.Security
	market     string
	active     bool
	positions  []domain.Position
	contracts  []domain.Contract

	beforeJPCutoff bool
}

// CalculateInventoryForSecurity recomputes all six availability categories
// for one security and date. Recomputing with identical inputs yields
// identical outputs (modulo version and lastModifiedAt): locate decrements
// are carried over from the existing records, not reset.
func (e *Engine) CalculateInventoryForSecurity(ctx context.Context, securityID, date string) error {
	const op = "inventory.CalculateInventoryForSecurity"
	if err := ctx.Err(); err != nil {
		return domain.Wrap(op, domain.KindTimeout, err)
	}

	in, err := e.loadInput(securityID, date)
	if err != nil {
		return err
	}

	forLoan, err := e.calcForLoan(in)
	if err != nil {
		return err
	}
	forPledge, err := e.calcForPledge(in)
	if err != nil {
		return err
	}
	shortSell, err := e.calcShortSell(in, forLoan)
	if err != nil {
		return err
	}
	longSell := e.calcLongSell(in)
	locate, err := e.calcLocate(in, forLoan)
	if err != nil {
		return err
	}
	overborrow := e.calcOverborrow(in)

	for _, av := range []*domain.InventoryAvailability{forLoan, forPledge, shortSell, longSell, locate, overborrow} {
		if err := e.upsertInternal(av); err != nil {
			return err
		}
		e.publish(av)
	}

	e.log.Debug().
		Str("security_id", securityID).
		Str("date", date).
		Str("for_loan", forLoan.AvailableQuantity.String()).
		Str("short_sell", shortSell.AvailableQuantity.String()).
		Msg("Inventory recomputed")
	return nil
}

func (e *Engine) loadInput(securityID, date string) (*calcInput, error) {
	const op = "inventory.loadInput"

	sec, err := e.securities.GetByID(securityID)
	if err != nil {
		return nil, domain.Wrap(op, domain.KindDependency, err)
	}

	posList, err := e.positions.FindBySecurityAndDate(securityID, date)
	if err != nil {
		return nil, domain.Wrap(op, domain.KindDependency, err)
	}

	contracts, err := e.repo.FindContractsBySecurity(securityID)
	if err != nil {
		return nil, domain.Wrap(op, domain.KindDependency, err)
	}

	in := &calcInput{
		securityID:     securityID,
		date:           date,
		security:       sec,
		positions:      posList,
		contracts:      contracts,
		beforeJPCutoff: e.isBeforeJapanCutoff(),
	}
	if sec != nil {
		in.market = sec.Market
		in.active = sec.IsActive()
	}
	return in, nil
}

// positionContext builds the rule-evaluation context for one position.
func (in *calcInput) positionContext(p *domain.Position) rules.Context {
	ctx := rules.Context{
		rules.AttrMarket:              in.market,
		rules.AttrIsBorrowed:          p.IsBorrowed,
		rules.AttrCanBeLent:           true,
		rules.AttrIsBeforeJapanCutoff: in.beforeJPCutoff,
		"bookId":                      p.BookID,
		"securityId":                  p.SecurityID,
		"isHypothecatable":            p.IsHypothecatable,
		"isReserved":                  p.IsReserved,
		"isPayToHold":                 p.IsPayToHold,
		"isStartOfDay":                p.IsStartOfDay,
		"currentNetPosition":          p.CurrentNetPosition,
		"projectedNetPosition":        p.ProjectedNetPosition,
	}
	if in.security != nil {
		ctx["securityType"] = string(in.security.Type)
		ctx["securityStatus"] = string(in.security.Status)
	}
	return ctx
}

// rulesForCategory returns the active INCLUDE and EXCLUDE rules scoped to
// one availability category. A rule binds to a category through an action
// parameter "category"; rules without one apply to every category.
func (e *Engine) rulesForCategory(cat domain.CalculationType, market, date string) ([]domain.CalculationRule, error) {
	var out []domain.CalculationRule
	for _, ruleType := range []domain.RuleType{domain.RuleInclude, domain.RuleExclude} {
		rs, err := e.rules.GetActiveRulesByTypeAndMarket(ruleType, market, date)
		if err != nil {
			return nil, err
		}
		for _, rule := range rs {
			if ruleCoversCategory(&rule, cat) {
				out = append(out, rule)
			}
		}
	}
	return out, nil
}

func ruleCoversCategory(rule *domain.CalculationRule, cat domain.CalculationType) bool {
	scoped := false
	for _, action := range rule.Actions {
		c, ok := action.Parameters["category"]
		if !ok {
			continue
		}
		scoped = true
		if c == string(cat) {
			return true
		}
	}
	return !scoped
}

// includePosition applies market adjustments and the category rule set to
// one position. The adjusted canBeLent attribute is honored as a hard
// block independent of configured rules (the Taiwan no-relend case).
func (e *Engine) includePosition(in *calcInput, p *domain.Position, rs []domain.CalculationRule, honorCanBeLent bool) (rules.Verdict, bool) {
	ctx := e.rules.ApplyMarketSpecificRuleAdjustments(in.market, in.positionContext(p))
	if honorCanBeLent {
		if v, ok := ctx[rules.AttrCanBeLent].(bool); ok && !v {
			return rules.Verdict{}, false
		}
	}
	verdict := e.rules.EvaluateRules(rs, ctx)
	return verdict, verdict.Included
}

func (e *Engine) newRecord(in *calcInput, cat domain.CalculationType) *domain.InventoryAvailability {
	return &domain.InventoryAvailability{
		SecurityID:          in.securityID,
		CalculationType:     cat,
		BusinessDate:        in.date,
		Market:              in.market,
		SecurityTemperature: domain.TemperatureGC,
		Status:              domain.InventoryActive,
	}
}

// calcForLoan derives lendable supply:
//
//	+ hypothecatable long positions passing the FOR_LOAN rules
//	+ repo-pledged assets released by contracts maturing on or before today
//	+ external borrow supply under open contracts
//	- SLAB-lent quantity (a JP SLAB starting today after the cutoff is
//	  accounted tomorrow, not today)
//	- collateral still pledged under open repo contracts
//	- capacity reserved under pay-to-hold contracts
func (e *Engine) calcForLoan(in *calcInput) (*domain.InventoryAvailability, error) {
	av := e.newRecord(in, domain.CalcForLoan)
	if !in.active {
		return av, nil
	}

	rs, err := e.rulesForCategory(domain.CalcForLoan, in.market, in.date)
	if err != nil {
		return nil, err
	}

	gross, neg, reserved := decimal.Zero, decimal.Zero, decimal.Zero
	for i := range in.positions {
		p := &in.positions[i]
		verdict, ok := e.includePosition(in, p, rs, true)
		if !ok {
			continue
		}
		if av.CalculationRuleID == "" && verdict.RuleID != "" {
			av.CalculationRuleID = verdict.RuleID
			av.CalculationRuleVersion = verdict.RuleVersion
		}
		if p.IsHypothecatable && p.CurrentNetPosition.IsPositive() {
			if p.IsReserved {
				reserved = reserved.Add(p.CurrentNetPosition)
			} else {
				gross = gross.Add(p.CurrentNetPosition)
			}
		}
	}

	for i := range in.contracts {
		c := &in.contracts[i]
		switch c.Type {
		case domain.ContractRepo:
			if c.MaturesBy(in.date) {
				gross = gross.Add(c.Quantity)
			} else if c.IsOpen(in.date) {
				neg = neg.Add(c.Quantity)
			}
		case domain.ContractSLAB:
			if !c.IsOpen(in.date) {
				continue
			}
			if in.market == domain.MarketJapan && !in.beforeJPCutoff && c.StartDate == in.date {
				// Accounted at sd1 under the cutoff shift.
				continue
			}
			neg = neg.Add(c.Quantity)
		case domain.ContractPayToHold:
			if c.IsOpen(in.date) {
				neg = neg.Add(c.Quantity)
			}
		case domain.ContractExternalBorrow:
			if c.IsOpen(in.date) {
				gross = gross.Add(c.Quantity)
			}
		}
	}

	av.GrossQuantity = gross
	av.NetQuantity = gross.Sub(neg)
	av.ReservedQuantity = reserved
	av.AvailableQuantity = decimal.Max(decimal.Zero, av.NetQuantity)
	return av, nil
}

// calcForPledge sums non-reserved long positions passing the FOR_PLEDGE
// rules, minus collateral already pledged under open repo contracts.
func (e *Engine) calcForPledge(in *calcInput) (*domain.InventoryAvailability, error) {
	av := e.newRecord(in, domain.CalcForPledge)
	if !in.active {
		return av, nil
	}

	rs, err := e.rulesForCategory(domain.CalcForPledge, in.market, in.date)
	if err != nil {
		return nil, err
	}

	gross, pledged := decimal.Zero, decimal.Zero
	for i := range in.positions {
		p := &in.positions[i]
		if p.IsReserved || !p.CurrentNetPosition.IsPositive() {
			continue
		}
		verdict, ok := e.includePosition(in, p, rs, false)
		if !ok {
			continue
		}
		if av.CalculationRuleID == "" && verdict.RuleID != "" {
			av.CalculationRuleID = verdict.RuleID
			av.CalculationRuleVersion = verdict.RuleVersion
		}
		gross = gross.Add(p.CurrentNetPosition)
	}

	for i := range in.contracts {
		c := &in.contracts[i]
		if c.Type == domain.ContractRepo && c.IsOpen(in.date) && !c.MaturesBy(in.date) {
			pledged = pledged.Add(c.Quantity)
		}
	}

	av.GrossQuantity = gross
	av.NetQuantity = gross.Sub(pledged)
	av.AvailableQuantity = decimal.Max(decimal.Zero, av.NetQuantity)
	return av, nil
}

// calcShortSell is internal FOR_LOAN supply net of locate decrements, plus
// external availability, minus reserved.
func (e *Engine) calcShortSell(in *calcInput, forLoan *domain.InventoryAvailability) (*domain.InventoryAvailability, error) {
	av := e.newRecord(in, domain.CalcShortSell)
	if !in.active {
		return av, nil
	}

	internal := forLoan.AvailableQuantity.Sub(e.carriedDecrement(in, domain.CalcLocate))

	external := decimal.Zero
	externals, err := e.repo.FindExternal(in.securityID, domain.CalcShortSell, in.date)
	if err != nil {
		return nil, domain.Wrap("inventory.calcShortSell", domain.KindDependency, err)
	}
	for i := range externals {
		if externals[i].Status == domain.InventoryActive {
			external = external.Add(externals[i].AvailableQuantity)
		}
	}

	av.GrossQuantity = internal.Add(external)
	av.ReservedQuantity = forLoan.ReservedQuantity
	av.NetQuantity = av.GrossQuantity.Sub(av.ReservedQuantity)
	av.AvailableQuantity = decimal.Max(decimal.Zero, av.NetQuantity)
	return av, nil
}

// calcLongSell is settled + sd0 receipts - sd0 deliveries per long holding,
// floored at zero. Contracts and rules do not apply.
func (e *Engine) calcLongSell(in *calcInput) *domain.InventoryAvailability {
	av := e.newRecord(in, domain.CalcLongSell)
	if !in.active {
		return av
	}

	gross := decimal.Zero
	for i := range in.positions {
		gross = gross.Add(decimal.Max(decimal.Zero, in.positions[i].SettledPlusDayZero()))
	}

	av.GrossQuantity = gross
	av.NetQuantity = gross
	av.AvailableQuantity = gross
	return av
}

// calcLocate is FOR_LOAN supply plus approved external locate sources.
// Consumption by approved locates lives in the carried decrement.
func (e *Engine) calcLocate(in *calcInput, forLoan *domain.InventoryAvailability) (*domain.InventoryAvailability, error) {
	av := e.newRecord(in, domain.CalcLocate)
	if !in.active {
		return av, nil
	}

	external := decimal.Zero
	externals, err := e.repo.FindExternal(in.securityID, domain.CalcLocate, in.date)
	if err != nil {
		return nil, domain.Wrap("inventory.calcLocate", domain.KindDependency, err)
	}
	for i := range externals {
		if externals[i].Status == domain.InventoryActive {
			external = external.Add(externals[i].AvailableQuantity)
		}
	}

	av.GrossQuantity = forLoan.AvailableQuantity.Add(external)
	av.NetQuantity = av.GrossQuantity
	av.AvailableQuantity = av.GrossQuantity
	return av, nil
}

// calcOverborrow flags borrow supply in excess of short-cover demand:
// max(0, borrowed - requiredToCoverShort - payToHold). Required cover is
// summed from the date's short positions, not from the SHORT_SELL record,
// which measures supply.
func (e *Engine) calcOverborrow(in *calcInput) *domain.InventoryAvailability {
	av := e.newRecord(in, domain.CalcOverborrow)
	if !in.active {
		return av
	}

	borrowed := decimal.Zero
	payToHold := decimal.Zero
	for i := range in.contracts {
		c := &in.contracts[i]
		if !c.IsOpen(in.date) {
			continue
		}
		switch c.Type {
		case domain.ContractExternalBorrow:
			borrowed = borrowed.Add(c.Quantity)
		case domain.ContractPayToHold:
			payToHold = payToHold.Add(c.Quantity)
		}
	}

	required := decimal.Zero
	for i := range in.positions {
		p := &in.positions[i]
		if p.IsPayToHold {
			continue
		}
		if p.CurrentNetPosition.IsNegative() {
			required = required.Add(p.CurrentNetPosition.Neg())
		}
	}

	over := decimal.Max(decimal.Zero, borrowed.Sub(required).Sub(payToHold))

	av.GrossQuantity = borrowed
	av.NetQuantity = over
	av.AvailableQuantity = over
	av.OverborrowQuantity = over
	av.IsOverborrowed = over.IsPositive()
	return av
}

// carriedDecrement reads the locate consumption already recorded on the
// existing internal record so recomputes do not resurrect consumed supply.
func (e *Engine) carriedDecrement(in *calcInput, cat domain.CalculationType) decimal.Decimal {
	existing, err := e.repo.FindInternal(in.securityID, cat, in.date)
	if err != nil || existing == nil {
		return decimal.Zero
	}
	return existing.DecrementQuantity
}

// upsertInternal writes a recomputed record, carrying version and locate
// decrement from the stored one.
func (e *Engine) upsertInternal(av *domain.InventoryAvailability) error {
	existing, err := e.repo.FindInternal(av.SecurityID, av.CalculationType, av.BusinessDate)
	if err != nil {
		return domain.Wrap("inventory.upsert", domain.KindDependency, err)
	}
	if existing != nil {
		av.Version = existing.Version
		av.DecrementQuantity = existing.DecrementQuantity
		if existing.SecurityTemperature != "" {
			av.SecurityTemperature = existing.SecurityTemperature
		}
		av.BorrowRate = existing.BorrowRate
	}

	err = e.repo.Save(av)
	if domain.IsKind(err, domain.KindConflict) {
		// Concurrent decrement; reload and retry once.
		existing, ferr := e.repo.FindInternal(av.SecurityID, av.CalculationType, av.BusinessDate)
		if ferr != nil || existing == nil {
			return err
		}
		av.Version = existing.Version
		av.DecrementQuantity = existing.DecrementQuantity
		err = e.repo.Save(av)
	}
	return err
}

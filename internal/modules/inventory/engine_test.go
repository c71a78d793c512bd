package inventory

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seclend/imscore/internal/database"
	"github.com/seclend/imscore/internal/domain"
	"github.com/seclend/imscore/internal/events"
	"github.com/seclend/imscore/internal/modules/positions"
	"github.com/seclend/imscore/internal/modules/rules"
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

type testEnv struct {
	engine     *Engine
	repo       *Repository
	positions  *positions.Repository
	securities *securities.Repository
	rules      *rules.Engine
	bus        *events.Bus
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	invDB := newTestDB(t, "inventory")
	posDB := newTestDB(t, "positions")
	refDB := newTestDB(t, "refdata")
	rulesDB := newTestDB(t, "rules")

	log := zerolog.Nop()
	bus := events.NewBus(log)

	repo := NewRepository(invDB.Conn(), log)
	posRepo := positions.NewRepository(posDB.Conn(), log)
	secRepo := securities.NewRepository(refDB.Conn(), log)
	ruleEngine := rules.NewEngine(rules.NewRepository(rulesDB.Conn(), log), bus, log)

	engine := NewEngine(repo, posRepo, secRepo, ruleEngine, bus, 5*time.Hour, 4, log)

	return &testEnv{
		engine:     engine,
		repo:       repo,
		positions:  posRepo,
		securities: secRepo,
		rules:      ruleEngine,
		bus:        bus,
	}
}

func (env *testEnv) seedSecurity(t *testing.T, id, market string, status domain.SecurityStatus) {
	t.Helper()
	require.NoError(t, env.securities.Upsert(&domain.Security{
		InternalID: id,
		Type:       domain.SecurityEquity,
		Market:     market,
		Currency:   "USD",
		Status:     status,
	}))
}

func (env *testEnv) seedPosition(t *testing.T, p domain.Position) {
	t.Helper()
	p.BusinessDate = testDate
	p.CalculationStatus = domain.CalcValid
	p.Recalculate()
	require.NoError(t, env.positions.Save(&p))
}

func (env *testEnv) seedContract(t *testing.T, c domain.Contract) {
	t.Helper()
	require.NoError(t, env.repo.SaveContract(&c))
}

func (env *testEnv) recompute(t *testing.T, securityID string) {
	t.Helper()
	require.NoError(t, env.engine.CalculateInventoryForSecurity(context.Background(), securityID, testDate))
}

func (env *testEnv) get(t *testing.T, securityID string, cat domain.CalculationType) *domain.InventoryAvailability {
	t.Helper()
	av, err := env.repo.FindInternal(securityID, cat, testDate)
	require.NoError(t, err)
	require.NotNil(t, av, "missing %s record for %s", cat, securityID)
	return av
}

func qty(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func longPosition(book, security, settled string) domain.Position {
	return domain.Position{
		BookID:           book,
		SecurityID:       security,
		SettledQty:       qty(settled),
		IsHypothecatable: true,
	}
}

func TestForLoanFromHypothecatableLong(t *testing.T) {
	env := setupEnv(t)
	env.seedSecurity(t, "AAPL", "US", domain.SecurityActive)
	env.seedPosition(t, longPosition("EQ-01", "AAPL", "100000"))

	env.recompute(t, "AAPL")

	forLoan := env.get(t, "AAPL", domain.CalcForLoan)
	assert.True(t, forLoan.AvailableQuantity.Equal(qty("100000")))
	assert.True(t, forLoan.GrossQuantity.Equal(qty("100000")))

	shortSell := env.get(t, "AAPL", domain.CalcShortSell)
	assert.True(t, shortSell.AvailableQuantity.Equal(qty("100000")))

	locate := env.get(t, "AAPL", domain.CalcLocate)
	assert.True(t, locate.AvailableQuantity.Equal(qty("100000")))
}

func TestNonHypothecatableExcludedFromForLoan(t *testing.T) {
	env := setupEnv(t)
	env.seedSecurity(t, "AAPL", "US", domain.SecurityActive)

	p := longPosition("EQ-01", "AAPL", "100000")
	p.IsHypothecatable = false
	env.seedPosition(t, p)

	env.recompute(t, "AAPL")

	forLoan := env.get(t, "AAPL", domain.CalcForLoan)
	assert.True(t, forLoan.AvailableQuantity.IsZero())

	// Still deliverable today.
	longSell := env.get(t, "AAPL", domain.CalcLongSell)
	assert.True(t, longSell.AvailableQuantity.Equal(qty("100000")))
}

func TestTaiwanBorrowedCannotBeRelent(t *testing.T) {
	env := setupEnv(t)
	env.seedSecurity(t, "2330", "TW", domain.SecurityActive)

	p := longPosition("EQ-02", "2330", "50000")
	p.IsBorrowed = true
	env.seedPosition(t, p)

	env.recompute(t, "2330")

	forLoan := env.get(t, "2330", domain.CalcForLoan)
	assert.True(t, forLoan.AvailableQuantity.IsZero(), "borrowed TW stock must not re-lend")

	longSell := env.get(t, "2330", domain.CalcLongSell)
	assert.True(t, longSell.AvailableQuantity.Equal(qty("50000")), "long sell is unaffected by the no-relend rule")
}

func TestJapanSLABCutoffShiftsAccounting(t *testing.T) {
	env := setupEnv(t)
	env.seedSecurity(t, "7203", "JP", domain.SecurityActive)
	env.seedPosition(t, longPosition("EQ-03", "7203", "100000"))
	env.seedContract(t, domain.Contract{
		ContractID: "SLAB-1",
		Type:       domain.ContractSLAB,
		SecurityID: "7203",
		Quantity:   qty("30000"),
		StartDate:  testDate,
	})

	// Before the cutoff the SLAB reduces today's supply.
	env.engine.now = func() time.Time {
		return time.Date(2026, 8, 24, 2, 0, 0, 0, time.UTC)
	}
	env.recompute(t, "7203")
	forLoan := env.get(t, "7203", domain.CalcForLoan)
	assert.True(t, forLoan.AvailableQuantity.Equal(qty("70000")))

	// After the cutoff a same-day SLAB is accounted at sd1: today is whole.
	env.engine.now = func() time.Time {
		return time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)
	}
	env.recompute(t, "7203")
	forLoan = env.get(t, "7203", domain.CalcForLoan)
	assert.True(t, forLoan.AvailableQuantity.Equal(qty("100000")))
}

func TestRepoContractLifecycle(t *testing.T) {
	env := setupEnv(t)
	env.seedSecurity(t, "AAPL", "US", domain.SecurityActive)
	env.seedPosition(t, longPosition("EQ-01", "AAPL", "100000"))

	// Open repo: collateral pledged, supply reduced.
	env.seedContract(t, domain.Contract{
		ContractID: "REPO-1",
		Type:       domain.ContractRepo,
		SecurityID: "AAPL",
		Quantity:   qty("40000"),
		StartDate:  "2026-08-20",
		EndDate:    "2026-08-30",
	})
	env.recompute(t, "AAPL")
	forLoan := env.get(t, "AAPL", domain.CalcForLoan)
	assert.True(t, forLoan.AvailableQuantity.Equal(qty("60000")))

	forPledge := env.get(t, "AAPL", domain.CalcForPledge)
	assert.True(t, forPledge.AvailableQuantity.Equal(qty("60000")))

	// Matured repo: the pledged quantity is released back to supply.
	env.seedContract(t, domain.Contract{
		ContractID: "REPO-1",
		Type:       domain.ContractRepo,
		SecurityID: "AAPL",
		Quantity:   qty("40000"),
		StartDate:  "2026-08-20",
		EndDate:    testDate,
	})
	env.recompute(t, "AAPL")
	forLoan = env.get(t, "AAPL", domain.CalcForLoan)
	assert.True(t, forLoan.AvailableQuantity.Equal(qty("140000")))
}

func TestOverborrowDetection(t *testing.T) {
	env := setupEnv(t)
	env.seedSecurity(t, "AAPL", "US", domain.SecurityActive)

	short := domain.Position{
		BookID:     "EQ-04",
		SecurityID: "AAPL",
		SettledQty: qty("-30000"),
	}
	env.seedPosition(t, short)

	env.seedContract(t, domain.Contract{
		ContractID: "BOR-1",
		Type:       domain.ContractExternalBorrow,
		SecurityID: "AAPL",
		Quantity:   qty("80000"),
		StartDate:  "2026-08-20",
	})
	env.seedContract(t, domain.Contract{
		ContractID: "PTH-1",
		Type:       domain.ContractPayToHold,
		SecurityID: "AAPL",
		Quantity:   qty("20000"),
		StartDate:  "2026-08-20",
	})

	env.recompute(t, "AAPL")

	over := env.get(t, "AAPL", domain.CalcOverborrow)
	assert.True(t, over.IsOverborrowed)
	assert.True(t, over.OverborrowQuantity.Equal(qty("30000")), "80000 borrowed - 30000 short cover - 20000 pay-to-hold")
}

func TestNoOverborrowWhenCovered(t *testing.T) {
	env := setupEnv(t)
	env.seedSecurity(t, "AAPL", "US", domain.SecurityActive)

	short := domain.Position{BookID: "EQ-04", SecurityID: "AAPL", SettledQty: qty("-80000")}
	env.seedPosition(t, short)
	env.seedContract(t, domain.Contract{
		ContractID: "BOR-1",
		Type:       domain.ContractExternalBorrow,
		SecurityID: "AAPL",
		Quantity:   qty("80000"),
		StartDate:  "2026-08-20",
	})

	env.recompute(t, "AAPL")

	over := env.get(t, "AAPL", domain.CalcOverborrow)
	assert.False(t, over.IsOverborrowed)
	assert.True(t, over.OverborrowQuantity.IsZero())
}

func TestInactiveSecurityYieldsZeroAvailability(t *testing.T) {
	env := setupEnv(t)
	env.seedSecurity(t, "DEAD", "US", domain.SecurityInactive)
	env.seedPosition(t, longPosition("EQ-01", "DEAD", "100000"))

	env.recompute(t, "DEAD")

	for _, cat := range domain.AllCalculationTypes() {
		av := env.get(t, "DEAD", cat)
		assert.True(t, av.AvailableQuantity.IsZero(), "%s must be zero for an inactive security", cat)
	}
}

func TestExcludeRuleBlocksCategory(t *testing.T) {
	env := setupEnv(t)
	env.seedSecurity(t, "AAPL", "US", domain.SecurityActive)
	env.seedPosition(t, longPosition("RESTRICTED", "AAPL", "100000"))

	rule := &domain.CalculationRule{
		ID:            "R-EXC",
		Name:          "restricted book",
		RuleType:      domain.RuleExclude,
		Market:        "US",
		Priority:      10,
		EffectiveDate: "2020-01-01",
		Status:        domain.RuleActive,
		Conditions: []domain.RuleCondition{
			{Attribute: "bookId", Operator: domain.OpEQ, Value: "RESTRICTED", LogicalOperator: domain.LogicalAnd},
		},
		Actions: []domain.RuleAction{
			{ActionType: domain.ActionExclude, Parameters: map[string]string{"category": "FOR_LOAN"}},
		},
	}
	require.NoError(t, env.rules.CreateRule(rule))

	env.recompute(t, "AAPL")

	forLoan := env.get(t, "AAPL", domain.CalcForLoan)
	assert.True(t, forLoan.AvailableQuantity.IsZero())

	// The exclusion is scoped to FOR_LOAN only.
	forPledge := env.get(t, "AAPL", domain.CalcForPledge)
	assert.True(t, forPledge.AvailableQuantity.Equal(qty("100000")))
}

func TestIncludeRuleRecordsProvenance(t *testing.T) {
	env := setupEnv(t)
	env.seedSecurity(t, "AAPL", "US", domain.SecurityActive)
	env.seedPosition(t, longPosition("EQ-01", "AAPL", "100000"))

	rule := &domain.CalculationRule{
		ID:            "R-INC",
		Name:          "hypothecatable long",
		RuleType:      domain.RuleInclude,
		Market:        "US",
		Priority:      10,
		EffectiveDate: "2020-01-01",
		Status:        domain.RuleActive,
		Conditions: []domain.RuleCondition{
			{Attribute: "isHypothecatable", Operator: domain.OpEQ, Value: "true", LogicalOperator: domain.LogicalAnd},
		},
		Actions: []domain.RuleAction{
			{ActionType: domain.ActionInclude, Parameters: map[string]string{"category": "FOR_LOAN"}},
		},
	}
	require.NoError(t, env.rules.CreateRule(rule))

	env.recompute(t, "AAPL")

	forLoan := env.get(t, "AAPL", domain.CalcForLoan)
	assert.True(t, forLoan.AvailableQuantity.Equal(qty("100000")))
	assert.Equal(t, "R-INC", forLoan.CalculationRuleID)
	assert.Equal(t, int64(1), forLoan.CalculationRuleVersion)
}

func TestLocateDecrementAndIdempotentRecompute(t *testing.T) {
	env := setupEnv(t)
	env.seedSecurity(t, "AAPL", "US", domain.SecurityActive)
	env.seedPosition(t, longPosition("EQ-01", "AAPL", "100000"))
	env.recompute(t, "AAPL")

	av, err := env.engine.ApplyLocateDecrement("AAPL", testDate, qty("40000"))
	require.NoError(t, err)
	assert.True(t, av.RemainingQuantity().Equal(qty("60000")))

	// Over-consumption is rejected.
	_, err = env.engine.ApplyLocateDecrement("AAPL", testDate, qty("70000"))
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	// A recompute with unchanged inputs keeps the consumed quantity.
	env.recompute(t, "AAPL")
	locate := env.get(t, "AAPL", domain.CalcLocate)
	assert.True(t, locate.DecrementQuantity.Equal(qty("40000")))
	assert.True(t, locate.RemainingQuantity().Equal(qty("60000")))
}

func TestLocateDecrementValidation(t *testing.T) {
	env := setupEnv(t)

	_, err := env.engine.ApplyLocateDecrement("AAPL", testDate, qty("-5"))
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = env.engine.ApplyLocateDecrement("GHOST", testDate, qty("5"))
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestExternalAvailabilityFeedsShortSell(t *testing.T) {
	env := setupEnv(t)
	env.seedSecurity(t, "AAPL", "US", domain.SecurityActive)
	env.seedPosition(t, longPosition("EQ-01", "AAPL", "100000"))

	err := env.engine.ProcessInventoryEvent(context.Background(), &events.InventoryEvent{
		SecurityIdentifier: "AAPL",
		CalculationType:    domain.CalcShortSell,
		BusinessDate:       testDate,
		IsExternalSource:   true,
		ExternalSourceName: "LENDER-A",
		GrossQuantity:      qty("25000"),
		NetQuantity:        qty("25000"),
		AvailableQuantity:  qty("25000"),
		SecurityMarket:     "US",
	})
	require.NoError(t, err)

	shortSell := env.get(t, "AAPL", domain.CalcShortSell)
	assert.True(t, shortSell.AvailableQuantity.Equal(qty("125000")), "internal supply plus external lender supply")
}

func TestContractEventTriggersRecompute(t *testing.T) {
	env := setupEnv(t)
	env.seedSecurity(t, "AAPL", "US", domain.SecurityActive)

	p := longPosition("EQ-01", "AAPL", "100000")
	p.BusinessDate = domain.Today()
	p.CalculationStatus = domain.CalcValid
	p.Recalculate()
	require.NoError(t, env.positions.Save(&p))

	err := env.engine.ProcessContractEvent(context.Background(), &events.ContractEvent{
		ContractID:     "REPO-9",
		Type:           domain.ContractRepo,
		SecurityID:     "AAPL",
		Quantity:       qty("30000"),
		StartDate:      "2026-08-20",
		EndDate:        "2026-09-20",
		CounterpartyID: "CP-1",
	})
	require.NoError(t, err)

	av, ferr := env.repo.FindInternal("AAPL", domain.CalcForLoan, domain.Today())
	require.NoError(t, ferr)
	require.NotNil(t, av)
	assert.True(t, av.AvailableQuantity.Equal(qty("70000")))
}

func TestInventoryUpdatePublished(t *testing.T) {
	env := setupEnv(t)
	env.seedSecurity(t, "AAPL", "US", domain.SecurityActive)
	env.seedPosition(t, longPosition("EQ-01", "AAPL", "100000"))

	var published []*events.Event
	env.bus.Subscribe(events.InventoryUpdate, func(ev *events.Event) {
		published = append(published, ev)
	})

	env.recompute(t, "AAPL")

	require.Len(t, published, len(domain.AllCalculationTypes()))
	data, ok := published[0].Data.(*events.InventoryUpdateData)
	require.True(t, ok)
	assert.Equal(t, "AAPL", data.Availability.SecurityID)
	assert.Equal(t, "AAPL:FOR_LOAN", published[0].PartitionKey)
}

func TestCalculateAllInventoryTypes(t *testing.T) {
	env := setupEnv(t)
	env.seedSecurity(t, "AAPL", "US", domain.SecurityActive)
	env.seedSecurity(t, "MSFT", "US", domain.SecurityActive)
	env.seedPosition(t, longPosition("EQ-01", "AAPL", "100000"))
	env.seedPosition(t, longPosition("EQ-01", "MSFT", "20000"))

	require.NoError(t, env.engine.CalculateAllInventoryTypes(context.Background(), testDate))

	assert.True(t, env.get(t, "AAPL", domain.CalcForLoan).AvailableQuantity.Equal(qty("100000")))
	assert.True(t, env.get(t, "MSFT", domain.CalcForLoan).AvailableQuantity.Equal(qty("20000")))
}

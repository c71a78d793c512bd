package rules

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seclend/imscore/internal/database"
	"github.com/seclend/imscore/internal/domain"
	"github.com/seclend/imscore/internal/events"
)

func setupEngine(t *testing.T) (*Engine, *Repository) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "test_rules_*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStore,
		Name:    "rules",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	t.Cleanup(func() {
		_ = db.Close()
		_ = os.Remove(tmpPath)
	})

	repo := NewRepository(db.Conn(), zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	return NewEngine(repo, bus, zerolog.Nop()), repo
}

func activeRule(id string, ruleType domain.RuleType, market string, priority int, conds ...domain.RuleCondition) *domain.CalculationRule {
	return &domain.CalculationRule{
		ID:            id,
		Name:          "rule " + id,
		RuleType:      ruleType,
		Market:        market,
		Priority:      priority,
		EffectiveDate: "2020-01-01",
		Status:        domain.RuleActive,
		Conditions:    conds,
	}
}

func TestCreateAndGetRule(t *testing.T) {
	engine, _ := setupEngine(t)

	rule := activeRule("R-1", domain.RuleInclude, "US", 10,
		cond("isHypothecatable", domain.OpEQ, "true", domain.LogicalAnd))
	rule.Actions = []domain.RuleAction{
		{ActionType: domain.ActionInclude, Parameters: map[string]string{"category": "FOR_LOAN"}},
	}
	require.NoError(t, engine.CreateRule(rule))
	assert.Equal(t, int64(1), rule.Version)

	got, err := engine.GetRule("R-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.RuleInclude, got.RuleType)
	require.Len(t, got.Conditions, 1)
	assert.Equal(t, "isHypothecatable", got.Conditions[0].Attribute)
	require.Len(t, got.Actions, 1)
	assert.Equal(t, "FOR_LOAN", got.Actions[0].Parameters["category"])
}

func TestCreateRuleValidation(t *testing.T) {
	engine, _ := setupEngine(t)

	missing := &domain.CalculationRule{ID: "R-X", Name: "x", Market: "US", EffectiveDate: "2020-01-01"}
	err := engine.CreateRule(missing)
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestUpdateIncrementsVersion(t *testing.T) {
	engine, _ := setupEngine(t)

	rule := activeRule("R-1", domain.RuleInclude, "US", 10,
		cond("market", domain.OpEQ, "US", domain.LogicalAnd))
	require.NoError(t, engine.CreateRule(rule))

	rule.Priority = 5
	require.NoError(t, engine.UpdateRule(rule))
	assert.Equal(t, int64(2), rule.Version)

	got, err := engine.GetRule("R-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, 5, got.Priority)
}

func TestUpdateMissingRuleIsNotFound(t *testing.T) {
	engine, _ := setupEngine(t)

	rule := activeRule("R-404", domain.RuleInclude, "US", 10,
		cond("market", domain.OpEQ, "US", domain.LogicalAnd))
	err := engine.UpdateRule(rule)
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestActiveRulesByTypeAndMarketIncludesGlobal(t *testing.T) {
	engine, _ := setupEngine(t)

	require.NoError(t, engine.CreateRule(activeRule("R-US", domain.RuleInclude, "US", 10,
		cond("market", domain.OpEQ, "US", domain.LogicalAnd))))
	require.NoError(t, engine.CreateRule(activeRule("R-GLOBAL", domain.RuleInclude, domain.MarketGlobal, 5,
		cond("isReserved", domain.OpEQ, "false", domain.LogicalAnd))))
	require.NoError(t, engine.CreateRule(activeRule("R-JP", domain.RuleInclude, "JP", 1,
		cond("market", domain.OpEQ, "JP", domain.LogicalAnd))))

	got, err := engine.GetActiveRulesByTypeAndMarket(domain.RuleInclude, "US", "2026-08-24")
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Priority ascending: GLOBAL(5) before US(10).
	assert.Equal(t, "R-GLOBAL", got[0].ID)
	assert.Equal(t, "R-US", got[1].ID)
}

func TestEffectiveWindowFiltering(t *testing.T) {
	engine, _ := setupEngine(t)

	expired := activeRule("R-EXP", domain.RuleInclude, "US", 10,
		cond("market", domain.OpEQ, "US", domain.LogicalAnd))
	expired.ExpiryDate = "2024-01-01"
	require.NoError(t, engine.CreateRule(expired))

	future := activeRule("R-FUT", domain.RuleInclude, "US", 10,
		cond("market", domain.OpEQ, "US", domain.LogicalAnd))
	future.EffectiveDate = "2030-01-01"
	require.NoError(t, engine.CreateRule(future))

	got, err := engine.GetActiveRules("2026-08-24")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEvaluateIncludeExcludeSemantics(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := Context{"market": "US", "isBorrowed": false}

	include := *activeRule("R-INC", domain.RuleInclude, "US", 10,
		cond("market", domain.OpEQ, "US", domain.LogicalAnd))
	exclude := *activeRule("R-EXC", domain.RuleExclude, "US", 20,
		cond("isBorrowed", domain.OpEQ, "true", domain.LogicalAnd))

	// Include matches, exclude does not.
	v := engine.EvaluateRules([]domain.CalculationRule{include, exclude}, ctx)
	assert.True(t, v.Included)
	assert.Equal(t, "R-INC", v.RuleID)

	// Exclude wins even when an include matched.
	borrowed := Context{"market": "US", "isBorrowed": true}
	v = engine.EvaluateRules([]domain.CalculationRule{include, exclude}, borrowed)
	assert.False(t, v.Included)
	assert.Equal(t, "R-EXC", v.RuleID)

	// No include rules at all: included by default.
	v = engine.EvaluateRules([]domain.CalculationRule{exclude}, ctx)
	assert.True(t, v.Included)

	// Include exists but does not match: excluded.
	v = engine.EvaluateRules([]domain.CalculationRule{include}, Context{"market": "JP"})
	assert.False(t, v.Included)
}

func TestEvaluationIsPure(t *testing.T) {
	engine, _ := setupEngine(t)

	rs := []domain.CalculationRule{
		*activeRule("R-1", domain.RuleInclude, "US", 10,
			cond("quantity", domain.OpGT, "100", domain.LogicalAnd)),
	}
	ctx := Context{"quantity": 500}

	first := engine.EvaluateRules(rs, ctx)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, engine.EvaluateRules(rs, ctx))
	}
}

func TestTaiwanAdjustmentBlocksRelend(t *testing.T) {
	engine, _ := setupEngine(t)

	ctx := Context{AttrIsBorrowed: true, AttrCanBeLent: true}
	adjusted := engine.ApplyMarketSpecificRuleAdjustments(domain.MarketTaiwan, ctx)

	assert.False(t, adjusted.Bool(AttrCanBeLent))
	// Original context untouched.
	assert.True(t, ctx.Bool(AttrCanBeLent))
}

func TestJapanCutoffAdjustment(t *testing.T) {
	engine, _ := setupEngine(t)

	afterCutoff := Context{
		AttrActivityType:           ActivitySLAB,
		AttrIsBeforeJapanCutoff:    false,
		AttrEffectiveSettlementDay: 0,
	}
	adjusted := engine.ApplyMarketSpecificRuleAdjustments(domain.MarketJapan, afterCutoff)
	assert.Equal(t, 1, adjusted.Int(AttrEffectiveSettlementDay))

	beforeCutoff := Context{
		AttrActivityType:           ActivitySLAB,
		AttrIsBeforeJapanCutoff:    true,
		AttrEffectiveSettlementDay: 0,
	}
	adjusted = engine.ApplyMarketSpecificRuleAdjustments(domain.MarketJapan, beforeCutoff)
	assert.Equal(t, 0, adjusted.Int(AttrEffectiveSettlementDay))
}

func TestJapanQuantoSettlement(t *testing.T) {
	engine, _ := setupEngine(t)

	ctx := Context{AttrIsQuanto: true, AttrSettlementDays: 1}
	adjusted := engine.ApplyMarketSpecificRuleAdjustments(domain.MarketJapan, ctx)
	assert.Equal(t, 2, adjusted.Int(AttrSettlementDays))

	t2 := Context{AttrIsQuanto: true, AttrSettlementDays: 2}
	adjusted = engine.ApplyMarketSpecificRuleAdjustments(domain.MarketJapan, t2)
	assert.Equal(t, 2, adjusted.Int(AttrSettlementDays))
}

func TestCacheInvalidationOnCreate(t *testing.T) {
	engine, _ := setupEngine(t)

	got, err := engine.GetActiveRules("2026-08-24")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, engine.CreateRule(activeRule("R-1", domain.RuleInclude, "US", 10,
		cond("market", domain.OpEQ, "US", domain.LogicalAnd))))

	got, err = engine.GetActiveRules("2026-08-24")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestDeleteRule(t *testing.T) {
	engine, _ := setupEngine(t)

	require.NoError(t, engine.CreateRule(activeRule("R-1", domain.RuleInclude, "US", 10,
		cond("market", domain.OpEQ, "US", domain.LogicalAnd))))
	require.NoError(t, engine.DeleteRule("R-1"))

	got, err := engine.GetRule("R-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	err = engine.DeleteRule("R-1")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

package scheduler

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seclend/imscore/internal/database"
	"github.com/seclend/imscore/internal/domain"
	"github.com/seclend/imscore/internal/events"
	"github.com/seclend/imscore/internal/modules/inventory"
	"github.com/seclend/imscore/internal/modules/limits"
	"github.com/seclend/imscore/internal/modules/positions"
	"github.com/seclend/imscore/internal/modules/rules"
	"github.com/seclend/imscore/internal/modules/securities"
	"github.com/seclend/imscore/internal/queue"
)

func newTestDB(t *testing.T, name string, profile database.DatabaseProfile) *database.DB {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "test_"+name+"_*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: profile,
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

func qty(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

type rolloverEnv struct {
	service   *RolloverService
	positions *positions.Engine
	posRepo   *positions.Repository
	invRepo   *inventory.Repository
	secRepo   *securities.Repository
}

func setupRollover(t *testing.T) *rolloverEnv {
	t.Helper()

	log := zerolog.Nop()
	bus := events.NewBus(log)

	posRepo := positions.NewRepository(newTestDB(t, "positions", database.ProfileStore).Conn(), log)
	invRepo := inventory.NewRepository(newTestDB(t, "inventory", database.ProfileStore).Conn(), log)
	secRepo := securities.NewRepository(newTestDB(t, "refdata", database.ProfileStore).Conn(), log)
	limRepo := limits.NewRepository(newTestDB(t, "limits", database.ProfileStore).Conn(), log)
	ruleEngine := rules.NewEngine(rules.NewRepository(newTestDB(t, "rules", database.ProfileStore).Conn(), log), bus, log)

	posEngine := positions.NewEngine(posRepo, secRepo, bus, log)
	invEngine := inventory.NewEngine(invRepo, posRepo, secRepo, ruleEngine, bus, 5*time.Hour, 2, log)
	limEngine := limits.NewEngine(limRepo, posRepo, invRepo, bus, 150*time.Millisecond, log)

	service := NewRolloverService(posEngine, invEngine, limEngine, []string{"US", "TW"}, log)
	return &rolloverEnv{
		service:   service,
		positions: posEngine,
		posRepo:   posRepo,
		invRepo:   invRepo,
		secRepo:   secRepo,
	}
}

func TestDailyAtUTC(t *testing.T) {
	spec, err := DailyAtUTC("21:30")
	require.NoError(t, err)
	assert.Equal(t, "0 30 21 * * *", spec)

	spec, err = DailyAtUTC("05:00")
	require.NoError(t, err)
	assert.Equal(t, "0 0 5 * * *", spec)

	_, err = DailyAtUTC("25:00")
	assert.Error(t, err)
	_, err = DailyAtUTC("bogus")
	assert.Error(t, err)
}

func TestAgeOvernightSettlesDayZero(t *testing.T) {
	p := domain.Position{
		BookID:         "EQ-01",
		SecurityID:     "AAPL",
		BusinessDate:   "2026-08-24",
		SettledQty:     qty("100"),
		ContractualQty: qty("23"),
		Version:        7,
	}
	p.Receipt[0] = qty("30")
	p.Deliver[0] = qty("10")
	p.Deliver[1] = qty("5")
	p.Receipt[4] = qty("8")
	p.Recalculate()

	aged := ageOvernight(&p)
	aged.Recalculate()

	assert.True(t, aged.SettledQty.Equal(qty("120")), "sd0 net settles overnight")
	assert.True(t, aged.ContractualQty.Equal(qty("3")), "settled flow leaves the contractual balance")
	assert.True(t, aged.CurrentNetPosition.Equal(p.CurrentNetPosition), "settlement does not change the holding")
	assert.True(t, aged.Deliver[0].Equal(qty("5")), "sd1 becomes sd0")
	assert.True(t, aged.Receipt[3].Equal(qty("8")), "sd4 becomes sd3")
	assert.True(t, aged.Receipt[4].IsZero(), "last rung empties without long-dated flow")
	assert.True(t, aged.IsStartOfDay)
	assert.EqualValues(t, 0, aged.Version)
}

func TestAgeOvernightConservesCurrentNet(t *testing.T) {
	// A same-day BUY awaiting settlement: contractual 100, receipt[0] 100.
	p := domain.Position{
		BookID:         "EQ-01",
		SecurityID:     "AAPL",
		BusinessDate:   "2026-08-24",
		ContractualQty: qty("100"),
	}
	p.Receipt[0] = qty("100")
	p.Recalculate()
	require.True(t, p.CurrentNetPosition.Equal(qty("100")))

	aged := ageOvernight(&p)
	aged.Recalculate()

	assert.True(t, aged.SettledQty.Equal(qty("100")))
	assert.True(t, aged.ContractualQty.IsZero())
	assert.True(t, aged.CurrentNetPosition.Equal(qty("100")),
		"overnight settlement must not inflate the holding")
}

func TestAgeOvernightPinsLongDatedFlow(t *testing.T) {
	p := domain.Position{BookID: "EQ-01", SecurityID: "AAPL", HasLongDated: true}
	p.Receipt[4] = qty("50")

	aged := ageOvernight(&p)

	assert.True(t, aged.Receipt[3].Equal(qty("50")), "sd4 still shifts into sd3")
	assert.True(t, aged.Receipt[4].Equal(qty("50")), "long-dated overflow stays in the last rung")
}

func TestRolloverCarriesPositionsForward(t *testing.T) {
	env := setupRollover(t)
	today := domain.Today()
	tomorrow := domain.NextDate(today, 1)

	require.NoError(t, env.secRepo.Upsert(&domain.Security{
		InternalID: "AAPL",
		Type:       domain.SecurityEquity,
		Market:     "US",
		Currency:   "USD",
		Status:     domain.SecurityActive,
	}))

	pos := domain.Position{
		BookID:           "EQ-01",
		SecurityID:       "AAPL",
		BusinessDate:     today,
		SettledQty:       qty("100000"),
		ContractualQty:   qty("5000"),
		IsHypothecatable: true,
	}
	pos.Receipt[0] = qty("5000")
	pos.CalculationStatus = domain.CalcValid
	pos.Recalculate()
	require.NoError(t, env.posRepo.Save(&pos))

	require.NoError(t, env.service.Run(context.Background(), today))

	carried, err := env.posRepo.FindByDate(tomorrow)
	require.NoError(t, err)
	require.Len(t, carried, 1)
	assert.True(t, carried[0].IsStartOfDay)
	assert.True(t, carried[0].SettledQty.Equal(qty("105000")), "sd0 receipt settles into the new day")
	assert.True(t, carried[0].ContractualQty.IsZero(), "settled receipt drains the contractual balance")
	assert.True(t, carried[0].CurrentNetPosition.Equal(qty("105000")))
	assert.True(t, carried[0].Receipt[0].IsZero())

	av, err := env.invRepo.FindInternal("AAPL", domain.CalcForLoan, tomorrow)
	require.NoError(t, err)
	require.NotNil(t, av, "rollover rebuilds inventory on the new date")
	assert.True(t, av.AvailableQuantity.Equal(qty("105000")))
}

func TestRolloverIsIdempotent(t *testing.T) {
	env := setupRollover(t)
	today := domain.Today()
	tomorrow := domain.NextDate(today, 1)

	require.NoError(t, env.secRepo.Upsert(&domain.Security{
		InternalID: "AAPL",
		Type:       domain.SecurityEquity,
		Market:     "US",
		Currency:   "USD",
		Status:     domain.SecurityActive,
	}))

	pos := domain.Position{BookID: "EQ-01", SecurityID: "AAPL", BusinessDate: today, SettledQty: qty("100000")}
	pos.CalculationStatus = domain.CalcValid
	pos.Recalculate()
	require.NoError(t, env.posRepo.Save(&pos))

	require.NoError(t, env.service.Run(context.Background(), today))
	require.NoError(t, env.service.Run(context.Background(), today))

	carried, err := env.posRepo.FindByDate(tomorrow)
	require.NoError(t, err)
	assert.Len(t, carried, 1, "second run must not duplicate or reset the new day")
}

func TestRolloverWithNothingToCarry(t *testing.T) {
	env := setupRollover(t)
	require.NoError(t, env.service.Run(context.Background(), domain.Today()))
}

func TestCronJobsEnqueueOnProcessor(t *testing.T) {
	log := zerolog.Nop()
	cacheDB := newTestDB(t, "cache", database.ProfileCache)
	history := queue.NewHistoryRepository(cacheDB.Conn(), log)
	processor := queue.NewProcessor(history, events.NewBus(log), log)
	// Not started: enqueued jobs stay queued so depth is observable.

	env := setupRollover(t)
	jobs := []Job{
		NewRolloverJob(env.service, processor),
		NewPendingSweepJob(env.positions, processor),
		NewWALCheckpointJob([]*database.DB{cacheDB}, processor),
		NewBackupJob(noopBackup{}, processor),
	}

	for _, job := range jobs {
		require.NoError(t, job.Run())
		assert.NotEmpty(t, job.Name())
	}

	queued, retrying := processor.Depth()
	assert.Equal(t, len(jobs), queued)
	assert.Zero(t, retrying)
}

type noopBackup struct{}

func (noopBackup) Run(context.Context) error { return nil }

func TestSchedulerFiresOnInterval(t *testing.T) {
	s := New(zerolog.Nop())

	var fired atomic.Int64
	require.NoError(t, s.AddJob("@every 50ms", countingJob{&fired}))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return fired.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

type countingJob struct{ n *atomic.Int64 }

func (j countingJob) Run() error   { j.n.Add(1); return nil }
func (j countingJob) Name() string { return "counting" }

package di

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/seclend/imscore/internal/config"
	"github.com/seclend/imscore/internal/domain"
	"github.com/seclend/imscore/internal/egress"
	"github.com/seclend/imscore/internal/events"
	"github.com/seclend/imscore/internal/ingress"
	"github.com/seclend/imscore/internal/modules/inventory"
	inventoryhandlers "github.com/seclend/imscore/internal/modules/inventory/handlers"
	"github.com/seclend/imscore/internal/modules/limits"
	limithandlers "github.com/seclend/imscore/internal/modules/limits/handlers"
	"github.com/seclend/imscore/internal/modules/positions"
	positionhandlers "github.com/seclend/imscore/internal/modules/positions/handlers"
	"github.com/seclend/imscore/internal/modules/rules"
	rulehandlers "github.com/seclend/imscore/internal/modules/rules/handlers"
	"github.com/seclend/imscore/internal/modules/securities"
	"github.com/seclend/imscore/internal/queue"
	"github.com/seclend/imscore/internal/reliability"
	"github.com/seclend/imscore/internal/scheduler"
	"github.com/seclend/imscore/internal/server"
)

// Wire builds the full container in dependency order: stores, repositories,
// engines, event plumbing, then scheduled jobs.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{Cfg: cfg, Log: log}

	if err := InitializeDatabases(container, cfg, log); err != nil {
		return nil, err
	}

	container.Bus = events.NewBus(log)

	initializeRepositories(container, log)
	if err := initializeEngines(container, cfg, log); err != nil {
		container.Close()
		return nil, err
	}
	initializeEventPlumbing(container, cfg, log)
	if err := initializeJobs(container, cfg, log); err != nil {
		container.Close()
		return nil, err
	}

	log.Info().Msg("Dependency wiring completed")
	return container, nil
}

func initializeRepositories(c *Container, log zerolog.Logger) {
	c.SecurityRepo = securities.NewRepository(c.RefDataDB.Conn(), log)
	c.PositionRepo = positions.NewRepository(c.PositionsDB.Conn(), log)
	c.InventoryRepo = inventory.NewRepository(c.InventoryDB.Conn(), log)
	c.LimitRepo = limits.NewRepository(c.LimitsDB.Conn(), log)
	c.RuleRepo = rules.NewRepository(c.RulesDB.Conn(), log)
	c.HistoryRepo = queue.NewHistoryRepository(c.CacheDB.Conn(), log)
	c.DeadLetterRepo = ingress.NewDeadLetterRepository(c.CacheDB.Conn(), log)
}

func initializeEngines(c *Container, cfg *config.Config, log zerolog.Logger) error {
	jpCutoff, err := config.ParseWallClock(cfg.JPCutoffTimeUTC)
	if err != nil {
		return fmt.Errorf("invalid JP cutoff time: %w", err)
	}

	c.RuleEngine = rules.NewEngine(c.RuleRepo, c.Bus, log)
	c.RuleEngine.SetCacheTTL(cfg.RuleCacheTTL)

	c.PositionEngine = positions.NewEngine(c.PositionRepo, c.SecurityRepo, c.Bus, log)
	c.InventoryEngine = inventory.NewEngine(c.InventoryRepo, c.PositionRepo, c.SecurityRepo,
		c.RuleEngine, c.Bus, jpCutoff, cfg.ShardCount, log)
	c.LimitEngine = limits.NewEngine(c.LimitRepo, c.PositionRepo, c.InventoryRepo,
		c.Bus, cfg.DeadlineOrderValidation, log)

	c.Processor = queue.NewProcessor(c.HistoryRepo, c.Bus, log)
	c.LimitEngine.SetSubmitter(c.Processor)
	return nil
}

// initializeEventPlumbing connects ingress, the recompute chain, and egress.
// Position updates drive inventory recomputes; inventory and position
// updates both feed the limit engine's async recalculation.
func initializeEventPlumbing(c *Container, cfg *config.Config, log zerolog.Logger) {
	c.Bus.Subscribe(events.PositionUpdate, func(ev *events.Event) {
		data, ok := ev.Data.(*events.PositionUpdateData)
		if !ok {
			return
		}
		pos := data.Position
		if err := c.InventoryEngine.HandlePositionUpdate(context.Background(), &pos); err != nil {
			log.Error().Err(err).
				Str("security_id", pos.SecurityID).
				Msg("Inventory recompute after position update failed")
		}
		if err := c.LimitEngine.CalculateLimitsAsync([]domain.Position{pos}, pos.BusinessDate); err != nil {
			log.Error().Err(err).
				Str("security_id", pos.SecurityID).
				Msg("Limit recalculation after position update failed")
		}
	})

	c.Dispatcher = ingress.NewDispatcher(ingress.Config{
		ShardCount:     cfg.ShardCount,
		QueueHigh:      cfg.ShardQueueHigh,
		QueueLow:       cfg.ShardQueueLow,
		MaxRetries:     cfg.MaxRetries,
		BackoffInitial: time.Duration(cfg.RetryBackoffInitialMs) * time.Millisecond,
		BackoffFactor:  cfg.RetryBackoffFactor,
		BackoffMax:     time.Duration(cfg.RetryBackoffMaxMs) * time.Millisecond,
		Deadline:       cfg.DeadlineEventProcessing,
	}, c.PositionEngine, c.PositionEngine, c.InventoryEngine, c.DeadLetterRepo, c.Bus, log)

	c.Publisher = egress.NewPublisher(c.Bus, cfg.ShardCount, log)
}

func initializeJobs(c *Container, cfg *config.Config, log zerolog.Logger) error {
	c.Rollover = scheduler.NewRolloverService(c.PositionEngine, c.InventoryEngine,
		c.LimitEngine, cfg.Markets, log)

	if cfg.Backup.Enabled() {
		objects, err := reliability.NewS3Store(context.Background(), cfg.Backup, log)
		if err != nil {
			return fmt.Errorf("failed to initialize backup storage: %w", err)
		}
		c.Backup = reliability.NewBackupService(c.StoreList(), objects,
			cfg.DataDir, cfg.Backup.Prefix, 14, log)
	}

	c.Scheduler = scheduler.New(log)

	rolloverSpec, err := scheduler.DailyAtUTC(cfg.EODRolloverTimeUTC)
	if err != nil {
		return fmt.Errorf("invalid EOD rollover time: %w", err)
	}
	if err := c.Scheduler.AddJob(rolloverSpec,
		scheduler.NewRolloverJob(c.Rollover, c.Processor)); err != nil {
		return fmt.Errorf("failed to schedule rollover: %w", err)
	}
	if err := c.Scheduler.AddJob("@every 5m",
		scheduler.NewPendingSweepJob(c.PositionEngine, c.Processor)); err != nil {
		return fmt.Errorf("failed to schedule pending sweep: %w", err)
	}
	if err := c.Scheduler.AddJob("@every 15m",
		scheduler.NewWALCheckpointJob(c.StoreList(), c.Processor)); err != nil {
		return fmt.Errorf("failed to schedule WAL checkpoint: %w", err)
	}
	if c.Backup != nil {
		if err := c.Scheduler.AddJob("@every 6h",
			scheduler.NewBackupJob(c.Backup, c.Processor)); err != nil {
			return fmt.Errorf("failed to schedule backup: %w", err)
		}
	}
	return nil
}

// BuildServer assembles the HTTP server over the wired container.
func (c *Container) BuildServer() *server.Server {
	modules := []server.RouteRegistrar{
		rulehandlers.NewHandler(c.RuleEngine, c.Log),
		positionhandlers.NewHandler(c.PositionEngine, c.Log),
		inventoryhandlers.NewHandler(c.InventoryEngine, c.Log),
		limithandlers.NewHandler(c.LimitEngine, c.Log),
	}

	return server.New(server.Config{
		Log:         c.Log,
		Cfg:         c.Cfg,
		Stores:      c.Stores(),
		Modules:     modules,
		Processor:   c.Processor,
		History:     c.HistoryRepo,
		DeadLetters: c.DeadLetterRepo,
		Dispatcher:  c.Dispatcher,
		Publisher:   c.Publisher,
		Jobs:        c.manualJobs(),
	})
}

// manualJobs are the operator-triggerable jobs exposed by the system API.
func (c *Container) manualJobs() map[string]func(ctx context.Context) error {
	jobs := map[string]func(ctx context.Context) error{
		queue.JobEODRollover: func(ctx context.Context) error {
			return c.Rollover.Run(ctx, domain.Today())
		},
		queue.JobPendingSweep: func(ctx context.Context) error {
			_, err := c.PositionEngine.RecalculatePositions(domain.Today(), domain.CalcPending)
			return err
		},
		queue.JobRecalcPositions: func(ctx context.Context) error {
			_, err := c.PositionEngine.RecalculatePositions(domain.Today(), "")
			return err
		},
		queue.JobRecalcInventory: func(ctx context.Context) error {
			return c.InventoryEngine.CalculateAllInventoryTypes(ctx, domain.Today())
		},
		queue.JobRecalcLimits: func(ctx context.Context) error {
			_, err := c.LimitEngine.RecalculateLimits(ctx, domain.Today())
			return err
		},
		queue.JobWALCheckpoint: func(ctx context.Context) error {
			for _, store := range c.StoreList() {
				if err := store.WALCheckpoint("TRUNCATE"); err != nil {
					return err
				}
			}
			return nil
		},
	}
	if c.Backup != nil {
		jobs[queue.JobStoreBackup] = func(ctx context.Context) error {
			return c.Backup.Run(ctx)
		}
	}
	return jobs
}

// Start launches the background machinery: the dispatcher shards, the job
// processor loop, the egress publisher, and the scheduler.
func (c *Container) Start(ctx context.Context) {
	c.Publisher.Start()
	c.Dispatcher.Start(ctx)
	go c.Processor.Run()
	c.Scheduler.Start()
}

// Stop winds the machinery down in reverse order, draining queues.
func (c *Container) Stop() {
	c.Scheduler.Stop()
	c.Dispatcher.Stop()
	c.Processor.Stop()
	c.Publisher.Stop()
}

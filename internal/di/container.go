// Package di wires the calculation core together: stores, repositories,
// engines, the event plumbing, background jobs, and the HTTP server.
package di

import (
	"github.com/rs/zerolog"

	"github.com/seclend/imscore/internal/config"
	"github.com/seclend/imscore/internal/database"
	"github.com/seclend/imscore/internal/egress"
	"github.com/seclend/imscore/internal/events"
	"github.com/seclend/imscore/internal/ingress"
	"github.com/seclend/imscore/internal/modules/inventory"
	"github.com/seclend/imscore/internal/modules/limits"
	"github.com/seclend/imscore/internal/modules/positions"
	"github.com/seclend/imscore/internal/modules/rules"
	"github.com/seclend/imscore/internal/modules/securities"
	"github.com/seclend/imscore/internal/queue"
	"github.com/seclend/imscore/internal/reliability"
	"github.com/seclend/imscore/internal/scheduler"
)

// Container holds every wired component. Fields are populated by Wire in
// dependency order.
type Container struct {
	Cfg *config.Config
	Log zerolog.Logger

	// Stores. One sqlite database per entity family plus the cache store
	// for ephemeral operational data.
	RefDataDB   *database.DB
	PositionsDB *database.DB
	InventoryDB *database.DB
	LimitsDB    *database.DB
	RulesDB     *database.DB
	CacheDB     *database.DB

	Bus *events.Bus

	SecurityRepo   *securities.Repository
	PositionRepo   *positions.Repository
	InventoryRepo  *inventory.Repository
	LimitRepo      *limits.Repository
	RuleRepo       *rules.Repository
	HistoryRepo    *queue.HistoryRepository
	DeadLetterRepo *ingress.DeadLetterRepository

	RuleEngine      *rules.Engine
	PositionEngine  *positions.Engine
	InventoryEngine *inventory.Engine
	LimitEngine     *limits.Engine

	Processor  *queue.Processor
	Dispatcher *ingress.Dispatcher
	Publisher  *egress.Publisher

	Scheduler *scheduler.Scheduler
	Rollover  *scheduler.RolloverService
	Backup    *reliability.BackupService // nil when backups are not configured
}

// Stores returns the entity stores keyed by name, for health checks,
// stats, checkpoints, and backups.
func (c *Container) Stores() map[string]*database.DB {
	return map[string]*database.DB{
		"refdata":   c.RefDataDB,
		"positions": c.PositionsDB,
		"inventory": c.InventoryDB,
		"limits":    c.LimitsDB,
		"rules":     c.RulesDB,
		"cache":     c.CacheDB,
	}
}

// StoreList returns the entity stores in a stable order.
func (c *Container) StoreList() []*database.DB {
	return []*database.DB{
		c.RefDataDB, c.PositionsDB, c.InventoryDB, c.LimitsDB, c.RulesDB, c.CacheDB,
	}
}

// Close closes every store. Safe to call on a partially wired container.
func (c *Container) Close() {
	for _, db := range c.StoreList() {
		if db != nil {
			_ = db.Close()
		}
	}
}

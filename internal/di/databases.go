package di

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/seclend/imscore/internal/config"
	"github.com/seclend/imscore/internal/database"
)

// InitializeDatabases opens the six stores and applies schemas.
//
//	refdata.db   - securities reference data
//	positions.db - positions and applied-trade markers
//	inventory.db - availability records and contracts
//	limits.db    - client and aggregation-unit limits
//	rules.db     - versioned calculation rules
//	cache.db     - dead letters and job history (ephemeral)
func InitializeDatabases(container *Container, cfg *config.Config, log zerolog.Logger) error {
	stores := []struct {
		name    string
		profile database.DatabaseProfile
		target  **database.DB
	}{
		{"refdata", database.ProfileStore, &container.RefDataDB},
		{"positions", database.ProfileStore, &container.PositionsDB},
		{"inventory", database.ProfileStore, &container.InventoryDB},
		{"limits", database.ProfileStore, &container.LimitsDB},
		{"rules", database.ProfileStore, &container.RulesDB},
		{"cache", database.ProfileCache, &container.CacheDB},
	}

	for _, store := range stores {
		db, err := database.New(database.Config{
			Path:    filepath.Join(cfg.DataDir, store.name+".db"),
			Profile: store.profile,
			Name:    store.name,
		})
		if err != nil {
			container.Close()
			return fmt.Errorf("failed to initialize %s database: %w", store.name, err)
		}
		*store.target = db
	}

	for _, db := range container.StoreList() {
		if err := db.Migrate(); err != nil {
			container.Close()
			return fmt.Errorf("failed to apply schema to %s: %w", db.Name(), err)
		}
	}

	log.Info().Str("data_dir", cfg.DataDir).Msg("All stores initialized and schemas applied")
	return nil
}

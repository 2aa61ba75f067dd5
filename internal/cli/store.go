package cli

import (
	"context"
	"fmt"

	"github.com/manpreetbhatti/scenesync/internal/config"
	"github.com/manpreetbhatti/scenesync/internal/store"
	"github.com/manpreetbhatti/scenesync/internal/store/bolt"
	"github.com/manpreetbhatti/scenesync/internal/store/memstore"
	"github.com/manpreetbhatti/scenesync/internal/store/postgres"
	"github.com/manpreetbhatti/scenesync/internal/store/sqlite"
)

// openStore opens the store named by cfg.Driver.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return sqlite.New(ctx, cfg.Path)
	case config.DriverBolt:
		return bolt.New(ctx, cfg.Path)
	case config.DriverPostgres:
		return postgres.New(ctx, cfg.DSN)
	case config.DriverMemory:
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// describeStore names the store for logs without leaking credentials.
func describeStore(cfg config.StoreConfig) string {
	switch cfg.Driver {
	case config.DriverSQLite, config.DriverBolt:
		return cfg.Driver + ":" + cfg.Path
	default:
		return cfg.Driver
	}
}

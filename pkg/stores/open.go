package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Supported store drivers.
const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
	DriverMemory = "memory"
)

// Options selects and configures a ChunkStore.
type Options struct {
	Driver     string
	Path       string
	InMemory   bool
	SyncWrites bool
	GCInterval time.Duration
	Logger     *zerolog.Logger
}

// Open creates the store named by opts.Driver, initializes it and runs its
// migrations.
func Open(ctx context.Context, opts Options) (ChunkStore, error) {
	var (
		store ChunkStore
		err   error
	)

	switch opts.Driver {
	case DriverSQLite:
		path := opts.Path
		if opts.InMemory {
			path = ":memory:"
		}
		store, err = NewSQLiteStore(SQLiteConfig{Path: path})
	case DriverBadger:
		cfg := DefaultBadgerConfig(opts.Path)
		cfg.InMemory = opts.InMemory
		cfg.SyncWrites = opts.SyncWrites
		cfg.GCInterval = opts.GCInterval
		cfg.Logger = opts.Logger
		store, err = NewBadgerStore(cfg)
	case DriverMemory, "":
		store = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

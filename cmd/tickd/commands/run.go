package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/tickstage/pkg/config"
	"github.com/openfroyo/tickstage/pkg/engine"
	"github.com/openfroyo/tickstage/pkg/region"
	"github.com/openfroyo/tickstage/pkg/stores"
	"github.com/openfroyo/tickstage/pkg/telemetry"
	"github.com/openfroyo/tickstage/pkg/world"
)

func newRunCommand(version string) *cobra.Command {
	var (
		saveInterval time.Duration
		pregen       int
		spawn        int
		noWatch      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the world at the configured tick rate",
		Long: `Run the world until interrupted.

The server:
  - restores generated sections from the store
  - ticks at the configured rate and serves Prometheus metrics
  - saves live chunks on a schedule and on shutdown
  - reloads the tick rate and update threshold when the config file changes`,
		Example: `  # Run with tickstage.yaml from the current directory
  tickd run

  # Pregenerate four sections per region and spawn entities
  tickd run --pregen 4 --spawn 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, path, version, runOptions{
				saveInterval: saveInterval,
				pregen:       pregen,
				spawn:        spawn,
				watch:        !noWatch && path != "",
			})
		},
	}

	cmd.Flags().DurationVar(&saveInterval, "save-interval", 30*time.Second, "interval between chunk saves (0 disables)")
	cmd.Flags().IntVar(&pregen, "pregen", 0, "sections per region to generate before the first tick")
	cmd.Flags().IntVar(&spawn, "spawn", 0, "entities to drop into the first region")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file on change")

	return cmd
}

type runOptions struct {
	saveInterval time.Duration
	pregen       int
	spawn        int
	watch        bool
}

func runServer(ctx context.Context, cfg *config.Config, path, version string, opts runOptions) error {
	telCfg := cfg.TelemetryConfig()
	telCfg.ServiceVersion = version
	tel, err := telemetry.NewTelemetry(telCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()
	tel.Events.Subscribe(
		telemetry.LogEvents(tel.Logger.NewComponentLogger("events")),
		telemetry.FilterByLevel(telemetry.EventLevelWarning),
	)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}()

	pool, err := region.NewGenerationPool(cfg.PoolConfig(), tel)
	if err != nil {
		return err
	}
	poolStopped := false
	stopPool := func() {
		if poolStopped {
			return
		}
		poolStopped = true
		if err := pool.Shutdown(context.Background(), cfg.Generation.ShutdownTimeout); err != nil {
			log.Warn().Err(err).Msg("Generation pool shutdown failed")
		}
	}
	defer stopPool()

	coord := newDomain()
	w, err := world.New(cfg.WorldConfig(), coord,
		world.WithStore(store),
		world.WithPool(pool),
		world.WithTelemetry(tel))
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Restore(ctx); err != nil {
		return err
	}
	if opts.pregen > 0 {
		n, err := w.Pregenerate(ctx, opts.pregen)
		if err != nil {
			return err
		}
		log.Info().Int("sections", n).Msg("Pregenerated sections")
	}
	spawnEntities(w, opts.spawn)

	o, err := engine.NewOrchestrator(cfg.Settings(), coord, tel)
	if err != nil {
		return err
	}
	if err := w.Register(o); err != nil {
		return err
	}

	if opts.saveInterval > 0 {
		if _, err := o.Tasks().ScheduleRepeating(opts.saveInterval, opts.saveInterval, func(ctx context.Context) error {
			n, err := w.Save(ctx)
			if err != nil {
				return err
			}
			log.Debug().Int("chunks", n).Msg("Saved chunks")
			return nil
		}); err != nil {
			return err
		}
	}

	server, err := tel.StartMetricsServer()
	if err != nil {
		return err
	}
	if server != nil {
		log.Info().Str("address", server.Addr).Msg("Serving metrics")
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	if opts.watch {
		watcher := config.NewWatcher(path, 0, log.Logger)
		if err := watcher.Watch(ctx, func(next *config.Config) error {
			return o.ApplySettings(next.Settings())
		}); err != nil {
			log.Warn().Err(err).Msg("Config hot reload disabled")
		}
	}

	log.Info().
		Str("world", w.Name()).
		Int("regions", len(w.Regions())).
		Dur("tick_rate", cfg.Tick.Rate).
		Str("store", cfg.Store.Driver).
		Msg("Starting tick loop")

	runErr := o.Run(ctx)

	// The tick loop has stopped; finish background generation before the
	// final save so nothing is published after it.
	stopPool()

	saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := w.Save(saveCtx)
	if err != nil {
		log.Error().Err(err).Msg("Final save failed")
	} else {
		log.Info().Int("chunks", n).Msg("Saved chunks")
	}

	stats := o.Stats()
	log.Info().
		Uint64("ticks", stats.Ticks).
		Uint64("storms", stats.Storms).
		Uint64("failures", stats.Failures).
		Uint64("overruns", stats.Overruns).
		Msg("Tick loop finished")

	return runErr
}

// spawnEntities drops n entities over the first region in a small grid.
func spawnEntities(w *world.World, n int) {
	r := w.Region(0, 0)
	if r == nil || n <= 0 {
		return
	}
	side := r.Region().Config().ChunksPerSide * stores.ChunkSize
	top := float64(side - 1)
	for i := 0; i < n; i++ {
		x := float64(2+(i*3)%(side-4)) + 0.5
		z := float64(2+(i*7)%(side-4)) + 0.5
		if _, err := w.Spawn(world.Entity{X: x, Y: top, Z: z}); err != nil {
			log.Warn().Err(err).Msg("Failed to spawn entity")
		}
	}
}

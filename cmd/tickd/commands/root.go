package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/tickstage/pkg/config"
	"github.com/openfroyo/tickstage/pkg/snapshot"
	"github.com/openfroyo/tickstage/pkg/stage"
	"github.com/openfroyo/tickstage/pkg/stores"
	"github.com/openfroyo/tickstage/pkg/world"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tickd",
		Short: "tickd - tick-staged world simulation server",
		Long: `tickd runs a block world through fixed-rate ticks.

Every tick moves through ordered stages. Region managers run in parallel
within a stage, state read by the next tick is committed in one Snapshot
stage, and terrain is generated in the background and persisted to SQLite
or Badger.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default tickstage.yaml if present)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPregenCommand())
	rootCmd.AddCommand(newInspectCommand())

	return rootCmd
}

// resolveConfigPath returns the file to load, or "" when running on
// defaults.
func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	if _, err := os.Stat(config.DefaultPath); err == nil {
		return config.DefaultPath, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	return "", nil
}

// loadConfig loads the configured file or falls back to defaults.
func loadConfig() (*config.Config, string, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, "", err
	}
	if path == "" {
		log.Debug().Msg("No config file, using defaults")
		return config.Defaults(), "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	log.Debug().Str("path", path).Msg("Loaded config")
	return cfg, path, nil
}

// openStore opens the configured chunk store.
func openStore(ctx context.Context, cfg *config.Config) (stores.ChunkStore, error) {
	logger := log.Logger.With().Str("component", "store").Logger()
	store, err := stores.Open(ctx, cfg.StoreOptions(&logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}
	return store, nil
}

// newOfflineWorld builds a world for commands that do not tick. Its
// coordinator has no clock, so snapshot writes are unchecked.
func newOfflineWorld(cfg *config.Config, opts ...world.Option) (*world.World, error) {
	coord := snapshot.NewCoordinator(nil)
	return world.New(cfg.WorldConfig(), coord, opts...)
}

// newDomain creates a coordinator bound to a fresh stage clock.
func newDomain() *snapshot.Coordinator {
	return snapshot.NewCoordinator(stage.NewClock())
}

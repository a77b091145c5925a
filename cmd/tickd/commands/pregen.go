package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/tickstage/pkg/world"
)

func newPregenCommand() *cobra.Command {
	var sections int

	cmd := &cobra.Command{
		Use:   "pregen",
		Short: "Generate and persist sections without ticking",
		Long: `Generate the first N sections of every region and write them to the
configured store. Sections already stored are skipped.`,
		Example: `  # Generate eight sections per region
  tickd pregen --sections 8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sections <= 0 {
				return fmt.Errorf("--sections must be positive, got %d", sections)
			}

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			w, err := newOfflineWorld(cfg, world.WithStore(store))
			if err != nil {
				return err
			}
			defer w.Close()

			if err := w.Restore(ctx); err != nil {
				return err
			}

			start := time.Now()
			n, err := w.Pregenerate(ctx, sections)
			if err != nil {
				return err
			}

			log.Info().
				Int("sections", n).
				Int("regions", len(w.Regions())).
				Dur("duration", time.Since(start)).
				Msg("Pregeneration complete")
			return nil
		},
	}

	cmd.Flags().IntVarP(&sections, "sections", "n", 1, "sections to generate per region")

	return cmd
}

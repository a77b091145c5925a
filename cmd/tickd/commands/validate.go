package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	var printConfig bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Load the configuration on top of the defaults and validate it.

This command checks:
  - YAML syntax and unknown fields
  - Field ranges and allowed values
  - Region geometry (section width is a power of two dividing chunks per side)`,
		Example: `  # Validate tickstage.yaml
  tickd validate

  # Validate a specific file and print the effective configuration
  tickd validate -c ./prod.yaml --print`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			if path == "" {
				path = "(defaults)"
			}
			log.Info().Str("path", path).Msg("Configuration is valid")

			if !printConfig {
				return nil
			}
			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(cfg)
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}

	cmd.Flags().BoolVar(&printConfig, "print", false, "print the effective configuration")

	return cmd
}

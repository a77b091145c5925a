package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type regionSummary struct {
	Region   string `json:"region"`
	Chunks   int    `json:"chunks"`
	Sections int    `json:"sections"`
	MaxRetry int    `json:"max_attempts"`
}

func newInspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [region]",
		Short: "Show what the store holds",
		Long: `Print stored chunk and generated section counts for every region, or
for one region when named.`,
		Example: `  # Summarize every region
  tickd inspect

  # One region as JSON
  tickd inspect overworld.r.0.0 --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			regions := args
			if len(regions) == 0 {
				if regions, err = store.Regions(ctx); err != nil {
					return err
				}
			}

			summaries := make([]regionSummary, 0, len(regions))
			for _, name := range regions {
				chunks, err := store.CountChunks(ctx, name)
				if err != nil {
					return err
				}
				records, err := store.GeneratedSections(ctx, name)
				if err != nil {
					return err
				}
				s := regionSummary{Region: name, Chunks: chunks, Sections: len(records)}
				for _, rec := range records {
					if rec.Attempts > s.MaxRetry {
						s.MaxRetry = rec.Attempts
					}
				}
				summaries = append(summaries, s)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(summaries)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REGION\tCHUNKS\tSECTIONS\tMAX ATTEMPTS")
			for _, s := range summaries {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", s.Region, s.Chunks, s.Sections, s.MaxRetry)
			}
			return tw.Flush()
		},
	}

	return cmd
}

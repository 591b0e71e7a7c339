package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mswtools/msw-harvester/pkg/boundary"
	"github.com/mswtools/msw-harvester/pkg/logging"
)

func newDiscoverCmd() *cobra.Command {
	var (
		outPath    string
		categories []int
		allOnly    bool
		testMode   bool
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find the last listing page of every partition",
		Long: `discover probes each partition's listing with a coarse stride, then
binary-searches and confirms the exact last page. Results merge into the
boundary table CSV after every partition, so an interrupted run keeps what
it found.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger("discover")

			client, err := newClient()
			if err != nil {
				return err
			}
			tax, err := loadTaxonomy()
			if err != nil {
				return err
			}
			parts := tax.Partitions(selectCategories(tax, categories), allOnly)
			if len(parts) == 0 {
				return fmt.Errorf("no partitions match the requested categories")
			}

			searcher := boundary.NewSearcher(client, nil, boundary.DefaultConfig())
			ctx := cmd.Context()

			if testMode {
				// Probe page 1 of each partition only: verifies access and the
				// session token without the full search.
				for _, part := range parts {
					count := searcher.Counter(part)(ctx, 1)
					logger.Info().
						Str("partition", part.Display()).
						Int("page_1_items", count).
						Msg("Probe")
				}
				return nil
			}

			failures := 0
			for _, part := range parts {
				logger.Info().Str("partition", part.Display()).Msg("Searching for last page")

				last, err := searcher.LastPage(ctx, part)
				switch {
				case errors.Is(err, boundary.ErrNoData):
					logger.Warn().Str("partition", part.Display()).Msg("Partition has no data")
					last = 0
				case err != nil:
					if ctx.Err() != nil {
						return err
					}
					logger.Error().Err(err).Str("partition", part.Display()).Msg("Search failed")
					failures++
					continue
				}

				table := boundary.NewTable()
				table.Set(part, last)
				if err := table.Write(outPath); err != nil {
					return err
				}
				logger.Info().
					Str("partition", part.Display()).
					Int("last_page", last).
					Str("table", outPath).
					Msg("Boundary recorded")
			}

			if failures > 0 {
				return fmt.Errorf("discover finished with %d failed partitions", failures)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "data/last_pages.csv", "boundary table output path")
	cmd.Flags().IntSliceVar(&categories, "category", nil, "category IDs to search (default: all)")
	cmd.Flags().BoolVar(&allOnly, "all-only", false, "search only catch-all partitions")
	cmd.Flags().BoolVar(&testMode, "test", false, "probe page 1 of each partition without searching")
	return cmd
}

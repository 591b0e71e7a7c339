package cli

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mswtools/msw-harvester/pkg/boundary"
	"github.com/mswtools/msw-harvester/pkg/collect"
	"github.com/mswtools/msw-harvester/pkg/logging"
	"github.com/mswtools/msw-harvester/pkg/taxonomy"
)

func newCollectCmd() *cobra.Command {
	var (
		outPath     string
		tablePath   string
		categories  []int
		allOnly     bool
		workers     int
		limitPages  int
		testMode    bool
		subcategory int
	)

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Walk the listings and collect resource identifiers",
		Long: `collect walks every partition's listing pages in parallel, appends new
(ruid, partition) rows to a crash-safe working file, replays noisy pages in
a retry pass, and finally merges the rows into the output CSV. Rows already
in the output survive with their enrichment intact.

With --test, a single partition is listed to stdout and nothing is written.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger("collect")

			client, err := newClient()
			if err != nil {
				return err
			}
			tax, err := loadTaxonomy()
			if err != nil {
				return err
			}

			cfg := collect.DefaultConfig()
			if workers > 0 {
				cfg.Workers = workers
			}
			ctx := cmd.Context()

			if testMode {
				if len(categories) != 1 {
					return fmt.Errorf("--test needs exactly one --category")
				}
				part := tax.Partition(categories[0], subcategory)
				walker := collect.NewWalker(client, nil, nil, nil, cfg)
				found, err := walker.ListPartition(ctx, part, limitPages)
				if err != nil {
					return err
				}
				ruids := make([]string, 0, len(found))
				for ruid := range found {
					ruids = append(ruids, ruid)
				}
				sort.Strings(ruids)
				for _, ruid := range ruids {
					fmt.Fprintf(cmd.OutOrStdout(), "%s,%s\n", ruid, found[ruid])
				}
				return nil
			}

			table, err := boundary.LoadTable(tablePath)
			if err != nil {
				return err
			}
			if table.Len() == 0 {
				return fmt.Errorf("boundary table %s is empty: run discover first", tablePath)
			}

			store, err := collect.NewStore(outPath, tax)
			if err != nil {
				return err
			}
			defer store.Discard()

			retrier := collect.NewRetrier(client, nil, store, cfg)
			walker := collect.NewWalker(client, nil, store, retrier, cfg)

			parts := tax.Partitions(selectCategories(tax, categories), allOnly)
			walked := 0
			for _, part := range parts {
				last, ok := table.Get(part.ID)
				if !ok {
					logger.Warn().Str("partition", part.Display()).Msg("No boundary entry, skipping")
					continue
				}
				if last == 0 {
					logger.Debug().Str("partition", part.Display()).Msg("Empty partition")
					continue
				}
				if err := walker.WalkPartition(ctx, part, last, limitPages); err != nil {
					return err
				}
				walked++
			}
			if walked == 0 {
				return fmt.Errorf("no partitions walked: check --category against %s", tablePath)
			}

			if err := retrier.Drain(ctx); err != nil {
				return err
			}
			reportPath := filepath.Join(filepath.Dir(outPath), "failed_indefinite_retry.csv")
			if err := retrier.WriteFailedReport(reportPath); err != nil {
				return err
			}
			if failed := retrier.FailedPartitions(); len(failed) > 0 {
				for _, part := range failed {
					logger.Error().Str("partition", part.Display()).Msg("Partition kept a page hole after retries")
				}
				logger.Error().Str("report", reportPath).Msg("See the failed partition report")
			}

			count, err := store.Finalize()
			if err != nil {
				return err
			}
			logger.Info().
				Int("new_rows", store.RowsWritten()).
				Int("total_rows", count).
				Str("output", outPath).
				Msg("Collection finished")
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "data/collected.csv", "collected rows output path")
	cmd.Flags().StringVar(&tablePath, "last-pages", "data/last_pages.csv", "boundary table from discover")
	cmd.Flags().IntSliceVar(&categories, "category", nil, "category IDs to walk (default: all)")
	cmd.Flags().BoolVar(&allOnly, "all-only", false, "walk only catch-all partitions")
	cmd.Flags().IntVar(&workers, "workers", 0, "page fetch workers per partition (default 2)")
	cmd.Flags().IntVar(&limitPages, "limit-pages", 0, "stop each partition after this many pages (0 = all)")
	cmd.Flags().BoolVar(&testMode, "test", false, "list one partition to stdout without writing")
	cmd.Flags().IntVar(&subcategory, "subcategory", taxonomy.CatchAll, "subcategory for --test mode")
	return cmd
}

package cli

import (
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mswtools/msw-harvester/pkg/enrich"
	"github.com/mswtools/msw-harvester/pkg/logging"
)

func newEnrichCmd() *cobra.Command {
	var (
		inPath           string
		outPath          string
		force            bool
		limit            int
		limitPerCategory int
		workers          int
		retries          int
		redisAddr        string
		cacheTTL         time.Duration
		testMode         bool
	)

	const testRowsPerCategory = 50

	cmd := &cobra.Command{
		Use:   "enrich",
		Short: "Fill in date, format, and tags from the resource detail API",
		Long: `enrich reads the collected CSV and fetches per-resource detail for every
row not yet enriched in the output file. Rows are written in input order and
already enriched rows are never refetched unless --force is set. The output
file is replaced atomically, so an interrupted run leaves the previous file
intact.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger("enrich")

			client, err := newClient()
			if err != nil {
				return err
			}

			if testMode && limitPerCategory == 0 && limit == 0 {
				limitPerCategory = testRowsPerCategory
			}

			cfg := enrich.DefaultConfig()
			if workers > 0 {
				cfg.Workers = workers
			}
			if retries >= 0 {
				cfg.Retries = retries
			}

			var cache *enrich.Cache
			if redisAddr != "" {
				redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
				if err := redisClient.Ping(cmd.Context()).Err(); err != nil {
					logger.Warn().Err(err).Str("addr", redisAddr).Msg("Redis unreachable, continuing without cache")
				} else {
					cache = enrich.NewCache(redisClient, cacheTTL)
					defer redisClient.Close()
				}
			}

			pipeline := enrich.NewPipeline(enrich.NewDetailClient(client, cache, cfg), cfg)
			stats, err := pipeline.Run(cmd.Context(), enrich.Options{
				InputPath:        inPath,
				OutputPath:       outPath,
				Force:            force,
				Limit:            limit,
				LimitPerCategory: limitPerCategory,
			})
			if err != nil {
				return err
			}
			logger.Info().
				Int("rows", stats.Rows).
				Int("fetched", stats.Fetched).
				Int("already_enriched", stats.AlreadyEnriched).
				Msg("Done")
			return nil
		},
	}

	cmd.Flags().StringVar(&inPath, "in", "data/collected.csv", "collected rows input path")
	cmd.Flags().StringVar(&outPath, "out", "data/enriched.csv", "enriched rows output path")
	cmd.Flags().BoolVar(&force, "force", false, "refetch rows that are already enriched")
	cmd.Flags().IntVar(&limit, "limit", 0, "process only the first N input rows")
	cmd.Flags().IntVar(&limitPerCategory, "limit-per-category", 0, "process at most N rows per category")
	cmd.Flags().IntVar(&workers, "workers", 0, "detail fetch workers (default 2)")
	cmd.Flags().IntVar(&retries, "retries", -1, "retries per ruid on transient API errors (default 2)")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address for the detail cache (empty disables)")
	cmd.Flags().DurationVar(&cacheTTL, "redis-ttl", enrich.DefaultCacheTTL, "detail cache TTL")
	cmd.Flags().BoolVar(&testMode, "test", false, "sample run: at most 50 rows per category")
	return cmd
}

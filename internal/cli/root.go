// Package cli implements the harvester command-line interface: discover,
// collect, and enrich subcommands sharing credential and pacing flags.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mswtools/msw-harvester/pkg/auth"
	"github.com/mswtools/msw-harvester/pkg/fetch"
	"github.com/mswtools/msw-harvester/pkg/logging"
	"github.com/mswtools/msw-harvester/pkg/ratelimit"
	"github.com/mswtools/msw-harvester/pkg/taxonomy"
)

var (
	verbose      bool
	pretty       bool
	flagToken    string
	cookieFile   string
	taxonomyPath string
	requestDelay time.Duration

	rootCmd = &cobra.Command{
		Use:   "msw-harvester",
		Short: "Incremental catalog harvester for MapleStory Worlds resources",
		Long: `msw-harvester walks the MapleStory Worlds resource catalog in three
stages: discover finds the last listing page of every partition, collect
walks the listings into a CSV, and enrich fills in per-resource detail.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := logging.LevelInfo
			if verbose {
				level = logging.LevelDebug
			}
			logging.Setup(logging.Config{Level: level, Pretty: pretty, Output: os.Stderr})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
)

// Execute runs the root command.
func Execute() error {
	// Load .env early so MSW_IFWT and friends are available to flag defaults.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVar(&pretty, "pretty", false, "human-readable console log output")
	pf.StringVar(&flagToken, "ifwt", "", "session token (overrides "+auth.TokenEnv+" and --cookies)")
	pf.StringVar(&cookieFile, "cookies", "", "cookie file holding the session token")
	pf.StringVar(&taxonomyPath, "taxonomy", "", "taxonomy JSON file (default: built-in category set)")
	pf.DurationVar(&requestDelay, "delay", 700*time.Millisecond, "minimum spacing between requests")

	rootCmd.AddCommand(newDiscoverCmd())
	rootCmd.AddCommand(newCollectCmd())
	rootCmd.AddCommand(newEnrichCmd())
}

// newClient resolves credentials and builds the shared paced fetch client.
func newClient() (*fetch.Client, error) {
	creds, err := auth.Resolve(flagToken, cookieFile)
	if err != nil {
		return nil, err
	}
	if creds.Empty() {
		return nil, fmt.Errorf("no session token: pass --ifwt, set %s, or point --cookies at an exported cookie file\n\n%s",
			auth.TokenEnv, auth.TokenInstructions)
	}
	pacer := ratelimit.NewPacer(requestDelay)
	return fetch.New(fetch.DefaultConfig(), pacer, creds), nil
}

func loadTaxonomy() (*taxonomy.Taxonomy, error) {
	return taxonomy.Load(taxonomyPath)
}

// selectCategories narrows the taxonomy to the requested categories, or all
// of them when none were requested.
func selectCategories(tax *taxonomy.Taxonomy, requested []int) []int {
	if len(requested) == 0 {
		return tax.Categories()
	}
	return requested
}

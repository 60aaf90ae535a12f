/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the points ledger: the HTTP server plus one-shot
  maintenance commands that run the same ledger operations on demand.

COMMANDS:
  serve                 Start the HTTP API and the maintenance scheduler
  reconstruct MEMBER    Replay a member's log and compare with the cache
  expire-allocations    Expire allocations older than a cutoff
  event create|list|status
                        Administer issuance events

GLOBAL FLAGS:
  --config   TOML config file (optional; defaults apply without one)
  --db       SQLite database path, overrides database.path
             Use ":memory:" for an in-memory database

STARTUP SEQUENCE (serve):
  1. Load configuration
  2. Build logger, metrics, settings provider
  3. Open SQLite store (migrates schema)
  4. Build ledger service, router, scheduler
  5. Serve with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for running jobs)
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close database connection

EXAMPLES:
  ./server serve --config=./ledger.toml
  ./server serve --db=":memory:" --port=3000
  ./server reconstruct alice --currency=SP --repair
  ./server expire-allocations --older-than=2160h
  ./server event create --name="Spring round" --rate=2 --per-person-cap=50 \
      --global-cap=1000 --starts=2025-04-01T00:00:00Z --ends=2025-04-30T00:00:00Z --activate

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration file format
*/
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/points-ledger/config"
	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/logging"
	"github.com/warp/points-ledger/store/sqlite"
)

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Points economy ledger",
	Long:          `Ledger for Reward Points, Support Points, Timebank Credits and Social Horizon shares.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to TOML config file")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides database.path)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// =============================================================================
// APPLICATION WIRING
// =============================================================================

// app bundles what every command needs.
type app struct {
	cfg      config.Config
	log      *logrus.Logger
	store    *sqlite.Store
	settings ledger.SettingsProvider
	fiscal   ledger.EligibilityChecker
	closers  []io.Closer
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Close()
	}
}

func (a *app) service(opts ...ledger.Option) *ledger.Service {
	opts = append([]ledger.Option{
		ledger.WithLogger(a.log.WithField("component", "ledger")),
		ledger.WithEligibility(a.fiscal),
	}, opts...)
	return ledger.NewService(a.store, a.settings, opts...)
}

// newApp loads config, applies flag overrides and opens the store. quiet
// sends logs to stderr at warn level so command output stays clean.
func newApp(cmd *cobra.Command, quiet bool) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	dbPath, _ := cmd.Flags().GetString("db")

	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}

	a := &app{cfg: cfg}
	if quiet {
		a.log, _, _ = logging.New("warn", "text", "stderr")
	} else {
		log, closer, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
		if err != nil {
			return nil, err
		}
		a.log = log
		a.closers = append(a.closers, closer)
	}

	if path != "" {
		fs, err := config.NewFileSettings(path, a.log.WithField("component", "settings"))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.settings, a.fiscal = fs, fs.FiscalRegistry()
	} else {
		a.settings, a.fiscal = cfg.Static(), config.NewFiscalRegistry(cfg.Fiscal.RegularMembers...)
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store)

	a.log.WithField("db", cfg.Database.Path).Debug("store opened")
	return a, nil
}

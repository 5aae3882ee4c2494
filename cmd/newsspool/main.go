package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/newsspool/internal/config"
	"github.com/tunnelmesh/newsspool/internal/metrics"
	"github.com/tunnelmesh/newsspool/internal/overview"
	"github.com/tunnelmesh/newsspool/internal/storage"
	"github.com/tunnelmesh/newsspool/internal/storage/tradspool"
	"github.com/tunnelmesh/newsspool/internal/storage/trash"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "newsspool",
		Short: "Usenet article storage and overview database",
		Long: `newsspool stores Usenet articles through the storage policy in
storage.conf and maintains the per-group overview database.

Examples:
  # Store an article and index its overview line
  newsspool store article.txt

  # Print an article by token
  newsspool sm @050000000001000000050000000000000000@

  # Show overview records 100-200 of a group
  newsspool overview search comp.lang.go 100 200`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	rootCmd.AddCommand(newSMCmd())
	rootCmd.AddCommand(newStoreCmd())
	rootCmd.AddCommand(newExplainCmd())
	rootCmd.AddCommand(newOverviewCmd())
	rootCmd.AddCommand(newMetricsCmd())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("newsspool %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

// setupLogging configures the global logger. An explicit --log-level wins
// over log_level in the config file.
func setupLogging(cmd *cobra.Command) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	levelName := logLevel
	if !cmd.Flags().Changed("log-level") && cfgFile != "" {
		if cfg, err := config.LoadConfig(cfgFile); err == nil {
			levelName = cfg.LogLevel
		}
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		var err error
		if cfg, err = config.LoadConfig(cfgFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openManager builds the storage manager with every known method and
// initializes it.
func openManager(ctx context.Context, cfg *config.Config, readWrite bool) (*storage.Manager, error) {
	reg, err := storage.NewRegistry(
		trash.New(),
		tradspool.New(tradspool.Config{
			ArticlesDir: cfg.Paths.Articles,
			SpoolDir:    cfg.Paths.Spool,
			WireFormat:  cfg.Storage.WireFormatEnabled(),
			Compress:    cfg.Storage.Compress,
			StoreOnXref: cfg.Storage.StoreOnXrefEnabled(),
			Logger:      &log.Logger,
		}),
	)
	if err != nil {
		return nil, err
	}

	mgr := storage.NewManager(storage.Config{
		EtcDir:      cfg.Paths.Etc,
		Registry:    reg,
		StoreOnXref: cfg.Storage.StoreOnXrefEnabled(),
		Logger:      &log.Logger,
		Metrics:     metrics.Storage(),
	})
	if err := mgr.Setup(storage.SetupReadWrite, readWrite || cfg.Storage.ReadWrite); err != nil {
		return nil, err
	}
	if err := mgr.Setup(storage.SetupPreOpen, cfg.Storage.PreOpen); err != nil {
		return nil, err
	}
	if err := mgr.Init(ctx); err != nil {
		return nil, fmt.Errorf("initialize storage manager: %w", err)
	}
	return mgr, nil
}

func openOverview(cfg *config.Config, readOnly bool) (*overview.DB, error) {
	schema, err := overview.LoadSchema(filepath.Join(cfg.Paths.Etc, overview.SchemaFile))
	if err != nil {
		return nil, err
	}
	maxAge, err := cfg.Overview.MaxCacheAgeDuration()
	if err != nil {
		return nil, err
	}
	wait, err := cfg.Overview.CacheWaitDuration()
	if err != nil {
		return nil, err
	}
	return overview.Open(overview.Config{
		Dir:         cfg.Paths.Overview,
		Schema:      schema,
		ReadOnly:    readOnly,
		CacheSize:   cfg.Overview.CacheSize,
		PadAmount:   cfg.Overview.PadAmount,
		MaxCacheAge: maxAge,
		CacheWait:   wait,
		Logger:      &log.Logger,
		Metrics:     metrics.Overview(),
	})
}

func shutdownManager(mgr *storage.Manager) {
	if err := mgr.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("storage manager shutdown failed")
	}
}

func closeOverview(db *overview.DB) {
	if err := db.Close(); err != nil {
		log.Warn().Err(err).Msg("overview close failed")
	}
}

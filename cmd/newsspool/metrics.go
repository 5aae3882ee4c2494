package main

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/newsspool/internal/metrics"
)

func newMetricsCmd() *cobra.Command {
	var (
		listen   string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve Prometheus metrics of the overview database",
		Long: `Serve /metrics until interrupted. Group and article totals are
sampled from the overview database every --interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen == "" {
				listen = cfg.MetricsListen
			}
			if listen == "" {
				return errors.New("no listen address: set metrics_listen or --listen")
			}

			db, err := openOverview(cfg, true)
			if err != nil {
				return err
			}
			defer closeOverview(db)

			ctx, cancel := signalContext()
			defer cancel()

			collector := metrics.NewCollector(metrics.Overview(), metrics.CollectorConfig{
				Groups: db,
				Cache:  db,
			})
			go collector.Run(ctx, interval)

			log.Info().Str("overview", cfg.Paths.Overview).Msg("collecting overview metrics")
			return metrics.Serve(ctx, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default: metrics_listen from config)")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "collection interval")
	return cmd
}

package main

import (
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/minicord/minicord"
)

func runCmd() *cobra.Command {
	var (
		configPath  string
		verbose     bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the gateway and log dispatch events",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(verbose)

			opts, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			opts.Logger = &log
			opts.Handler = minicord.HandlerFunc(func(event string, data json.RawMessage) {
				e := log.Info().Str("event", event)
				if len(data) > 0 {
					e = e.RawJSON("data", data)
				}
				e.Msg("dispatch")
			})

			reg := prometheus.NewRegistry()
			opts.Registry = reg
			if metricsAddr != "" {
				go serveMetrics(log, metricsAddr, reg)
			}

			s, err := minicord.New(opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = s.Run(ctx)
			if ctx.Err() != nil {
				log.Info().Msg("shutting down")
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "minicord.yaml", "path to the yaml config file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")

	return cmd
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.Kitchen,
	}).Level(level).With().Timestamp().Logger()
}

func serveMetrics(log zerolog.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}

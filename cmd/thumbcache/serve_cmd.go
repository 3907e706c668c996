package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scttfrdmn/thumbcache/internal/service"
)

var (
	metricsPort int

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the cache with pressure control, asset watching and metrics",
		Long: "Run the cache service until interrupted: the memory pressure controller samples\n" +
			"the process, changed assets are invalidated and Prometheus metrics are served.",
		Args: cobra.NoArgs,
		RunE: runServe,
	}
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("metrics-port") {
		cfg.Global.MetricsPort = metricsPort
	}

	svc, err := service.New(cfg, service.Options{ServeMetrics: true})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdown, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return svc.Stop(shutdown)
}

func init() {
	serveCmd.Flags().IntVar(&metricsPort, "metrics-port", 9090, "port for /metrics, /health and /debug")
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kartikbazzad/bunbase/buncat/internal/engine"
	"github.com/kartikbazzad/bunbase/buncat/internal/metrics"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine with background tasks and the metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		var opts []engine.Option
		var collector *metrics.Collector
		if cfg.Metrics.Enabled {
			collector = metrics.New()
			opts = append(opts, engine.WithObserver(collector))
		}

		e, err := engine.Open(cmd.Context(), cfg, log, opts...)
		if err != nil {
			return err
		}
		log.Info("engine started: data=%s catalogs=%d", cfg.DataDir, len(e.Catalogs()))

		var srv *http.Server
		if collector != nil {
			collector.Gauge("catalogs", "Number of registered catalogs.", func() float64 {
				return float64(len(e.Catalogs()))
			})
			collector.Gauge("scheduler_running_tasks", "Background tasks currently running.", func() float64 {
				return float64(e.Scheduler().Running())
			})
			mux := http.NewServeMux()
			mux.Handle("/metrics", collector.Handler())
			srv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				log.Info("metrics listening on %s", cfg.Metrics.Addr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("metrics server: %v", err)
				}
			}()
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Info("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if srv != nil {
			_ = srv.Shutdown(ctx)
		}
		return e.Close(ctx)
	},
}

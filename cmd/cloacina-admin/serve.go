package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cloacina-io/cloacina/runner"
)

var (
	shutdownGrace time.Duration
	metricsAddr   string
)

// serveCmd starts a Runner's background loops (scheduler, executor
// pool, distributor, recovery) and blocks until SIGINT/SIGTERM, mirroring
// this codebase's usual cobra root-command shutdown pattern: catch the
// signal, call Shutdown with a grace period, then exit.
// It registers no workflows of its own: workflows are application code
// that embeds this engine as a library, not something an operator CLI
// can discover. Run with this command when the backing store itself
// needs its background loops active independent of any embedding
// process — e.g. to drive recovery and retry scheduling for pipelines
// started by other processes sharing the same database.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine's background loops (scheduler, executor, recovery) until signalled",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if err := cfg.Validate(); err != nil {
			fail(exitUsage, "invalid configuration: %v", err)
		}

		ctx := context.Background()
		r, err := runner.New(ctx, cfg)
		if err != nil {
			fail(exitDatabase, "start runner: %v", err)
		}

		r.Start(ctx)
		fmt.Printf("cloacina-admin serve: running against %s backend, pid %d\n", cfg.Backend, os.Getpid())

		if metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					fmt.Fprintf(os.Stderr, "metrics listener stopped: %v\n", err)
				}
			}()
			defer metricsSrv.Close()
			fmt.Printf("metrics exposed at http://%s/metrics\n", metricsAddr)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("shutting down...")
		if err := r.Shutdown(shutdownGrace); err != nil {
			fail(exitDatabase, "shutdown: %v", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().DurationVar(&shutdownGrace, "shutdown-grace", 10*time.Second, "time to allow in-flight tasks to finish before forcing shutdown")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to expose Prometheus metrics on; empty disables it")
}

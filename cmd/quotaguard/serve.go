package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ineyio/quotaguard/admin"
	"github.com/ineyio/quotaguard/meter"
)

var serveFlags struct {
	listen string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin API",
	Long: `Start the admin API with the stores selected in the config.

The quota and budget caches are dropped on the configured refresh schedule
so writes from other instances become visible without a restart.

Examples:
  # Start with the default config file
  quotaguard serve

  # Override the listen address
  quotaguard serve --listen 127.0.0.1:9000`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveFlags.listen, "listen", "l", "", "override admin listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.listen != "" {
		cfg.Admin.Listen = serveFlags.listen
	}

	logger := newLogger(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := meter.Multi{meter.NewPrometheusMeter(reg), meter.NewLogMeter(logger)}

	st, err := buildStack(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	refresher := admin.NewRefresher(st.engine, cfg.Admin.RefreshSchedule, logger, st.sweepers...)
	if err := refresher.Start(ctx); err != nil {
		return err
	}
	defer refresher.Stop()

	api := admin.New(st.engine, cfg.Admin.Token,
		admin.WithTransactions(st.transactions),
		admin.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		admin.WithLogger(logger),
	)
	srv := &http.Server{
		Addr:              cfg.Admin.Listen,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin API starting",
			"listen", cfg.Admin.Listen,
			"storage", cfg.Storage.Driver,
			"redis", cfg.Storage.RedisURL != "",
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("admin API stopped")
	return nil
}

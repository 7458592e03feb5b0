package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sawpanic/histvault/internal/pipeline"
	"github.com/sawpanic/histvault/internal/storage"
)

func newMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Serve health and metrics over HTTP",
		Long:  "Starts an HTTP server with /health (environment probe) and /metrics (Prometheus) endpoints.",
		RunE:  runMonitor,
	}
	cmd.Flags().String("host", "127.0.0.1", "Bind address")
	cmd.Flags().Int("port", 9187, "Bind port")
	return cmd
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, apis, logger, err := loadEnvironment()
	if err != nil {
		return err
	}
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	addr := fmt.Sprintf("%s:%d", host, port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("database unreachable at startup, /health will report degraded")
	}
	if db != nil {
		defer db.Close()
	}
	orch := pipeline.New(cfg, apis, db, vendorClientFactory(logger), logger)

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		probeCtx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		report := orch.Status(probeCtx)
		w.Header().Set("Content-Type", "application/json")
		if !report.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(report); err != nil {
			logger.Error().Err(err).Msg("health response encode failed")
		}
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("health", fmt.Sprintf("http://%s/health", addr)).
			Str("metrics", fmt.Sprintf("http://%s/metrics", addr)).
			Msg("monitor endpoints available")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("monitor server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("monitor shutdown: %w", err)
	}
	logger.Info().Msg("monitor server stopped")
	return nil
}

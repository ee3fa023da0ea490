package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/giantswarm/oauth-server/instrumentation"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authorization server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.String("listen", "", "listen address, overrides the configuration")
	cobra.CheckErr(viper.BindPFlag("listen", flags.Lookup("listen")))
}

func serve(ctx context.Context) error {
	logger := slog.Default()

	cfg, rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Error("Failed to release resources", "error", err)
		}
	}()

	h, err := rt.Handler()
	if err != nil {
		return err
	}
	defer h.Close()

	addr := cfg.ListenAddress()
	if v := viper.GetString("listen"); v != "" {
		addr = v
	}

	router := chi.NewRouter()
	prometheusEnabled := cfg.Telemetry.Enabled && cfg.Telemetry.MetricsExporter == instrumentation.ExporterPrometheus

	servers := []*http.Server{newHTTPServer(addr, router)}
	if prometheusEnabled {
		if cfg.MetricsListen != "" {
			metrics := chi.NewRouter()
			metrics.Handle("/metrics", promhttp.Handler())
			servers = append(servers, newHTTPServer(cfg.MetricsListen, metrics))
		} else {
			router.Handle("/metrics", promhttp.Handler())
		}
	}
	router.Mount("/", h.Router())

	go rt.PurgeLoop(ctx, cfg.Storage.SQLite.PurgeInterval.Std())

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			logger.Info("Listening", "addr", srv.Addr, "issuer", cfg.Issuer, "version", version)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down gracefully")
	case err = <-errCh:
		logger.Error("Server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Error("HTTP server shutdown error", "addr", srv.Addr, "error", serr)
		}
	}
	return err
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/pairlink/hostsync/internal/api"
	"github.com/pairlink/hostsync/internal/config"
	"github.com/pairlink/hostsync/internal/service"
	"github.com/pairlink/hostsync/internal/transport"
)

var (
	listenAddr string
	relayURL   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync daemon",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "local bridge listen address (overrides config)")
	serveCmd.Flags().StringVar(&relayURL, "relay", "", "device relay WebSocket URL (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if relayURL != "" {
		cfg.Relay.URL = relayURL
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := transport.NewWSClient(transport.WSConfig{
		URL:         cfg.Relay.URL,
		Token:       cfg.Relay.Token,
		CallTimeout: cfg.Relay.CallTimeout,
		Logger:      logger,
	})
	go func() {
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("device link stopped", "error", err)
		}
	}()

	core := service.NewCore(service.CoreConfig{
		Client:      client,
		Logger:      logger,
		RingBytes:   cfg.Terminal.RingBytes,
		UnbindGrace: cfg.Terminal.UnbindGrace,
	})
	core.Run(ctx)
	defer core.Stop()

	if interval := cfg.Sync.PeriodicInterval; interval > 0 {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := core.Reconcile(ctx, service.ReasonPeriodic); err != nil {
						logger.Warn("periodic reconciliation failed", "error", err)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	api.NewHandler(core, logger).Mount(r)

	srv := &http.Server{Addr: cfg.Listen, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("bridge listening", "addr", cfg.Listen, "relay", cfg.Relay.URL)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

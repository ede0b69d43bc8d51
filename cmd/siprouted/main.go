package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/siprouted/siprouted/internal/api"
	"github.com/siprouted/siprouted/internal/config"
	"github.com/siprouted/siprouted/internal/database"
	"github.com/siprouted/siprouted/internal/database/models"
	"github.com/siprouted/siprouted/internal/database/pgstore"
	"github.com/siprouted/siprouted/internal/metrics"
	sipserver "github.com/siprouted/siprouted/internal/sip"
)

func main() {
	startTime := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting siprouted",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"transports", cfg.Transports,
		"check_expires_minutes", cfg.CheckExpires,
	)

	// The embedded database always holds admin accounts; gateways live
	// there too unless an external PostgreSQL store is configured.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	admins := database.NewAdminUserRepository(db)

	var gateways database.GatewayRepository
	if cfg.PGDSN != "" {
		pg, err := pgstore.New(cfg.PGDSN)
		if err != nil {
			slog.Error("failed to open postgresql gateway store", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		gateways = pg
	} else {
		gateways = database.NewGatewayRepository(db)
	}

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	sipSrv, err := sipserver.NewServer(cfg, &gatewaySourceAdapter{repo: gateways})
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}
	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	// Metrics registry with the scrape-time collector.
	promReg := prometheus.NewRegistry()
	collector := metrics.NewCollector(
		&registrationMetricsAdapter{registry: sipSrv.Registry()},
		&gatewayCounterAdapter{repo: gateways},
		startTime,
	)
	if err := promReg.Register(collector); err != nil {
		slog.Error("failed to register metrics collector", "error", err)
		os.Exit(1)
	}
	metricsHandler := promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})

	handler := api.NewServer(cfg, gateways, admins, sipSrv.Registry(), metricsHandler)
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	sipSrv.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("siprouted stopped")
}

// gatewaySourceAdapter feeds the SIP registry from the gateway store. Only
// enabled gateways are registered.
type gatewaySourceAdapter struct {
	repo database.GatewayRepository
}

func (a *gatewaySourceAdapter) GetGateways(ctx context.Context) ([]models.Gateway, error) {
	return a.repo.ListEnabled(ctx)
}

// registrationMetricsAdapter bridges the SIP registry's registration snapshot
// to the metrics collector, converting between SIP and metrics types.
type registrationMetricsAdapter struct {
	registry *sipserver.GatewayRegistry
}

func (a *registrationMetricsAdapter) GetRegistrationEntries() []metrics.RegistrationEntry {
	snap := a.registry.Snapshot()
	entries := make([]metrics.RegistrationEntry, len(snap))
	for i, rec := range snap {
		entries[i] = metrics.RegistrationEntry{
			URI:      sipserver.GatewayURI(rec.Username, rec.Host),
			Username: rec.Username,
			Host:     rec.Host,
			Expired:  !a.registry.IsRegistered(rec.Username, rec.Host),
		}
	}
	return entries
}

// gatewayCounterAdapter exposes gateway counts from the store for metrics.
type gatewayCounterAdapter struct {
	repo database.GatewayRepository
}

func (a *gatewayCounterAdapter) CountGateways(ctx context.Context) (int64, int64, error) {
	all, err := a.repo.List(ctx)
	if err != nil {
		return 0, 0, err
	}
	var enabled int64
	for i := range all {
		if all[i].Enabled {
			enabled++
		}
	}
	return int64(len(all)), enabled, nil
}

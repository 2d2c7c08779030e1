package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yuhenglin/cardvault-backend/internal/inventory"
	"github.com/yuhenglin/cardvault-backend/internal/ledger"
	"github.com/yuhenglin/cardvault-backend/pkg/config"
	"github.com/yuhenglin/cardvault-backend/pkg/db"
	"github.com/yuhenglin/cardvault-backend/pkg/logger"
	"github.com/yuhenglin/cardvault-backend/pkg/metrics"
	"github.com/yuhenglin/cardvault-backend/pkg/migrate"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "sweeper"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "sweeper",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	sweeper, err := inventory.NewSweeper(inventory.SweeperParams{
		Store:   inventory.NewStore(dbClient.DB()),
		Orders:  ledger.NewRepository(dbClient.DB()),
		Logger:  logg,
		Metrics: metrics.NewSweepJobMetrics(prometheus.DefaultRegisterer),
		TTL:     cfg.Sweeper.ReservedTTL,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create sweeper", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"interval": cfg.Sweeper.PollInterval.String(),
		"ttl":      cfg.Sweeper.ReservedTTL.String(),
	})
	logg.Info(ctx, "starting reservation sweeper")

	go serveMetrics(ctx, cfg.Sweeper.MetricsPort, logg)

	sweeper.Run(ctx, cfg.Sweeper.PollInterval)
	logg.Info(ctx, "sweeper shutting down gracefully")
}

func serveMetrics(ctx context.Context, port string, logg *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "metrics server stopped unexpectedly", err)
	}
}

package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yuhenglin/cardvault-backend/api/routes"
	"github.com/yuhenglin/cardvault-backend/internal/fulfillment"
	"github.com/yuhenglin/cardvault-backend/internal/inventory"
	"github.com/yuhenglin/cardvault-backend/internal/ledger"
	"github.com/yuhenglin/cardvault-backend/internal/links"
	"github.com/yuhenglin/cardvault-backend/internal/merchants"
	"github.com/yuhenglin/cardvault-backend/internal/tips"
	"github.com/yuhenglin/cardvault-backend/pkg/config"
	"github.com/yuhenglin/cardvault-backend/pkg/db"
	"github.com/yuhenglin/cardvault-backend/pkg/logger"
	"github.com/yuhenglin/cardvault-backend/pkg/metrics"
	"github.com/yuhenglin/cardvault-backend/pkg/migrate"
	"github.com/yuhenglin/cardvault-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	linkRepo := links.NewRepository(dbClient.DB())
	ledgerRepo := ledger.NewRepository(dbClient.DB())
	settingsRepo := merchants.NewRepository(dbClient.DB())
	tipRepo := tips.NewRepository(dbClient.DB())
	cardStore := inventory.NewStore(dbClient.DB())

	linkService, err := links.NewService(links.ServiceParams{
		Repo:   linkRepo,
		Cards:  cardStore,
		Txn:    dbClient,
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create links service", err)
		os.Exit(1)
	}

	fulfillmentService, err := fulfillment.NewService(fulfillment.ServiceParams{
		Config:   cfg,
		Logger:   logg,
		Txn:      dbClient,
		Links:    linkRepo,
		Ledger:   ledgerRepo,
		Cards:    cardStore,
		Settings: settingsRepo,
		Metrics:  metrics.NewFulfillmentMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create fulfillment service", err)
		os.Exit(1)
	}

	tipService, err := tips.NewService(tips.ServiceParams{
		Config:   cfg,
		Logger:   logg,
		Txn:      dbClient,
		Repo:     tipRepo,
		Settings: settingsRepo,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create tips service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.RouterParams{
			Config:      cfg,
			Logger:      logg,
			DB:          dbClient,
			Redis:       redisClient,
			Links:       linkService,
			Tips:        tipService,
			Fulfillment: fulfillmentService,
			Settings:    settingsRepo,
		}),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/krishiconnect/marketplace-backend/api/routes"
	"github.com/krishiconnect/marketplace-backend/internal/inventory"
	"github.com/krishiconnect/marketplace-backend/internal/listings"
	"github.com/krishiconnect/marketplace-backend/internal/orders"
	"github.com/krishiconnect/marketplace-backend/internal/payments"
	"github.com/krishiconnect/marketplace-backend/pkg/config"
	"github.com/krishiconnect/marketplace-backend/pkg/db"
	"github.com/krishiconnect/marketplace-backend/pkg/esewa"
	"github.com/krishiconnect/marketplace-backend/pkg/instance"
	"github.com/krishiconnect/marketplace-backend/pkg/logger"
	"github.com/krishiconnect/marketplace-backend/pkg/metrics"
	"github.com/krishiconnect/marketplace-backend/pkg/migrate"
	"github.com/krishiconnect/marketplace-backend/pkg/outbox"
	"github.com/krishiconnect/marketplace-backend/pkg/redis"
)

const shutdownTimeout = 15 * time.Second

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
		Format:      cfg.App.LogFormat,
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ledger, err := inventory.NewLedger(dbClient.DB(), logg, metrics.NewInventoryMetrics(reg))
	if err != nil {
		logg.Error(context.Background(), "failed to create inventory ledger", err)
		os.Exit(1)
	}
	ordersRepo := orders.NewRepository(dbClient.DB())
	ordersService, err := orders.NewService(
		ordersRepo,
		listings.NewRepository(dbClient.DB()),
		ledger,
		dbClient,
		outbox.NewService(outbox.NewRepository(dbClient.DB()), logg),
		logg,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create orders service", err)
		os.Exit(1)
	}

	signer, err := esewa.NewSigner(cfg.Gateway)
	if err != nil {
		logg.Error(context.Background(), "failed to create gateway signer", err)
		os.Exit(1)
	}
	statusClient, err := esewa.NewStatusClient(cfg.Gateway.StatusURL, cfg.Gateway.StatusTimeout)
	if err != nil {
		logg.Error(context.Background(), "failed to create gateway status client", err)
		os.Exit(1)
	}
	paymentsService, err := payments.NewService(payments.ServiceParams{
		Repo:       ordersRepo,
		Settler:    ordersService,
		Signer:     signer,
		Status:     statusClient,
		Guard:      redisClient,
		Tx:         dbClient,
		Metrics:    metrics.NewPaymentMetrics(reg),
		Logger:     logg,
		BackendURL: cfg.URLs.Backend,
		GuardTTL:   cfg.Gateway.CallbackGuardTTL,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create payments service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
	})

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.Params{
			Config:      cfg,
			Logger:      logg,
			DB:          dbClient,
			Redis:       redisClient,
			Orders:      ordersService,
			Payments:    paymentsService,
			HTTPMetrics: metrics.NewHTTPMetrics(reg),
			Gatherer:    reg,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logg.Info(ctx, "starting api server")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-sigCtx.Done():
		logg.Info(ctx, "shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
		}
	}
}

package main

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/subflowhq/subflow/pkg/billing"
	"github.com/subflowhq/subflow/pkg/billing/paddle"
	"github.com/subflowhq/subflow/pkg/billing/pgstore"
	stripegw "github.com/subflowhq/subflow/pkg/billing/stripe"
	"github.com/subflowhq/subflow/pkg/config"
	"github.com/subflowhq/subflow/pkg/dispatch"
	"github.com/subflowhq/subflow/pkg/environment"
	"github.com/subflowhq/subflow/pkg/httpserver"
	"github.com/subflowhq/subflow/pkg/idempotency"
	"github.com/subflowhq/subflow/pkg/logger"
	"github.com/subflowhq/subflow/pkg/pg"
	"github.com/subflowhq/subflow/pkg/reconcile"
	rds "github.com/subflowhq/subflow/pkg/redis"
	billingsvc "github.com/subflowhq/subflow/svc/billing"
	webhooksvc "github.com/subflowhq/subflow/svc/webhook"
)

type appConfig struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`

	// Comma-separated list of enabled payment providers.
	Providers string `env:"PAYMENT_PROVIDERS" envDefault:"stripe"`

	WebhookDedupeTTL time.Duration `env:"WEBHOOK_DEDUPE_TTL" envDefault:"10m"`
}

func main() {
	// Missing .env is fine outside development.
	_ = godotenv.Load()

	var cfg appConfig
	config.MustLoad(&cfg)

	log := logger.New(
		logger.WithEnvironment(cfg.Environment, "subflow"),
		logger.WithContextExtractors(environment.LoggerExtractor()),
	)
	logger.SetAsDefault(log)

	ctx := context.Background()

	var pgCfg pg.Config
	config.MustLoad(&pgCfg)
	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		log.Error("failed to connect to postgres", logger.Error(err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, pgCfg, log); err != nil {
		log.Error("failed to apply migrations", logger.Error(err))
		os.Exit(1)
	}

	var redisCfg rds.Config
	config.MustLoad(&redisCfg)
	redisClient, err := rds.Connect(ctx, redisCfg)
	if err != nil {
		log.Error("failed to connect to redis", logger.Error(err))
		os.Exit(1)
	}
	defer redisClient.Close()

	store := pgstore.New(pool)
	catalog := billing.DefaultCatalog()

	gateways := buildGateways(cfg, catalog, log)
	if len(gateways) == 0 {
		log.Error("no payment gateways configured")
		os.Exit(1)
	}

	// The engine's gateway is used for cancel/resume provider calls; the
	// first configured provider is the primary one.
	engine := reconcile.NewEngine(store, gateways[0], catalog,
		reconcile.WithLogger(log))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := dispatch.NewMetrics(registry)

	dispatcher := dispatch.New(engine,
		dispatch.WithLogger(log),
		dispatch.WithMetrics(metrics))

	guard := idempotency.NewRedisGuard(redisClient, cfg.WebhookDedupeTTL)

	webhookService := webhooksvc.NewService(gateways, guard, dispatcher,
		webhooksvc.WithLogger(log),
		webhooksvc.WithMetrics(metrics))

	var billingCfg billingsvc.Config
	config.MustLoad(&billingCfg)
	billingService := billingsvc.NewService(billingCfg, engine, catalog, gateways,
		billingsvc.WithLogger(log))

	mux := chi.NewRouter()
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	mux.Use(environment.Middleware(environment.Environment(cfg.Environment)))
	mux.Get("/health", httpserver.HealthCheckHandler(ctx, log,
		pg.Healthcheck(pool),
		rds.Healthcheck(redisClient),
	))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Mount("/webhooks", webhookService.Handle())
	mux.Mount("/billing", billingService.Handle())

	srv := httpserver.New(
		httpserver.WithAddr(cfg.HTTPAddr),
		httpserver.WithLogger(log),
		httpserver.WithReadTimeout(15*time.Second),
		httpserver.WithWriteTimeout(30*time.Second),
	)
	if err := srv.Run(ctx, mux); err != nil {
		log.Error("server stopped with error", logger.Error(err))
		os.Exit(1)
	}
}

func buildGateways(cfg appConfig, catalog billing.Catalog, log *slog.Logger) []billing.PaymentGateway {
	var gateways []billing.PaymentGateway
	for _, name := range strings.Split(cfg.Providers, ",") {
		switch strings.TrimSpace(name) {
		case "stripe":
			var c stripegw.Config
			config.MustLoad(&c)
			gw, err := stripegw.New(c, catalog)
			if err != nil {
				log.Error("failed to configure stripe gateway", logger.Error(err))
				os.Exit(1)
			}
			gateways = append(gateways, gw)
		case "paddle":
			var c paddle.Config
			config.MustLoad(&c)
			gw, err := paddle.New(c, catalog)
			if err != nil {
				log.Error("failed to configure paddle gateway", logger.Error(err))
				os.Exit(1)
			}
			gateways = append(gateways, gw)
		case "":
		default:
			log.Warn("unknown payment provider ignored", logger.Provider(name))
		}
	}
	return gateways
}

package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"consentry/internal/audit"
	"consentry/internal/consent"
	consenthandler "consentry/internal/consent/handler"
	consentmetrics "consentry/internal/consent/metrics"
	"consentry/internal/consent/service"
	"consentry/internal/platform/config"
	"consentry/internal/platform/httpserver"
	"consentry/internal/platform/logger"
	"consentry/internal/platform/middleware"
	platformredis "consentry/internal/platform/redis"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in the service packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Storage: Postgres when configured, in-memory otherwise (local runs).
	var (
		store consent.Store
		tx    service.StoreTx
	)
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			log.Error("open postgres", "error", err.Error())
			os.Exit(1)
		}
		defer db.Close()
		pg := consent.NewPostgresStore(db)
		store = pg
		tx = newConsentPostgresTx(db, pg)
	} else {
		mem := consent.NewInMemoryStore()
		store = mem
		tx = service.NewMemoryTx(mem)
		log.Warn("no CONSENTRY_POSTGRES_DSN set, using in-memory store")
	}

	// Salt store: Redis when configured.
	var salts consent.SaltStore
	redisClient, err := platformredis.New(cfg.Redis())
	if err != nil {
		log.Error("redis", "error", err.Error())
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		salts = consent.NewRedisSaltStore(redisClient.Client)
	} else {
		log.Warn("no CONSENTRY_REDIS_URL set, IP hashing degrades to tenant-id salts")
	}

	// Audit pipeline: Kafka sink when brokers are configured.
	var sink audit.Sink = audit.NewMemorySink()
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink, err := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaAuditTopic)
		if err != nil {
			log.Error("kafka", "error", err.Error())
			os.Exit(1)
		}
		defer kafkaSink.Close()
		sink = kafkaSink
	}
	publisher := audit.NewPublisher(256, log)
	worker := audit.NewWorker(sink, publisher.Inbox(), log)
	go func() {
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("audit worker stopped", "error", err.Error())
		}
	}()

	svc := service.NewService(store, tx, log,
		service.WithSaltStore(salts),
		service.WithAuditPublisher(publisher),
		service.WithMetrics(consentmetrics.New()),
	)

	validator := middleware.NewHMACValidator(cfg.JWTSigningKey)
	handler := consenthandler.New(svc, log, validator, cfg.DefaultLanguage)

	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			if err := redisClient.Health(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	handler.Register(router)

	srv := httpserver.New(cfg.Addr, router)

	log.Info("starting consentry", "addr", cfg.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err.Error())
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err.Error())
	}
}

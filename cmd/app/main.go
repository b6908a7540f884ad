package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/tnmwangi/paysync/config"
	"github.com/tnmwangi/paysync/internal/bootstrap"
	"github.com/tnmwangi/paysync/internal/cache"
	"github.com/tnmwangi/paysync/internal/kafka"
	"github.com/tnmwangi/paysync/internal/repository"
	"github.com/tnmwangi/paysync/internal/service/booking"
	"github.com/tnmwangi/paysync/internal/service/consistency"
	"github.com/tnmwangi/paysync/internal/service/reconcile"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, reading system environment")
	}

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	idemTTL := time.Duration(cfg.Engine.IdempotencyTTLMinutes) * time.Minute
	var idem cache.IdempotencyStore
	if cfg.Redis.Addr != "" {
		idem = cache.NewRedisStore(cfg.Redis, idemTTL)
	} else {
		// Redis expires entries itself; the memory store needs its owner to
		// sweep, and this process is the only one writing it.
		mem := cache.NewMemoryStore(idemTTL)
		go mem.SweepEvery(ctx, time.Duration(cfg.Worker.SweepMinutes)*time.Minute)
		idem = mem
	}

	producer := kafka.NewProducer(cfg.Kafka.Brokers)
	defer producer.Close()

	bookingRepo := repository.NewBookingRepository(pool)
	paymentRepo := repository.NewPaymentRepository(pool)
	auditRepo := repository.NewAuditRepository(pool)
	txManager := repository.NewTxManager(pool, time.Duration(cfg.Engine.CommitTimeoutSeconds)*time.Second)

	bookingService := booking.NewBookingService(bookingRepo, paymentRepo, auditRepo, txManager, producer, cfg.Kafka.NotificationsTopic)
	manager := consistency.NewManager(txManager, idem, producer, cfg.Kafka.NotificationsTopic, cfg.Engine.AmountTolerance)
	reconcileService := reconcile.NewReconcileService(
		bookingRepo,
		paymentRepo,
		auditRepo,
		manager,
		cfg.Engine.AmountTolerance,
		time.Duration(cfg.Engine.PendingVerificationMinutes)*time.Minute,
	)

	if err := bootstrap.Run(ctx, cfg, bookingService, manager, reconcileService); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

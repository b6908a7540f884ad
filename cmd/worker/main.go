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
	"github.com/robfig/cron/v3"
	"github.com/tnmwangi/paysync/config"
	"github.com/tnmwangi/paysync/internal/cache"
	"github.com/tnmwangi/paysync/internal/kafka"
	"github.com/tnmwangi/paysync/internal/notify"
	"github.com/tnmwangi/paysync/internal/repository"
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

	bookingRepo := repository.NewBookingRepository(pool)
	paymentRepo := repository.NewPaymentRepository(pool)
	auditRepo := repository.NewAuditRepository(pool)
	txManager := repository.NewTxManager(pool, time.Duration(cfg.Engine.CommitTimeoutSeconds)*time.Second)

	// The worker never serves webhooks, so its idempotency store stays empty;
	// it exists only to satisfy the manager used for reconciliation repairs.
	idemTTL := time.Duration(cfg.Engine.IdempotencyTTLMinutes) * time.Minute
	manager := consistency.NewManager(txManager, cache.NewMemoryStore(idemTTL), nil, "", cfg.Engine.AmountTolerance)
	reconcileService := reconcile.NewReconcileService(
		bookingRepo,
		paymentRepo,
		auditRepo,
		manager,
		cfg.Engine.AmountTolerance,
		time.Duration(cfg.Engine.PendingVerificationMinutes)*time.Minute,
	)

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.NotificationsTopic)
	defer consumer.Close()
	sender := notify.NewSender()

	go func() {
		if err := consumer.Consume(ctx, sender.Send); err != nil {
			log.Printf("consumer stopped: %v", err)
		}
	}()

	c := cron.New()
	if _, err := c.AddFunc(cfg.Worker.ReconcileCron, func() {
		end := time.Now()
		start := end.Add(-time.Duration(cfg.Worker.ReconcileWindowHours) * time.Hour)
		summary, err := reconcileService.Run(context.Background(), start, end)
		if err != nil {
			log.Printf("scheduled reconciliation failed: %v", err)
			return
		}
		log.Printf("reconciliation %s..%s: %d matched, %d discrepancy, %d unmatched, %d pending, %d orphaned",
			start.Format(time.RFC3339), end.Format(time.RFC3339),
			summary.Counts[reconcile.ClassMatched],
			summary.Counts[reconcile.ClassDiscrepancy],
			summary.Counts[reconcile.ClassUnmatched],
			summary.Counts[reconcile.ClassPendingVerification],
			summary.Counts[reconcile.ClassOrphaned])
	}); err != nil {
		log.Fatalf("schedule reconciliation: %v", err)
	}

	c.Start()
	defer c.Stop()

	<-ctx.Done()
	log.Println("shutting down worker")
}

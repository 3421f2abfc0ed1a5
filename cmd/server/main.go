package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/ruralpay/retailpay/internal/config"
	"github.com/ruralpay/retailpay/internal/database"
	"github.com/ruralpay/retailpay/internal/events"
	"github.com/ruralpay/retailpay/internal/handlers"
	"github.com/ruralpay/retailpay/internal/ledger"
	"github.com/ruralpay/retailpay/internal/logging"
	"github.com/ruralpay/retailpay/internal/notify"
	"github.com/ruralpay/retailpay/internal/queue"
	"github.com/ruralpay/retailpay/internal/security"
	"github.com/ruralpay/retailpay/internal/services"
	"github.com/ruralpay/retailpay/internal/utility"
)

const (
	sweepInterval    = time.Minute
	reminderInterval = 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.InitDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	rdb := database.InitRedis(ctx, cfg.Redis, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	ledgerClient := ledger.NewClient(cfg.Ledger, logger)
	smsGateway := notify.NewSMSGateway(cfg.SMS, logger)
	utilityClient := utility.NewClient(cfg.Utility, logger)
	audit := security.NewAuditLogger(logger, db)
	policy := config.LoadLoanPolicy()

	// A nil enqueuer runs every component without the job queue.
	var enqueuer queue.Enqueuer
	var pipeline *queue.Pipeline
	if cfg.Queue.Enabled {
		pipeline = queue.NewPipeline(newBroker(cfg.Queue, rdb, logger),
			queue.PoliciesWithConcurrency(cfg.Queue.Concurrency), logger)
		enqueuer = pipeline
	} else {
		logger.Info("job queue disabled, processing in-process")
	}
	notifier := notify.NewQueuedNotifier(smsGateway, enqueuer, logger)

	accounts := services.NewAccountRepository(db)
	wallet := services.NewWalletService(ledgerClient, accounts, cfg.Ledger, audit, logger)
	verification := services.NewVerificationService(db, ledgerClient, accounts, notifier,
		config.LoadVerificationConfig(), cfg.Ledger.Currency, audit, logger)
	loans := services.NewLoanService(db, wallet, accounts, notifier, enqueuer, policy,
		cfg.Ledger.SystemBalanceID, audit, logger)
	credit := services.NewCreditService(db, notifier, policy, logger)
	settlement := services.NewSettlementHandlers(db, wallet, loans, credit, accounts, notifier,
		smsGateway, utilityClient, policy, cfg.Ledger.SystemBalanceID, logger)

	if pipeline != nil {
		settlement.Register(pipeline)
		pipeline.Start(ctx)
	}

	go services.NewSweeper(verification, loans, sweepInterval, reminderInterval, logger).Run(ctx)

	if cfg.Kafka.Enabled {
		consumer := events.NewCreditOrderConsumer(events.NewKafkaReader(cfg.Kafka), enqueuer, credit, logger)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("credit order consumer stopped", zap.Error(err))
			}
		}()
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Webhooks:       handlers.NewWebhookHandler(rdb, enqueuer, settlement, logger),
		POS:            handlers.NewPOSHandler(verification, logger),
		Loans:          handlers.NewLoanHandler(loans, wallet, logger),
		JWTSecret:      cfg.JWT.SecretKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		Health:         db.PingContext,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if pipeline != nil {
		pipeline.Wait()
	}

	logger.Info("Server stopped")
}

// newBroker prefers Redis and falls back to the in-memory broker, which
// loses queued jobs on restart.
func newBroker(cfg config.QueueConfig, rdb *redis.Client, logger *zap.Logger) queue.Broker {
	if cfg.Backend == "redis" && rdb != nil {
		return queue.NewRedisBroker(rdb, cfg.Prefix)
	}
	if cfg.Backend == "redis" {
		logger.Warn("redis unavailable, falling back to in-memory queue")
	}
	if os.Getenv("APP_ENV") == "production" {
		logger.Warn("in-memory queue in production, jobs do not survive a restart")
	}
	return queue.NewMemoryBroker()
}

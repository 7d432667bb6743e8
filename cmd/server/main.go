package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront/config"
	"storefront/internal/api"
	"storefront/internal/broker"
	"storefront/internal/redisclient"
	"storefront/internal/service"
	"storefront/internal/store"
	"storefront/internal/store/memory"
	"storefront/internal/util"
	"storefront/internal/vnpay"
	"storefront/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, "storefront"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting storefront service", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer("storefront", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	readyChecks := map[string]api.Check{}

	var txStore store.TxStore
	switch cfg.Database.Driver {
	case "memory":
		logger.Warn("Using in-memory store; data is lost on restart")
		txStore = memory.NewStore()
	default:
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := db.Migrate(migrateCtx); err != nil {
			cancel()
			logger.Fatal("Failed to apply schema", zap.Error(err))
		}
		cancel()

		readyChecks["postgres"] = db.Ping
		txStore = db
		logger.Info("Database connected")
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	readyChecks["redis"] = redisClient.Ping
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicOrder))

	gateway := vnpay.NewGateway(vnpay.Config{
		TmnCode:     cfg.VNPay.TmnCode,
		HashSecret:  cfg.VNPay.HashSecret,
		PayURL:      cfg.VNPay.PayURL,
		ReturnURL:   cfg.VNPay.ReturnURL,
		Locale:      cfg.VNPay.Locale,
		ExpireAfter: time.Duration(cfg.VNPay.ExpireMinutes) * time.Minute,
	})
	if cfg.VNPay.HashSecret == "" {
		logger.Warn("VNPAY_HASH_SECRET is empty; gateway callbacks will not verify")
	}

	ledger := service.NewInventoryLedger(txStore)
	orderService := service.NewOrderService(txStore, ledger)
	lifecycle := service.NewOrderLifecycle(txStore, ledger)
	paymentService := service.NewPaymentService(txStore, gateway, lifecycle)
	otpService := service.NewOTPService(redisClient, service.NewLogMailer(),
		time.Duration(cfg.OTP.TTLSeconds)*time.Second, cfg.OTP.MaxAttempts)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	relay := worker.NewOutboxRelay(txStore, producer, redisClient,
		time.Duration(cfg.Business.OutboxPollIntervalMS)*time.Millisecond, cfg.Business.OutboxBatchSize)
	go func() {
		if err := relay.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Outbox relay error", zap.Error(err))
		}
	}()

	cacheConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	cacheWorker := worker.NewCacheWorker(cacheConsumer, redisClient)
	go func() {
		if err := cacheWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Cache worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Deps{
		Orders:         orderService,
		Lifecycle:      lifecycle,
		Payments:       paymentService,
		Inventory:      ledger,
		OTP:            otpService,
		Cache:          redisClient,
		JWTSecret:      []byte(cfg.Auth.JWTSecret),
		OrderPageURL:   cfg.Frontend.OrderPageURL,
		CacheTTL:       time.Duration(cfg.Business.OrderCacheTTLSeconds) * time.Second,
		ActiveCacheTTL: time.Duration(cfg.Business.ActiveOrderCacheTTLSeconds) * time.Second,
		RequestTimeout: time.Duration(cfg.Business.RequestTimeoutSeconds) * time.Second,
		ReadyChecks:    readyChecks,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := cacheWorker.Stop(); err != nil {
		logger.Warn("Cache worker stop failed", zap.Error(err))
	}

	logger.Info("Server exited")
}

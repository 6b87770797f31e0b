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

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"storefront-service/config"
	"storefront-service/internal/api"
	"storefront-service/internal/broker"
	"storefront-service/internal/notify"
	"storefront-service/internal/payment"
	"storefront-service/internal/pricing"
	"storefront-service/internal/redisclient"
	"storefront-service/internal/service"
	"storefront-service/internal/store"
	"storefront-service/internal/util"
	"storefront-service/internal/worker"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(util.LogOptions{Env: cfg.Server.Env, Level: cfg.Server.LogLevel}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting storefront service")

	// money goes over the wire as JSON numbers
	decimal.MarshalJSONWithoutQuotes = true

	tp, err := util.InitTracer(cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	if tp != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	if cfg.Database.Migrate {
		if err := db.RunMigrations(); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	logger.Info("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	mailer, err := notify.NewMailer(cfg.Mail)
	if err != nil {
		logger.Fatal("Failed to initialize mailer", zap.Error(err))
	}

	gateway := payment.NewStripeGateway(cfg.Payment, nil)
	calculator := pricing.NewCalculator(cfg.Pricing)

	reconciler := service.NewReconciliationService(
		db,
		gateway,
		notify.NewKafkaNotifier(eventPublisher),
		eventPublisher,
		redisClient,
		redisClient,
	)
	cartService := service.NewCartService(db, calculator, cfg.Checkout)
	checkoutService := service.NewCheckoutService(db, calculator, gateway, reconciler, eventPublisher, cfg.Checkout)
	orderService := service.NewOrderService(db)
	inventoryService := service.NewInventoryService(db)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	notificationConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(notificationConsumer, mailer)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Notification worker error", zap.Error(err))
		}
	}()

	sweeper := worker.NewPendingOrderSweeper(
		reconciler,
		time.Duration(cfg.Business.SweepIntervalSeconds)*time.Second,
		time.Duration(cfg.Business.OrderTimeoutSeconds)*time.Second,
	)
	go sweeper.Run(workerCtx)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(
		cartService,
		checkoutService,
		reconciler,
		orderService,
		inventoryService,
		map[string]api.Pinger{"postgres": db, "redis": redisClient},
	)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
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

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := notificationWorker.Stop(); err != nil {
		logger.Error("Failed to stop notification worker", zap.Error(err))
	}

	logger.Info("Server exited")
}

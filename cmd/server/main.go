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

	"bandachao-commerce/config"
	"bandachao-commerce/internal/api"
	"bandachao-commerce/internal/broker"
	"bandachao-commerce/internal/counter"
	"bandachao-commerce/internal/redisclient"
	"bandachao-commerce/internal/service"
	"bandachao-commerce/internal/store"
	"bandachao-commerce/internal/util"
	"bandachao-commerce/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting commerce core service")

	tp, err := util.InitTracer("bandachao-commerce", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	var fast counter.FastStore
	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		fast = redisClient
		log.Println("Redis connected")
	} else {
		log.Println("Redis disabled, reservations go straight to the database")
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	stockCounter := counter.New(fast, db,
		counter.WithOpTimeout(cfg.Inventory.OpTimeout),
		counter.WithCacheTTL(cfg.Inventory.CacheTTL),
		counter.WithReleaseTries(cfg.Inventory.ReleaseTries),
	)

	inventoryService := service.NewInventoryService(stockCounter)
	flashDropService := service.NewFlashDropService(db, eventPublisher)
	orderService := service.NewOrderService(db, inventoryService, eventPublisher)
	cancellationSaga := service.NewCancellationSaga(db, inventoryService, eventPublisher)

	ctx := context.Background()
	if err := inventoryService.SyncToFastStore(ctx); err != nil {
		log.Printf("Failed to sync inventory to fast store: %v", err)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	cancelConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup)
	cancelWorker := worker.NewCancelWorker(cancelConsumer, cancellationSaga)
	go func() {
		if err := cancelWorker.Start(workerCtx); err != nil {
			log.Printf("Cancel worker error: %v", err)
		}
	}()

	sweepWorker := worker.NewSweepWorker(flashDropService, inventoryService,
		cfg.FlashDrop.SweepInterval, cfg.Inventory.SyncInterval)
	go func() {
		if err := sweepWorker.Start(workerCtx); err != nil {
			log.Printf("Sweep worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(orderService, inventoryService, flashDropService, db)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	cancelWorker.Stop()

	log.Println("Server exited")
}

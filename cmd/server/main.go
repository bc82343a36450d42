package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-events/internal/api"
	"github.com/ignite/email-events/internal/config"
	"github.com/ignite/email-events/internal/dispatch"
	"github.com/ignite/email-events/internal/eventlog"
	"github.com/ignite/email-events/internal/governor"
	"github.com/ignite/email-events/internal/queue"
	"github.com/ignite/email-events/internal/registry"
	"github.com/ignite/email-events/internal/reputation"
	"github.com/ignite/email-events/internal/schema"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("[Server] Load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("[Server] Open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())
	if err := db.Ping(); err != nil {
		log.Fatalf("[Server] Ping database: %v", err)
	}
	defer db.Close()

	if err := schema.Ensure(context.Background(), db); err != nil {
		log.Fatalf("[Server] Ensure schema: %v", err)
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("[Server] Parse redis url: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Queue.AWSRegion))
	if err != nil {
		log.Fatalf("[Server] AWS config: %v", err)
	}
	publisher := queue.NewPublisher(sqs.NewFromConfig(awsCfg), cfg.Queue.DeliveryQueueURL)

	gov := governor.New(redisClient, governor.Config{
		MaxInFlightPerTarget: cfg.Delivery.MaxInFlightPerTarget,
		SlotTTL:              2 * cfg.Delivery.Timeout(),
		RequestsPerWindow:    cfg.RateLimit.RequestsPerWindow,
		Window:               cfg.RateLimit.Window(),
	})

	events := eventlog.NewStore(db)
	subs := registry.NewStore(db)
	rep := reputation.NewAggregator(redisClient, cfg.Reputation)
	deliveries := dispatch.NewStore(db)
	dispatcher := dispatch.New(deliveries, subs, events, gov, publisher,
		&http.Client{Timeout: cfg.Delivery.Timeout()}, cfg.Delivery)

	handlers := api.NewHandlers(events, subs, rep, dispatcher, cfg.Reputation)
	router := api.SetupRoutes(handlers, gov)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("[Server] Listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Server] Listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("[Server] Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[Server] Shutdown: %v", err)
	}
}

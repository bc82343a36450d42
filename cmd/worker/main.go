package main

import (
	"context"
	"database/sql"
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

	"github.com/ignite/email-events/internal/config"
	"github.com/ignite/email-events/internal/dispatch"
	"github.com/ignite/email-events/internal/eventlog"
	"github.com/ignite/email-events/internal/governor"
	"github.com/ignite/email-events/internal/pkg/distlock"
	"github.com/ignite/email-events/internal/queue"
	"github.com/ignite/email-events/internal/registry"
	"github.com/ignite/email-events/internal/schema"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("[Worker] Load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("[Worker] Open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())
	if err := db.Ping(); err != nil {
		log.Fatalf("[Worker] Ping database: %v", err)
	}
	defer db.Close()

	if err := schema.Ensure(context.Background(), db); err != nil {
		log.Fatalf("[Worker] Ensure schema: %v", err)
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("[Worker] Parse redis url: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Queue.AWSRegion))
	if err != nil {
		log.Fatalf("[Worker] AWS config: %v", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)
	publisher := queue.NewPublisher(sqsClient, cfg.Queue.DeliveryQueueURL)

	gov := governor.New(redisClient, governor.Config{
		MaxInFlightPerTarget: cfg.Delivery.MaxInFlightPerTarget,
		SlotTTL:              2 * cfg.Delivery.Timeout(),
	})

	deliveries := dispatch.NewStore(db)
	dispatcher := dispatch.New(deliveries, registry.NewStore(db), eventlog.NewStore(db),
		gov, publisher, &http.Client{Timeout: cfg.Delivery.Timeout()}, cfg.Delivery)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := queue.NewConsumer(sqsClient, cfg.Queue.DeliveryQueueURL, dispatcher, cfg.Worker.NumWorkers)
	consumer.Start(ctx)

	sweepLock := distlock.New(redisClient, db, "delivery-sweep", time.Minute)
	scheduler := queue.NewScheduler(deliveries, publisher, sweepLock, cfg.Queue.SchedulerInterval())
	go scheduler.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("[Worker] Shutting down")

	cancel()
	consumer.Stop()
}

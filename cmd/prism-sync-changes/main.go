// Command prism-sync-changes drains the storage change queue and fans the
// events out to api instances over Redis pub/sub.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-sync/changefeed"
)

type config struct {
	connStr  string
	queue    string
	redisURL string
	channel  string
}

func configFromEnv() (config, error) {
	cfg := config{
		connStr:  os.Getenv("STORAGE_CONNECTION_STRING"),
		queue:    os.Getenv("CHANGES_QUEUE"),
		redisURL: os.Getenv("REDIS_URL"),
		channel:  os.Getenv("CHANGES_CHANNEL"),
	}
	if cfg.channel == "" {
		cfg.channel = changefeed.DefaultChannel
	}
	if cfg.connStr == "" || cfg.queue == "" {
		return cfg, fmt.Errorf("missing STORAGE_CONNECTION_STRING or CHANGES_QUEUE")
	}
	if cfg.redisURL == "" {
		return cfg, fmt.Errorf("missing REDIS_URL")
	}
	return cfg, nil
}

func main() {
	_ = godotenv.Load()
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("change feed consumer starting")

	cfg, err := configFromEnv()
	if err != nil {
		log.Fatal(err)
	}

	queue, err := azqueue.NewQueueClientFromConnectionString(cfg.connStr, cfg.queue, nil)
	if err != nil {
		log.Fatalf("queue client: %v", err)
	}
	opts, err := redis.ParseURL(cfg.redisURL)
	if err != nil {
		log.Fatalf("redis url: %v", err)
	}
	rc := redis.NewClient(opts)
	defer rc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumer := changefeed.NewConsumer(changefeed.AzureQueue{Client: queue}, rc, cfg.channel, log.StandardLogger())
	if err := consumer.Run(ctx); err != nil {
		log.Fatal(err)
	}
	log.Info("change feed consumer stopped")
}

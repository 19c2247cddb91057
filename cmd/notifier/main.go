package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"retinalab/internal/config"
	"retinalab/internal/notify"
	"retinalab/internal/util"
	"retinalab/pkg/queue"
)

// notifier consumes study events and forwards analysis outcomes to the
// configured notification endpoint.
func main() {
	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	client, err := notify.NewClient(cfg.NotifyURL, cfg.NotifyAPIKey)
	if err != nil {
		log.Fatalf("failed to init notify client: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sub queue.Subscriber
	switch cfg.EventsBackend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		stream, err := queue.NewRedisEventStream(rdb, queue.RedisStreamConfig{Stream: cfg.EventsStream})
		if err != nil {
			log.Fatalf("failed to init event stream: %v", err)
		}
		sub = stream
	case "amqp":
		consumer, err := queue.NewAMQPConsumer(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			log.Fatalf("failed to init amqp consumer: %v", err)
		}
		defer consumer.Close()
		sub = consumer
	default:
		log.Fatalf("notifier requires eventsBackend redis or amqp, got %q", cfg.EventsBackend)
	}

	slog.Info("notifier started", "events", cfg.EventsBackend, "concurrency", cfg.NotifyConcurrency)
	if err := sub.Start(ctx, cfg.NotifyConcurrency, notify.Handler(client)); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped", "err", err)
	}
	slog.Info("notifier stopped")
}

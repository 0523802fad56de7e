package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/kelseyhightower/envconfig"

	"gatekeeper/internal/breakglass/notify"
	"gatekeeper/internal/platform/kafka/producer"
	"gatekeeper/internal/platform/logger"
)

// workerConfig is the subset of settings the notification worker reads.
type workerConfig struct {
	LogLevel          string   `envconfig:"LOG_LEVEL" default:"info"`
	RedisURL          string   `envconfig:"REDIS_URL" required:"true"`
	KafkaBrokers      []string `envconfig:"KAFKA_BROKERS"`
	NotificationTopic string   `envconfig:"NOTIFICATION_TOPIC" default:"gatekeeper.notifications"`
	Concurrency       int      `envconfig:"WORKER_CONCURRENCY" default:"10"`
}

// main runs the asynq server that delivers break-glass approver
// notifications to the log and, when brokers are configured, to Kafka.
func main() {
	var cfg workerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Default().Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("notification worker failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg workerConfig, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis uri: %w", err)
	}

	deliverers := []notify.Deliverer{notify.NewLogDeliverer(log)}
	if len(cfg.KafkaBrokers) > 0 {
		prod, err := producer.New(producer.DefaultConfig(cfg.KafkaBrokers), log)
		if err != nil {
			return fmt.Errorf("init kafka producer: %w", err)
		}
		defer func() {
			if err := prod.Close(5 * time.Second); err != nil {
				log.Warn("kafka producer close", "error", err)
			}
		}()
		stream, err := notify.NewStreamDeliverer(prod, cfg.NotificationTopic)
		if err != nil {
			return fmt.Errorf("init notification stream: %w", err)
		}
		deliverers = append(deliverers, stream)
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			notify.QueueCritical: 10,
			"default":            1,
		},
		Logger:   newAsynqLogger(log),
		LogLevel: asynq.InfoLevel,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			log.ErrorContext(ctx, "task failed",
				"type", task.Type(),
				"retry", retried,
				"max_retry", maxRetry,
				"error", err,
			)
		}),
	})

	mux := asynq.NewServeMux()
	mux.Handle(notify.TypeNotifyApprover, notify.NewHandler(log, deliverers...))

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	log.Info("notification worker started", "kafka", len(cfg.KafkaBrokers) > 0)

	<-ctx.Done()
	log.Info("shutting down notification worker")
	srv.Shutdown()
	return nil
}

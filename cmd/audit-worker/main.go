package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/apache/rocketmq-client-go/v2/consumer"
	"go.uber.org/zap"

	"assistant-relay/config"
	"assistant-relay/infra/database"
	"assistant-relay/infra/queue"
	"assistant-relay/infra/storage"
	"assistant-relay/pkg/logger"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log.Named("audit")); err != nil {
		log.Fatal("audit worker stopped", zap.Error(err))
	}
}

func run(cfg *config.AppConfig, log *zap.Logger) error {
	if !cfg.RocketMQ.Enabled() {
		return fmt.Errorf("rocketmq name servers and relay topic are required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rec := &recorder{log: log}
	db, err := database.NewPostgresDB(cfg.Postgres, log)
	if err != nil {
		log.Warn("postgres unavailable, relay events are logged only", zap.Error(err))
	} else {
		defer db.Close()
		if err := db.CreateTables(&storage.RelayEvent{}); err != nil {
			return err
		}
		rec.store = storage.NewRelayEventRepository(db.DB)
	}

	c, err := queue.NewConsumer(cfg.RocketMQ.NameServers, cfg.RocketMQ.ConsumerGroup, consumer.Clustering)
	if err != nil {
		return err
	}
	if err := c.Subscribe(cfg.RocketMQ.Topics.RelayEvent, rec.handle); err != nil {
		return fmt.Errorf("subscribe %s: %w", cfg.RocketMQ.Topics.RelayEvent, err)
	}
	if err := c.Start(); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	log.Info("consuming relay events",
		zap.Strings("name_servers", cfg.RocketMQ.NameServers),
		zap.String("topic", cfg.RocketMQ.Topics.RelayEvent),
		zap.String("group", cfg.RocketMQ.ConsumerGroup))

	<-ctx.Done()
	log.Info("shutting down")
	return c.Stop()
}

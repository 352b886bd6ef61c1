package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"assistant-relay/config"
	"assistant-relay/infra/billing"
	"assistant-relay/infra/cache"
	"assistant-relay/infra/database"
	"assistant-relay/infra/queue"
	"assistant-relay/infra/storage"
	"assistant-relay/pkg/auth"
	"assistant-relay/pkg/logger"
	"assistant-relay/pkg/registry"
	"assistant-relay/pkg/relay"
	"assistant-relay/pkg/upstream"
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

	if err := run(cfg, log); err != nil {
		log.Fatal("gateway stopped", zap.Error(err))
	}
}

func run(cfg *config.AppConfig, log *zap.Logger) error {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jwtSvc := auth.NewJWTService(cfg.Auth.JwtSecret, time.Duration(cfg.Auth.Expire_H)*time.Hour)
	if cfg.Auth.JwtSecret == "dev-secret" {
		log.Warn("JWT_SECRET not set, using the development secret")
	}

	up := upstream.New(upstream.Config{
		ChatURL:               cfg.Upstream.ChatURL,
		ChatAPIKey:            cfg.Upstream.ChatAPIKey,
		DefaultModel:          cfg.Upstream.DefaultModel,
		Referer:               cfg.FrontendURL,
		Title:                 cfg.Upstream.Title,
		TranscribeURL:         cfg.Upstream.TranscribeURL,
		TranscribeAPIKey:      cfg.Upstream.TranscribeAPIKey,
		TranscribeModel:       cfg.Upstream.TranscribeModel,
		ResponseHeaderTimeout: cfg.Upstream.ResponseHeaderTimeout,
		StreamIdleTimeout:     cfg.Upstream.StreamIdleTimeout,
		TranscribeTimeout:     cfg.Upstream.TranscribeTimeout,
	})

	deps := routerDeps{
		ServiceName:    cfg.ServerName,
		AllowedOrigins: cfg.AllowedOrigins,
		BodyLimit:      cfg.BodyLimitMB << 20,
		Verifier:       jwtSvc,
		Tokens:         jwtSvc,
		Log:            log,
	}

	var events relay.EventSink
	if cfg.RocketMQ.Enabled() {
		producer, err := queue.NewProducer(cfg.RocketMQ.NameServers, cfg.RocketMQ.GroupName, cfg.RocketMQ.MaxRetries)
		if err != nil {
			log.Warn("rocketmq unavailable, relay events disabled", zap.Error(err))
		} else {
			defer producer.Stop()
			events = queue.NewRelayEventPublisher(producer, cfg.RocketMQ.Topics.RelayEvent)
		}
	}
	deps.Relay = relay.New(jwtSvc, up, relay.Options{
		Events:      events,
		Logger:      log.Named("relay"),
		ErrorMarker: cfg.Upstream.ErrorMarker,
	})

	db, err := database.NewPostgresDB(cfg.Postgres, log)
	if err != nil {
		log.Warn("postgres unavailable, account routes disabled", zap.Error(err))
	} else {
		defer db.Close()
		if err := db.CreateTables(&storage.User{}); err != nil {
			return err
		}
		deps.Users = storage.NewUserRepository(db.DB)
	}

	if cfg.Redis.Enabled() {
		rc, err := cache.NewRedisCache(cfg.Redis)
		if err != nil {
			log.Warn("redis unavailable, running without cache", zap.Error(err))
		} else {
			defer rc.Close()
			deps.Cache = rc
			deps.Counter = rc
		}
	}

	if cfg.Stripe.Enabled() {
		deps.Billing = billing.New(billing.Config{
			SecretKey:     cfg.Stripe.SecretKey,
			PriceID:       cfg.Stripe.PriceID,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			FrontendURL:   cfg.FrontendURL,
		})
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Consul.Enabled() {
		if sm, err := registerService(cfg, log); err != nil {
			log.Warn("consul registration skipped", zap.Error(err))
		} else {
			defer func() {
				if err := sm.Stop(); err != nil {
					log.Warn("consul deregistration failed", zap.Error(err))
				}
			}()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func registerService(cfg *config.AppConfig, log *zap.Logger) (*registry.ServiceManager, error) {
	reg, err := registry.NewConsulRegistry(registry.ConsulConfig{
		Address:    cfg.Consul.Address,
		Scheme:     cfg.Consul.Scheme,
		Datacenter: cfg.Consul.Datacenter,
	}, log)
	if err != nil {
		return nil, err
	}
	localIP, err := registry.GetLocalIP()
	if err != nil {
		return nil, fmt.Errorf("get local ip: %w", err)
	}
	sm := registry.NewServiceManager(reg, &registry.ServiceConfig{
		ID:      registry.GenerateServiceID(cfg.ServerName, localIP, cfg.Port),
		Name:    cfg.ServerName,
		Tags:    []string{cfg.ServerName, "api", "relay"},
		Address: localIP,
		Port:    cfg.Port,
		HealthCheck: &registry.HealthCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health", localIP, cfg.Port),
			Interval:                       10 * time.Second,
			Timeout:                        3 * time.Second,
			DeregisterCriticalServiceAfter: 30 * time.Second,
		},
	})
	if err := sm.Start(); err != nil {
		return nil, err
	}
	return sm, nil
}

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	grpchealth "google.golang.org/grpc/health"

	"github.com/austindbirch/harborbot/internal/broker"
	"github.com/austindbirch/harborbot/internal/config"
	"github.com/austindbirch/harborbot/internal/gateway"
	"github.com/austindbirch/harborbot/internal/health"
	"github.com/austindbirch/harborbot/internal/logging"
	"github.com/austindbirch/harborbot/internal/metrics"
	"github.com/austindbirch/harborbot/internal/secrets"
	"github.com/austindbirch/harborbot/internal/tracing"
)

const (
	serviceName    = "harborbot-gateway"
	healthService  = "harborbot.gateway"
	healthInterval = 5 * time.Second
)

// window is a dedup window that can also be health checked
type window interface {
	gateway.DedupWindow
	health.Pinger
}

// loadWebhookSecret prefers the secret store; WEBHOOK_SECRET is a
// development override
func loadWebhookSecret(cfg config.Config) ([]byte, error) {
	if cfg.Gateway.Secret != "" {
		return []byte(cfg.Gateway.Secret), nil
	}
	store := secrets.NewStore(cfg.Secrets.Dir, secrets.KindOverrides(cfg.Secrets.Files))
	c, err := store.Load(secrets.KindWebhookSecret)
	if err != nil {
		return nil, err
	}
	return c.Bytes(), nil
}

func newWindow(cfg config.Config) (window, *redis.Client) {
	if cfg.Redis.Addr == "" {
		return gateway.NewMemoryWindow(cfg.Redis.DedupTTL), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return gateway.NewRedisWindow(rdb, cfg.Redis.DedupTTL), rdb
}

// newMux serves the webhook, health and metrics on one listener
func newMux(path string, webhook http.Handler, reg *prometheus.Registry, checks []health.Check) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(path, webhook)
	mux.HandleFunc("/healthz", health.HTTPHandler(checks...))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService(serviceName)
	logger := logging.New(serviceName)

	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	secret, err := loadWebhookSecret(cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("webhook secret unavailable")
	}

	win, rdb := newWindow(cfg)
	if rdb != nil {
		defer rdb.Close()
	}

	nsqBroker, err := broker.NewNSQ(broker.Config{
		NsqdTCPAddr: cfg.NSQ.NsqdTCPAddr,
		Topic:       cfg.NSQ.TasksTopic,
		DLQTopic:    cfg.NSQ.DLQTopic,
	}, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer nsqBroker.Stop()

	srv, err := gateway.NewServer(gateway.Options{
		Secret: secret,
		Window: win,
		Classifier: gateway.Rules{
			BotHandle:    cfg.Bot.Handle,
			OpenedLabels: cfg.Bot.OpenedLabels,
		},
		Publisher: nsqBroker,
		Logger:    logger,
		MaxBody:   cfg.Gateway.MaxBodySize,
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("gateway setup failed")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	checks := []health.Check{
		{Name: "nsqd", Ping: func(context.Context) error { return nsqBroker.Ping() }},
		health.From("dedup", win),
	}

	// gRPC health, SERVING only while nsqd and the dedup backend answer
	hs := grpchealth.NewServer()
	monitor := health.NewMonitor(hs, healthService, logger, checks...)
	go monitor.Run(ctx, healthInterval)

	grpcSrv := health.NewGRPCServer(hs)
	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("gateway gRPC health listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Error("gRPC serve failed")
		}
	}()

	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           newMux(cfg.Gateway.WebhookPath, srv, reg, checks),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithFields(map[string]any{"addr": cfg.HTTPPort, "path": cfg.Gateway.WebhookPath}).Info("gateway HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Error("HTTP serve failed")
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Plain().Info("Shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	logger.Plain().Info("gateway stopped")
}

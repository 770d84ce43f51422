package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harborbot/internal/broker"
	"github.com/austindbirch/harborbot/internal/config"
	"github.com/austindbirch/harborbot/internal/credentials"
	"github.com/austindbirch/harborbot/internal/db"
	"github.com/austindbirch/harborbot/internal/executor"
	"github.com/austindbirch/harborbot/internal/handlers"
	"github.com/austindbirch/harborbot/internal/health"
	"github.com/austindbirch/harborbot/internal/ledger"
	"github.com/austindbirch/harborbot/internal/logging"
	"github.com/austindbirch/harborbot/internal/metrics"
	"github.com/austindbirch/harborbot/internal/platform"
	"github.com/austindbirch/harborbot/internal/secrets"
	"github.com/austindbirch/harborbot/internal/tracing"
)

const serviceName = "harborbot-worker"

func policyFromConfig(r config.Retry) executor.Policy {
	return executor.Policy{
		MaxAttempts:     r.MaxAttempts,
		BaseDelay:       r.BaseDelay,
		Multiplier:      r.Multiplier,
		MaxDelay:        r.MaxDelay,
		Jitter:          r.JitterPercent,
		ClaimRetryDelay: r.ClaimRetryDelay,
	}
}

// workerID is stable when configured, random per process otherwise
func workerID(cfg config.Worker) string {
	if cfg.ID != "" {
		return cfg.ID
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// newIssuer loads every credential the worker needs. A missing or
// unparseable secret stops startup with faults.ErrSecretUnavailable.
func newIssuer(store *secrets.Store, exch credentials.Exchanger) (*credentials.Issuer, error) {
	creds, err := store.LoadAll(secrets.KindAppID, secrets.KindAppPrivateKey, secrets.KindCIToken, secrets.KindSigningKey)
	if err != nil {
		return nil, err
	}
	appID, err := creds[secrets.KindAppID].AppID()
	if err != nil {
		return nil, err
	}
	key, err := creds[secrets.KindAppPrivateKey].RSAKey()
	if err != nil {
		return nil, err
	}
	signer, err := creds[secrets.KindSigningKey].SSHSigner()
	if err != nil {
		return nil, err
	}

	return credentials.NewIssuer(credentials.Options{
		AppID:      appID,
		PrivateKey: key,
		Exchanger:  exch,
		CIToken:    string(creds[secrets.KindCIToken].Bytes()),
		Signer:     signer,
	})
}

type purger interface {
	Purge(ctx context.Context) (int64, error)
}

// runJanitor drops terminal ledger records past retention on every tick
func runJanitor(ctx context.Context, p purger, interval time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Purge(ctx)
			if err != nil {
				log.Plain().WithError(err).Warn("ledger purge failed")
				continue
			}
			metrics.RecordLedgerPurged(n)
			if n > 0 {
				log.Plain().WithField("purged", n).Info("ledger purge")
			}
		}
	}
}

// recordDepth publishes each depth sample as queue gauges
func recordDepth(log *logging.Logger) func([]broker.ChannelStats, error) {
	return func(stats []broker.ChannelStats, err error) {
		if err != nil {
			log.Plain().WithError(err).Warn("Failed to get NSQ stats")
			return
		}
		for _, s := range stats {
			metrics.UpdateQueue(s.Topic, s.Channel, float64(s.Depth+s.Deferred), float64(s.InFlight))
		}
	}
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

	// DB connect and ledger schema
	pool, err := db.Connect(ctx, cfg.DSN(), db.Options{
		MaxConns: cfg.DB.MaxConns,
		MaxTries: 10,
		OnRetry: func(err error, next time.Duration) {
			logger.Plain().WithError(err).WithField("retry_in", next.String()).Warn("db not ready")
		},
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("db migrate failed")
	}
	led := ledger.NewPostgres(pool, cfg.Ledger.Retention)

	factory, err := platform.NewFactory(platform.Config{
		APIURL:  cfg.Platform.APIURL,
		Rate:    cfg.Platform.Rate,
		Burst:   cfg.Platform.Burst,
		Timeout: cfg.Platform.Timeout,
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("platform client setup failed")
	}

	store := secrets.NewStore(cfg.Secrets.Dir, secrets.KindOverrides(cfg.Secrets.Files))
	issuer, err := newIssuer(store, credentials.NewGitHubExchanger(factory.App))
	if err != nil {
		logger.Plain().WithError(err).Fatal("credentials unavailable")
	}

	registry := handlers.Default(handlers.Config{
		Clients:     factory,
		HTTP:        factory.HTTPClient(),
		CIAPIURL:    cfg.Platform.CIAPIURL,
		Keys:        issuer,
		BotName:     cfg.Bot.Name,
		BotEmail:    cfg.Bot.Email,
		MergeMethod: cfg.Bot.MergeMethod,
	})

	id := workerID(cfg.Worker)
	exec, err := executor.New(executor.Options{
		WorkerID:    id,
		Ledger:      led,
		Registry:    registry,
		Credentials: issuer,
		Notifier:    handlers.NewNotifier(factory),
		Policy:      policyFromConfig(cfg.Retry),
		TaskTimeout: cfg.Worker.TaskTimeout,
		Lease:       cfg.Ledger.Lease,
		Logger:      logger,
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("executor setup failed")
	}

	nsqBroker, err := broker.NewNSQ(broker.Config{
		NsqdTCPAddr:      cfg.NSQ.NsqdTCPAddr,
		LookupdHTTPAddrs: cfg.NSQ.LookupHTTPAddrs,
		Topic:            cfg.NSQ.TasksTopic,
		Channel:          cfg.NSQ.WorkerChannel,
		DLQTopic:         cfg.NSQ.DLQTopic,
		MaxInFlight:      cfg.NSQ.MaxInFlight,
		MsgTimeout:       cfg.Ledger.Lease,
	}, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq setup failed")
	}
	defer nsqBroker.Stop()

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(
		health.From("database", pool),
		health.Check{Name: "nsqd", Ping: func(context.Context) error { return nsqBroker.Ping() }},
	))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	go runJanitor(ctx, led, cfg.Ledger.PurgeInterval, logger)
	stats := broker.NewStatsClient(cfg.NSQ.NsqdHTTPAddr, nil)
	go stats.Poll(ctx, cfg.Worker.DepthPollInterval, []string{cfg.NSQ.TasksTopic, cfg.NSQ.DLQTopic}, recordDepth(logger))

	logger.Plain().WithFields(map[string]any{"worker_id": id, "concurrency": cfg.Worker.Concurrency}).Info("worker service started")
	if err := exec.Run(ctx, nsqBroker, cfg.Worker.Concurrency); err != nil {
		logger.Plain().WithError(err).Fatal("consume failed")
	}

	logger.Plain().Info("Shutting down worker service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker service stopped")
}

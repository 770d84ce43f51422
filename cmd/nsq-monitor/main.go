package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harborbot/internal/broker"
	"github.com/austindbirch/harborbot/internal/config"
	"github.com/austindbirch/harborbot/internal/health"
	"github.com/austindbirch/harborbot/internal/logging"
	"github.com/austindbirch/harborbot/internal/metrics"
)

const serviceName = "harborbot-nsq-monitor"

// exporter turns nsqd stats samples into gauges
type exporter struct {
	tasksTopic string
	dlqTopic   string
	channel    string
	log        *logging.Logger

	// Total task backlog - what we really care about
	backlog    prometheus.Gauge
	dlqBacklog prometheus.Gauge
	up         prometheus.Gauge
}

func newExporter(cfg config.NSQ, log *logging.Logger) *exporter {
	return &exporter{
		tasksTopic: cfg.TasksTopic,
		dlqTopic:   cfg.DLQTopic,
		channel:    cfg.WorkerChannel,
		log:        log,
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harborbot_queue_backlog",
			Help: "Task envelopes waiting for the worker channel, deferred retries included.",
		}),
		dlqBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harborbot_dlq_backlog",
			Help: "Dead-letter records waiting on the dead-letter topic.",
		}),
		up: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harborbot_nsq_up",
			Help: "Whether the last nsqd stats sample succeeded.",
		}),
	}
}

// register adds the exporter's gauges and the shared queue gauges to reg
func (e *exporter) register(reg prometheus.Registerer) {
	reg.MustRegister(e.backlog, e.dlqBacklog, e.up, metrics.QueueDepth, metrics.QueueInFlight)
}

func (e *exporter) topics() []string {
	return []string{e.tasksTopic, e.dlqTopic}
}

func (e *exporter) record(stats []broker.ChannelStats, err error) {
	if err != nil {
		e.up.Set(0)
		e.log.Plain().WithError(err).Warn("Error updating metrics")
		return
	}
	e.up.Set(1)

	var dlq int64
	for _, s := range stats {
		depth := s.Depth + s.Deferred
		metrics.UpdateQueue(s.Topic, s.Channel, float64(depth), float64(s.InFlight))
		switch {
		case s.Topic == e.tasksTopic && s.Channel == e.channel:
			e.backlog.Set(float64(depth))
		case s.Topic == e.dlqTopic:
			dlq += depth
		}
	}
	e.dlqBacklog.Set(float64(dlq))
}

func newMux(reg *prometheus.Registry, stats *broker.StatsClient) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.HTTPHandler(health.Check{
		Name: "nsqd",
		Ping: func(ctx context.Context) error {
			_, err := stats.Depth(ctx)
			return err
		},
	}))
	return mux
}

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService(serviceName)
	logger := logging.New(serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	exp := newExporter(cfg.NSQ, logger)
	reg := prometheus.NewRegistry()
	exp.register(reg)

	stats := broker.NewStatsClient(cfg.NSQ.NsqdHTTPAddr, nil)
	go stats.Poll(ctx, cfg.Monitor.PollInterval, exp.topics(), exp.record)

	srv := &http.Server{Addr: cfg.Monitor.HTTPPort, Handler: newMux(reg, stats), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":     cfg.Monitor.HTTPPort,
			"nsqd":     cfg.NSQ.NsqdHTTPAddr,
			"interval": cfg.Monitor.PollInterval.String(),
		}).Info("NSQ monitor starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("NSQ monitor HTTP server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Plain().Info("NSQ monitor stopped")
}

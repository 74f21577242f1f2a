package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/mmate-logforwarder/config"
	"github.com/glimte/mmate-logforwarder/forwarder"
	"github.com/glimte/mmate-logforwarder/health"
	"github.com/glimte/mmate-logforwarder/internal/labels"
	"github.com/glimte/mmate-logforwarder/internal/logging"
	"github.com/glimte/mmate-logforwarder/internal/metrics"
	"github.com/glimte/mmate-logforwarder/internal/rabbitmq"
	"github.com/glimte/mmate-logforwarder/internal/sink"
)

const healthTimeout = 2 * time.Second

type runOptions struct {
	configPath  string
	logLevel    string
	metricsAddr string
}

func run(ctx context.Context, opts runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyOverrides(opts.logLevel, opts.metricsAddr); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to open log output: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	registry := health.NewRegistry()

	out, closers, err := buildSinks(cfg, logger, m, registry)
	if err != nil {
		return err
	}
	defer closeAll(closers, logger)

	manager, err := rabbitmq.NewConnectionManager(rabbitmq.ConnectionConfig{
		URL:               cfg.RabbitMQ.URL,
		ReconnectAttempts: cfg.RabbitMQ.ReconnectAttempts,
		ReconnectDelay:    cfg.RabbitMQ.ReconnectDelay(),
		MaxReconnectDelay: cfg.RabbitMQ.MaxReconnectDelay(),
	},
		rabbitmq.WithLogger(logger),
		rabbitmq.WithMetrics(m),
	)
	if err != nil {
		_ = out.Close()
		return fmt.Errorf("invalid configuration: %w", err)
	}

	extractor := labels.NewExtractor(labels.Config{
		StaticLabels: cfg.Labels.Static,
		Fields:       cfg.Labels.Fields,
		Headers:      cfg.Labels.Headers,
	})

	svc, err := forwarder.New(forwarder.Config{
		Queue:          cfg.RabbitMQ.Queue,
		Prefetch:       cfg.RabbitMQ.Prefetch,
		ConsumerTag:    cfg.RabbitMQ.ConsumerTag,
		HandlerTimeout: cfg.Forwarder.HandlerTimeout,
		AutoReconnect:  cfg.Forwarder.AutoReconnectEnabled(),
		ReconnectDelay: cfg.RabbitMQ.ReconnectDelay(),
		DeclareQueue:   cfg.RabbitMQ.DeclareQueue,
		Topology: rabbitmq.QueueSpec{
			Name:               cfg.RabbitMQ.Queue,
			Durable:            true,
			DeadLetterExchange: cfg.RabbitMQ.DeadLetterExchange,
			DeadLetterQueue:    cfg.RabbitMQ.DeadLetterQueue,
		},
	}, manager, out, extractor,
		forwarder.WithLogger(logger),
		forwarder.WithMetrics(m),
	)
	if err != nil {
		_ = out.Close()
		return fmt.Errorf("invalid configuration: %w", err)
	}

	registry.Register(health.NewConnectionChecker(manager))
	registry.Register(health.NewConsumerChecker(func() health.ConsumerStater {
		return svc.Consumer()
	}))

	server := newOpsServer(cfg.Metrics, reg, registry)
	go func() {
		logger.Info("serving metrics and health", "address", server.Addr, "metricsPath", cfg.Metrics.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("starting log forwarder",
		"version", version,
		"rabbitmq", rabbitmq.SanitizeURL(cfg.RabbitMQ.URL),
		"queue", cfg.RabbitMQ.Queue)

	if err := svc.Run(ctx); err != nil {
		logger.Error("log forwarder stopped", "error", err)
		return err
	}
	return nil
}

// buildSinks assembles the configured sinks behind one Sink. The returned
// closers own outputs the sinks write to and are closed after the sinks.
func buildSinks(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, registry *health.Registry) (sink.Sink, []io.Closer, error) {
	var (
		sinks   []sink.Sink
		closers []io.Closer
	)
	fail := func(err error) (sink.Sink, []io.Closer, error) {
		for _, s := range sinks {
			_ = s.Close()
		}
		closeAll(closers, logger)
		return nil, nil, err
	}

	if cfg.Sinks.StdoutEnabled() {
		w, err := logging.Writer(cfg.Sinks.Stdout.OutputConfig)
		if err != nil {
			return fail(fmt.Errorf("failed to open stdout sink output: %w", err))
		}
		closers = append(closers, w)
		entries := slog.New(logging.Handler(w, cfg.Sinks.Stdout.Format, slog.LevelDebug))
		sinks = append(sinks, sink.Instrument("stdout", sink.NewLoggerSink(entries), m))
	}

	if lc := cfg.Sinks.Loki; lc.URL != "" {
		loki, err := sink.NewLokiSink(sink.LokiConfig{
			URL:           lc.URL,
			TenantID:      lc.TenantID,
			Username:      lc.Username,
			Password:      lc.Password,
			BatchSize:     lc.BatchSize,
			MaxBuffered:   lc.MaxBuffered,
			FlushInterval: lc.FlushInterval,
			Timeout:       lc.Timeout,
		}, sink.WithLokiLogger(logger))
		if err != nil {
			return fail(fmt.Errorf("invalid loki sink: %w", err))
		}
		registry.Register(health.NewBreakerChecker("loki", loki.Breaker(), loki.Buffered))
		sinks = append(sinks, sink.Instrument("loki", loki, m))
	}

	if nc := cfg.Sinks.NATS; nc.URL != "" {
		ns, err := sink.NewNATSSink(sink.NATSConfig{
			URL:           nc.URL,
			SubjectPrefix: nc.SubjectPrefix,
			ClientName:    nc.ClientName,
			Username:      nc.Username,
			Password:      nc.Password,
		}, logger)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, sink.Instrument("nats", ns, m))
	}

	return sink.Multi(sinks...), closers, nil
}

func newOpsServer(cfg config.MetricsConfig, gatherer prometheus.Gatherer, registry *health.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health.Handler(registry, healthTimeout))
	mux.Handle("/readyz", health.ReadinessHandler(registry, healthTimeout))
	mux.Handle("/livez", health.LivenessHandler())

	return &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func closeAll(closers []io.Closer, logger *slog.Logger) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Error("failed to close output", "error", err)
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/t77yq/rmm-automation/internal/action"
	"github.com/t77yq/rmm-automation/internal/alerting"
	"github.com/t77yq/rmm-automation/internal/api"
	"github.com/t77yq/rmm-automation/internal/bus"
	"github.com/t77yq/rmm-automation/internal/config"
	"github.com/t77yq/rmm-automation/internal/evaluator"
	"github.com/t77yq/rmm-automation/internal/ingest"
	"github.com/t77yq/rmm-automation/internal/metrics"
	"github.com/t77yq/rmm-automation/internal/model"
	"github.com/t77yq/rmm-automation/internal/sampler"
	"github.com/t77yq/rmm-automation/internal/schedule"
	"github.com/t77yq/rmm-automation/internal/seed"
	"github.com/t77yq/rmm-automation/internal/storage"
	"github.com/t77yq/rmm-automation/internal/worker"
	"github.com/t77yq/rmm-automation/internal/workflow"
)

func serve(parent context.Context, cfg *config.Config, v *viper.Viper) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	level := zap.NewAtomicLevel()
	logger, err := newLogger(cfg.Log, level)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	config.Watch(v, logger, func(next *config.Config) {
		l, err := zapcore.ParseLevel(next.Log.Level)
		if err != nil {
			return
		}
		if l != level.Level() {
			level.SetLevel(l)
			logger.Info("Log level changed", zap.String("level", l.String()))
		}
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, err := storage.NewSQLiteStore(logger, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	pool := worker.NewPool(worker.Config{
		Workers:     cfg.Evaluation.Workers,
		QueueSize:   cfg.Evaluation.QueueSize,
		TaskTimeout: cfg.Evaluation.TaskTimeout,
	}, logger, m)

	var (
		nc        *nats.Conn
		eventBus  *bus.Bus
		commander action.AgentCommander
	)
	if cfg.NATS.Enabled() {
		nc, err = connectNATS(cfg.NATS, cfg.App.Name, logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		js, err := nc.JetStream()
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
		eventBus, err = bus.New(js, logger, bus.Config{
			QueueGroup: cfg.NATS.QueueGroup,
			MaxAge:     cfg.NATS.StreamMaxAge,
			AckWait:    cfg.NATS.AckWait,
			MaxDeliver: cfg.NATS.MaxDeliver,
		})
		if err != nil {
			return err
		}
		commander = eventBus
	}

	channels, closers, err := buildChannels(cfg.Alerting, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	router := alerting.NewRouter(cfg.Alerting.DefaultChannels, channels...)

	var docker action.ContainerRestarter
	if cfg.Actions.DockerEnabled {
		dc, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("failed to create docker client: %w", err)
		}
		defer dc.Close()
		docker = dc
	}

	registry := action.NewRegistry(logger, cfg.Workflow.AllowUnknownActions)
	action.RegisterBuiltins(registry, logger, action.Dependencies{
		Commander: commander,
		Docker:    docker,
		Router:    router,
		Ticket: action.TicketConfig{
			URL:     cfg.Actions.Ticket.URL,
			Headers: cfg.Actions.Ticket.Headers,
			Timeout: cfg.Actions.Ticket.Timeout,
		},
		NotifyTimeout: cfg.Actions.NotifyTimeout,
		AllowLocal:    cfg.Actions.AllowLocalScripts,
	})

	engine := workflow.NewEngine(store, store, registry, logger, workflow.EngineConfig{
		Metrics:        m,
		MaxConcurrency: cfg.Workflow.MaxConcurrency,
	})

	// Events either travel over JetStream or are queued on the local pool.
	var publisher alerting.EventPublisher = alerting.PublisherFunc(engine.AsyncSubmit(pool))
	if eventBus != nil {
		publisher = eventBus
	}

	sink := alerting.NewSink(store, router, publisher, logger, m, alerting.SinkConfig{
		DispatchTimeout: cfg.Alerting.DispatchTimeout,
		Dedup:           dedupStrategy(cfg.Alerting.Dedup),
	})
	pipeline := alerting.NewPipeline(evaluator.New(logger, store), sink, logger)
	ingester := ingest.NewService(store, pool, pipeline, logger, m)

	if eventBus != nil {
		if err := eventBus.SubscribeEvents(func(ctx context.Context, deliveryKey string, ev model.Event) error {
			_, err := engine.SubmitDelivery(ctx, deliveryKey, ev)
			if errors.Is(err, model.ErrValidation) {
				logger.Warn("Dropping invalid event", zap.Error(err))
				return nil
			}
			return err
		}); err != nil {
			return err
		}
		if cfg.NATS.SubscribeTelemetry {
			if err := eventBus.SubscribeTelemetry(func(ctx context.Context, s *model.TelemetrySample) error {
				_, err := ingester.Ingest(ctx, s)
				if errors.Is(err, model.ErrValidation) {
					logger.Warn("Dropping invalid sample", zap.Error(err))
					return nil
				}
				return err
			}); err != nil {
				return err
			}
		}
	}

	scheduler := schedule.New(publisher, logger, time.Minute)
	if cfg.Sampler.Enabled {
		sampleSink := sampler.SampleSink(func(ctx context.Context, s *model.TelemetrySample) error {
			_, err := ingester.Ingest(ctx, s)
			return err
		})
		if eventBus != nil && cfg.NATS.SubscribeTelemetry {
			sampleSink = eventBus.PublishSample
		}
		collector := sampler.NewCollector(sampler.Config{
			DeviceID: cfg.Sampler.DeviceID,
			DiskPath: cfg.Sampler.DiskPath,
		}, sampleSink, logger)
		if err := scheduler.AddFunc("host_sampler", cfg.Sampler.Schedule, collector.Run); err != nil {
			return err
		}
	}
	if cfg.Storage.SampleRetention > 0 {
		retention := cfg.Storage.SampleRetention
		if err := scheduler.AddFunc("sample_retention", cfg.Storage.RetentionSchedule, func(ctx context.Context) error {
			_, err := store.DeleteSamplesBefore(ctx, time.Now().Add(-retention))
			return err
		}); err != nil {
			return err
		}
	}

	if cfg.SeedFile != "" {
		f, err := seed.Load(cfg.SeedFile)
		if err != nil {
			return err
		}
		if _, err := seed.NewSeeder(store, store, engine, scheduler, logger).Apply(ctx, f); err != nil {
			return err
		}
	}

	scheduler.Start()

	handler := api.NewHandler(api.Dependencies{
		Ingester:  ingester,
		Alerts:    sink,
		Workflows: engine,
		Rules:     store,
		AlertLog:  store,
		Logs:      store,
		Samples:   store,
		Schedules: scheduler,
		Health:    store,
		Gatherer:  reg,
	}, logger)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down HTTP server", zap.Error(err))
	}
	scheduler.Stop()
	if eventBus != nil {
		eventBus.Close()
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop worker pool", zap.Error(err))
	}
	if err := sink.Drain(shutdownCtx); err != nil {
		logger.Error("Failed to drain notifications", zap.Error(err))
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			logger.Error("Failed to drain NATS connection", zap.Error(err))
		}
	}

	logger.Info("Shutdown complete")
	return nil
}

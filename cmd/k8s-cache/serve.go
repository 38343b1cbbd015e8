package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/client_factory"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/cluster_registry"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/config_loader"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/event_publisher"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_cache"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_watcher"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/watch_stream"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/health"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/logger"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/otel"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var ensureSchema bool

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Watch the configured clusters and keep the cache up to date",
		Long: `Start the cache in serve mode. It will:
- Connect to the cache database and every configured cluster
- List and watch each configured kind on each cluster
- Write accepted changes to the cache and tombstone deleted objects
- Publish a change event for every accepted change`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	cmd.Flags().BoolVar(&ensureSchema, "ensure-schema", false,
		"Create the cache table if it does not exist (development only)")
	return cmd
}

// runServe contains the main application logic for the serve command
func runServe() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bootstrap logger, replaced once the config names the deployment
	log, err := logger.NewLogger(buildLoggerConfig(componentName))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	info := version.Info()
	log.Infof(ctx, "Starting Renku k8s cache version=%s commit=%s built=%s tag=%s",
		info.Version, info.Commit, info.BuildDate, info.Tag)

	log.Info(ctx, "Loading cache configuration...")
	config, err := config_loader.Load(configPath)
	if err != nil {
		errCtx := logger.WithErrorField(ctx, err)
		log.Errorf(errCtx, "Failed to load cache configuration")
		return fmt.Errorf("failed to load cache configuration: %w", err)
	}

	name := config.Metadata.Name
	log, err = logger.NewLogger(buildLoggerConfig(name))
	if err != nil {
		return fmt.Errorf("failed to create logger with config: %w", err)
	}
	log.Infof(ctx, "Cache configuration loaded: name=%s clusters=%d kinds=%d driver=%s",
		name, len(config.Spec.Clusters), len(config.Spec.Kinds), config.Spec.Database.Driver)

	sampleRatio := otel.GetTraceSampleRatio(log, ctx)
	tp, err := otel.InitTracer(name, info.Version, sampleRatio)
	if err != nil {
		errCtx := logger.WithErrorField(ctx, err)
		log.Errorf(errCtx, "Failed to initialize OpenTelemetry")
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), OTelShutdownTimeout)
		defer shutdownCancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			errCtx := logger.WithErrorField(shutdownCtx, err)
			log.Warnf(errCtx, "Failed to shutdown TracerProvider")
		}
	}()

	// Readiness starts false: config is the only check marked OK here
	healthServer := health.NewServer(log, HealthServerPort, name)
	if err := healthServer.Start(ctx); err != nil {
		errCtx := logger.WithErrorField(ctx, err)
		log.Errorf(errCtx, "Failed to start health server")
		return fmt.Errorf("failed to start health server: %w", err)
	}
	healthServer.SetConfigLoaded()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), HealthServerShutdownTimeout)
		defer shutdownCancel()
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			errCtx := logger.WithErrorField(shutdownCtx, err)
			log.Warnf(errCtx, "Failed to shutdown health server")
		}
	}()

	metricsServer := health.NewMetricsServer(log, MetricsServerPort, health.MetricsConfig{
		Component: name,
		Version:   info.Version,
		Commit:    info.Commit,
	})
	if err := metricsServer.Start(ctx); err != nil {
		errCtx := logger.WithErrorField(ctx, err)
		log.Errorf(errCtx, "Failed to start metrics server")
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), HealthServerShutdownTimeout)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			errCtx := logger.WithErrorField(shutdownCtx, err)
			log.Warnf(errCtx, "Failed to shutdown metrics server")
		}
	}()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof(ctx, "Received signal %s, initiating graceful shutdown...", sig)
		// /readyz must return 503 before the watchers stop
		log.Info(ctx, "Shutdown initiated, marking not ready")
		healthServer.SetShuttingDown(true)
		cancel()

		sig = <-sigCh
		log.Infof(ctx, "Received second signal %s, forcing immediate exit", sig)
		os.Exit(1)
	}()

	log.Info(ctx, "Opening cache store...")
	cache, closeCache, err := openCache(ctx, config, ensureSchema, log)
	if err != nil {
		errCtx := logger.WithErrorField(ctx, err)
		log.Errorf(errCtx, "Failed to open cache store")
		return fmt.Errorf("failed to open cache store: %w", err)
	}
	defer closeCache()
	healthServer.SetDatabaseReady(true)
	if db, ok := cache.(health.Pinger); ok {
		go healthServer.MonitorDatabase(ctx, db, DatabasePingInterval, DatabasePingTimeout)
	}

	log.Info(ctx, "Connecting to clusters...")
	registry := cluster_registry.New(ctx, config.Spec.Clusters, client_factory.ListerWatcherFactory(log), log)
	for id := range registry.Unavailable() {
		healthServer.SetClusterState(string(id), health.ClusterUnavailable)
	}

	streams := watch_stream.NewStreams(registry, watch_stream.Config{
		InitialBackoff: config.Spec.Watch.InitialBackoffDuration(),
		MaxBackoff:     config.Spec.Watch.MaxBackoffDuration(),
		DegradedAfter:  config.Spec.Watch.DegradedAfterDuration(),
	}, log)

	watcherConfig, err := k8s_watcher.ConfigFromLoader(config)
	if err != nil {
		errCtx := logger.WithErrorField(ctx, err)
		log.Errorf(errCtx, "Invalid watch configuration")
		return fmt.Errorf("invalid watch configuration: %w", err)
	}

	queue := event_publisher.NewQueue(config.Spec.Publisher.GetQueueSize())
	sink, err := createSink(config.Spec.Publisher, log)
	if err != nil {
		errCtx := logger.WithErrorField(ctx, err)
		log.Errorf(errCtx, "Failed to create event sink")
		return fmt.Errorf("failed to create event sink: %w", err)
	}
	// Changes stay pending in the cache until their event is published
	publisher := event_publisher.New(queue, sink, config.Spec.Publisher.GetTopic(), log,
		event_publisher.WithAcknowledger(cache))

	watcher, err := k8s_watcher.New(watcherConfig, cache, streams, queue, log,
		k8s_watcher.WithMetrics(k8s_watcher.NewMetrics(prometheus.DefaultRegisterer)),
		k8s_watcher.WithClusterStateReporter(healthServer),
		k8s_watcher.WithDeferredAck(),
	)
	if err != nil {
		errCtx := logger.WithErrorField(ctx, err)
		log.Errorf(errCtx, "Failed to create watcher")
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// The publisher stops only after the watcher has returned
	publisherCtx, stopPublisher := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPublisher()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stopPublisher()
		return watcher.Run(gctx)
	})
	g.Go(func() error {
		if err := publisher.Run(publisherCtx); err != nil {
			return fmt.Errorf("publisher: %w", err)
		}
		return nil
	})

	log.Infof(ctx, "Watching %d targets", len(watcherConfig.Targets))

	if err := g.Wait(); err != nil {
		errCtx := logger.WithErrorField(ctx, err)
		log.Errorf(errCtx, "Cache stopped with error")
		return err
	}

	log.Info(ctx, "Cache shutdown complete")
	return nil
}

// openCache returns the configured store and a function releasing it.
func openCache(ctx context.Context, config *config_loader.K8sCacheConfig, createSchema bool, log logger.Logger) (k8s_cache.ObjectCache, func(), error) {
	db := config.Spec.Database
	switch db.Driver {
	case config_loader.DriverMemory:
		log.Warn(ctx, "Using the in-memory cache store, contents are lost on restart")
		return k8s_cache.NewMemoryCache(), func() {}, nil
	case config_loader.DriverPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
		defer cancel()

		pg, err := k8s_cache.Connect(connectCtx, db.URL, db.MaxConns, log)
		if err != nil {
			return nil, nil, err
		}
		if createSchema {
			if err := pg.EnsureSchema(connectCtx); err != nil {
				pg.Close()
				return nil, nil, err
			}
			log.Info(ctx, "Cache schema ensured")
		}
		return pg, pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", db.Driver)
	}
}

// createSink returns the broker sink when publishing is enabled, otherwise
// a sink that only logs the events.
func createSink(cfg config_loader.PublisherConfig, log logger.Logger) (event_publisher.Sink, error) {
	if !cfg.Enabled {
		return event_publisher.NewLogSink(log), nil
	}
	sink, err := event_publisher.NewBrokerSink(log)
	if err != nil {
		return nil, err
	}
	return sink, nil
}

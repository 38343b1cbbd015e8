package health

import (
	"context"
	"net/http"
	"time"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer serves /metrics for Prometheus.
type MetricsServer struct {
	server    *http.Server
	log       logger.Logger
	port      string
	upGauge   prometheus.Gauge
	buildInfo *prometheus.GaugeVec
}

// MetricsConfig holds configuration for metrics registration.
type MetricsConfig struct {
	Component string
	Version   string
	Commit    string
	// Registry defaults to the prometheus default registry
	Registry *prometheus.Registry
}

// NewMetricsServer registers the build_info and up metrics and prepares the
// /metrics endpoint over the same registry.
func NewMetricsServer(log logger.Logger, port string, cfg MetricsConfig) *MetricsServer {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if cfg.Registry != nil {
		registerer, gatherer = cfg.Registry, cfg.Registry
	}

	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "renku_k8s_cache_build_info",
			Help: "Build information for the k8s cache",
		},
		[]string{"component", "version", "commit"},
	)
	upGauge := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "renku_k8s_cache_up",
			Help: "Whether the k8s cache is up and running",
			ConstLabels: prometheus.Labels{
				"component": cfg.Component,
				"version":   cfg.Version,
			},
		},
	)
	registerer.MustRegister(buildInfo, upGauge)

	buildInfo.WithLabelValues(cfg.Component, cfg.Version, cfg.Commit).Set(1)
	upGauge.Set(1)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &MetricsServer{
		log:       log,
		port:      port,
		upGauge:   upGauge,
		buildInfo: buildInfo,
		server: &http.Server{
			Addr:              ":" + port,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler exposes the /metrics mux, mostly for tests.
func (s *MetricsServer) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the metrics server in a goroutine.
func (s *MetricsServer) Start(ctx context.Context) error {
	s.log.Infof(ctx, "Starting metrics server on port %s", s.port)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCtx := logger.WithErrorField(ctx, err)
			s.log.Errorf(errCtx, "Metrics server error")
		}
	}()

	return nil
}

// Shutdown sets up to 0 and stops the server.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	s.log.Info(ctx, "Shutting down metrics server...")
	s.upGauge.Set(0)
	return s.server.Shutdown(ctx)
}

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/logger"
	"k8s.io/apimachinery/pkg/util/wait"
)

// CheckStatus represents the status of a single health check.
type CheckStatus string

const (
	CheckOK    CheckStatus = "ok"
	CheckError CheckStatus = "error"
)

// ClusterState is reported per cluster in the readiness output.
type ClusterState string

const (
	ClusterHealthy     ClusterState = "healthy"
	ClusterSyncing     ClusterState = "syncing"
	ClusterDegraded    ClusterState = "degraded"
	ClusterUnavailable ClusterState = "unavailable"
)

// Names of the checks gating readiness
const (
	CheckConfig   = "config"
	CheckDatabase = "database"
)

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ReadyResponse is the /readyz body. Clusters is informational: a degraded
// cluster makes the cache stale for that cluster, not unavailable.
type ReadyResponse struct {
	Status   string                  `json:"status"`
	Message  string                  `json:"message,omitempty"`
	Checks   map[string]CheckStatus  `json:"checks,omitempty"`
	Clusters map[string]ClusterState `json:"clusters,omitempty"`
}

// Server provides HTTP health check endpoints.
type Server struct {
	server    *http.Server
	log       logger.Logger
	port      string
	component string

	// shuttingDown makes /readyz return 503 regardless of the checks
	shuttingDown atomic.Bool

	mu       sync.RWMutex
	checks   map[string]CheckStatus
	clusters map[string]ClusterState
}

// NewServer creates a new health check server. The config and database
// checks start in error state.
func NewServer(log logger.Logger, port string, component string) *Server {
	s := &Server{
		log:       log,
		port:      port,
		component: component,
		checks: map[string]CheckStatus{
			CheckConfig:   CheckError,
			CheckDatabase: CheckError,
		},
		clusters: make(map[string]ClusterState),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/readyz", s.readyzHandler)

	s.server = &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Start starts the health server in a goroutine.
func (s *Server) Start(ctx context.Context) error {
	s.log.Infof(ctx, "Starting health server on port %s", s.port)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCtx := logger.WithErrorField(ctx, err)
			s.log.Errorf(errCtx, "Health server error")
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the health server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info(ctx, "Shutting down health server...")
	return s.server.Shutdown(ctx)
}

// SetCheck sets the status of a specific health check.
func (s *Server) SetCheck(name string, status CheckStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = status
}

func (s *Server) SetConfigLoaded() {
	s.SetCheck(CheckConfig, CheckOK)
}

func (s *Server) SetDatabaseReady(ready bool) {
	if ready {
		s.SetCheck(CheckDatabase, CheckOK)
	} else {
		s.SetCheck(CheckDatabase, CheckError)
	}
}

// Pinger is a dependency that can report whether it answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MonitorDatabase pings db every interval and keeps the database check in
// step with the result until ctx is done. Each ping is bounded by timeout.
func (s *Server) MonitorDatabase(ctx context.Context, db Pinger, interval, timeout time.Duration) {
	healthy := true
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := db.Ping(pctx)
		if ctx.Err() != nil {
			return
		}
		s.SetDatabaseReady(err == nil)
		switch {
		case err != nil && healthy:
			s.log.Errorf(logger.WithErrorField(ctx, err), "Database is not answering, marking not ready")
		case err == nil && !healthy:
			s.log.Info(ctx, "Database answers again, marking ready")
		}
		healthy = err == nil
	}, interval)
}

// SetClusterState records the state of one cluster for /readyz output.
func (s *Server) SetClusterState(clusterID string, state ClusterState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusters[clusterID] = state
}

// DegradedClusters returns the sorted ids of clusters not in healthy or syncing state.
func (s *Server) DegradedClusters() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, state := range s.clusters {
		if state == ClusterDegraded || state == ClusterUnavailable {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SetShuttingDown marks the server as shutting down; /readyz then returns 503.
func (s *Server) SetShuttingDown(shuttingDown bool) {
	s.shuttingDown.Store(shuttingDown)
}

func (s *Server) IsShuttingDown() bool {
	return s.shuttingDown.Load()
}

// IsReady returns true if all checks pass and the server is not shutting down.
func (s *Server) IsReady() bool {
	if s.shuttingDown.Load() {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, status := range s.checks {
		if status != CheckOK {
			return false
		}
	}
	return true
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.shuttingDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(ReadyResponse{
			Status:  "error",
			Message: "server is shutting down",
		})
		return
	}

	s.mu.RLock()
	checks := make(map[string]CheckStatus, len(s.checks))
	allOK := true
	for name, status := range s.checks {
		checks[name] = status
		if status != CheckOK {
			allOK = false
		}
	}
	var clusters map[string]ClusterState
	if len(s.clusters) > 0 {
		clusters = make(map[string]ClusterState, len(s.clusters))
		for id, state := range s.clusters {
			clusters[id] = state
		}
	}
	s.mu.RUnlock()

	resp := ReadyResponse{Status: "ok", Checks: checks, Clusters: clusters}
	code := http.StatusOK
	if !allOK {
		resp.Status = "error"
		resp.Message = "not ready"
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readyz(t *testing.T, server *Server) (int, ReadyResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	server.readyzHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body ReadyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealthzHandler(t *testing.T) {
	server := NewServer(logger.NewTestLogger(), "8080", "k8s-cache")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	server.healthzHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var response HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&response))
	assert.Equal(t, "ok", response.Status)
}

func TestReadyzHandler(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(s *Server)
		wantCode     int
		wantStatus   string
		wantConfig   CheckStatus
		wantDatabase CheckStatus
	}{
		{
			name:         "not_ready_by_default",
			setup:        func(s *Server) {},
			wantCode:     http.StatusServiceUnavailable,
			wantStatus:   "error",
			wantConfig:   CheckError,
			wantDatabase: CheckError,
		},
		{
			name:         "config_only",
			setup:        func(s *Server) { s.SetConfigLoaded() },
			wantCode:     http.StatusServiceUnavailable,
			wantStatus:   "error",
			wantConfig:   CheckOK,
			wantDatabase: CheckError,
		},
		{
			name: "all_checks_ok",
			setup: func(s *Server) {
				s.SetConfigLoaded()
				s.SetDatabaseReady(true)
			},
			wantCode:     http.StatusOK,
			wantStatus:   "ok",
			wantConfig:   CheckOK,
			wantDatabase: CheckOK,
		},
		{
			name: "database_lost",
			setup: func(s *Server) {
				s.SetConfigLoaded()
				s.SetDatabaseReady(true)
				s.SetDatabaseReady(false)
			},
			wantCode:     http.StatusServiceUnavailable,
			wantStatus:   "error",
			wantConfig:   CheckOK,
			wantDatabase: CheckError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewServer(logger.NewTestLogger(), "8080", "k8s-cache")
			tt.setup(server)

			code, body := readyz(t, server)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, body.Status)
			assert.Equal(t, tt.wantConfig, body.Checks[CheckConfig])
			assert.Equal(t, tt.wantDatabase, body.Checks[CheckDatabase])
			assert.Equal(t, code == http.StatusOK, server.IsReady())
		})
	}
}

func TestReadyzHandler_DegradedClusterDoesNotGateReadiness(t *testing.T) {
	server := NewServer(logger.NewTestLogger(), "8080", "k8s-cache")
	server.SetConfigLoaded()
	server.SetDatabaseReady(true)
	server.SetClusterState("primary", ClusterHealthy)
	server.SetClusterState("edge", ClusterDegraded)

	code, body := readyz(t, server)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, ClusterHealthy, body.Clusters["primary"])
	assert.Equal(t, ClusterDegraded, body.Clusters["edge"])
	assert.Equal(t, []string{"edge"}, server.DegradedClusters())
}

func TestReadyzHandler_ShuttingDown(t *testing.T) {
	server := NewServer(logger.NewTestLogger(), "8080", "k8s-cache")
	server.SetConfigLoaded()
	server.SetDatabaseReady(true)
	require.True(t, server.IsReady())

	server.SetShuttingDown(true)
	assert.True(t, server.IsShuttingDown())
	assert.False(t, server.IsReady())

	code, body := readyz(t, server)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "server is shutting down", body.Message)
}

func TestSetCheck_CustomCheckGatesReadiness(t *testing.T) {
	server := NewServer(logger.NewTestLogger(), "8080", "k8s-cache")
	server.SetConfigLoaded()
	server.SetDatabaseReady(true)
	server.SetCheck("custom", CheckError)
	assert.False(t, server.IsReady())

	server.SetCheck("custom", CheckOK)
	assert.True(t, server.IsReady())
}

type switchablePinger struct {
	mu  sync.Mutex
	err error
}

func (p *switchablePinger) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *switchablePinger) set(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func TestMonitorDatabase_FollowsPing(t *testing.T) {
	server := NewServer(logger.NewTestLogger(), "8080", "k8s-cache")
	server.SetConfigLoaded()
	server.SetDatabaseReady(true)
	db := &switchablePinger{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.MonitorDatabase(ctx, db, 5*time.Millisecond, time.Second)
	}()
	defer func() {
		cancel()
		<-done
	}()

	assert.Eventually(t, server.IsReady, 5*time.Second, 5*time.Millisecond)

	db.set(errors.New("connection refused"))
	require.Eventually(t, func() bool { return !server.IsReady() }, 5*time.Second, 5*time.Millisecond)
	_, body := readyz(t, server)
	assert.Equal(t, CheckError, body.Checks[CheckDatabase])

	db.set(nil)
	assert.Eventually(t, server.IsReady, 5*time.Second, 5*time.Millisecond)
}

func TestMetricsServer_ExposesBuildInfo(t *testing.T) {
	registry := prometheus.NewRegistry()
	ms := NewMetricsServer(logger.NewTestLogger(), "9090", MetricsConfig{
		Component: "k8s-cache",
		Version:   "1.2.3",
		Commit:    "abc",
		Registry:  registry,
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	ms.Handler().ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)
	assert.True(t, strings.Contains(body, `renku_k8s_cache_build_info{commit="abc",component="k8s-cache",version="1.2.3"} 1`))
	assert.True(t, strings.Contains(body, "renku_k8s_cache_up"))
}

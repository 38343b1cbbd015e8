// main_test.go starts one Postgres container shared by every test of the package.

package k8s_cache_integration

import (
	"context"
	"flag"
	"os"
	"testing"
	"time"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_cache"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/logger"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/test/integration/testutil"
	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

const EnvSkipIntegration = "SKIP_K8S_CACHE_INTEGRATION_TESTS"

var (
	sharedPostgres *testutil.PostgresContainer
	setupErr       error
)

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Short() {
		os.Exit(m.Run())
	}
	if os.Getenv(EnvSkipIntegration) == "true" {
		println(EnvSkipIntegration, "is set, skipping k8s_cache integration tests")
		os.Exit(m.Run())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		setupErr = err
		println("Warning: could not connect to container runtime:", err.Error())
	} else {
		_, err = provider.DaemonHost(ctx)
		_ = provider.Close()
		if err != nil {
			setupErr = err
			println("Warning: could not get container runtime info:", err.Error())
		} else {
			sharedPostgres, setupErr = testutil.StartPostgres()
			if setupErr != nil {
				println("Failed to start Postgres:", setupErr.Error())
			}
		}
	}
	cancel()

	exitCode := m.Run()
	if sharedPostgres != nil {
		sharedPostgres.Cleanup()
	}
	os.Exit(exitCode)
}

// newCache connects to the shared server and empties the table.
func newCache(t *testing.T) *k8s_cache.PostgresCache {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv(EnvSkipIntegration) == "true" {
		t.Skip(EnvSkipIntegration + " is set")
	}
	require.NoError(t, setupErr, "Shared Postgres setup failed")
	require.NotNil(t, sharedPostgres)

	ctx := context.Background()
	cache, err := k8s_cache.Connect(ctx, sharedPostgres.URL, 4, logger.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	require.NoError(t, cache.EnsureSchema(ctx))

	conn, err := pgx.Connect(ctx, sharedPostgres.URL)
	require.NoError(t, err)
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "TRUNCATE k8s_objects")
	require.NoError(t, err)
	return cache
}

// main_test.go starts one envtest API server shared by every test of the package.

package k8s_client_integration

import (
	"context"
	"flag"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

// EnvSkipIntegration skips every integration suite of the cache
const EnvSkipIntegration = "SKIP_K8S_CACHE_INTEGRATION_TESTS"

var (
	sharedEnv *TestEnv
	setupErr  error
)

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Short() {
		os.Exit(m.Run())
	}
	if os.Getenv(EnvSkipIntegration) == "true" {
		println(EnvSkipIntegration, "is set, skipping k8s_client integration tests")
		os.Exit(m.Run())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		setupErr = err
		println("Warning: could not connect to container runtime:", err.Error())
	} else {
		info, err := provider.DaemonHost(ctx)
		_ = provider.Close()
		if err != nil {
			setupErr = err
			println("Warning: could not get container runtime info:", err.Error())
		} else {
			println("Container runtime available:", info)
			sharedEnv, setupErr = setupSharedTestEnv()
			if setupErr != nil {
				println("Failed to set up shared environment:", setupErr.Error())
			}
		}
	}
	cancel()

	exitCode := m.Run()
	sharedEnv.Cleanup()
	os.Exit(exitCode)
}

// GetSharedEnv returns the shared environment, skipping in short mode and
// failing the test when setup failed.
func GetSharedEnv(t *testing.T) *TestEnv {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv(EnvSkipIntegration) == "true" {
		t.Skip(EnvSkipIntegration + " is set")
	}
	require.NoError(t, setupErr, "Shared environment setup failed")
	require.NotNil(t, sharedEnv, "Shared test environment is not initialized")
	return sharedEnv
}

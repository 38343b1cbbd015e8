// This file sets up a kube-apiserver from a pre-built envtest image.

package k8s_client_integration

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_client"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/logger"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/test/integration/testutil"
	"github.com/testcontainers/testcontainers-go/wait"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

const (
	// EnvEnvtestImage names the envtest image to run
	EnvEnvtestImage = "INTEGRATION_ENVTEST_IMAGE"

	EnvtestAPIServerPort = "6443/tcp"
	EnvtestReadyLog      = "Envtest is running"
	EnvtestBearerToken   = "test-token"

	// TestNamespace holds every object the tests create
	TestNamespace = "renku"
)

// TestEnv is a running API server with the cache client and a writer
// client for creating fixtures.
type TestEnv struct {
	container *testutil.SharedContainer
	Client    *k8s_client.Client
	Writer    client.Client
	Config    *rest.Config
	Log       logger.Logger
}

// Cleanup terminates the API server container
func (e *TestEnv) Cleanup() {
	if e == nil {
		return
	}
	e.container.Cleanup()
}

// waitForAPIServerReady polls /healthz until it returns 200 or the timeout is reached.
func waitForAPIServerReady(kubeAPIServer string, timeout time.Duration) error {
	httpClient := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, //nolint:gosec // envtest uses self-signed certs
			},
		},
	}

	deadline := time.Now().Add(timeout)
	for {
		req, err := http.NewRequest(http.MethodGet, kubeAPIServer+"/healthz", nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+EnvtestBearerToken)

		resp, err := httpClient.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			err = fmt.Errorf("status code %d", resp.StatusCode)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("API server not ready after %v: %w", timeout, err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func setupSharedTestEnv() (*TestEnv, error) {
	ctx := context.Background()
	log := logger.NewTestLogger()

	imageName := os.Getenv(EnvEnvtestImage)
	if imageName == "" {
		return nil, fmt.Errorf("%s environment variable is not set", EnvEnvtestImage)
	}

	shared, err := testutil.StartSharedContainer(testutil.ContainerConfig{
		Name:         "envtest",
		Image:        imageName,
		ExposedPorts: []string{EnvtestAPIServerPort},
		Env: map[string]string{
			"HTTP_PROXY":  os.Getenv("HTTP_PROXY"),
			"HTTPS_PROXY": os.Getenv("HTTPS_PROXY"),
			"NO_PROXY":    os.Getenv("NO_PROXY"),
		},
		WaitStrategy: wait.ForAll(
			wait.ForListeningPort(EnvtestAPIServerPort).WithPollInterval(500*time.Millisecond),
			wait.ForLog(EnvtestReadyLog).WithPollInterval(500*time.Millisecond),
		).WithDeadline(120 * time.Second),
		StartupTimeout: 3 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start envtest container: %w", err)
	}

	kubeAPIServer := "https://" + shared.GetEndpoint(EnvtestAPIServerPort)
	if err := waitForAPIServerReady(kubeAPIServer, 30*time.Second); err != nil {
		shared.Cleanup()
		return nil, fmt.Errorf("API server failed to become ready: %w", err)
	}

	restConfig := &rest.Config{
		Host:            kubeAPIServer,
		BearerToken:     EnvtestBearerToken,
		TLSClientConfig: rest.TLSClientConfig{Insecure: true},
	}

	cacheClient, err := k8s_client.NewClientFromConfig(ctx, restConfig, 0, log)
	if err != nil {
		shared.Cleanup()
		return nil, fmt.Errorf("failed to create cache client: %w", err)
	}
	writer, err := client.New(restConfig, client.Options{})
	if err != nil {
		shared.Cleanup()
		return nil, fmt.Errorf("failed to create writer client: %w", err)
	}

	ns := &unstructured.Unstructured{}
	ns.SetAPIVersion("v1")
	ns.SetKind("Namespace")
	ns.SetName(TestNamespace)
	if err := writer.Create(ctx, ns); err != nil && !apierrors.IsAlreadyExists(err) {
		shared.Cleanup()
		return nil, fmt.Errorf("failed to create namespace %s: %w", TestNamespace, err)
	}

	return &TestEnv{container: shared, Client: cacheClient, Writer: writer, Config: restConfig, Log: log}, nil
}

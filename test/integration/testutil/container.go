// Package testutil starts the containers the integration suites share.
package testutil

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// ContainerConfig holds configuration for starting a container
type ContainerConfig struct {
	// Image is the container image to use (required)
	Image string

	// ExposedPorts is a list of ports to expose (e.g., "5432/tcp")
	ExposedPorts []string

	Cmd []string
	Env map[string]string

	WaitStrategy wait.Strategy

	// StartupTimeout is the maximum time to wait for container to start (default: 180s)
	StartupTimeout time.Duration

	// MaxRetries is the number of attempts to create the container (default: 3)
	MaxRetries int

	// RetryDelay is the base delay between retries (default: 1s, increases with attempt number)
	RetryDelay time.Duration

	// Name is a human-readable name for logging purposes
	Name string
}

// SharedContainer is a container started once in TestMain and reused by
// every test of a package.
type SharedContainer struct {
	Container testcontainers.Container
	Host      string
	// Ports maps exposed port specs (e.g., "5432/tcp") to their mapped ports
	Ports map[string]string
	Name  string
}

// GetEndpoint returns the host:port endpoint for the given port spec
func (s *SharedContainer) GetEndpoint(portSpec string) string {
	if port, ok := s.Ports[portSpec]; ok {
		return fmt.Sprintf("%s:%s", s.Host, port)
	}
	return ""
}

// Cleanup terminates the shared container
func (s *SharedContainer) Cleanup() {
	if s == nil || s.Container == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	println(fmt.Sprintf("Cleaning up shared %s container...", s.Name))
	if err := s.Container.Terminate(ctx); err != nil {
		println(fmt.Sprintf("Warning: failed to terminate shared %s container: %v", s.Name, err))
		if cid := s.Container.GetContainerID(); cid != "" {
			forceCleanupContainer(cid)
		}
		return
	}
	println(fmt.Sprintf("Shared %s container stopped and removed", s.Name))
}

// StartSharedContainer starts a container for sharing across tests. Call
// SharedContainer.Cleanup in TestMain after the tests complete.
//
//	func TestMain(m *testing.M) {
//	    shared, err := testutil.StartSharedContainer(testutil.ContainerConfig{...})
//	    ...
//	    exitCode := m.Run()
//	    shared.Cleanup()
//	    os.Exit(exitCode)
//	}
func StartSharedContainer(config ContainerConfig) (*SharedContainer, error) {
	if config.StartupTimeout == 0 {
		config.StartupTimeout = 180 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = time.Second
	}
	if config.Name == "" {
		config.Name = "shared-container"
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        config.Image,
		ExposedPorts: config.ExposedPorts,
		Cmd:          config.Cmd,
		Env:          config.Env,
		WaitingFor:   config.WaitStrategy,
	}

	var (
		container testcontainers.Container
		err       error
	)
	for attempt := 1; attempt <= config.MaxRetries; attempt++ {
		println(fmt.Sprintf("Starting shared %s container (attempt %d/%d)...", config.Name, attempt, config.MaxRetries))

		attemptCtx, cancel := context.WithTimeout(ctx, config.StartupTimeout)
		container, err = testcontainers.GenericContainer(attemptCtx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		cancel()

		if err == nil {
			break
		}
		println(fmt.Sprintf("Attempt %d failed: %v", attempt, err))

		// A container that failed its wait strategy still exists
		if container != nil {
			terminateCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			_ = container.Terminate(terminateCtx)
			cancel()
		}

		if attempt < config.MaxRetries {
			time.Sleep(config.RetryDelay * time.Duration(attempt))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to start shared %s container after %d attempts: %w", config.Name, config.MaxRetries, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get %s container host: %w", config.Name, err)
	}

	ports := make(map[string]string)
	for _, portSpec := range config.ExposedPorts {
		port, err := container.MappedPort(ctx, nat.Port(portSpec))
		if err != nil {
			_ = container.Terminate(ctx)
			return nil, fmt.Errorf("failed to get mapped port %s for %s container: %w", portSpec, config.Name, err)
		}
		ports[portSpec] = port.Port()
	}

	println(fmt.Sprintf("Shared %s container started (host: %s)", config.Name, host))
	return &SharedContainer{Container: container, Host: host, Ports: ports, Name: config.Name}, nil
}

// forceCleanupContainer removes a container with the docker or podman CLI
// when Terminate fails.
func forceCleanupContainer(containerID string) {
	for _, runtime := range []string{"docker", "podman"} {
		if _, err := exec.Command(runtime, "rm", "-f", containerID).CombinedOutput(); err == nil {
			println(fmt.Sprintf("Force-removed container %s using %s", containerID, runtime))
			return
		}
	}
	println(fmt.Sprintf("Could not force-remove container %s. Manual cleanup may be required.", containerID))
}

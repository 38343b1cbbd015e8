package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/config_loader"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/logger"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Command-line flags
var (
	configPath string
	logLevel   string
	logFormat  string
	logOutput  string
)

// Timeout constants
const (
	// OTelShutdownTimeout is the timeout for gracefully shutting down the OpenTelemetry TracerProvider
	OTelShutdownTimeout = 5 * time.Second
	// HealthServerShutdownTimeout is the timeout for gracefully shutting down the health server
	HealthServerShutdownTimeout = 5 * time.Second
	// ConnectTimeout bounds the initial database connection
	ConnectTimeout = 30 * time.Second
	// DatabasePingInterval and DatabasePingTimeout drive the database readiness check
	DatabasePingInterval = 15 * time.Second
	DatabasePingTimeout  = 5 * time.Second
)

// Server port constants
const (
	// HealthServerPort is the port for /healthz and /readyz endpoints
	HealthServerPort = "8080"
	// MetricsServerPort is the port for /metrics endpoint
	MetricsServerPort = "9090"
)

const componentName = "renku-k8s-cache"

func main() {
	rootCmd := &cobra.Command{
		Use:   "k8s-cache",
		Short: "Renku k8s cache - multi-cluster mirror of Kubernetes resources",
		Long: `k8s-cache watches session and build resources on the configured
clusters, keeps a deduplicated copy of them in a database and
publishes a change event for every accepted change.`,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}

	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		fmt.Sprintf("Path to the cache configuration file (can also use %s env var)", config_loader.EnvConfigPath))
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error). Env: LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (text, json). Env: LOG_FORMAT")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output (stdout, stderr). Env: LOG_OUTPUT")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Info()
			fmt.Printf("Renku k8s cache\n")
			fmt.Printf("  Version:    %s\n", info.Version)
			fmt.Printf("  Commit:     %s\n", info.Commit)
			fmt.Printf("  Built:      %s\n", info.BuildDate)
			fmt.Printf("  Tag:        %s\n", info.Tag)
		},
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newPurgeCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newGetCommand())
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildLoggerConfig creates a logger configuration from environment variables
// and command-line flags. Flags take precedence over environment variables.
func buildLoggerConfig(component string) logger.Config {
	cfg := logger.ConfigFromEnv()

	if logLevel != "" {
		cfg.Level = logLevel
	}
	if logFormat != "" {
		cfg.Format = logFormat
	}
	if logOutput != "" {
		cfg.Output = logOutput
	}

	cfg.Component = component
	cfg.Version = version.Version

	return cfg
}

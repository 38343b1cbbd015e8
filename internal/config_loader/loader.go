package config_loader

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// API version constants
const (
	APIVersionV1Alpha1 = "renku.io/v1alpha1"
	ExpectedKind       = "K8sCacheConfig"
)

// Environment variables
const (
	EnvConfigPath  = "K8S_CACHE_CONFIG_PATH"
	EnvDatabaseURL = "K8S_CACHE_DATABASE_URL"
)

// SupportedAPIVersions contains all supported apiVersion values
var SupportedAPIVersions = []string{
	APIVersionV1Alpha1,
}

// -----------------------------------------------------------------------------
// Loader Options (Functional Options Pattern)
// -----------------------------------------------------------------------------

// LoaderOption configures the loader behavior
type LoaderOption func(*loaderConfig)

type loaderConfig struct {
	baseDir     string // Base directory for resolving relative kubeConfigPath values
	databaseURL string
}

// WithBaseDir sets the base directory for resolving relative kubeconfig paths
func WithBaseDir(dir string) LoaderOption {
	return func(c *loaderConfig) {
		c.baseDir = dir
	}
}

// WithDatabaseURL overrides spec.database.url, keeping credentials out of the file
func WithDatabaseURL(url string) LoaderOption {
	return func(c *loaderConfig) {
		c.databaseURL = url
	}
}

// -----------------------------------------------------------------------------
// Public API
// -----------------------------------------------------------------------------

// ConfigPathFromEnv returns the config file path from the K8S_CACHE_CONFIG_PATH environment variable
func ConfigPathFromEnv() string {
	return os.Getenv(EnvConfigPath)
}

// Load loads the configuration from a YAML file.
// If filePath is empty, it will read from K8S_CACHE_CONFIG_PATH environment variable.
// K8S_CACHE_DATABASE_URL, when set, replaces spec.database.url.
func Load(filePath string, opts ...LoaderOption) (*K8sCacheConfig, error) {
	if filePath == "" {
		filePath = ConfigPathFromEnv()
	}
	if filePath == "" {
		return nil, fmt.Errorf("config file path is required (pass as parameter or set %s environment variable)", EnvConfigPath)
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", filePath, err)
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for %q: %w", filePath, err)
	}

	// Prepend defaults so they can be overridden by user opts
	defaults := []LoaderOption{WithBaseDir(filepath.Dir(absPath))}
	if url := os.Getenv(EnvDatabaseURL); url != "" {
		defaults = append(defaults, WithDatabaseURL(url))
	}
	return Parse(data, append(defaults, opts...)...)
}

// Parse parses configuration from YAML bytes
func Parse(data []byte, opts ...LoaderOption) (*K8sCacheConfig, error) {
	cfg := &loaderConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	var config K8sCacheConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}

	if cfg.databaseURL != "" {
		config.Spec.Database.URL = cfg.databaseURL
	}
	if cfg.baseDir != "" {
		resolveKubeConfigPaths(&config, cfg.baseDir)
	}

	if err := runValidationPipeline(&config, cfg); err != nil {
		return nil, err
	}

	return &config, nil
}

// resolveKubeConfigPaths makes relative kubeconfig paths relative to the config file
func resolveKubeConfigPaths(config *K8sCacheConfig, baseDir string) {
	for i := range config.Spec.Clusters {
		p := config.Spec.Clusters[i].KubeConfigPath
		if p != "" && !filepath.IsAbs(p) {
			config.Spec.Clusters[i].KubeConfigPath = filepath.Join(baseDir, p)
		}
	}
}

// -----------------------------------------------------------------------------
// Validation Pipeline
// -----------------------------------------------------------------------------

// validatorFunc is a function that validates a config and returns an error
type validatorFunc func(*K8sCacheConfig) error

// runValidationPipeline executes all validators in sequence
func runValidationPipeline(config *K8sCacheConfig, cfg *loaderConfig) error {
	coreValidators := []validatorFunc{
		validateAPIVersionAndKind,
		validateStructure,
		validateKinds,
		validateBackoff,
	}

	for _, v := range coreValidators {
		if err := v(config); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
	}

	// Kubeconfig files are only checked when loaded from disk
	if cfg.baseDir != "" {
		if err := validateKubeConfigFiles(config); err != nil {
			return fmt.Errorf("file reference validation failed: %w", err)
		}
	}

	return nil
}

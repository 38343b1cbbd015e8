package config_loader

// K8sCacheConfig represents the complete k8s-cache configuration structure
type K8sCacheConfig struct {
	APIVersion string    `yaml:"apiVersion" validate:"required"`
	Kind       string    `yaml:"kind" validate:"required"`
	Metadata   Metadata  `yaml:"metadata"`
	Spec       CacheSpec `yaml:"spec"`
}

// Metadata contains the deployment metadata
type Metadata struct {
	Name      string            `yaml:"name" validate:"required"`
	Namespace string            `yaml:"namespace,omitempty"`
	Labels    map[string]string `yaml:"labels,omitempty"`
}

// CacheSpec is the spec section of a K8sCacheConfig document
type CacheSpec struct {
	Clusters    []ClusterConfig `yaml:"clusters" validate:"min=1,unique=ID,dive"`
	Kinds       []KindConfig    `yaml:"kinds" validate:"min=1,dive"`
	OwnerPolicy OwnerPolicy     `yaml:"ownerPolicy,omitempty"`
	Database    DatabaseConfig  `yaml:"database"`
	Watch       WatchConfig     `yaml:"watch,omitempty"`
	Cache       CacheConfig     `yaml:"cache,omitempty"`
	Publisher   PublisherConfig `yaml:"publisher,omitempty"`
}

// ClusterConfig describes one watched cluster.
// An empty KubeConfigPath means the in-cluster service account.
type ClusterConfig struct {
	ID             string  `yaml:"id" validate:"required,clusterid"`
	Namespace      string  `yaml:"namespace" validate:"required"`
	KubeConfigPath string  `yaml:"kubeConfigPath,omitempty"`
	QPS            float32 `yaml:"qps,omitempty" validate:"gte=0"`
	Burst          int     `yaml:"burst,omitempty" validate:"gte=0"`
}

// KindConfig is one watched resource type, watched on every cluster.
type KindConfig struct {
	APIVersion string `yaml:"apiVersion" validate:"required"`
	Kind       string `yaml:"kind" validate:"required"`
	// UserIDLabel overrides ownerPolicy.userIdLabel for this kind
	UserIDLabel string `yaml:"userIdLabel,omitempty" validate:"omitempty,labelkey"`
	// DefaultOwner overrides ownerPolicy.defaultOwner for this kind
	DefaultOwner string `yaml:"defaultOwner,omitempty"`
}

// OwnerPolicy decides the user id of cached objects. Objects without the
// label are attributed to DefaultOwner.
type OwnerPolicy struct {
	UserIDLabel  string `yaml:"userIdLabel,omitempty" validate:"omitempty,labelkey"`
	DefaultOwner string `yaml:"defaultOwner,omitempty"`
}

// DatabaseConfig selects the cache store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver" validate:"required,oneof=postgres memory"`
	URL      string `yaml:"url,omitempty" validate:"required_if=Driver postgres"`
	MaxConns int32  `yaml:"maxConns,omitempty" validate:"gte=0"`
}

// WatchConfig tunes the watch streams. Durations use time.ParseDuration syntax.
type WatchConfig struct {
	InitialBackoff string `yaml:"initialBackoff,omitempty" validate:"omitempty,duration"`
	MaxBackoff     string `yaml:"maxBackoff,omitempty" validate:"omitempty,duration"`
	DegradedAfter  string `yaml:"degradedAfter,omitempty" validate:"omitempty,duration"`
	WriteTimeout   string `yaml:"writeTimeout,omitempty" validate:"omitempty,duration"`
}

// CacheConfig controls tombstone retention.
type CacheConfig struct {
	TombstoneTTL  string `yaml:"tombstoneTTL,omitempty" validate:"omitempty,duration"`
	PurgeInterval string `yaml:"purgeInterval,omitempty" validate:"omitempty,duration"`
}

// PublisherConfig controls the change event publisher.
type PublisherConfig struct {
	Enabled   bool   `yaml:"enabled,omitempty"`
	Topic     string `yaml:"topic,omitempty"`
	QueueSize int    `yaml:"queueSize,omitempty" validate:"gte=0"`
}

package config_loader

import "time"

// Field path constants used in validation messages.
const (
	FieldSpec        = "spec"
	FieldMetadata    = "metadata"
	FieldClusters    = "clusters"
	FieldKinds       = "kinds"
	FieldOwnerPolicy = "ownerPolicy"
	FieldDatabase    = "database"
	FieldWatch       = "watch"
	FieldCache       = "cache"
	FieldPublisher   = "publisher"

	FieldID             = "id"
	FieldAPIVersion     = "apiVersion"
	FieldKind           = "kind"
	FieldKubeConfigPath = "kubeConfigPath"
	FieldURL            = "url"
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Defaults applied by the accessors when a field is left empty.
const (
	DefaultInitialBackoff = 800 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultDegradedAfter  = 5 * time.Minute
	DefaultWriteTimeout   = 10 * time.Second
	DefaultTombstoneTTL   = time.Hour
	DefaultPurgeInterval  = 10 * time.Minute

	DefaultPublisherTopic     = "renku.k8s-cache.changes"
	DefaultPublisherQueueSize = 1000
)

// Client rate limits, matching the in-cluster client defaults
const (
	DefaultClusterQPS   float32 = 100
	DefaultClusterBurst int     = 200
)

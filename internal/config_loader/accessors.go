package config_loader

import (
	"time"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/constants"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// -----------------------------------------------------------------------------
// Kind Accessors
// -----------------------------------------------------------------------------

// GVK parses apiVersion and kind into a GroupVersionKind
func (k KindConfig) GVK() (schema.GroupVersionKind, error) {
	gv, err := schema.ParseGroupVersion(k.APIVersion)
	if err != nil {
		return schema.GroupVersionKind{}, err
	}
	return gv.WithKind(k.Kind), nil
}

// UserLabel returns the label holding the owner for this kind
func (k KindConfig) UserLabel(policy OwnerPolicy) string {
	if k.UserIDLabel != "" {
		return k.UserIDLabel
	}
	return policy.Label()
}

// Owner returns the owner for objects of this kind without the user label
func (k KindConfig) Owner(policy OwnerPolicy) string {
	if k.DefaultOwner != "" {
		return k.DefaultOwner
	}
	return policy.Owner()
}

func (p OwnerPolicy) Label() string {
	if p.UserIDLabel != "" {
		return p.UserIDLabel
	}
	return constants.LabelSafeUsername
}

func (p OwnerPolicy) Owner() string {
	if p.DefaultOwner != "" {
		return p.DefaultOwner
	}
	return constants.DefaultOwnerID
}

// GetClusterByID returns a cluster by id, nil if not found
func (c *K8sCacheConfig) GetClusterByID(id string) *ClusterConfig {
	if c == nil {
		return nil
	}
	for i := range c.Spec.Clusters {
		if c.Spec.Clusters[i].ID == id {
			return &c.Spec.Clusters[i]
		}
	}
	return nil
}

// ClusterIDs returns the configured cluster ids in file order
func (c *K8sCacheConfig) ClusterIDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.Spec.Clusters))
	for _, cl := range c.Spec.Clusters {
		ids = append(ids, cl.ID)
	}
	return ids
}

// -----------------------------------------------------------------------------
// Cluster Accessors
// -----------------------------------------------------------------------------

func (c ClusterConfig) GetQPS() float32 {
	if c.QPS > 0 {
		return c.QPS
	}
	return DefaultClusterQPS
}

func (c ClusterConfig) GetBurst() int {
	if c.Burst > 0 {
		return c.Burst
	}
	return DefaultClusterBurst
}

// -----------------------------------------------------------------------------
// Duration Accessors
// -----------------------------------------------------------------------------

// parseDurationOr returns fallback for empty or invalid values; invalid values
// are rejected by validation before the accessors are used.
func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func (w WatchConfig) InitialBackoffDuration() time.Duration {
	return parseDurationOr(w.InitialBackoff, DefaultInitialBackoff)
}

func (w WatchConfig) MaxBackoffDuration() time.Duration {
	return parseDurationOr(w.MaxBackoff, DefaultMaxBackoff)
}

// DegradedAfterDuration is how long a stream may fail before the cluster is reported degraded
func (w WatchConfig) DegradedAfterDuration() time.Duration {
	return parseDurationOr(w.DegradedAfter, DefaultDegradedAfter)
}

// WriteTimeoutDuration bounds one cache write, including writes finishing during shutdown
func (w WatchConfig) WriteTimeoutDuration() time.Duration {
	return parseDurationOr(w.WriteTimeout, DefaultWriteTimeout)
}

func (c CacheConfig) TombstoneTTLDuration() time.Duration {
	return parseDurationOr(c.TombstoneTTL, DefaultTombstoneTTL)
}

func (c CacheConfig) PurgeIntervalDuration() time.Duration {
	return parseDurationOr(c.PurgeInterval, DefaultPurgeInterval)
}

// -----------------------------------------------------------------------------
// Publisher Accessors
// -----------------------------------------------------------------------------

func (p PublisherConfig) GetTopic() string {
	if p.Topic != "" {
		return p.Topic
	}
	return DefaultPublisherTopic
}

func (p PublisherConfig) GetQueueSize() int {
	if p.QueueSize > 0 {
		return p.QueueSize
	}
	return DefaultPublisherQueueSize
}

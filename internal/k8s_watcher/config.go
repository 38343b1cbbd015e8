package k8s_watcher

import (
	"fmt"
	"time"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/config_loader"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_cache"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Defaults for Config fields left zero.
const (
	DefaultWriteTimeout  = 10 * time.Second
	DefaultTombstoneTTL  = time.Hour
	DefaultPurgeInterval = 10 * time.Minute
	DefaultRetryInitial  = 200 * time.Millisecond
	DefaultRetryMax      = 30 * time.Second
	DefaultLockBuckets   = 4096
)

// Target is one watched (cluster, kind, namespace) combination.
type Target struct {
	Cluster   k8s_cache.ClusterID
	GVK       schema.GroupVersionKind
	Namespace string
	Owner     OwnerPolicy
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s/%s", t.Cluster, t.Namespace, t.GVK.Kind)
}

// covers reports whether key belongs to the objects this target watches.
func (t Target) covers(key k8s_cache.ObjectKey) bool {
	return key.Cluster == t.Cluster && key.GVK == t.GVK && (t.Namespace == "" || key.Namespace == t.Namespace)
}

func (t Target) filter() k8s_cache.Filter {
	gvk := t.GVK
	return k8s_cache.Filter{Cluster: t.Cluster, Namespace: t.Namespace, GVK: &gvk}
}

type Config struct {
	Targets []Target
	// WriteTimeout bounds one store write, including writes finishing after shutdown started
	WriteTimeout  time.Duration
	TombstoneTTL  time.Duration
	PurgeInterval time.Duration
	// RetryInitial and RetryMax bound the backoff of store and handler retries
	RetryInitial time.Duration
	RetryMax     time.Duration
	// LockBuckets is the number of hashed key locks. Keys sharing a bucket
	// serialize their write and handler call, across targets and clusters.
	LockBuckets int
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = DefaultTombstoneTTL
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = DefaultPurgeInterval
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = DefaultRetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.LockBuckets <= 0 {
		c.LockBuckets = DefaultLockBuckets
	}
	return c
}

// ConfigFromLoader builds one target per configured (cluster, kind) pair.
func ConfigFromLoader(cfg *config_loader.K8sCacheConfig) (Config, error) {
	if cfg == nil {
		return Config{}, fmt.Errorf("config is required")
	}
	spec := cfg.Spec
	policy := spec.OwnerPolicy

	targets := make([]Target, 0, len(spec.Clusters)*len(spec.Kinds))
	for _, cluster := range spec.Clusters {
		for _, kind := range spec.Kinds {
			gvk, err := kind.GVK()
			if err != nil {
				return Config{}, fmt.Errorf("kind %s: invalid apiVersion %q: %w", kind.Kind, kind.APIVersion, err)
			}
			targets = append(targets, Target{
				Cluster:   k8s_cache.ClusterID(cluster.ID),
				GVK:       gvk,
				Namespace: cluster.Namespace,
				Owner: OwnerPolicy{
					Label:        kind.UserLabel(policy),
					DefaultOwner: kind.Owner(policy),
				},
			})
		}
	}

	return Config{
		Targets:       targets,
		WriteTimeout:  spec.Watch.WriteTimeoutDuration(),
		TombstoneTTL:  spec.Cache.TombstoneTTLDuration(),
		PurgeInterval: spec.Cache.PurgeIntervalDuration(),
	}, nil
}

package k8s_watcher

import (
	"testing"
	"time"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/config_loader"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_cache"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromLoader(t *testing.T) {
	cfg := &config_loader.K8sCacheConfig{
		Spec: config_loader.CacheSpec{
			Clusters: []config_loader.ClusterConfig{
				{ID: "renkulab", Namespace: "renku"},
				{ID: "gpu", Namespace: "sessions"},
			},
			Kinds: []config_loader.KindConfig{
				{APIVersion: "amalthea.dev/v1alpha1", Kind: "AmaltheaSession"},
				{APIVersion: constants.TaskRunAPIVersion, Kind: constants.TaskRunKind, DefaultOwner: "image-builder"},
			},
			OwnerPolicy: config_loader.OwnerPolicy{DefaultOwner: "platform"},
			Watch:       config_loader.WatchConfig{WriteTimeout: "3s"},
			Cache:       config_loader.CacheConfig{TombstoneTTL: "2h"},
		},
	}

	got, err := ConfigFromLoader(cfg)
	require.NoError(t, err)
	require.Len(t, got.Targets, 4)

	first := got.Targets[0]
	assert.Equal(t, k8s_cache.ClusterID("renkulab"), first.Cluster)
	assert.Equal(t, "renku", first.Namespace)
	assert.Equal(t, "amalthea.dev", first.GVK.Group)
	assert.Equal(t, OwnerPolicy{Label: constants.LabelSafeUsername, DefaultOwner: "platform"}, first.Owner)

	taskRuns := got.Targets[3]
	assert.Equal(t, k8s_cache.ClusterID("gpu"), taskRuns.Cluster)
	assert.Equal(t, "sessions", taskRuns.Namespace)
	assert.Equal(t, "tekton.dev", taskRuns.GVK.Group)
	assert.Equal(t, "image-builder", taskRuns.Owner.DefaultOwner)

	assert.Equal(t, 3*time.Second, got.WriteTimeout)
	assert.Equal(t, 2*time.Hour, got.TombstoneTTL)
	assert.Equal(t, config_loader.DefaultPurgeInterval, got.PurgeInterval)
}

func TestConfigFromLoader_InvalidAPIVersion(t *testing.T) {
	cfg := &config_loader.K8sCacheConfig{
		Spec: config_loader.CacheSpec{
			Clusters: []config_loader.ClusterConfig{{ID: "c1", Namespace: "renku"}},
			Kinds:    []config_loader.KindConfig{{APIVersion: "a/b/c", Kind: "Broken"}},
		},
	}
	_, err := ConfigFromLoader(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kind Broken")

	_, err = ConfigFromLoader(nil)
	assert.Error(t, err)
}

func TestConfig_WithDefaults(t *testing.T) {
	got := Config{}.withDefaults()
	assert.Equal(t, DefaultWriteTimeout, got.WriteTimeout)
	assert.Equal(t, DefaultTombstoneTTL, got.TombstoneTTL)
	assert.Equal(t, DefaultPurgeInterval, got.PurgeInterval)
	assert.Equal(t, DefaultLockBuckets, got.LockBuckets)

	got = Config{LockBuckets: 16}.withDefaults()
	assert.Equal(t, 16, got.LockBuckets)
}

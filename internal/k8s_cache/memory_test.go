package k8s_cache

import (
	"context"
	"testing"
	"time"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/constants"
	apperrors "github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

var sessionGVK = schema.GroupVersionKind{
	Group:   constants.AmaltheaSessionGroup,
	Version: constants.AmaltheaSessionVersion,
	Kind:    constants.AmaltheaSessionKind,
}

func sessionKey(cluster ClusterID, name string) ObjectKey {
	return ObjectKey{Cluster: cluster, Namespace: "renku", GVK: sessionGVK, Name: name}
}

func sessionManifest(name string, rv string, image string, user string) Manifest {
	return Manifest{
		"apiVersion": constants.AmaltheaSessionGroup + "/" + constants.AmaltheaSessionVersion,
		"kind":       constants.AmaltheaSessionKind,
		"metadata": map[string]interface{}{
			"name":            name,
			"namespace":       "renku",
			"resourceVersion": rv,
			"labels": map[string]interface{}{
				constants.LabelSafeUsername: user,
			},
		},
		"spec": map[string]interface{}{
			"session": map[string]interface{}{"image": image},
		},
	}
}

func image(t *testing.T, obj *CachedObject) string {
	t.Helper()
	spec := obj.Manifest["spec"].(map[string]interface{})
	return spec["session"].(map[string]interface{})["image"].(string)
}

func TestMemoryCache_Upsert_Idempotence(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	key := sessionKey("c1", "s1")

	applied, err := cache.Upsert(ctx, key, sessionManifest("s1", "5", "m1", "alice"), 5, "alice")
	require.NoError(t, err)
	assert.True(t, applied)

	before, err := cache.Get(ctx, key)
	require.NoError(t, err)

	applied, err = cache.Upsert(ctx, key, sessionManifest("s1", "5", "m1", "alice"), 5, "alice")
	require.NoError(t, err)
	assert.False(t, applied)

	after, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, cache.Len())
}

func TestMemoryCache_Upsert_Monotonicity(t *testing.T) {
	orders := []struct {
		name     string
		versions []ResourceVersion
	}{
		{"in_order", []ResourceVersion{1, 2, 3}},
		{"v1_v3_v2", []ResourceVersion{1, 3, 2}},
		{"reversed", []ResourceVersion{3, 2, 1}},
		{"duplicates", []ResourceVersion{2, 3, 3, 1, 2}},
	}

	for _, tt := range orders {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			cache := NewMemoryCache()
			key := sessionKey("c1", "s1")

			for _, rv := range tt.versions {
				_, err := cache.Upsert(ctx, key, sessionManifest("s1", rv.String(), "image-"+rv.String(), "alice"), rv, "alice")
				require.NoError(t, err)
			}

			obj, err := cache.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, ResourceVersion(3), obj.ResourceVersion)
			assert.Equal(t, "image-3", image(t, obj))
		})
	}
}

func TestMemoryCache_Tombstone_DeleteWins(t *testing.T) {
	tests := []struct {
		name        string
		upsertRV    ResourceVersion
		tombstoneRV ResourceVersion
		wantRV      ResourceVersion
	}{
		{"delete_with_newer_version", 5, 9, 9},
		{"delete_with_older_version", 5, 3, 5},
		{"delete_without_version", 5, 0, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			cache := NewMemoryCache()
			key := sessionKey("c1", "s1")

			_, err := cache.Upsert(ctx, key, sessionManifest("s1", tt.upsertRV.String(), "m1", "alice"), tt.upsertRV, "alice")
			require.NoError(t, err)

			changed, err := cache.Tombstone(ctx, key, tt.tombstoneRV)
			require.NoError(t, err)
			assert.True(t, changed)

			_, err = cache.Get(ctx, key)
			assert.ErrorIs(t, err, ErrNotFound)

			all, err := cache.List(ctx, Filter{IncludeDeleted: true})
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.True(t, all[0].Deleted)
			assert.Equal(t, tt.wantRV, all[0].ResourceVersion)
		})
	}
}

func TestMemoryCache_Tombstone_Idempotent(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	key := sessionKey("c1", "s1")

	_, err := cache.Upsert(ctx, key, sessionManifest("s1", "5", "m1", "alice"), 5, "alice")
	require.NoError(t, err)

	changed, err := cache.Tombstone(ctx, key, 6)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = cache.Tombstone(ctx, key, 6)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMemoryCache_Tombstone_UnknownKeyBlocksStaleAdd(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	key := sessionKey("c1", "s1")

	changed, err := cache.Tombstone(ctx, key, 8)
	require.NoError(t, err)
	assert.True(t, changed)

	applied, err := cache.Upsert(ctx, key, sessionManifest("s1", "7", "m1", "alice"), 7, "alice")
	require.NoError(t, err)
	assert.False(t, applied, "a late Added older than the delete must not resurrect the key")

	_, err = cache.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCache_Upsert_RevivesTombstoneWithNewerVersion(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	key := sessionKey("c1", "s1")

	_, err := cache.Upsert(ctx, key, sessionManifest("s1", "5", "m1", "alice"), 5, "alice")
	require.NoError(t, err)
	_, err = cache.Tombstone(ctx, key, 6)
	require.NoError(t, err)

	applied, err := cache.Upsert(ctx, key, sessionManifest("s1", "10", "m2", "alice"), 10, "alice")
	require.NoError(t, err)
	assert.True(t, applied)

	obj, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, obj.Deleted)
	assert.Equal(t, "m2", image(t, obj))
}

func TestMemoryCache_List(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()

	taskRunGVK := schema.GroupVersionKind{Group: "tekton.dev", Version: "v1", Kind: "TaskRun"}
	seed := []struct {
		key  ObjectKey
		user string
	}{
		{sessionKey("c1", "s-b"), "alice"},
		{sessionKey("c1", "s-a"), "bob"},
		{sessionKey("c2", "s-c"), "alice"},
		{ObjectKey{Cluster: "c1", Namespace: "builds", GVK: taskRunGVK, Name: "t1"}, constants.DefaultOwnerID},
	}
	for i, s := range seed {
		m := sessionManifest(s.key.Name, "1", "img", s.user)
		_, err := cache.Upsert(ctx, s.key, m, ResourceVersion(i+1), s.user)
		require.NoError(t, err)
	}
	_, err := cache.Tombstone(ctx, sessionKey("c1", "gone"), 3)
	require.NoError(t, err)

	selector, err := labels.Parse(constants.LabelSafeUsername + "=bob")
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		// ordered by cluster, namespace, group, version, kind, name
		{"everything_live", Filter{}, []string{"t1", "s-a", "s-b", "s-c"}},
		{"by_cluster", Filter{Cluster: "c1", GVK: &sessionGVK}, []string{"s-a", "s-b"}},
		{"by_user", Filter{UserID: "alice"}, []string{"s-b", "s-c"}},
		{"by_label", Filter{LabelSelector: selector}, []string{"s-a"}},
		{"by_namespace", Filter{Namespace: "builds"}, []string{"t1"}},
		{"include_deleted", Filter{Cluster: "c1", Namespace: "renku", IncludeDeleted: true}, []string{"gone", "s-a", "s-b"}},
		{"no_match", Filter{Cluster: "c3"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			objs, err := cache.List(ctx, tt.filter)
			require.NoError(t, err)
			names := make([]string, 0, len(objs))
			for _, o := range objs {
				names = append(names, o.Key.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestMemoryCache_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	key := sessionKey("c1", "s1")
	m := sessionManifest("s1", "1", "m1", "alice")

	_, err := cache.Upsert(ctx, key, m, 1, "alice")
	require.NoError(t, err)
	m["spec"].(map[string]interface{})["session"].(map[string]interface{})["image"] = "changed"

	obj, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "m1", image(t, obj))

	obj.Manifest["kind"] = "Other"
	again, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, constants.AmaltheaSessionKind, again.Manifest["kind"])
}

func TestMemoryCache_PurgeTombstonesOlderThan(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	cache := NewMemoryCache(WithClock(func() time.Time { return now }))

	_, err := cache.Upsert(ctx, sessionKey("c1", "live"), sessionManifest("live", "1", "m", "alice"), 1, "alice")
	require.NoError(t, err)
	_, err = cache.Tombstone(ctx, sessionKey("c1", "old"), 2)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = cache.Tombstone(ctx, sessionKey("c1", "recent"), 3)
	require.NoError(t, err)

	purged, err := cache.PurgeTombstonesOlderThan(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	assert.Equal(t, 2, cache.Len())

	// repeated tombstones keep the original deletion time
	_, err = cache.Tombstone(ctx, sessionKey("c1", "recent"), 4)
	require.NoError(t, err)
	now = now.Add(90 * time.Minute)
	purged, err = cache.PurgeTombstonesOlderThan(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	assert.Equal(t, 1, cache.Len())
}

func TestMemoryCache_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cache := NewMemoryCache()

	_, err := cache.Upsert(ctx, sessionKey("c1", "s1"), sessionManifest("s1", "1", "m", "alice"), 1, "alice")
	require.Error(t, err)
	var storeErr *apperrors.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.False(t, apperrors.IsRetryable(err))
}

func TestMemoryCache_Acknowledge(t *testing.T) {
	ctx := context.Background()
	key := sessionKey("c1", "s1")

	tests := []struct {
		name      string
		setup     func(t *testing.T, c *MemoryCache)
		rv        ResourceVersion
		deleted   bool
		wantAck   bool
		wantStays bool
	}{
		{
			name: "upsert_at_version",
			setup: func(t *testing.T, c *MemoryCache) {
				_, err := c.Upsert(ctx, key, sessionManifest("s1", "5", "m1", "alice"), 5, "alice")
				require.NoError(t, err)
			},
			rv:      5,
			wantAck: true,
		},
		{
			name: "superseded_by_newer_upsert",
			setup: func(t *testing.T, c *MemoryCache) {
				_, err := c.Upsert(ctx, key, sessionManifest("s1", "5", "m1", "alice"), 5, "alice")
				require.NoError(t, err)
				_, err = c.Upsert(ctx, key, sessionManifest("s1", "7", "m2", "alice"), 7, "alice")
				require.NoError(t, err)
			},
			rv:        5,
			wantStays: true,
		},
		{
			name: "upsert_ack_does_not_clear_tombstone_at_same_version",
			setup: func(t *testing.T, c *MemoryCache) {
				_, err := c.Upsert(ctx, key, sessionManifest("s1", "5", "m1", "alice"), 5, "alice")
				require.NoError(t, err)
				_, err = c.Tombstone(ctx, key, 5)
				require.NoError(t, err)
			},
			rv:        5,
			wantStays: true,
		},
		{
			name: "tombstone_with_older_version",
			setup: func(t *testing.T, c *MemoryCache) {
				_, err := c.Upsert(ctx, key, sessionManifest("s1", "10", "m1", "alice"), 10, "alice")
				require.NoError(t, err)
				_, err = c.Tombstone(ctx, key, 8)
				require.NoError(t, err)
			},
			rv:      8,
			deleted: true,
			wantAck: true,
		},
		{
			name:  "unknown_key",
			setup: func(t *testing.T, c *MemoryCache) {},
			rv:    5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := NewMemoryCache()
			tt.setup(t, cache)

			acked, err := cache.Acknowledge(ctx, key, tt.rv, tt.deleted)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAck, acked)

			objs, err := cache.List(ctx, Filter{IncludeDeleted: true})
			require.NoError(t, err)
			if len(objs) == 0 {
				return
			}
			assert.Equal(t, tt.wantStays, objs[0].Pending)
		})
	}
}

func TestMemoryCache_RepeatedTombstoneKeepsAcknowledgement(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	key := sessionKey("c1", "s1")

	_, err := cache.Tombstone(ctx, key, 6)
	require.NoError(t, err)
	acked, err := cache.Acknowledge(ctx, key, 6, true)
	require.NoError(t, err)
	require.True(t, acked)

	changed, err := cache.Tombstone(ctx, key, 9)
	require.NoError(t, err)
	assert.False(t, changed)

	objs, err := cache.List(ctx, Filter{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.False(t, objs[0].Pending, "a delete already delivered is not sent again")
	assert.Equal(t, ResourceVersion(9), objs[0].ResourceVersion)
}

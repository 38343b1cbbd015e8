package k8s_cache

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/errors"
)

var _ ObjectCache = (*MemoryCache)(nil)

// MemoryCache is an ObjectCache held in process memory. It backs the
// "memory" database driver and the unit tests.
type MemoryCache struct {
	mu      sync.RWMutex
	objects map[ObjectKey]*CachedObject
	now     func() time.Time
}

type MemoryOption func(*MemoryCache)

// WithClock replaces time.Now, for tests exercising the purge.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) {
		c.now = now
	}
}

func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		objects: make(map[ObjectKey]*CachedObject),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryCache) Upsert(ctx context.Context, key ObjectKey, manifest Manifest, rv ResourceVersion, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &apperrors.StoreError{Op: "upsert", Key: key.String(), Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if stored, ok := c.objects[key]; ok && stored.ResourceVersion >= rv {
		return false, nil
	}
	c.objects[key] = &CachedObject{
		Key:             key,
		Manifest:        manifest.DeepCopy(),
		UserID:          userID,
		ResourceVersion: rv,
		UpdatedAt:       c.now(),
		Pending:         true,
		PendingVersion:  rv,
	}
	return true, nil
}

func (c *MemoryCache) Tombstone(ctx context.Context, key ObjectKey, rv ResourceVersion) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &apperrors.StoreError{Op: "tombstone", Key: key.String(), Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stored, ok := c.objects[key]
	if !ok {
		c.objects[key] = &CachedObject{
			Key:             key,
			Manifest:        Manifest{},
			ResourceVersion: rv,
			Deleted:         true,
			UpdatedAt:       c.now(),
			Pending:         true,
			PendingVersion:  rv,
		}
		return true, nil
	}

	if rv > stored.ResourceVersion {
		stored.ResourceVersion = rv
	}
	if stored.Deleted {
		return false, nil
	}
	stored.Deleted = true
	stored.UpdatedAt = c.now()
	stored.Pending = true
	stored.PendingVersion = rv
	return true, nil
}

func (c *MemoryCache) Acknowledge(ctx context.Context, key ObjectKey, rv ResourceVersion, deleted bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &apperrors.StoreError{Op: "acknowledge", Key: key.String(), Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stored, ok := c.objects[key]
	if !ok || !stored.Pending || stored.PendingVersion != rv || stored.Deleted != deleted {
		return false, nil
	}
	stored.Pending = false
	return true, nil
}

func (c *MemoryCache) Get(ctx context.Context, key ObjectKey) (*CachedObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, &apperrors.StoreError{Op: "get", Key: key.String(), Err: err}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	stored, ok := c.objects[key]
	if !ok || stored.Deleted {
		return nil, ErrNotFound
	}
	obj := *stored
	obj.Manifest = stored.Manifest.DeepCopy()
	return &obj, nil
}

func (c *MemoryCache) List(ctx context.Context, filter Filter) ([]CachedObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, &apperrors.StoreError{Op: "list", Err: err}
	}

	c.mu.RLock()
	result := make([]CachedObject, 0)
	for _, stored := range c.objects {
		if !filter.Matches(stored) {
			continue
		}
		obj := *stored
		obj.Manifest = stored.Manifest.DeepCopy()
		result = append(result, obj)
	}
	c.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Key.Less(result[j].Key)
	})
	return result, nil
}

func (c *MemoryCache) PurgeTombstonesOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &apperrors.StoreError{Op: "purge", Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-age)
	var purged int64
	for key, stored := range c.objects {
		if stored.Deleted && stored.UpdatedAt.Before(cutoff) {
			delete(c.objects, key)
			purged++
		}
	}
	return purged, nil
}

// Len counts records including tombstones.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.objects)
}

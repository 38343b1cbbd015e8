// Package cache_query is the read-only view of the object cache used by the
// platform API. It never contacts a cluster: results come from the cache and
// are flagged stale when the watch feeding them is not in sync.
package cache_query

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_cache"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_client"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/errors"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/logger"
)

// StalenessChecker tells whether the cached state of a key may lag behind
// its cluster. *k8s_watcher.Watcher implements it.
type StalenessChecker interface {
	Stale(key k8s_cache.ObjectKey) bool
}

// Query selects cached objects. Empty fields match everything.
type Query struct {
	UserID    string
	Cluster   string
	Namespace string
	// APIVersion is required with Kind, e.g. "amalthea.dev/v1alpha1"
	APIVersion string
	Kind       string
	// LabelSelector uses the kubectl syntax, e.g. "app=session,tier!=gpu"
	LabelSelector string
	// Expression is a CEL predicate over the manifest bound to "object"
	Expression string
	// Conditions are ANDed with Expression
	Conditions     []Condition
	IncludeDeleted bool
}

// Result is one cached object as served to readers.
type Result struct {
	Cluster         string                    `json:"cluster"`
	Namespace       string                    `json:"namespace"`
	APIVersion      string                    `json:"apiVersion"`
	Kind            string                    `json:"kind"`
	Name            string                    `json:"name"`
	UserID          string                    `json:"userId"`
	ResourceVersion k8s_cache.ResourceVersion `json:"resourceVersion"`
	Deleted         bool                      `json:"deleted,omitempty"`
	UpdatedAt       time.Time                 `json:"updatedAt"`
	// Stale: the cluster watch is degraded or has not completed a listing
	Stale    bool               `json:"stale"`
	Manifest k8s_cache.Manifest `json:"manifest"`

	Key k8s_cache.ObjectKey `json:"-"`
}

type API struct {
	reader    k8s_cache.Reader
	staleness StalenessChecker
	log       logger.Logger
}

// New creates the query API. A nil staleness checker reports nothing as
// stale, which suits one-shot commands that run without watchers.
func New(reader k8s_cache.Reader, staleness StalenessChecker, log logger.Logger) *API {
	return &API{reader: reader, staleness: staleness, log: log}
}

// Get returns the live object at key. With a non-empty userID, objects of
// other users are reported as not found.
func (a *API) Get(ctx context.Context, key k8s_cache.ObjectKey, userID string) (*Result, error) {
	ctx = logger.WithObjectKey(ctx, key.String())
	obj, err := a.reader.Get(ctx, key)
	if stderrors.Is(err, k8s_cache.ErrNotFound) {
		return nil, errors.NotFound("object %s not found", key)
	}
	if err != nil {
		a.log.Warnf(logger.WithErrorField(ctx, err), "Cache read failed")
		return nil, errors.StoreUnavailable("failed to read %s: %v", key, err)
	}
	if userID != "" && obj.UserID != userID {
		a.log.Debugf(logger.WithUserID(ctx, userID), "Hiding object owned by another user")
		return nil, errors.NotFound("object %s not found", key)
	}
	res := a.result(obj)
	return &res, nil
}

// List returns the objects matching q ordered by key.
func (a *API) List(ctx context.Context, q Query) ([]Result, error) {
	filter, err := q.filter()
	if err != nil {
		return nil, errors.Validation("%v", err)
	}
	expr, err := q.expression()
	if err != nil {
		return nil, errors.Validation("%v", err)
	}

	objs, err := a.reader.List(ctx, filter)
	if err != nil {
		a.log.Warnf(logger.WithErrorField(ctx, err), "Cache list failed")
		return nil, errors.StoreUnavailable("failed to list %s: %v", filter, err)
	}

	results := make([]Result, 0, len(objs))
	for i := range objs {
		obj := &objs[i]
		if expr != nil {
			matched, err := expr.Matches(obj.Manifest)
			if err != nil {
				a.log.Debugf(logger.WithObjectKey(ctx, obj.Key.String()), "Expression did not apply: %v", err)
				continue
			}
			if !matched {
				continue
			}
		}
		results = append(results, a.result(obj))
	}
	return results, nil
}

func (a *API) result(obj *k8s_cache.CachedObject) Result {
	stale := false
	if a.staleness != nil {
		stale = a.staleness.Stale(obj.Key)
	}
	return Result{
		Cluster:         string(obj.Key.Cluster),
		Namespace:       obj.Key.Namespace,
		APIVersion:      obj.Key.GVK.GroupVersion().String(),
		Kind:            obj.Key.GVK.Kind,
		Name:            obj.Key.Name,
		UserID:          obj.UserID,
		ResourceVersion: obj.ResourceVersion,
		Deleted:         obj.Deleted,
		UpdatedAt:       obj.UpdatedAt,
		Stale:           stale,
		Manifest:        obj.Manifest,
		Key:             obj.Key,
	}
}

func (q Query) filter() (k8s_cache.Filter, error) {
	f := k8s_cache.Filter{
		Cluster:        k8s_cache.ClusterID(q.Cluster),
		Namespace:      q.Namespace,
		UserID:         q.UserID,
		IncludeDeleted: q.IncludeDeleted,
	}

	switch {
	case q.Kind != "" && q.APIVersion == "":
		return f, fmt.Errorf("apiVersion is required when kind is set")
	case q.Kind == "" && q.APIVersion != "":
		return f, fmt.Errorf("kind is required when apiVersion is set")
	case q.Kind != "":
		gvk, err := k8s_client.GVKFromKindAndApiVersion(q.Kind, q.APIVersion)
		if err != nil {
			return f, fmt.Errorf("invalid apiVersion %q: %w", q.APIVersion, err)
		}
		f.GVK = &gvk
	}

	selector, err := k8s_client.ParseLabelSelector(q.LabelSelector)
	if err != nil {
		return f, fmt.Errorf("invalid label selector %q: %w", q.LabelSelector, err)
	}
	f.LabelSelector = selector
	return f, nil
}

// expression combines Expression and Conditions; nil when both are empty.
func (q Query) expression() (*Expression, error) {
	conditions, err := ConditionsToCEL(q.Conditions)
	if err != nil {
		return nil, err
	}
	src := q.Expression
	switch {
	case src == "" && conditions == "":
		return nil, nil
	case src == "":
		src = conditions
	case conditions != "":
		src = "(" + src + ") && " + conditions
	}
	return CompileExpression(src)
}

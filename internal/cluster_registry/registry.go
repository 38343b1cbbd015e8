// Package cluster_registry maps cluster ids to their Kubernetes connection and
// watched namespace. The registry is built once at startup and never changes,
// so it is safe for concurrent use without locking.
package cluster_registry

import (
	"context"
	"sort"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/config_loader"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_cache"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_client"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/errors"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/logger"
)

// Cluster is one registry entry.
type Cluster struct {
	ID        k8s_cache.ClusterID
	Namespace string
	Client    k8s_client.ListerWatcher
}

// ClientFactory builds the connection of one configured cluster.
type ClientFactory func(ctx context.Context, cluster config_loader.ClusterConfig) (k8s_client.ListerWatcher, error)

type Registry struct {
	clusters    map[k8s_cache.ClusterID]*Cluster
	unavailable map[k8s_cache.ClusterID]error
}

// New connects every configured cluster. A cluster whose client cannot be
// built is logged and recorded as unavailable; the others are still usable.
// Clusters that become unreachable later are the watch streams' concern.
func New(ctx context.Context, clusters []config_loader.ClusterConfig, factory ClientFactory, log logger.Logger) *Registry {
	r := &Registry{
		clusters:    make(map[k8s_cache.ClusterID]*Cluster, len(clusters)),
		unavailable: make(map[k8s_cache.ClusterID]error),
	}

	for _, c := range clusters {
		id := k8s_cache.ClusterID(c.ID)
		clusterCtx := logger.WithClusterID(ctx, c.ID)

		client, err := factory(clusterCtx, c)
		if err != nil {
			errCtx := logger.WithErrorField(clusterCtx, err)
			log.Errorf(errCtx, "Cluster %s is unavailable, its kinds will not be watched", c.ID)
			r.unavailable[id] = err
			continue
		}

		r.clusters[id] = &Cluster{ID: id, Namespace: c.Namespace, Client: client}
		log.Infof(clusterCtx, "Registered cluster %s (namespace: %s)", c.ID, c.Namespace)
	}
	return r
}

// NewStatic builds a registry from ready connections, for tests and embedding.
func NewStatic(clusters ...*Cluster) *Registry {
	r := &Registry{
		clusters:    make(map[k8s_cache.ClusterID]*Cluster, len(clusters)),
		unavailable: make(map[k8s_cache.ClusterID]error),
	}
	for _, c := range clusters {
		r.clusters[c.ID] = c
	}
	return r
}

// Get returns the connection and namespace of id. Unknown and unavailable
// clusters return a ClusterUnavailable service error.
func (r *Registry) Get(id k8s_cache.ClusterID) (*Cluster, error) {
	if c, ok := r.clusters[id]; ok {
		return c, nil
	}
	if err, ok := r.unavailable[id]; ok {
		return nil, errors.ClusterUnavailable("cluster %s is unavailable: %v", id, err)
	}
	return nil, errors.ClusterUnavailable("cluster %s is not configured", id)
}

// ClusterIDs returns every configured cluster id, available or not, sorted.
func (r *Registry) ClusterIDs() []k8s_cache.ClusterID {
	ids := make([]k8s_cache.ClusterID, 0, len(r.clusters)+len(r.unavailable))
	for id := range r.clusters {
		ids = append(ids, id)
	}
	for id := range r.unavailable {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Unavailable returns the clusters that failed to connect at startup and why.
func (r *Registry) Unavailable() map[k8s_cache.ClusterID]error {
	out := make(map[k8s_cache.ClusterID]error, len(r.unavailable))
	for id, err := range r.unavailable {
		out[id] = err
	}
	return out
}

package k8s_watcher

import (
	"sync"
	"time"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_cache"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/health"
)

// TargetStatus is the sync state of one target.
type TargetStatus struct {
	Cluster    k8s_cache.ClusterID `json:"cluster"`
	APIVersion string              `json:"apiVersion"`
	Kind       string              `json:"kind"`
	Namespace  string              `json:"namespace"`
	// HighWaterMark is the newest resource version seen on the stream
	HighWaterMark k8s_cache.ResourceVersion `json:"highWaterMark"`
	Synced        bool                      `json:"synced"`
	Degraded      bool                      `json:"degraded"`
	// Unavailable: the stream could not be opened, the target is not watched
	Unavailable bool      `json:"unavailable,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	LastSync    time.Time `json:"lastSync"`
}

// Stale reports whether reads for this target may lag behind the cluster.
func (s TargetStatus) Stale() bool {
	return !s.Synced || s.Degraded || s.Unavailable
}

// ClusterStateReporter receives the aggregated state of a cluster whenever
// one of its targets changes. *health.Server implements it.
type ClusterStateReporter interface {
	SetClusterState(clusterID string, state health.ClusterState)
}

type statusTracker struct {
	mu       sync.RWMutex
	targets  []Target
	status   map[Target]*TargetStatus
	reporter ClusterStateReporter
	now      func() time.Time
}

func newStatusTracker(targets []Target, reporter ClusterStateReporter) *statusTracker {
	st := &statusTracker{
		targets:  targets,
		status:   make(map[Target]*TargetStatus, len(targets)),
		reporter: reporter,
		now:      time.Now,
	}
	for _, t := range targets {
		st.status[t] = &TargetStatus{
			Cluster:    t.Cluster,
			APIVersion: t.GVK.GroupVersion().String(),
			Kind:       t.GVK.Kind,
			Namespace:  t.Namespace,
		}
	}
	return st
}

// update applies fn to the status of t and reports the cluster state.
func (st *statusTracker) update(t Target, fn func(s *TargetStatus)) {
	st.mu.Lock()
	s, ok := st.status[t]
	if !ok {
		st.mu.Unlock()
		return
	}
	fn(s)
	state := st.clusterStateLocked(t.Cluster)
	st.mu.Unlock()

	if st.reporter != nil {
		st.reporter.SetClusterState(string(t.Cluster), state)
	}
}

func (st *statusTracker) clusterStateLocked(cluster k8s_cache.ClusterID) health.ClusterState {
	state := health.ClusterHealthy
	for _, t := range st.targets {
		if t.Cluster != cluster {
			continue
		}
		s := st.status[t]
		switch {
		case s.Unavailable:
			return health.ClusterUnavailable
		case s.Degraded:
			state = health.ClusterDegraded
		case !s.Synced && state == health.ClusterHealthy:
			state = health.ClusterSyncing
		}
	}
	return state
}

func (st *statusTracker) reportAll() {
	if st.reporter == nil {
		return
	}
	st.mu.RLock()
	states := make(map[k8s_cache.ClusterID]health.ClusterState)
	for _, t := range st.targets {
		states[t.Cluster] = st.clusterStateLocked(t.Cluster)
	}
	st.mu.RUnlock()
	for cluster, state := range states {
		st.reporter.SetClusterState(string(cluster), state)
	}
}

// advance raises the high-water mark; it never goes backwards.
func (st *statusTracker) advance(t Target, rv k8s_cache.ResourceVersion) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.status[t]; ok && rv > s.HighWaterMark {
		s.HighWaterMark = rv
	}
}

// synced records a completed listing and clears any failure.
// It returns true when the target was degraded.
func (st *statusTracker) synced(t Target, rv k8s_cache.ResourceVersion) (wasDegraded bool) {
	st.update(t, func(s *TargetStatus) {
		wasDegraded = s.Degraded
		s.Synced = true
		s.Degraded = false
		s.LastError = ""
		s.LastSync = st.now()
		if rv > s.HighWaterMark {
			s.HighWaterMark = rv
		}
	})
	return wasDegraded
}

// failed records a stream error. It returns true when the target just became degraded.
func (st *statusTracker) failed(t Target, err error, degraded bool) (becameDegraded bool) {
	st.update(t, func(s *TargetStatus) {
		if err != nil {
			s.LastError = err.Error()
		}
		if degraded && !s.Degraded {
			becameDegraded = true
			s.Degraded = true
		}
	})
	return becameDegraded
}

func (st *statusTracker) unavailable(t Target, err error) {
	st.update(t, func(s *TargetStatus) {
		s.Unavailable = true
		s.Degraded = true
		s.LastError = err.Error()
	})
}

func (st *statusTracker) snapshot() []TargetStatus {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]TargetStatus, 0, len(st.targets))
	for _, t := range st.targets {
		out = append(out, *st.status[t])
	}
	return out
}

// stale is true when no target covers key or the covering target is stale.
func (st *statusTracker) stale(key k8s_cache.ObjectKey) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, t := range st.targets {
		if t.covers(key) {
			return st.status[t].Stale()
		}
	}
	return true
}

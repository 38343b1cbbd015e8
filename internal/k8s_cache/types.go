package k8s_cache

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/copystructure"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// ClusterID identifies a watched cluster. It is stable across restarts and
// partitions every key in the cache.
type ClusterID string

// ObjectKey is the identity of one cached object.
type ObjectKey struct {
	Cluster   ClusterID
	Namespace string
	GVK       schema.GroupVersionKind
	Name      string
}

// String renders the key as cluster/namespace/Kind.version.group/name.
// The core group renders as Kind.version.
func (k ObjectKey) String() string {
	kind := k.GVK.Kind + "." + k.GVK.Version
	if k.GVK.Group != "" {
		kind += "." + k.GVK.Group
	}
	return fmt.Sprintf("%s/%s/%s/%s", k.Cluster, k.Namespace, kind, k.Name)
}

// Less orders keys the same way the Postgres store sorts its rows.
func (k ObjectKey) Less(other ObjectKey) bool {
	a := [...]string{string(k.Cluster), k.Namespace, k.GVK.Group, k.GVK.Version, k.GVK.Kind, k.Name}
	b := [...]string{string(other.Cluster), other.Namespace, other.GVK.Group, other.GVK.Version, other.GVK.Kind, other.Name}
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// KeyFor builds the key of a manifest observed on cluster.
func KeyFor(cluster ClusterID, m Manifest) ObjectKey {
	return ObjectKey{
		Cluster:   cluster,
		Namespace: m.Namespace(),
		GVK:       m.GroupVersionKind(),
		Name:      m.Name(),
	}
}

// ResourceVersion is the cluster-issued version of an object. Kubernetes
// documents it as opaque; every conformant API server backed by etcd issues
// the etcd revision, which is what makes numeric comparison valid.
type ResourceVersion uint64

func (rv ResourceVersion) String() string {
	return strconv.FormatUint(uint64(rv), 10)
}

// ParseResourceVersion parses the metadata.resourceVersion token.
func ParseResourceVersion(s string) (ResourceVersion, error) {
	if s == "" {
		return 0, fmt.Errorf("empty resource version")
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("resource version %q is not a revision number: %w", s, err)
	}
	return ResourceVersion(v), nil
}

// Manifest is the full body of a Kubernetes object as a JSON value tree.
// The cache stores any kind without per-kind types.
type Manifest map[string]interface{}

// ManifestFromUnstructured takes ownership of obj's content.
func ManifestFromUnstructured(obj *unstructured.Unstructured) Manifest {
	if obj == nil {
		return nil
	}
	return Manifest(obj.Object)
}

// Unstructured wraps m without copying.
func (m Manifest) Unstructured() *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: m}
}

func (m Manifest) Name() string {
	return m.Unstructured().GetName()
}

func (m Manifest) Namespace() string {
	return m.Unstructured().GetNamespace()
}

func (m Manifest) Labels() map[string]string {
	return m.Unstructured().GetLabels()
}

func (m Manifest) ResourceVersion() string {
	return m.Unstructured().GetResourceVersion()
}

func (m Manifest) GroupVersionKind() schema.GroupVersionKind {
	return m.Unstructured().GroupVersionKind()
}

// DeepCopy returns an independent copy of m. Manifests hold only JSON values,
// so a copy failure means the tree was built by hand with foreign types.
func (m Manifest) DeepCopy() Manifest {
	if m == nil {
		return nil
	}
	out, err := copystructure.Copy(map[string]interface{}(m))
	if err != nil {
		panic(fmt.Sprintf("manifest deep copy: %v", err))
	}
	return Manifest(out.(map[string]interface{}))
}

// CachedObject is one persisted cache record.
type CachedObject struct {
	Key             ObjectKey
	Manifest        Manifest
	UserID          string
	ResourceVersion ResourceVersion
	// Deleted marks a tombstone: the object is gone from the cluster and the
	// record is kept until purged so late events for it cannot resurrect it.
	Deleted   bool
	UpdatedAt time.Time
	// Pending is set by every write that changed the record and cleared by
	// Acknowledge once the change notification was delivered.
	Pending bool
	// PendingVersion is the version the pending change was written with.
	PendingVersion ResourceVersion
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Cluster   ClusterID
	Namespace string
	// GVK, when set, must match exactly
	GVK           *schema.GroupVersionKind
	UserID        string
	LabelSelector labels.Selector
	// IncludeDeleted also returns tombstones
	IncludeDeleted bool
}

// Matches reports whether obj passes every condition of the filter.
func (f Filter) Matches(obj *CachedObject) bool {
	if obj.Deleted && !f.IncludeDeleted {
		return false
	}
	if f.Cluster != "" && obj.Key.Cluster != f.Cluster {
		return false
	}
	if f.Namespace != "" && obj.Key.Namespace != f.Namespace {
		return false
	}
	if f.GVK != nil && obj.Key.GVK != *f.GVK {
		return false
	}
	if f.UserID != "" && obj.UserID != f.UserID {
		return false
	}
	return f.matchesLabels(obj)
}

func (f Filter) matchesLabels(obj *CachedObject) bool {
	if f.LabelSelector == nil || f.LabelSelector.Empty() {
		return true
	}
	return f.LabelSelector.Matches(labels.Set(obj.Manifest.Labels()))
}

// String is used in log lines.
func (f Filter) String() string {
	var parts []string
	if f.Cluster != "" {
		parts = append(parts, "cluster="+string(f.Cluster))
	}
	if f.Namespace != "" {
		parts = append(parts, "namespace="+f.Namespace)
	}
	if f.GVK != nil {
		parts = append(parts, "gvk="+f.GVK.String())
	}
	if f.UserID != "" {
		parts = append(parts, "user="+f.UserID)
	}
	if f.LabelSelector != nil && !f.LabelSelector.Empty() {
		parts = append(parts, "labels="+f.LabelSelector.String())
	}
	if f.IncludeDeleted {
		parts = append(parts, "includeDeleted")
	}
	return "{" + strings.Join(parts, " ") + "}"
}

package k8s_client

import (
	"context"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
)

// ListerWatcher is the list-then-watch contract the watch streams depend on.
// Implementations return Kubernetes API status errors unwrapped, so that
// callers can detect expired resource versions.
type ListerWatcher interface {
	// ListResources returns all objects of gvk in namespace, with the
	// collection resourceVersion set on the list.
	ListResources(ctx context.Context, gvk schema.GroupVersionKind, namespace string, labelSelector string) (*unstructured.UnstructuredList, error)

	// WatchResources streams changes after resourceVersion.
	WatchResources(ctx context.Context, gvk schema.GroupVersionKind, namespace string, resourceVersion string) (watch.Interface, error)
}

// K8sClient adds single-object reads to ListerWatcher.
type K8sClient interface {
	ListerWatcher

	// GetResource returns the live object or an unwrapped NotFound error.
	GetResource(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) (*unstructured.Unstructured, error)
}

// Ensure Client implements K8sClient interface
var _ K8sClient = (*Client)(nil)

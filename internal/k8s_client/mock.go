package k8s_client

import (
	"context"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
)

// MockK8sClient implements K8sClient for testing.
// Lists are served from in-memory objects, and every watch is a fake watcher
// published on Watchers() for the test to drive.
type MockK8sClient struct {
	mu sync.Mutex

	objects         map[schema.GroupVersionKind][]unstructured.Unstructured
	resourceVersion string
	listErrors      []error
	watchErrors     []error

	watchers chan *watch.RaceFreeFakeWatcher

	// ListCalls and WatchResourceVersions record calls, read them with Calls()
	listCalls             int
	watchResourceVersions []string
}

// NewMockK8sClient creates a new mock K8s client for testing
func NewMockK8sClient() *MockK8sClient {
	return &MockK8sClient{
		objects:         make(map[schema.GroupVersionKind][]unstructured.Unstructured),
		resourceVersion: "1",
		watchers:        make(chan *watch.RaceFreeFakeWatcher, 64),
	}
}

// SetObjects replaces the listed objects of gvk and the collection resource version.
func (m *MockK8sClient) SetObjects(gvk schema.GroupVersionKind, resourceVersion string, objs ...*unstructured.Unstructured) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]unstructured.Unstructured, 0, len(objs))
	for _, o := range objs {
		items = append(items, *o.DeepCopy())
	}
	m.objects[gvk] = items
	m.resourceVersion = resourceVersion
}

// FailList makes the next len(errs) list calls return errs in order.
func (m *MockK8sClient) FailList(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErrors = append(m.listErrors, errs...)
}

// FailWatch makes the next len(errs) watch calls return errs in order.
func (m *MockK8sClient) FailWatch(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchErrors = append(m.watchErrors, errs...)
}

// Watchers yields each watcher handed out by WatchResources.
func (m *MockK8sClient) Watchers() <-chan *watch.RaceFreeFakeWatcher {
	return m.watchers
}

// Calls returns the number of list calls and the resource versions watches started from.
func (m *MockK8sClient) Calls() (lists int, watchVersions []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls, append([]string(nil), m.watchResourceVersions...)
}

// ListResources implements ListerWatcher.ListResources
func (m *MockK8sClient) ListResources(ctx context.Context, gvk schema.GroupVersionKind, namespace string, labelSelector string) (*unstructured.UnstructuredList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listCalls++
	if len(m.listErrors) > 0 {
		err := m.listErrors[0]
		m.listErrors = m.listErrors[1:]
		return nil, err
	}

	list := &unstructured.UnstructuredList{}
	list.SetGroupVersionKind(ListGVK(gvk))
	list.SetResourceVersion(m.resourceVersion)
	for _, o := range m.objects[gvk] {
		if namespace == "" || o.GetNamespace() == namespace {
			list.Items = append(list.Items, *o.DeepCopy())
		}
	}
	return list, nil
}

// WatchResources implements ListerWatcher.WatchResources
func (m *MockK8sClient) WatchResources(ctx context.Context, gvk schema.GroupVersionKind, namespace string, resourceVersion string) (watch.Interface, error) {
	m.mu.Lock()
	m.watchResourceVersions = append(m.watchResourceVersions, resourceVersion)
	if len(m.watchErrors) > 0 {
		err := m.watchErrors[0]
		m.watchErrors = m.watchErrors[1:]
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	w := watch.NewRaceFreeFake()
	m.watchers <- w
	return w, nil
}

// GetResource implements K8sClient.GetResource
// Returns a NotFound error when the resource doesn't exist, matching real K8s client behavior.
func (m *MockK8sClient) GetResource(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) (*unstructured.Unstructured, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.objects[gvk] {
		if o.GetNamespace() == namespace && o.GetName() == name {
			return o.DeepCopy(), nil
		}
	}
	gr := schema.GroupResource{Group: gvk.Group, Resource: gvk.Kind + "s"}
	return nil, apierrors.NewNotFound(gr, name)
}

// Ensure MockK8sClient implements K8sClient
var _ K8sClient = (*MockK8sClient)(nil)

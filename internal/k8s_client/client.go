package k8s_client

import (
	"context"
	"time"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/errors"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/logger"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/version"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// DefaultWatchTimeout is the server-side timeout requested for each watch.
// The server closes the watch cleanly when it expires and the stream resumes
// from the last seen resource version.
const DefaultWatchTimeout = 5 * time.Minute

// Client lists and watches unstructured resources of one cluster using controller-runtime
type Client struct {
	client       client.WithWatch
	log          logger.Logger
	watchTimeout time.Duration
}

// ClientConfig holds configuration for creating a Kubernetes client
type ClientConfig struct {
	// KubeConfigPath is the path to kubeconfig file
	// Leave empty ("") to use in-cluster ServiceAccount authentication
	KubeConfigPath string
	// QPS is the queries per second rate limiter
	QPS float32
	// Burst is the burst rate limiter
	Burst int
	// WatchTimeout defaults to DefaultWatchTimeout
	WatchTimeout time.Duration
}

// NewClient creates a new Kubernetes client with automatic authentication detection
//
// Authentication Methods:
//  1. In-Cluster (ServiceAccount) - When KubeConfigPath is empty ("")
//     Requires RBAC permissions to list and watch the configured kinds.
//  2. Kubeconfig - When KubeConfigPath is set, e.g. a remote session cluster
func NewClient(ctx context.Context, config ClientConfig, log logger.Logger) (*Client, error) {
	var restConfig *rest.Config
	var err error

	if config.KubeConfigPath == "" {
		restConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, errors.KubernetesError("failed to create in-cluster config: %v", err)
		}
		log.Info(ctx, "Using in-cluster Kubernetes configuration (ServiceAccount)")
	} else {
		restConfig, err = clientcmd.BuildConfigFromFlags("", config.KubeConfigPath)
		if err != nil {
			return nil, errors.KubernetesError("failed to load kubeconfig from %s: %v", config.KubeConfigPath, err)
		}
		log.Infof(ctx, "Using kubeconfig from: %s", config.KubeConfigPath)
	}

	if config.QPS == 0 {
		restConfig.QPS = 100.0
	} else {
		restConfig.QPS = config.QPS
	}
	if config.Burst == 0 {
		restConfig.Burst = 200
	} else {
		restConfig.Burst = config.Burst
	}

	return NewClientFromConfig(ctx, restConfig, config.WatchTimeout, log)
}

// NewClientFromConfig creates a client from an existing rest.Config
// This is useful for testing with envtest
func NewClientFromConfig(ctx context.Context, restConfig *rest.Config, watchTimeout time.Duration, log logger.Logger) (*Client, error) {
	restConfig = rest.CopyConfig(restConfig)
	restConfig.UserAgent = version.UserAgent()

	k8sClient, err := client.NewWithWatch(restConfig, client.Options{})
	if err != nil {
		return nil, errors.KubernetesError("failed to create kubernetes client: %v", err)
	}

	if watchTimeout <= 0 {
		watchTimeout = DefaultWatchTimeout
	}
	return &Client{
		client:       k8sClient,
		log:          log,
		watchTimeout: watchTimeout,
	}, nil
}

// GetResource retrieves a specific Kubernetes resource by GVK, namespace, and name
func (c *Client) GetResource(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) (*unstructured.Unstructured, error) {
	c.log.Debugf(ctx, "Getting resource: %s/%s (namespace: %s)", gvk.Kind, name, namespace)

	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(gvk)

	err := c.client.Get(ctx, types.NamespacedName{Name: name, Namespace: namespace}, obj)
	if err != nil {
		// Don't wrap NotFound errors so callers can check for them
		if apierrors.IsNotFound(err) {
			return nil, err
		}
		return nil, errors.KubernetesError("failed to get resource %s/%s (namespace: %s): %v", gvk.Kind, name, namespace, err)
	}
	return obj, nil
}

// ListResources lists resources by GVK, namespace, and label selector.
// The returned list carries the collection resourceVersion to start a watch from.
// API status errors are returned unwrapped so that callers can inspect them.
func (c *Client) ListResources(ctx context.Context, gvk schema.GroupVersionKind, namespace string, labelSelector string) (*unstructured.UnstructuredList, error) {
	c.log.Debugf(ctx, "Listing resources: %s (namespace: %s, selector: %s)", gvk.Kind, namespace, labelSelector)

	list := &unstructured.UnstructuredList{}
	list.SetGroupVersionKind(ListGVK(gvk))

	opts := []client.ListOption{}
	if namespace != "" {
		opts = append(opts, client.InNamespace(namespace))
	}
	if labelSelector != "" {
		selector, err := ParseLabelSelector(labelSelector)
		if err != nil {
			return nil, errors.KubernetesError("invalid label selector %s: %v", labelSelector, err)
		}
		opts = append(opts, client.MatchingLabelsSelector{Selector: selector})
	}

	if err := c.client.List(ctx, list, opts...); err != nil {
		if _, ok := err.(apierrors.APIStatus); ok {
			return nil, err
		}
		return nil, errors.KubernetesError("failed to list resources %s (namespace: %s): %v", gvk.Kind, namespace, err)
	}

	c.log.Debugf(ctx, "Listed resources: %s (found %d items, resourceVersion %s)", gvk.Kind, len(list.Items), list.GetResourceVersion())
	return list, nil
}

// WatchResources opens a watch on GVK in namespace starting after resourceVersion.
// Bookmarks are requested so that idle streams still advance their resume point.
func (c *Client) WatchResources(ctx context.Context, gvk schema.GroupVersionKind, namespace string, resourceVersion string) (watch.Interface, error) {
	c.log.Debugf(ctx, "Watching resources: %s (namespace: %s, resourceVersion: %s)", gvk.Kind, namespace, resourceVersion)

	list := &unstructured.UnstructuredList{}
	list.SetGroupVersionKind(ListGVK(gvk))

	timeout := int64(c.watchTimeout.Seconds())
	w, err := c.client.Watch(ctx, list, &client.ListOptions{
		Namespace: namespace,
		Raw: &metav1.ListOptions{
			ResourceVersion:     resourceVersion,
			AllowWatchBookmarks: true,
			TimeoutSeconds:      &timeout,
		},
	})
	if err != nil {
		if _, ok := err.(apierrors.APIStatus); ok {
			return nil, err
		}
		return nil, errors.KubernetesError("failed to watch resources %s (namespace: %s): %v", gvk.Kind, namespace, err)
	}
	return w, nil
}

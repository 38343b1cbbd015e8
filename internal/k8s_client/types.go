package k8s_client

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// GVKFromKindAndApiVersion creates a GroupVersionKind from kind and apiVersion strings.
//
//	gvk, err := GVKFromKindAndApiVersion("AmaltheaSession", "amalthea.dev/v1alpha1")
func GVKFromKindAndApiVersion(kind, apiVersion string) (schema.GroupVersionKind, error) {
	gv, err := schema.ParseGroupVersion(apiVersion)
	if err != nil {
		return schema.GroupVersionKind{}, err
	}

	return schema.GroupVersionKind{
		Group:   gv.Group,
		Version: gv.Version,
		Kind:    kind,
	}, nil
}

// GVKFromUnstructured extracts GroupVersionKind from an unstructured object.
func GVKFromUnstructured(obj *unstructured.Unstructured) schema.GroupVersionKind {
	return obj.GroupVersionKind()
}

// ListGVK returns the list kind of gvk, e.g. AmaltheaSessionList.
func ListGVK(gvk schema.GroupVersionKind) schema.GroupVersionKind {
	return gvk.GroupVersion().WithKind(gvk.Kind + "List")
}

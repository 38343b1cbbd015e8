package k8s_client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

func TestGVKFromKindAndApiVersion(t *testing.T) {
	tests := []struct {
		name       string
		kind       string
		apiVersion string
		want       schema.GroupVersionKind
		wantErr    bool
	}{
		{
			name:       "core_v1_pod",
			kind:       "Pod",
			apiVersion: "v1",
			want:       schema.GroupVersionKind{Version: "v1", Kind: "Pod"},
		},
		{
			name:       "amalthea_session",
			kind:       "AmaltheaSession",
			apiVersion: "amalthea.dev/v1alpha1",
			want:       schema.GroupVersionKind{Group: "amalthea.dev", Version: "v1alpha1", Kind: "AmaltheaSession"},
		},
		{
			name:       "shipwright_buildrun",
			kind:       "BuildRun",
			apiVersion: "shipwright.io/v1beta1",
			want:       schema.GroupVersionKind{Group: "shipwright.io", Version: "v1beta1", Kind: "BuildRun"},
		},
		{
			name:       "too_many_segments",
			kind:       "TaskRun",
			apiVersion: "tekton.dev/v1/extra",
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GVKFromKindAndApiVersion(tt.kind, tt.apiVersion)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGVKFromUnstructured(t *testing.T) {
	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "tekton.dev/v1",
		"kind":       "TaskRun",
	}}
	assert.Equal(t, schema.GroupVersionKind{Group: "tekton.dev", Version: "v1", Kind: "TaskRun"}, GVKFromUnstructured(obj))
}

func TestListGVK(t *testing.T) {
	gvk := schema.GroupVersionKind{Group: "amalthea.dev", Version: "v1alpha1", Kind: "AmaltheaSession"}
	assert.Equal(t, "AmaltheaSessionList", ListGVK(gvk).Kind)
	assert.Equal(t, gvk.GroupVersion(), ListGVK(gvk).GroupVersion())
}

package k8s_cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

func TestParseResourceVersion(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ResourceVersion
		wantErr bool
	}{
		{"revision", "12345", 12345, false},
		{"zero", "0", 0, false},
		{"empty", "", 0, true},
		{"not_a_number", "abc", 0, true},
		{"negative", "-1", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResourceVersion(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestObjectKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  ObjectKey
		want string
	}{
		{
			name: "custom_resource",
			key:  sessionKey("c1", "s1"),
			want: "c1/renku/AmaltheaSession.v1alpha1.amalthea.dev/s1",
		},
		{
			name: "core_group",
			key:  ObjectKey{Cluster: "c1", Namespace: "default", GVK: schema.GroupVersionKind{Version: "v1", Kind: "Pod"}, Name: "p"},
			want: "c1/default/Pod.v1/p",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.key.String())
		})
	}
}

func TestObjectKey_Less(t *testing.T) {
	a := sessionKey("c1", "a")
	b := sessionKey("c1", "b")
	other := sessionKey("c2", "a")

	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.True(t, b.Less(other))
	assert.False(t, a.Less(a))
}

func TestManifest_Accessors(t *testing.T) {
	m := sessionManifest("s1", "42", "img", "alice")

	assert.Equal(t, "s1", m.Name())
	assert.Equal(t, "renku", m.Namespace())
	assert.Equal(t, "42", m.ResourceVersion())
	assert.Equal(t, sessionGVK, m.GroupVersionKind())
	assert.Equal(t, "alice", m.Labels()["renku.io/safe-username"])
	assert.Equal(t, sessionKey("c1", "s1"), KeyFor("c1", m))
}

func TestManifest_DeepCopy(t *testing.T) {
	m := sessionManifest("s1", "1", "img", "alice")
	cp := m.DeepCopy()

	cp["metadata"].(map[string]interface{})["name"] = "changed"
	assert.Equal(t, "s1", m.Name())

	var nilManifest Manifest
	assert.Nil(t, nilManifest.DeepCopy())
}

func TestFilter_String(t *testing.T) {
	assert.Equal(t, "{}", Filter{}.String())
	assert.Equal(t, "{cluster=c1 user=alice includeDeleted}", Filter{Cluster: "c1", UserID: "alice", IncludeDeleted: true}.String())
}

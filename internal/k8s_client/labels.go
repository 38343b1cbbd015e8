package k8s_client

import (
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/labels"
)

// BuildLabelSelector converts a map of labels to a selector string.
// Keys are sorted alphabetically for deterministic output.
// Example: {"env": "prod", "app": "myapp"} -> "app=myapp,env=prod"
func BuildLabelSelector(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(labels))
	for _, k := range keys {
		pairs = append(pairs, k+"="+labels[k])
	}
	return strings.Join(pairs, ",")
}

// ParseLabelSelector parses a selector string such as
// "renku.io/safe-username=alice,app in (session)". An empty string selects everything.
func ParseLabelSelector(selector string) (labels.Selector, error) {
	if strings.TrimSpace(selector) == "" {
		return labels.Everything(), nil
	}
	return labels.Parse(selector)
}

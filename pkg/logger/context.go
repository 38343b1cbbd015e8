package logger

import (
	"context"
)

type contextKey string

const (
	TraceIDKey contextKey = "trace_id"
	SpanIDKey  contextKey = "span_id"

	// Cache object fields
	ClusterIDKey    contextKey = "cluster_id"
	ResourceTypeKey contextKey = "resource_type"
	ResourceIDKey   contextKey = "resource_id"
	NamespaceKey    contextKey = "namespace"
	ObjectKeyKey    contextKey = "object_key"

	// UserIDKey is the owning user of a cached object
	UserIDKey contextKey = "user_id"

	// LogFieldsKey stores the LogFields map in the context
	LogFieldsKey contextKey = "log_fields"
)

// LogFields holds dynamic key-value pairs for logging
type LogFields map[string]interface{}

// WithLogField returns a context carrying one more log field
func WithLogField(ctx context.Context, key string, value interface{}) context.Context {
	return WithLogFields(ctx, LogFields{key: value})
}

// WithLogFields returns a context carrying the given log fields on top of the existing ones
func WithLogFields(ctx context.Context, newFields LogFields) context.Context {
	fields := GetLogFields(ctx)
	if fields == nil {
		fields = make(LogFields, len(newFields))
	}
	for k, v := range newFields {
		fields[k] = v
	}
	return context.WithValue(ctx, LogFieldsKey, fields)
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return WithLogField(ctx, string(TraceIDKey), traceID)
}

func WithSpanID(ctx context.Context, spanID string) context.Context {
	return WithLogField(ctx, string(SpanIDKey), spanID)
}

func WithClusterID(ctx context.Context, clusterID string) context.Context {
	return WithLogField(ctx, string(ClusterIDKey), clusterID)
}

// WithResourceType sets the watched kind, e.g. "AmaltheaSession"
func WithResourceType(ctx context.Context, resourceType string) context.Context {
	return WithLogField(ctx, string(ResourceTypeKey), resourceType)
}

func WithResourceID(ctx context.Context, resourceID string) context.Context {
	return WithLogField(ctx, string(ResourceIDKey), resourceID)
}

func WithNamespace(ctx context.Context, namespace string) context.Context {
	return WithLogField(ctx, string(NamespaceKey), namespace)
}

// WithObjectKey sets the string form of a cache key
func WithObjectKey(ctx context.Context, key string) context.Context {
	return WithLogField(ctx, string(ObjectKeyKey), key)
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return WithLogField(ctx, string(UserIDKey), userID)
}

// GetLogFields returns a copy of the context's log fields, or nil if none are set
func GetLogFields(ctx context.Context) LogFields {
	if ctx == nil {
		return nil
	}
	v, ok := ctx.Value(LogFieldsKey).(LogFields)
	if !ok {
		return nil
	}
	fields := make(LogFields, len(v))
	for k, val := range v {
		fields[k] = val
	}
	return fields
}

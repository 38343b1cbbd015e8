package watch_stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/cluster_registry"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_cache"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_client"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/constants"
	apperrors "github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/errors"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
)

var sessionGVK = schema.GroupVersionKind{
	Group:   constants.AmaltheaSessionGroup,
	Version: constants.AmaltheaSessionVersion,
	Kind:    constants.AmaltheaSessionKind,
}

func session(name, rv string) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(sessionGVK)
	obj.SetNamespace("renku")
	obj.SetName(name)
	obj.SetResourceVersion(rv)
	return obj
}

func bookmark(rv string) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(sessionGVK)
	obj.SetResourceVersion(rv)
	return obj
}

func key(name string) k8s_cache.ObjectKey {
	return k8s_cache.ObjectKey{Cluster: "c1", Namespace: "renku", GVK: sessionGVK, Name: name}
}

// testConfig uses millisecond backoffs and treats every watch closing without
// events as a failure.
func testConfig() Config {
	return Config{
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       2 * time.Millisecond,
		MinWatchDuration: time.Hour,
	}
}

func subscribe(t *testing.T, mock *k8s_client.MockK8sClient, cfg Config) <-chan Event {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	registry := cluster_registry.NewStatic(&cluster_registry.Cluster{ID: "c1", Namespace: "renku", Client: mock})
	streams := NewStreams(registry, cfg, logger.NewTestLogger())
	ch, err := streams.Subscribe(ctx, "c1", sessionGVK, "")
	require.NoError(t, err)
	return ch
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "stream closed unexpectedly")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream event")
		return Event{}
	}
}

func nextWatcher(t *testing.T, mock *k8s_client.MockK8sClient) *watch.RaceFreeFakeWatcher {
	t.Helper()
	select {
	case w := <-mock.Watchers():
		return w
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watch call")
		return nil
	}
}

// expectListing consumes the Added events and the Resynced marker of a list.
func expectListing(t *testing.T, ch <-chan Event, rv k8s_cache.ResourceVersion, names ...string) {
	t.Helper()
	listed := make(map[k8s_cache.ObjectKey]struct{}, len(names))
	for _, name := range names {
		ev := next(t, ch)
		require.Equal(t, Added, ev.Type)
		assert.Equal(t, name, ev.Object.Name())
		listed[key(name)] = struct{}{}
	}
	ev := next(t, ch)
	require.Equal(t, Resynced, ev.Type)
	assert.Equal(t, listed, ev.Listed)
	assert.Equal(t, rv, ev.ResourceVersion)
}

func TestStream_ListThenWatch(t *testing.T) {
	mock := k8s_client.NewMockK8sClient()
	mock.SetObjects(sessionGVK, "10", session("a", "5"), session("b", "7"))
	ch := subscribe(t, mock, testConfig())

	expectListing(t, ch, 10, "a", "b")
	w := nextWatcher(t, mock)

	w.Add(session("c", "11"))
	w.Modify(session("a", "12"))
	w.Delete(session("b", "13"))
	w.Action(watch.Bookmark, bookmark("14"))

	tests := []struct {
		typ  EventType
		name string
		rv   k8s_cache.ResourceVersion
	}{
		{Added, "c", 11},
		{Modified, "a", 12},
		{Deleted, "b", 13},
		{Bookmark, "", 14},
	}
	for _, want := range tests {
		ev := next(t, ch)
		assert.Equal(t, want.typ, ev.Type)
		assert.Equal(t, want.rv, ev.ResourceVersion)
		if want.name != "" {
			assert.Equal(t, want.name, ev.Object.Name())
			assert.Equal(t, sessionGVK, ev.Object.GroupVersionKind())
		}
	}

	lists, versions := mock.Calls()
	assert.Equal(t, 1, lists)
	assert.Equal(t, []string{"10"}, versions)
}

func TestStream_CleanCloseResumesWithoutRelist(t *testing.T) {
	mock := k8s_client.NewMockK8sClient()
	mock.SetObjects(sessionGVK, "10", session("a", "5"))
	ch := subscribe(t, mock, testConfig())

	expectListing(t, ch, 10, "a")
	w := nextWatcher(t, mock)
	w.Add(session("b", "11"))
	w.Action(watch.Bookmark, bookmark("15"))
	w.Stop()

	assert.Equal(t, Added, next(t, ch).Type)
	assert.Equal(t, Bookmark, next(t, ch).Type)

	w2 := nextWatcher(t, mock)
	w2.Modify(session("b", "16"))
	ev := next(t, ch)
	assert.Equal(t, Modified, ev.Type)

	lists, versions := mock.Calls()
	assert.Equal(t, 1, lists)
	assert.Equal(t, []string{"10", "15"}, versions)
}

func TestStream_ExpiredResourceVersionRelists(t *testing.T) {
	tests := []struct {
		name   string
		expire func(mock *k8s_client.MockK8sClient, w *watch.RaceFreeFakeWatcher)
		// events delivered before the expiry shows up
		before []EventType
	}{
		{
			name: "error_event_expired",
			expire: func(_ *k8s_client.MockK8sClient, w *watch.RaceFreeFakeWatcher) {
				w.Error(&metav1.Status{
					Status:  metav1.StatusFailure,
					Code:    410,
					Reason:  metav1.StatusReasonExpired,
					Message: "too old resource version: 10 (42)",
				})
			},
		},
		{
			name: "error_event_gone",
			expire: func(_ *k8s_client.MockK8sClient, w *watch.RaceFreeFakeWatcher) {
				w.Error(&metav1.Status{Status: metav1.StatusFailure, Code: 410, Reason: metav1.StatusReasonGone})
			},
		},
		{
			name: "watch_call_expired",
			expire: func(mock *k8s_client.MockK8sClient, w *watch.RaceFreeFakeWatcher) {
				mock.FailWatch(apierrors.NewResourceExpired("too old resource version"))
				w.Action(watch.Bookmark, bookmark("12"))
				w.Stop()
			},
			before: []EventType{Bookmark},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := k8s_client.NewMockK8sClient()
			mock.SetObjects(sessionGVK, "10", session("a", "5"), session("b", "7"))
			ch := subscribe(t, mock, testConfig())

			expectListing(t, ch, 10, "a", "b")
			w := nextWatcher(t, mock)

			// "b" was deleted while the stream could not see it
			mock.SetObjects(sessionGVK, "42", session("a", "30"))
			tt.expire(mock, w)
			for _, typ := range tt.before {
				assert.Equal(t, typ, next(t, ch).Type)
			}

			expectListing(t, ch, 42, "a")
			nextWatcher(t, mock)

			lists, versions := mock.Calls()
			assert.Equal(t, 2, lists)
			assert.Equal(t, "42", versions[len(versions)-1])
		})
	}
}

func TestStream_TransientListFailureIsRetried(t *testing.T) {
	mock := k8s_client.NewMockK8sClient()
	mock.SetObjects(sessionGVK, "10", session("a", "5"))
	mock.FailList(errors.New("dial tcp: connection refused"))
	ch := subscribe(t, mock, testConfig())

	ev := next(t, ch)
	require.Equal(t, Error, ev.Type)
	assert.Contains(t, ev.Err.Error(), "connection refused")
	assert.False(t, ev.Degraded)

	expectListing(t, ch, 10, "a")
}

func TestStream_PersistentFailureMarksDegraded(t *testing.T) {
	// every clock read advances one second
	var ticks atomic.Int64
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.DegradedAfter = 1500 * time.Millisecond
	cfg.Now = func() time.Time {
		return start.Add(time.Duration(ticks.Add(1)) * time.Second)
	}

	mock := k8s_client.NewMockK8sClient()
	mock.SetObjects(sessionGVK, "10", session("a", "5"))
	mock.FailList(errors.New("unreachable"), errors.New("unreachable"))
	ch := subscribe(t, mock, cfg)

	first := next(t, ch)
	require.Equal(t, Error, first.Type)
	assert.False(t, first.Degraded)

	second := next(t, ch)
	require.Equal(t, Error, second.Type)
	assert.True(t, second.Degraded)

	// recovery is a full listing
	expectListing(t, ch, 10, "a")
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestStream_DegradedWatchFailureRelists(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := testConfig()
	cfg.InitialBackoff = 200 * time.Millisecond
	cfg.MaxBackoff = 200 * time.Millisecond
	cfg.DegradedAfter = 30 * time.Second
	cfg.Now = clock.Now

	mock := k8s_client.NewMockK8sClient()
	mock.SetObjects(sessionGVK, "10", session("a", "5"))
	ch := subscribe(t, mock, cfg)
	expectListing(t, ch, 10, "a")

	mock.FailList(errors.New("unreachable"))
	nextWatcher(t, mock).Stop()

	first := next(t, ch)
	require.Equal(t, Error, first.Type)
	assert.False(t, first.Degraded)

	// the stream is waiting out its backoff
	clock.Advance(time.Minute)

	second := next(t, ch)
	require.Equal(t, Error, second.Type)
	assert.Contains(t, second.Err.Error(), "unreachable")
	assert.True(t, second.Degraded)

	expectListing(t, ch, 10, "a")
	lists, _ := mock.Calls()
	assert.Equal(t, 3, lists)
}

func TestStream_ShortWatchWithoutEventsIsFailure(t *testing.T) {
	mock := k8s_client.NewMockK8sClient()
	mock.SetObjects(sessionGVK, "10")
	ch := subscribe(t, mock, testConfig())

	expectListing(t, ch, 10)
	nextWatcher(t, mock).Stop()

	ev := next(t, ch)
	require.Equal(t, Error, ev.Type)
	var serviceErr *apperrors.ServiceError
	require.ErrorAs(t, ev.Err, &serviceErr)
	assert.Equal(t, apperrors.ErrorClusterUnavailable, serviceErr.Code)

	nextWatcher(t, mock)
	lists, versions := mock.Calls()
	assert.Equal(t, 1, lists)
	assert.Equal(t, []string{"10", "10"}, versions)
}

func TestStream_MalformedEventsAreDiscarded(t *testing.T) {
	mock := k8s_client.NewMockK8sClient()
	mock.SetObjects(sessionGVK, "10")
	ch := subscribe(t, mock, testConfig())

	expectListing(t, ch, 10)
	w := nextWatcher(t, mock)
	w.Add(session("bad-version", "not-a-number"))
	w.Add(&metav1.Status{Status: metav1.StatusSuccess})
	w.Add(session("good", "11"))

	ev := next(t, ch)
	assert.Equal(t, Added, ev.Type)
	assert.Equal(t, "good", ev.Object.Name())
	assert.Equal(t, k8s_cache.ResourceVersion(11), ev.ResourceVersion)
}

func TestStream_ClosesOnCancel(t *testing.T) {
	mock := k8s_client.NewMockK8sClient()
	mock.SetObjects(sessionGVK, "10", session("a", "5"))
	registry := cluster_registry.NewStatic(&cluster_registry.Cluster{ID: "c1", Namespace: "renku", Client: mock})
	streams := NewStreams(registry, testConfig(), logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := streams.Subscribe(ctx, "c1", sessionGVK, "renku")
	require.NoError(t, err)
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancel")
		}
	}
}

func TestSubscribe_UnavailableCluster(t *testing.T) {
	registry := cluster_registry.NewStatic()
	streams := NewStreams(registry, testConfig(), logger.NewTestLogger())

	_, err := streams.Subscribe(context.Background(), "missing", sessionGVK, "")
	require.Error(t, err)
	var serviceErr *apperrors.ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, apperrors.ErrorClusterUnavailable, serviceErr.Code)
}

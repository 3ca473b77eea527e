package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/offlinecache/internal/clients"
	"github.com/l0p7/offlinecache/internal/config"
	"github.com/l0p7/offlinecache/internal/storage"
	"github.com/l0p7/offlinecache/internal/syncqueue"
)

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(newTestLogger(), Options{Fetcher: newFakeFetcher(), Origin: "http://origin.test"})
	require.Error(t, err)
	_, err = New(newTestLogger(), Options{Storage: storage.NewMemory(), Origin: "http://origin.test"})
	require.Error(t, err)
	_, err = New(newTestLogger(), Options{Storage: storage.NewMemory(), Fetcher: newFakeFetcher(), Origin: "origin"})
	require.Error(t, err)
}

func TestDispatchUnknownEvent(t *testing.T) {
	h := newHarness(t)
	err := h.ctrl.Dispatcher().Dispatch(context.Background(), Event{Type: "message"})
	require.ErrorIs(t, err, ErrUnknownEvent)

	err = h.ctrl.Dispatcher().Dispatch(context.Background(), Event{Type: EventFetch})
	require.Error(t, err)
}

func TestRequestsPassThroughBeforeActivation(t *testing.T) {
	h := newHarness(t)
	rec := h.get(t, "/index.html")
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, SourcePassthrough, rec.Header().Get(HeaderSource))
	require.Equal(t, 0, h.fetcher.callCount())
}

func TestNonGetRequestsPassThrough(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	calls := h.fetcher.callCount()

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodHead} {
		req := httptest.NewRequest(method, "http://offline.test/api/athletes", strings.NewReader(`{"id":"1"}`))
		rec := httptest.NewRecorder()
		h.ctrl.ServeHTTP(rec, req)
		require.Equal(t, http.StatusTeapot, rec.Code, method)
	}
	require.Equal(t, 4, *h.passthrough)
	require.Equal(t, calls, h.fetcher.callCount())

	keys, err := h.generation(t, defaultNames().Data).Keys(context.Background())
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestPassthroughProxiesToOrigin(t *testing.T) {
	var (
		mu       sync.Mutex
		gotBody  string
		gotPath  string
		gotProto string
	)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody, gotPath, gotProto = string(body), r.URL.Path, r.Header.Get("X-Forwarded-Proto")
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(origin.Close)

	h := newHarness(t, func(o *Options) {
		o.Origin = origin.URL
		o.Passthrough = nil
	})
	h.activate(t)

	req := httptest.NewRequest(http.MethodPost, "http://offline.test/api/athletes", strings.NewReader(`{"id":"2"}`))
	rec := httptest.NewRecorder()
	h.ctrl.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, SourcePassthrough, rec.Header().Get(HeaderSource))
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, `{"id":"2"}`, gotBody)
	require.Equal(t, "/api/athletes", gotPath)
	require.Equal(t, "http", gotProto)
}

func TestPassthroughOriginDown(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	url := origin.URL
	origin.Close()

	h := newHarness(t, func(o *Options) {
		o.Origin = url
		o.Passthrough = nil
	})
	req := httptest.NewRequest(http.MethodPost, "http://offline.test/api/athletes", nil)
	rec := httptest.NewRecorder()
	h.ctrl.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, SourcePassthrough, rec.Header().Get(HeaderSource))
}

func TestPush(t *testing.T) {
	h := newHarness(t)
	payload := []byte(`{"title":"New PR","message":"Alex ran 5k in 19:02"}`)
	require.NoError(t, h.ctrl.Dispatcher().Dispatch(context.Background(), Event{Type: EventPush, Payload: payload}))

	require.Equal(t, []clients.Notification{{
		Title: "New PR",
		Body:  "Alex ran 5k in 19:02",
		Icon:  "/icons/icon-192x192.png",
	}}, h.notifier.sent)
}

func TestPushIgnoresBadPayloads(t *testing.T) {
	payloads := map[string]string{
		"empty":           "",
		"whitespace":      "  ",
		"malformed":       "{not json",
		"missing message": `{"title":"only a title"}`,
		"missing title":   `{"message":"only a message"}`,
		"wrong type":      `{"title":1,"message":"x"}`,
	}
	for name, payload := range payloads {
		payload := payload
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.ctrl.Push(context.Background(), []byte(payload)))
			require.Empty(t, h.notifier.sent)
		})
	}
}

func TestPushNotifierFailure(t *testing.T) {
	h := newHarness(t)
	h.notifier.fails = true
	err := h.ctrl.Push(context.Background(), []byte(`{"title":"t","message":"m"}`))
	require.Error(t, err)
}

func TestEnqueueValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ctrl.Enqueue(ctx, EnqueueRequest{Payload: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.ctrl.Enqueue(ctx, EnqueueRequest{Action: "saveAthlete", Payload: json.RawMessage(`{broken`)})
	require.ErrorIs(t, err, ErrInvalidRequest)

	item, err := h.ctrl.Enqueue(ctx, EnqueueRequest{Action: "saveAthlete", Payload: json.RawMessage(`{"id":"1"}`)})
	require.NoError(t, err)
	require.NotEmpty(t, item.ID)

	pending, err := h.ctrl.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, h.ctrl.Status(ctx).PendingSync)
}

func TestSyncDrainsConfiguredTagOnly(t *testing.T) {
	var (
		mu       sync.Mutex
		replayed []string
	)
	replayer := replayFunc(func(_ context.Context, item syncqueue.Item) error {
		if item.Action == "broken" {
			return errors.New("origin rejected item")
		}
		mu.Lock()
		replayed = append(replayed, item.Action)
		mu.Unlock()
		return nil
	})
	h := newHarness(t, func(o *Options) { o.Replayer = replayer })
	ctx := context.Background()

	for _, action := range []string{"saveAthlete", "broken", "deleteRun"} {
		_, err := h.ctrl.Enqueue(ctx, EnqueueRequest{Action: action, Payload: json.RawMessage(`{}`)})
		require.NoError(t, err)
	}

	res, err := h.ctrl.Sync(ctx, "periodic-refresh")
	require.NoError(t, err)
	require.Zero(t, res.Attempted)
	require.Empty(t, replayed)

	require.NoError(t, h.ctrl.Dispatcher().Dispatch(ctx, Event{Type: EventSync, Tag: "sync-data"}))
	mu.Lock()
	require.Equal(t, []string{"saveAthlete", "deleteRun"}, replayed)
	mu.Unlock()

	pending, err := h.ctrl.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "broken", pending[0].Action)

	res, err = h.ctrl.Sync(ctx, "sync-data")
	require.NoError(t, err)
	require.Equal(t, syncqueue.Result{Attempted: 1, Failed: 1}, res)
}

func TestSyncWithoutReplayerIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	res, err := h.ctrl.Sync(context.Background(), "sync-data")
	require.NoError(t, err)
	require.Zero(t, res.Attempted)
}

func TestClassifier(t *testing.T) {
	cfg := config.DefaultConfig().Controller
	plain, err := NewClassifier(cfg, nil, newTestLogger())
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		target string
		header map[string]string
		want   Class
	}{
		{name: "post", method: http.MethodPost, target: "/api/athletes", want: ClassPassthrough},
		{name: "head", method: http.MethodHead, target: "/index.html", want: ClassPassthrough},
		{name: "api prefix", method: http.MethodGet, target: "/api/athletes", want: ClassData},
		{name: "api wins over image hint", method: http.MethodGet, target: "/api/avatar", header: map[string]string{"Sec-Fetch-Dest": "image"}, want: ClassData},
		{name: "image destination", method: http.MethodGet, target: "/media/hero.avif", header: map[string]string{"Sec-Fetch-Dest": "image"}, want: ClassImage},
		{name: "enumerated image", method: http.MethodGet, target: "/images/background-md.webp", want: ClassImage},
		{name: "enumerated icon with query", method: http.MethodGet, target: "/icons/icon-512x512.png?v=3", want: ClassImage},
		{name: "static default", method: http.MethodGet, target: "/static/js/main.js", want: ClassStatic},
		{name: "navigation", method: http.MethodGet, target: "/athletes/42", want: ClassStatic},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "http://offline.test"+tc.target, nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			require.Equal(t, tc.want, plain.Classify(req))
		})
	}
}

func TestClassifierRoutes(t *testing.T) {
	env, err := newExprEnvironment(t)
	require.NoError(t, err)

	cfg := config.DefaultConfig().Controller
	cfg.Routes = []config.RouteConfig{
		{Match: `request.path == "/graphql"`, Strategy: "data"},
		{Match: `request.path.startsWith("/live/")`, Strategy: "passthrough"},
		{Match: `request.headers["x-broken"].size() > 0`, Strategy: "image"},
	}
	classifier, err := NewClassifier(cfg, env, newTestLogger())
	require.NoError(t, err)

	get := func(target string) *http.Request {
		return httptest.NewRequest(http.MethodGet, "http://offline.test"+target, nil)
	}
	require.Equal(t, ClassData, classifier.Classify(get("/graphql")))
	require.Equal(t, ClassPassthrough, classifier.Classify(get("/live/scores")))
	// A route that fails to evaluate is skipped.
	require.Equal(t, ClassStatic, classifier.Classify(get("/about")))

	_, err = NewClassifier(cfg, nil, newTestLogger())
	require.Error(t, err)

	cfg.Routes = []config.RouteConfig{{Match: `request.path +`, Strategy: "data"}}
	_, err = NewClassifier(cfg, env, newTestLogger())
	require.Error(t, err)
}

func TestRouteToPassthroughSkipsCache(t *testing.T) {
	env, err := newExprEnvironment(t)
	require.NoError(t, err)
	cfg := config.DefaultConfig().Controller
	cfg.Routes = []config.RouteConfig{{Match: `request.path.startsWith("/live/")`, Strategy: "passthrough"}}
	classifier, err := NewClassifier(cfg, env, newTestLogger())
	require.NoError(t, err)

	h := newHarness(t, func(o *Options) { o.Classifier = classifier })
	h.activate(t)
	rec := h.get(t, "/live/scores")
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, 1, *h.passthrough)
}

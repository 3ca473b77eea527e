package controller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/offlinecache/internal/clients"
	"github.com/l0p7/offlinecache/internal/config"
	"github.com/l0p7/offlinecache/internal/storage"
	"github.com/l0p7/offlinecache/internal/syncqueue"
)

var errNetworkDown = errors.New("network unreachable")

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeFetcher answers from a path-keyed table. down simulates an unreachable
// network; block makes every fetch hang until it is closed or ctx ends.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]storage.Entry
	down      bool
	block     chan struct{}
	calls     []string
}

func newFakeFetcher() *fakeFetcher {
	f := &fakeFetcher{responses: make(map[string]storage.Entry)}
	for _, asset := range config.DefaultStaticAssets {
		f.set(asset, http.StatusOK, "text/html", "asset "+asset)
	}
	f.set("/images/background-placeholder.webp", http.StatusOK, "image/webp", "placeholder-webp")
	return f
}

func (f *fakeFetcher) set(path string, status int, contentType, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[path] = storage.Entry{
		Status: status,
		Header: http.Header{"Content-Type": []string{contentType}},
		Body:   []byte(body),
	}
}

func (f *fakeFetcher) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) Fetch(ctx context.Context, method string, target *url.URL, header http.Header) (storage.Entry, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method+" "+target.RequestURI())
	block := f.block
	down := f.down
	entry, ok := f.responses[target.RequestURI()]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return storage.Entry{}, ctx.Err()
		}
	}
	if down {
		return storage.Entry{}, errNetworkDown
	}
	if !ok {
		return storage.Entry{URL: target.String(), Status: http.StatusNotFound, Type: ResponseType(header)}, nil
	}
	entry = entry.Clone()
	entry.URL = target.String()
	entry.Type = ResponseType(header)
	return entry, nil
}

type recordingBroadcaster struct {
	mu       sync.Mutex
	messages []clients.Message
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, msg clients.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
	return nil
}

func (b *recordingBroadcaster) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.messages))
	for _, m := range b.messages {
		out = append(out, m.Type)
	}
	return out
}

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []clients.Notification
	fails bool
}

func (n *recordingNotifier) Notify(_ context.Context, note clients.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fails {
		return errors.New("notifier offline")
	}
	n.sent = append(n.sent, note)
	return nil
}

type replayFunc func(ctx context.Context, item syncqueue.Item) error

func (f replayFunc) Replay(ctx context.Context, item syncqueue.Item) error { return f(ctx, item) }

type harness struct {
	ctrl        *Controller
	store       storage.Storage
	fetcher     *fakeFetcher
	broadcaster *recordingBroadcaster
	notifier    *recordingNotifier
	queue       syncqueue.Queue
	passthrough *int
}

type harnessOption func(*Options)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := config.DefaultConfig().Controller
	h := &harness{
		store:       storage.NewMemory(),
		fetcher:     newFakeFetcher(),
		broadcaster: &recordingBroadcaster{},
		notifier:    &recordingNotifier{},
		queue:       syncqueue.NewMemory(),
		passthrough: new(int),
	}
	passthroughCalls := h.passthrough
	options := Options{
		Config:      cfg,
		Origin:      "http://origin.test",
		SyncTag:     "sync-data",
		Storage:     h.store,
		Fetcher:     h.fetcher,
		Queue:       h.queue,
		Broadcaster: h.broadcaster,
		Notifier:    h.notifier,
		Passthrough: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*passthroughCalls++
			markSource(w.Header(), SourcePassthrough)
			w.WriteHeader(http.StatusTeapot)
		}),
	}
	for _, opt := range opts {
		opt(&options)
	}
	ctrl, err := New(newTestLogger(), options)
	require.NoError(t, err)
	h.ctrl = ctrl
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ctrl.Wait(ctx)
	})
	return h
}

// activate runs the install event, which proceeds straight to activation.
func (h *harness) activate(t *testing.T) {
	t.Helper()
	require.NoError(t, h.ctrl.Dispatcher().Dispatch(context.Background(), Event{Type: EventInstall}))
	require.True(t, h.ctrl.Ready())
}

func (h *harness) get(t *testing.T, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://offline.test"+target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ctrl.ServeHTTP(rec, req)
	return rec
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.ctrl.Wait(ctx))
}

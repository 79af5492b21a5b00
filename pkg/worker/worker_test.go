package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/offline-worker/internal/testutil"
	"github.com/Sternrassler/offline-worker/pkg/cache"
	"github.com/Sternrassler/offline-worker/pkg/config"
	"github.com/Sternrassler/offline-worker/pkg/fetch"
	"github.com/Sternrassler/offline-worker/pkg/lifecycle"
	"github.com/Sternrassler/offline-worker/pkg/notify"
	"github.com/Sternrassler/offline-worker/pkg/router"
)

// switchFetcher fails every request while the network is down.
type switchFetcher struct {
	next fetch.Fetcher
	down atomic.Bool
}

func (f *switchFetcher) Do(req *http.Request) (*http.Response, error) {
	if f.down.Load() {
		return nil, testutil.ErrNetworkDown
	}
	return f.next.Do(req)
}

type harness struct {
	origin  *testutil.MockOrigin
	fetcher *switchFetcher
	store   *cache.MemoryStore
	worker  *Worker
	server  *httptest.Server
}

func newHarness(t *testing.T, modify func(*config.Config)) *harness {
	t.Helper()

	origin := testutil.NewMockOrigin()
	t.Cleanup(origin.Close)
	origin.StaticSite()
	origin.SetResponse("/api/data", testutil.NewJSONResponse(`{"quizzes":3}`))

	cfg := config.Default()
	cfg.Server.Origin = origin.URL()
	if modify != nil {
		modify(&cfg)
	}

	fetcher := &switchFetcher{next: origin.Client()}
	store := cache.NewMemoryStore()
	w, err := New(cfg, store, fetcher, zerolog.Nop())
	require.NoError(t, err)

	server := httptest.NewServer(w.Handler())
	t.Cleanup(func() {
		server.Close()
		w.Close()
	})

	return &harness{origin: origin, fetcher: fetcher, store: store, worker: w, server: server}
}

func (h *harness) get(t *testing.T, path, accept string) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, h.server.URL+path, nil)
	require.NoError(t, err)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	return h.do(t, req)
}

func (h *harness) do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()

	resp, err := h.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func (h *harness) post(t *testing.T, path, body string) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, h.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	return h.do(t, req)
}

func TestNew_Validation(t *testing.T) {
	cfg := config.Default()
	_, err := New(cfg, cache.NewMemoryStore(), http.DefaultClient, zerolog.Nop())
	assert.Error(t, err, "missing origin")

	cfg.Server.Origin = "http://localhost:3000"
	_, err = New(cfg, nil, http.DefaultClient, zerolog.Nop())
	assert.Error(t, err, "nil store")

	_, err = New(cfg, cache.NewMemoryStore(), nil, zerolog.Nop())
	assert.Error(t, err, "nil fetcher")
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	resp, body := h.get(t, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", body)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.worker.Start(context.Background()))

	resp, body := h.get(t, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "offline_lifecycle_installs_total")
}

func TestStart_ServesManifestFromCache(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.worker.Start(context.Background()))
	assert.Equal(t, lifecycle.StateActive, h.worker.Lifecycle().State())

	before := h.origin.RequestCount()
	resp, body := h.get(t, "/index.html", "text/html")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>home</html>", body)
	assert.Equal(t, router.OutcomeCache, resp.Header.Get(router.HeaderOutcome))
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), router.HeaderOutcome)
	assert.Equal(t, before, h.origin.RequestCount(), "cache hit must not reach the origin")
}

func TestAPIData_NetworkDownServesCachedCopy(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.worker.Start(context.Background()))

	resp, body := h.get(t, "/api/data", "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"quizzes":3}`, body)
	assert.Equal(t, router.OutcomeNetwork, resp.Header.Get(router.HeaderOutcome))
	h.worker.router.Wait()

	h.fetcher.down.Store(true)

	resp, body = h.get(t, "/api/data", "application/json")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"quizzes":3}`, body)
	assert.Equal(t, router.OutcomeCache, resp.Header.Get(router.HeaderOutcome))

	resp, body = h.get(t, "/api/other", "application/json")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Offline"}`, body)
}

func TestNavigationMiss_OfflineDocument(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.worker.Start(context.Background()))
	h.fetcher.down.Store(true)

	resp, body := h.get(t, "/quiz/7", "text/html,application/xhtml+xml")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>offline</html>", body)
	assert.Equal(t, router.OutcomeFallback, resp.Header.Get(router.HeaderOutcome))
}

func TestPassThrough(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.worker.Start(context.Background()))

	var gotMethod, gotBody string
	h.origin.SetHandler("/api/answers", func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
	})

	resp, _ := h.post(t, "/api/answers", `{"answer":2}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "pass-through", resp.Header.Get(router.HeaderOutcome))
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, `{"answer":2}`, gotBody)
}

func TestPassThrough_OriginDown(t *testing.T) {
	h := newHarness(t, nil)
	h.origin.Close()

	resp, _ := h.post(t, "/api/answers", `{}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "bad-gateway", resp.Header.Get(router.HeaderOutcome))
}

func TestStart_InstallFailureKeepsPassThrough(t *testing.T) {
	h := newHarness(t, nil)
	h.origin.SetResponse("/offline.html", testutil.NewNotFoundResponse())

	err := h.worker.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, lifecycle.ErrInstallFailed))

	keys, err := h.store.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)

	resp, body := h.get(t, "/index.html", "text/html")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>home</html>", body)
	assert.Equal(t, "pass-through", resp.Header.Get(router.HeaderOutcome))
}

func TestPushAndClick(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.worker.Start(context.Background()))

	resp, body := h.post(t, "/_worker/push", `{"body":"New quiz","url":"/quiz/9"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var n notify.Notification
	require.NoError(t, json.Unmarshal([]byte(body), &n))
	assert.Equal(t, "New quiz", n.Body)
	assert.Equal(t, "Quiz Generator", n.Title)
	assert.Equal(t, []int{100, 50, 100}, n.Vibrate)
	assert.Equal(t, "/quiz/9", n.Data.URL)
	require.Len(t, h.worker.Notifications(), 1)

	resp, body = h.post(t, "/_worker/notificationclick", `{"id":"`+n.ID+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"url":"/quiz/9"`)
	assert.Equal(t, []string{"/quiz/9"}, h.worker.Clients().Opened())
	assert.Empty(t, h.worker.Notifications())
}

func TestClick_FocusesOpenClient(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.worker.Start(context.Background()))

	resp, _ := h.get(t, "/", "text/html")
	var clientID string
	for _, c := range resp.Cookies() {
		if c.Name == ClientCookie {
			clientID = c.Value
		}
	}
	require.NotEmpty(t, clientID)

	resp, body := h.post(t, "/_worker/notificationclick", `{"url":"/"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var focused struct {
		ID         string `json:"id"`
		Focused    bool   `json:"focused"`
		Controlled bool   `json:"controlled"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &focused))
	assert.Equal(t, clientID, focused.ID)
	assert.True(t, focused.Focused)
	assert.True(t, focused.Controlled)
	assert.Empty(t, h.worker.Clients().Opened())
}

func TestCookielessNavigations_ClientPoolIsBounded(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Clients.MaxClients = 2 })
	require.NoError(t, h.worker.Start(context.Background()))

	for i := 0; i < 5; i++ {
		resp, _ := h.get(t, "/", "text/html")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, 2, h.worker.Clients().Len())
}

func TestPush_VisibleNotificationsAreCapped(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Notify.MaxVisible = 2 })

	for _, body := range []string{"first", "second", "third"} {
		resp, _ := h.post(t, "/_worker/push", `{"body":"`+body+`"}`)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	visible := h.worker.Notifications()
	require.Len(t, visible, 2)
	assert.Equal(t, "second", visible[0].Body)
	assert.Equal(t, "third", visible[1].Body)
}

func TestPush_EmptyPayloadIgnored(t *testing.T) {
	h := newHarness(t, nil)

	resp, _ := h.post(t, "/_worker/push", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, h.worker.Notifications())
}

func TestState(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Cache.Name = "app-cache-v2" })

	ctx := context.Background()
	old, err := h.store.Open(ctx, "app-cache-v1")
	require.NoError(t, err)
	require.NoError(t, old.Put(ctx, cache.RequestKey{Method: http.MethodGet, URL: h.origin.URL() + "/"}, &cache.Entry{StatusCode: 200}))

	require.NoError(t, h.worker.Start(ctx))

	resp, body := h.get(t, "/_worker/state", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var state State
	require.NoError(t, json.Unmarshal([]byte(body), &state))
	assert.Equal(t, "active", state.State)
	assert.Equal(t, "app-cache-v2", state.CacheName)
	assert.Equal(t, "app-cache-v2", state.Active)
	assert.True(t, state.SkipWaiting)
	assert.Equal(t, []string{"app-cache-v2"}, state.Generations)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	store, err := OpenStore(ctx, config.StoreConfig{Backend: config.BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &cache.MemoryStore{}, store)
	require.NoError(t, store.Close())

	store, err = OpenStore(ctx, config.StoreConfig{
		Backend: config.BackendLevelDB,
		LevelDB: config.LevelDBConfig{Path: filepath.Join(t.TempDir(), "db")},
	})
	require.NoError(t, err)
	assert.IsType(t, &cache.LevelDBStore{}, store)
	require.NoError(t, store.Close())

	_, err = OpenStore(ctx, config.StoreConfig{Backend: "s3"})
	assert.Error(t, err)
}

func TestNewFetcher(t *testing.T) {
	cfg := config.Default().Fetch
	cfg.MaxAttempts = 3

	f, err := NewFetcher(cfg)
	require.NoError(t, err)
	assert.NotNil(t, f)

	cfg.MaxAttempts = 0
	_, err = NewFetcher(cfg)
	assert.Error(t, err)
}

// Package worker hosts the offline caching layer as an HTTP server in front of
// the application origin.
//
// Every request that is not one of the worker's own endpoints is a fetch
// event: the router answers it from the network or the active cache
// generation, or it is passed through to the origin untouched.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/offline-worker/pkg/cache"
	"github.com/Sternrassler/offline-worker/pkg/clients"
	"github.com/Sternrassler/offline-worker/pkg/config"
	"github.com/Sternrassler/offline-worker/pkg/fetch"
	"github.com/Sternrassler/offline-worker/pkg/lifecycle"
	"github.com/Sternrassler/offline-worker/pkg/metrics"
	"github.com/Sternrassler/offline-worker/pkg/notify"
	"github.com/Sternrassler/offline-worker/pkg/router"
)

// ClientCookie carries the page's client id.
const ClientCookie = "offline_worker_client"

// maxEventBody bounds push and click request bodies.
const maxEventBody = 64 << 10

// Worker wires the cache store, lifecycle, router and notification bridge.
type Worker struct {
	cfg    config.Config
	origin *url.URL

	store         cache.Store
	lifecycle     *lifecycle.Manager
	router        *router.Router
	bridge        *notify.Bridge
	clients       *clients.Pool
	notifications *notify.Recorder
	proxy         *httputil.ReverseProxy

	logger zerolog.Logger
}

// New creates a worker. The store is owned by the worker and closed by Close.
func New(cfg config.Config, store cache.Store, fetcher fetch.Fetcher, logger zerolog.Logger) (*Worker, error) {
	origin, err := cfg.OriginURL()
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}

	pool := clients.NewPool(clients.Config{
		MaxClients:  cfg.Clients.MaxClients,
		IdleTimeout: cfg.Clients.IdleTimeout,
	})

	manager, err := lifecycle.NewManager(lifecycle.Config{
		CacheName: cfg.Cache.Name,
		Origin:    origin,
		Manifest:  cfg.Cache.Manifest,
	}, store, fetcher, pool, logger.With().Str("component", "lifecycle").Logger())
	if err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}

	routerCfg := router.DefaultConfig(origin)
	routerCfg.APISegment = cfg.Cache.APISegment
	routerCfg.OfflinePage = cfg.Cache.OfflinePage
	routerCfg.EntryTTL = cfg.Cache.EntryTTL
	routerCfg.CacheFirstNetworkFallback = cfg.Router.CacheFirstNetworkFallback
	routerCfg.MaxBackgroundWrites = cfg.Router.MaxBackgroundWrites
	routerCfg.WriteTimeout = cfg.Router.WriteTimeout

	rt, err := router.New(routerCfg, store, fetcher, manager, logger.With().Str("component", "router").Logger())
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}

	recorder := notify.NewRecorder(cfg.Notify.MaxVisible)
	notifyLogger := logger.With().Str("component", "notify").Logger()
	bridge := notify.NewBridge(
		notify.LogNotifier{Logger: notifyLogger, Next: recorder},
		pool,
		notify.Options{
			Title:   cfg.Notify.Title,
			Icon:    cfg.Notify.Icon,
			Badge:   cfg.Notify.Badge,
			Vibrate: cfg.Notify.Vibrate,
		},
		notifyLogger,
	)

	w := &Worker{
		cfg:           cfg,
		origin:        origin,
		store:         store,
		lifecycle:     manager,
		router:        rt,
		bridge:        bridge,
		clients:       pool,
		notifications: recorder,
		logger:        logger,
	}
	w.proxy = w.newProxy()
	return w, nil
}

// Start installs and activates the configured generation. An install failure
// is returned, but the worker keeps serving with whatever generation is
// already active.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.lifecycle.Deploy(ctx); err != nil {
		w.logger.Error().
			Err(err).
			Str("generation", w.cfg.Cache.Name).
			Str("active", w.lifecycle.Active()).
			Msg("Deploy failed")
		return err
	}
	w.logger.Info().Str("generation", w.cfg.Cache.Name).Msg("Worker active")
	return nil
}

// Close waits for background cache writes and closes the store.
func (w *Worker) Close() error {
	w.router.Wait()
	return w.store.Close()
}

// Lifecycle returns the lifecycle manager.
func (w *Worker) Lifecycle() *lifecycle.Manager {
	return w.lifecycle
}

// Clients returns the client pool.
func (w *Worker) Clients() *clients.Pool {
	return w.clients
}

// Notifications returns the notifications currently shown.
func (w *Worker) Notifications() []notify.Notification {
	return w.notifications.Visible()
}

// Handler returns the worker's HTTP handler.
func (w *Worker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", w.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /_worker/push", w.handlePush)
	mux.HandleFunc("POST /_worker/notificationclick", w.handleNotificationClick)
	mux.HandleFunc("GET /_worker/state", w.handleState)
	mux.HandleFunc("/", w.handleFetch)
	return mux
}

func (w *Worker) handleHealth(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(http.StatusOK)
	fmt.Fprint(rw, "OK")
}

// handleFetch is the fetch event.
func (w *Worker) handleFetch(rw http.ResponseWriter, r *http.Request) {
	w.trackClient(rw, r)

	resp, handled := w.router.Handle(r.Context(), w.originRequest(r))
	if !handled {
		w.proxy.ServeHTTP(rw, r)
		return
	}
	defer resp.Body.Close()

	writeResponse(rw, resp)
}

// originRequest maps an incoming request onto the origin. Absolute-form
// requests keep their target so the router can tell foreign origins apart.
func (w *Worker) originRequest(r *http.Request) *http.Request {
	if r.URL.IsAbs() {
		return r
	}
	out := r.Clone(r.Context())
	u := *w.origin
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery
	out.URL = &u
	return out
}

// trackClient registers navigations as clients, identified by a cookie.
func (w *Worker) trackClient(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet || !strings.Contains(r.Header.Get("Accept"), "text/html") {
		return
	}

	var id string
	if c, err := r.Cookie(ClientCookie); err == nil {
		id = c.Value
	}
	client := w.clients.Register(id, r.URL.RequestURI())
	if client.ID != id {
		http.SetCookie(rw, &http.Cookie{
			Name:     ClientCookie,
			Value:    client.ID,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	if w.lifecycle.State() == lifecycle.StateActive {
		if err := w.clients.Claim(r.Context()); err != nil {
			w.logger.Warn().Err(err).Msg("Failed to claim client")
		}
	}
	w.logger.Debug().Str("client_id", client.ID).Str("path", client.URL).Msg("Client seen")
}

func (w *Worker) newProxy() *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(w.origin)
			pr.SetXForwarded()
		},
		ModifyResponse: func(resp *http.Response) error {
			setOutcomeHeader(resp.Header, "pass-through")
			return nil
		},
		ErrorHandler: func(rw http.ResponseWriter, r *http.Request, err error) {
			w.logger.Warn().Err(err).Str("path", r.URL.Path).Str("method", r.Method).Msg("Pass-through request failed")
			setOutcomeHeader(rw.Header(), "bad-gateway")
			http.Error(rw, "bad gateway", http.StatusBadGateway)
		},
	}
}

func (w *Worker) handlePush(rw http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		http.Error(rw, "read body", http.StatusBadRequest)
		return
	}

	n, err := w.bridge.HandlePush(r.Context(), payload)
	if err != nil {
		w.logger.Error().Err(err).Msg("Push event failed")
		http.Error(rw, "push failed", http.StatusInternalServerError)
		return
	}
	if n == nil {
		rw.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(rw, http.StatusCreated, n)
}

type clickRequest struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (w *Worker) handleNotificationClick(rw http.ResponseWriter, r *http.Request) {
	var req clickRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(rw, "invalid click payload", http.StatusBadRequest)
		return
	}

	n, ok := w.notifications.Get(req.ID)
	if !ok {
		n = notify.Notification{ID: req.ID, Data: notify.Data{URL: req.URL}}
	}

	client, err := w.bridge.HandleClick(r.Context(), n)
	if err != nil {
		w.logger.Error().Err(err).Str("notification_id", req.ID).Msg("Notification click failed")
		http.Error(rw, "click failed", http.StatusInternalServerError)
		return
	}
	writeJSON(rw, http.StatusOK, client)
}

// State is the snapshot served by /_worker/state.
type State struct {
	State         string                `json:"state"`
	CacheName     string                `json:"cache_name"`
	Active        string                `json:"active"`
	SkipWaiting   bool                  `json:"skip_waiting"`
	Generations   []string              `json:"generations"`
	Clients       []clients.Client      `json:"clients"`
	Notifications []notify.Notification `json:"notifications"`
}

// Snapshot reports the worker state.
func (w *Worker) Snapshot(ctx context.Context) (State, error) {
	generations, err := w.store.Keys(ctx)
	if err != nil {
		return State{}, fmt.Errorf("list generations: %w", err)
	}
	open, err := w.clients.MatchAll(ctx)
	if err != nil {
		return State{}, fmt.Errorf("list clients: %w", err)
	}
	return State{
		State:         string(w.lifecycle.State()),
		CacheName:     w.lifecycle.CacheName(),
		Active:        w.lifecycle.Active(),
		SkipWaiting:   w.lifecycle.SkipWaiting(),
		Generations:   generations,
		Clients:       open,
		Notifications: w.notifications.Visible(),
	}, nil
}

func (w *Worker) handleState(rw http.ResponseWriter, r *http.Request) {
	state, err := w.Snapshot(r.Context())
	if err != nil {
		w.logger.Error().Err(err).Msg("State snapshot failed")
		http.Error(rw, "state unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(rw, http.StatusOK, state)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

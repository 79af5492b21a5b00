// Package router mediates page requests through the active cache generation.
//
// Only same-origin GET requests are mediated. API paths are served
// network-first, everything else cache-first, and any unexpected failure
// degrades to the offline fallback document (navigations) or a cached copy
// or a plain 408 (everything else).
package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/offline-worker/pkg/cache"
	"github.com/Sternrassler/offline-worker/pkg/fetch"
)

// Strategy names used in logs and metrics.
const (
	StrategyNetworkFirst = "network-first"
	StrategyCacheFirst   = "cache-first"
	StrategyCatchAll     = "catch-all"
)

// Outcome values of the X-Offline-Worker response header.
const (
	OutcomeNetwork  = "network"
	OutcomeCache    = "cache"
	OutcomeOffline  = "offline"
	OutcomeFallback = "fallback"
	OutcomeError    = "error"
)

// HeaderOutcome names the response header describing how a mediated
// response was produced.
const HeaderOutcome = "X-Offline-Worker"

// Config holds router settings.
type Config struct {
	// Origin is the application's own origin. Other origins pass through.
	Origin *url.URL

	// APISegment marks network-first paths (any path containing it).
	APISegment string

	// OfflinePage is the path of the offline fallback document.
	OfflinePage string

	// CacheFirstNetworkFallback makes a cache-first miss go to the network
	// instead of answering offline right away.
	CacheFirstNetworkFallback bool

	// EntryTTL, when positive, expires entries written by the router.
	EntryTTL time.Duration

	// MaxBackgroundWrites bounds concurrent fire-and-forget cache writes.
	MaxBackgroundWrites int

	// WriteTimeout bounds one background cache write.
	WriteTimeout time.Duration
}

// DefaultConfig returns the router defaults for origin.
func DefaultConfig(origin *url.URL) Config {
	return Config{
		Origin:              origin,
		APISegment:          "/api/",
		OfflinePage:         "/offline.html",
		MaxBackgroundWrites: 64,
		WriteTimeout:        10 * time.Second,
	}
}

// GenerationSource reports which cache generation serves requests.
// An empty name means no worker is active and nothing is mediated.
type GenerationSource interface {
	Active() string
}

// Router decides how each intercepted request is answered.
type Router struct {
	cfg     Config
	store   cache.Store
	fetcher fetch.Fetcher
	source  GenerationSource
	logger  zerolog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates a router.
func New(cfg Config, store cache.Store, fetcher fetch.Fetcher, source GenerationSource, logger zerolog.Logger) (*Router, error) {
	if cfg.Origin == nil || cfg.Origin.Host == "" {
		return nil, fmt.Errorf("origin is required")
	}
	if cfg.APISegment == "" {
		return nil, fmt.Errorf("api segment is required")
	}
	if cfg.OfflinePage == "" {
		return nil, fmt.Errorf("offline page is required")
	}
	if cfg.MaxBackgroundWrites < 1 {
		return nil, fmt.Errorf("max background writes must be >= 1 (got %d)", cfg.MaxBackgroundWrites)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if store == nil || fetcher == nil || source == nil {
		return nil, fmt.Errorf("store, fetcher and generation source are required")
	}

	return &Router{
		cfg:     cfg,
		store:   store,
		fetcher: fetcher,
		source:  source,
		logger:  logger,
		sem:     make(chan struct{}, cfg.MaxBackgroundWrites),
	}, nil
}

// Handle answers req. The boolean is false when the request is not mediated
// and must be passed through to the network untouched.
func (r *Router) Handle(ctx context.Context, req *http.Request) (*http.Response, bool) {
	if req.Method != http.MethodGet || !r.sameOrigin(req.URL) {
		return nil, false
	}

	genName := r.source.Active()
	if genName == "" {
		return nil, false
	}

	strategy := StrategyCacheFirst
	if r.isAPI(req.URL.Path) {
		strategy = StrategyNetworkFirst
	}

	var resp *http.Response
	var err error
	switch strategy {
	case StrategyNetworkFirst:
		resp, err = r.networkFirst(ctx, req, genName)
	default:
		resp, err = r.cacheFirst(ctx, req, genName)
	}

	if err != nil {
		r.logger.Warn().
			Err(err).
			Str("strategy", strategy).
			Str("path", req.URL.Path).
			Msg("Strategy failed, using catch-all")
		strategy = StrategyCatchAll
		resp = r.catchAll(ctx, req, genName)
	}

	outcome := resp.Header.Get(HeaderOutcome)
	requestsTotal.WithLabelValues(strategy, outcome).Inc()
	r.logger.Debug().
		Str("strategy", strategy).
		Str("outcome", outcome).
		Str("path", req.URL.Path).
		Int("status_code", resp.StatusCode).
		Msg("Request mediated")

	resp.Request = req
	return resp, true
}

// networkFirst prefers the network and falls back to the cache.
func (r *Router) networkFirst(ctx context.Context, req *http.Request, genName string) (*http.Response, error) {
	resp, fetchErr := r.fetcher.Do(networkRequest(ctx, req))
	if fetchErr == nil {
		return r.fromNetwork(req, genName, resp)
	}

	r.logger.Debug().Err(fetchErr).Str("path", req.URL.Path).Msg("Network unavailable, trying cache")

	entry, err := r.match(ctx, genName, cache.KeyFromRequest(req))
	if err == nil {
		return entryResponse(entry, OutcomeCache), nil
	}
	if errors.Is(err, cache.ErrCacheMiss) {
		return offlineResponse(), nil
	}
	return nil, err
}

// cacheFirst serves a hit without touching the network.
func (r *Router) cacheFirst(ctx context.Context, req *http.Request, genName string) (*http.Response, error) {
	entry, err := r.match(ctx, genName, cache.KeyFromRequest(req))
	if err == nil {
		return entryResponse(entry, OutcomeCache), nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		return nil, err
	}

	if !r.cfg.CacheFirstNetworkFallback {
		return r.unresolved(ctx, req, genName), nil
	}

	resp, fetchErr := r.fetcher.Do(networkRequest(ctx, req))
	if fetchErr != nil {
		r.logger.Debug().Err(fetchErr).Str("path", req.URL.Path).Msg("Cache miss and network unavailable")
		return r.unresolved(ctx, req, genName), nil
	}
	return r.fromNetwork(req, genName, resp)
}

// unresolved answers a cache-first request neither cache nor network could
// serve. Navigations get the offline document when it is cached.
func (r *Router) unresolved(ctx context.Context, req *http.Request, genName string) *http.Response {
	if isNavigation(req) {
		if entry, err := r.match(ctx, genName, r.offlineKey()); err == nil {
			return entryResponse(entry, OutcomeFallback)
		}
	}
	return offlineResponse()
}

// fromNetwork returns a network response and persists 2xx snapshots in the
// background.
func (r *Router) fromNetwork(req *http.Request, genName string, resp *http.Response) (*http.Response, error) {
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Header.Set(HeaderOutcome, OutcomeNetwork)
		return resp, nil
	}

	entry, err := cache.ResponseToEntry(resp)
	if err != nil {
		return nil, fmt.Errorf("snapshot network response: %w", err)
	}
	if r.cfg.EntryTTL > 0 {
		entry.Expires = entry.CachedAt.Add(r.cfg.EntryTTL)
	}
	r.putAsync(genName, cache.KeyFromRequest(req), entry)

	resp.Header.Set(HeaderOutcome, OutcomeNetwork)
	return resp, nil
}

// catchAll is the last resort after an unexpected failure.
func (r *Router) catchAll(ctx context.Context, req *http.Request, genName string) *http.Response {
	if isNavigation(req) {
		entry, err := r.match(ctx, genName, r.offlineKey())
		if err == nil {
			return entryResponse(entry, OutcomeFallback)
		}
		r.logger.Error().Err(err).Str("offline_page", r.cfg.OfflinePage).Msg("Offline fallback document unavailable")
		return networkErrorResponse()
	}

	entry, err := r.match(ctx, genName, cache.KeyFromRequest(req))
	if err == nil {
		return entryResponse(entry, OutcomeCache)
	}
	return networkErrorResponse()
}

func (r *Router) offlineKey() cache.RequestKey {
	u := r.cfg.Origin.ResolveReference(&url.URL{Path: r.cfg.OfflinePage})
	return cache.RequestKey{Method: http.MethodGet, URL: u.String()}
}

// match reads key from genName. A generation deleted by activation
// counts as a miss and is not recreated.
func (r *Router) match(ctx context.Context, genName string, key cache.RequestKey) (*cache.Entry, error) {
	gen, err := r.store.Lookup(ctx, genName)
	if errors.Is(err, cache.ErrGenerationNotFound) {
		return nil, cache.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("lookup generation %s: %w", genName, err)
	}
	return gen.Match(ctx, key)
}

// putAsync writes entry without delaying the response. Writes beyond the
// configured concurrency are dropped; failures are logged and swallowed.
// Writes to a generation that is no longer active are discarded.
func (r *Router) putAsync(genName string, key cache.RequestKey, entry *cache.Entry) {
	select {
	case r.sem <- struct{}{}:
	default:
		backgroundWrites.WithLabelValues("dropped").Inc()
		r.logger.Warn().Str("key", key.String()).Msg("Background cache write dropped, too many in flight")
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		defer cancel()

		if r.source.Active() != genName {
			r.discardStale(genName, key)
			return
		}
		gen, err := r.store.Lookup(ctx, genName)
		if err == nil {
			err = gen.Put(ctx, key, entry)
		}
		if errors.Is(err, cache.ErrGenerationNotFound) {
			r.discardStale(genName, key)
			return
		}
		if err != nil {
			backgroundWrites.WithLabelValues("failed").Inc()
			r.logger.Warn().Err(err).Str("generation", genName).Str("key", key.String()).Msg("Background cache write failed")
			return
		}
		backgroundWrites.WithLabelValues("stored").Inc()
	}()
}

func (r *Router) discardStale(genName string, key cache.RequestKey) {
	backgroundWrites.WithLabelValues("stale").Inc()
	r.logger.Debug().Str("generation", genName).Str("key", key.String()).Msg("Background cache write discarded, generation replaced")
}

// Wait blocks until all background writes have finished.
func (r *Router) Wait() {
	r.wg.Wait()
}

func (r *Router) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, r.cfg.Origin.Scheme) && strings.EqualFold(u.Host, r.cfg.Origin.Host)
}

func (r *Router) isAPI(path string) bool {
	return strings.Contains(path, r.cfg.APISegment)
}

// isNavigation reports whether req asks for an HTML document.
func isNavigation(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// networkRequest prepares an outbound copy of req.
func networkRequest(ctx context.Context, req *http.Request) *http.Request {
	out := req.Clone(ctx)
	out.RequestURI = ""
	out.Host = ""
	return out
}

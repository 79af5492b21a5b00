// Package lifecycle governs cache generations across worker versions:
// install pre-populates the current generation from the static asset
// manifest, activate garbage-collects every other generation and takes
// control of open pages.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/offline-worker/pkg/cache"
	"github.com/Sternrassler/offline-worker/pkg/clients"
	"github.com/Sternrassler/offline-worker/pkg/fetch"
)

var (
	// ErrInstallFailed is returned when any manifest asset cannot be cached.
	ErrInstallFailed = errors.New("install failed")

	// ErrNotInstalled is returned when activation is attempted before a
	// successful install.
	ErrNotInstalled = errors.New("worker not installed")
)

var (
	installsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_lifecycle_installs_total",
		Help: "Total install attempts by outcome",
	}, []string{"outcome"}) // "success", "failure"

	activationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_lifecycle_activations_total",
		Help: "Total completed activations",
	})

	staleDeleteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_lifecycle_stale_delete_failures_total",
		Help: "Total stale generations that could not be deleted during activation",
	})
)

// State is a worker lifecycle state.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
	// StateRedundant marks a version whose install failed.
	StateRedundant State = "redundant"
)

// Config identifies the worker version and what it must cache at install.
type Config struct {
	// CacheName is the current generation name. Bumping it invalidates
	// every older generation at the next activation.
	CacheName string

	// Origin is the application origin manifest paths resolve against.
	Origin *url.URL

	// Manifest lists the static asset paths cached at install.
	Manifest []string
}

// ActivateResult reports what activation cleaned up.
type ActivateResult struct {
	Deleted []string
	Failed  []string
}

// Manager drives install and activation for one worker version.
type Manager struct {
	cfg     Config
	store   cache.Store
	fetcher fetch.Fetcher
	clients clients.Registry
	logger  zerolog.Logger

	mu          sync.Mutex
	state       State
	skipWaiting bool
	active      string
}

// NewManager creates a lifecycle manager.
func NewManager(cfg Config, store cache.Store, fetcher fetch.Fetcher, registry clients.Registry, logger zerolog.Logger) (*Manager, error) {
	if cfg.CacheName == "" {
		return nil, fmt.Errorf("cache name is required")
	}
	if cfg.Origin == nil || cfg.Origin.Host == "" {
		return nil, fmt.Errorf("origin is required")
	}
	if store == nil || fetcher == nil || registry == nil {
		return nil, fmt.Errorf("store, fetcher and client registry are required")
	}

	return &Manager{
		cfg:     cfg,
		store:   store,
		fetcher: fetcher,
		clients: registry,
		logger:  logger.With().Str("generation", cfg.CacheName).Logger(),
		state:   StateParsed,
	}, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SkipWaiting reports whether the installed version asked to activate
// immediately instead of waiting for old pages to close.
func (m *Manager) SkipWaiting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.skipWaiting
}

// CacheName returns the current generation name.
func (m *Manager) CacheName() string {
	return m.cfg.CacheName
}

// Active returns the generation currently serving requests, or "" when no
// version is active. Until this version activates, a generation left by a
// previous version keeps serving.
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Install fetches every manifest asset and, only if all of them succeed,
// writes them into the current generation as one batch. On failure nothing
// is written, the state becomes redundant and the previously active
// generation stays authoritative.
func (m *Manager) Install(ctx context.Context) error {
	m.mu.Lock()
	m.state = StateInstalling
	m.skipWaiting = false
	m.mu.Unlock()

	m.adoptExisting(ctx)

	m.logger.Info().Int("assets", len(m.cfg.Manifest)).Msg("Installing")

	records, err := m.fetchManifest(ctx)
	if err == nil {
		var gen cache.Generation
		gen, err = m.store.Open(ctx, m.cfg.CacheName)
		if err == nil {
			err = gen.PutAll(ctx, records)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.state = StateRedundant
		installsTotal.WithLabelValues("failure").Inc()
		m.logger.Error().Err(err).Str("active", m.active).Msg("Install failed, previous generation stays active")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	m.state = StateInstalled
	m.skipWaiting = true
	installsTotal.WithLabelValues("success").Inc()
	m.logger.Info().Int("assets", len(records)).Msg("Installed")
	return nil
}

// adoptExisting picks the generation that serves while this version is not
// active: the current name if it already exists, else the last other one
// in sorted order.
func (m *Manager) adoptExisting(ctx context.Context) {
	m.mu.Lock()
	hasActive := m.active != ""
	m.mu.Unlock()
	if hasActive {
		return
	}

	names, err := m.store.Keys(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to list existing generations")
		return
	}

	previous := ""
	for _, name := range names {
		if name == m.cfg.CacheName {
			previous = name
			break
		}
		previous = name
	}

	if previous != "" {
		m.mu.Lock()
		m.active = previous
		m.mu.Unlock()
		m.logger.Debug().Str("active", previous).Msg("Serving existing generation until activation")
	}
}

// fetchManifest fetches all assets concurrently. The first failure cancels
// the remaining fetches.
func (m *Manager) fetchManifest(ctx context.Context) ([]cache.Record, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	records := make([]cache.Record, len(m.cfg.Manifest))
	errs := make([]error, len(m.cfg.Manifest))

	var wg sync.WaitGroup
	for i, path := range m.cfg.Manifest {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			rec, err := m.fetchAsset(ctx, path)
			if err != nil {
				errs[i] = err
				cancel()
				return
			}
			records[i] = rec
		}(i, path)
	}
	wg.Wait()

	// Report the failure that caused the abort, not a cancellation it triggered.
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if first == nil || (errors.Is(first, context.Canceled) && !errors.Is(err, context.Canceled)) {
			first = err
		}
	}
	if first != nil {
		return nil, first
	}
	return records, nil
}

func (m *Manager) fetchAsset(ctx context.Context, path string) (cache.Record, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return cache.Record{}, fmt.Errorf("manifest path %q: %w", path, err)
	}
	target := m.cfg.Origin.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return cache.Record{}, fmt.Errorf("create request %s: %w", path, err)
	}

	resp, err := m.fetcher.Do(req)
	if err != nil {
		return cache.Record{}, fmt.Errorf("fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := fetch.CheckStatus(resp); err != nil {
		return cache.Record{}, fmt.Errorf("fetch %s: %w", path, err)
	}

	entry, err := cache.ResponseToEntry(resp)
	if err != nil {
		return cache.Record{}, fmt.Errorf("snapshot %s: %w", path, err)
	}

	m.logger.Debug().Str("path", path).Int("bytes", len(entry.Data)).Msg("Fetched manifest asset")
	return cache.Record{Key: cache.KeyFromRequest(req), Entry: entry}, nil
}

// Activate deletes every generation except the current one and claims all
// open clients. Each deletion is independent; failures are logged and the
// remaining deletions continue.
func (m *Manager) Activate(ctx context.Context) (ActivateResult, error) {
	m.mu.Lock()
	if m.state != StateInstalled && m.state != StateActive {
		state := m.state
		m.mu.Unlock()
		return ActivateResult{}, fmt.Errorf("%w (state %s)", ErrNotInstalled, state)
	}
	m.state = StateActivating
	m.mu.Unlock()

	var result ActivateResult

	names, err := m.store.Keys(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list generations, skipping cleanup")
	}
	for _, name := range names {
		if name == m.cfg.CacheName {
			continue
		}
		if err := m.store.Delete(ctx, name); err != nil {
			staleDeleteFailures.Inc()
			result.Failed = append(result.Failed, name)
			m.logger.Warn().Err(err).Str("stale", name).Msg("Failed to delete stale generation")
			continue
		}
		result.Deleted = append(result.Deleted, name)
		m.logger.Info().Str("stale", name).Msg("Deleted stale generation")
	}

	if err := m.clients.Claim(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to claim clients")
	}

	m.mu.Lock()
	m.state = StateActive
	m.active = m.cfg.CacheName
	m.mu.Unlock()

	activationsTotal.Inc()
	m.logger.Info().Strs("deleted", result.Deleted).Msg("Activated")
	return result, nil
}

// Deploy installs and, since an installed version skips waiting, activates.
func (m *Manager) Deploy(ctx context.Context) error {
	if err := m.Install(ctx); err != nil {
		return err
	}
	if !m.SkipWaiting() {
		return nil
	}
	_, err := m.Activate(ctx)
	return err
}

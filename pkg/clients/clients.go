// Package clients tracks the application pages (clients) controlled by the
// offline worker.
package clients

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClientNotFound is returned when a client id is unknown.
var ErrClientNotFound = errors.New("client not found")

// Client is one open application page.
type Client struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Focused    bool      `json:"focused"`
	Controlled bool      `json:"controlled"`
	SeenAt     time.Time `json:"seen_at"`
}

// Registry is the set of open pages the worker can reach.
type Registry interface {
	// MatchAll returns every open client.
	MatchAll(ctx context.Context) ([]Client, error)

	// Focus brings the client with id to the foreground.
	Focus(ctx context.Context, id string) (Client, error)

	// OpenWindow opens a new page at url.
	OpenWindow(ctx context.Context, url string) (Client, error)

	// Claim makes the worker the controller of every open client.
	Claim(ctx context.Context) error
}

// Config bounds the pool. Zero values disable the matching limit.
type Config struct {
	// MaxClients caps tracked clients. Registering past the cap evicts the
	// least recently seen client. It also caps the Opened history.
	MaxClients int

	// IdleTimeout evicts clients not seen for this long.
	IdleTimeout time.Duration
}

// DefaultConfig returns the limits used by the worker host.
func DefaultConfig() Config {
	return Config{
		MaxClients:  1000,
		IdleTimeout: 24 * time.Hour,
	}
}

// Pool is an in-memory Registry fed by the host as pages come and go.
type Pool struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	clients map[string]*Client
	opened  []string
}

// NewPool creates an empty pool with the given limits.
func NewPool(cfg Config) *Pool {
	return &Pool{
		cfg:     cfg,
		now:     time.Now,
		clients: make(map[string]*Client),
	}
}

// Register records that the page id is showing url. An empty id allocates a
// new one. The returned client reflects the stored state.
func (p *Pool) Register(id, url string) Client {
	if id == "" {
		id = uuid.NewString()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	c, ok := p.clients[id]
	if !ok {
		p.makeRoomLocked(now)
		c = &Client{ID: id}
		p.clients[id] = c
	}
	c.URL = url
	c.SeenAt = now
	return *c
}

// Remove forgets a client.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	p.removeLocked(id)
	p.mu.Unlock()
}

// Prune evicts clients idle for longer than IdleTimeout and returns how many
// were removed.
func (p *Pool) Prune() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pruneLocked(p.now())
}

// Len returns the number of tracked clients.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

func (p *Pool) removeLocked(id string) {
	delete(p.clients, id)
}

func (p *Pool) pruneLocked(now time.Time) int {
	if p.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := now.Add(-p.cfg.IdleTimeout)
	removed := 0
	for id, c := range p.clients {
		if c.SeenAt.Before(cutoff) {
			p.removeLocked(id)
			removed++
		}
	}
	return removed
}

// makeRoomLocked frees a slot for one new client.
func (p *Pool) makeRoomLocked(now time.Time) {
	if p.cfg.MaxClients <= 0 || len(p.clients) < p.cfg.MaxClients {
		return
	}
	if p.pruneLocked(now) > 0 && len(p.clients) < p.cfg.MaxClients {
		return
	}

	var oldest *Client
	for _, c := range p.clients {
		if oldest == nil || c.SeenAt.Before(oldest.SeenAt) {
			oldest = c
		}
	}
	if oldest != nil {
		p.removeLocked(oldest.ID)
	}
}

// MatchAll returns every client ordered by id.
func (p *Pool) MatchAll(ctx context.Context) ([]Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Client, 0, len(p.clients))
	for _, c := range p.clients {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Focus marks id as the only focused client.
func (p *Pool) Focus(ctx context.Context, id string) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	target, ok := p.clients[id]
	if !ok {
		return Client{}, ErrClientNotFound
	}
	for _, c := range p.clients {
		c.Focused = false
	}
	target.Focused = true
	return *target, nil
}

// OpenWindow registers a new focused client at url. The page itself is opened
// by whoever consumes Opened.
func (p *Pool) OpenWindow(ctx context.Context, url string) (Client, error) {
	id := uuid.NewString()

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.makeRoomLocked(now)
	for _, c := range p.clients {
		c.Focused = false
	}
	c := &Client{ID: id, URL: url, Focused: true, SeenAt: now}
	p.clients[id] = c
	p.opened = append(p.opened, url)
	if limit := p.cfg.MaxClients; limit > 0 && len(p.opened) > limit {
		p.opened = append([]string(nil), p.opened[len(p.opened)-limit:]...)
	}
	return *c, nil
}

// Opened returns the most recent URLs passed to OpenWindow, oldest first.
func (p *Pool) Opened() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.opened...)
}

// Claim marks every registered client as controlled.
func (p *Pool) Claim(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.clients {
		c.Controlled = true
	}
	return nil
}

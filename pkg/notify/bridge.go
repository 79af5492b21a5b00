// Package notify bridges push messages to user notifications and routes
// notification clicks back to application pages.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/offline-worker/pkg/clients"
)

var (
	pushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_push_events_total",
		Help: "Total push events by outcome",
	}, []string{"outcome"}) // "shown", "empty", "invalid", "error"

	clickTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_notification_clicks_total",
		Help: "Total notification clicks by action",
	}, []string{"action"}) // "focus", "open", "error"

	notificationsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_notifications_evicted_total",
		Help: "Total visible notifications dropped to stay under the recorder cap",
	})
)

// DefaultURL is the page opened when a push payload carries no url.
const DefaultURL = "/"

// Options are the fixed presentation settings of every notification.
type Options struct {
	Title   string
	Icon    string
	Badge   string
	Vibrate []int
}

// DefaultOptions returns the presentation used by the application.
func DefaultOptions() Options {
	return Options{
		Title:   "Quiz Generator",
		Icon:    "/favicon.png",
		Badge:   "/favicon.png",
		Vibrate: []int{100, 50, 100},
	}
}

// Payload is the JSON body delivered by the push provider.
type Payload struct {
	Body string `json:"body"`
	URL  string `json:"url,omitempty"`
}

// Data is carried by a notification and handed back on click.
type Data struct {
	URL string `json:"url"`
}

// Notification is a displayed user notification.
type Notification struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Icon    string `json:"icon"`
	Badge   string `json:"badge"`
	Vibrate []int  `json:"vibrate"`
	Data    Data   `json:"data"`
}

// Notifier displays and dismisses notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, id string) error
}

// Bridge handles push and notification-click events.
type Bridge struct {
	notifier Notifier
	clients  clients.Registry
	opts     Options
	logger   zerolog.Logger
}

// NewBridge creates a notification bridge.
func NewBridge(notifier Notifier, registry clients.Registry, opts Options, logger zerolog.Logger) *Bridge {
	if notifier == nil {
		panic("notifier cannot be nil")
	}
	if registry == nil {
		panic("client registry cannot be nil")
	}
	return &Bridge{
		notifier: notifier,
		clients:  registry,
		opts:     opts,
		logger:   logger,
	}
}

// HandlePush displays a notification for payload. An empty payload is
// ignored and so is one that is not valid JSON; both return (nil, nil).
func (b *Bridge) HandlePush(ctx context.Context, payload []byte) (*Notification, error) {
	if len(payload) == 0 {
		pushTotal.WithLabelValues("empty").Inc()
		b.logger.Debug().Msg("Push event without payload ignored")
		return nil, nil
	}

	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		pushTotal.WithLabelValues("invalid").Inc()
		b.logger.Warn().Err(err).Msg("Push payload is not valid JSON, ignored")
		return nil, nil
	}

	url := p.URL
	if url == "" {
		url = DefaultURL
	}

	n := Notification{
		ID:      uuid.NewString(),
		Title:   b.opts.Title,
		Body:    p.Body,
		Icon:    b.opts.Icon,
		Badge:   b.opts.Badge,
		Vibrate: append([]int(nil), b.opts.Vibrate...),
		Data:    Data{URL: url},
	}

	if err := b.notifier.Show(ctx, n); err != nil {
		pushTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("show notification: %w", err)
	}

	pushTotal.WithLabelValues("shown").Inc()
	b.logger.Info().Str("notification_id", n.ID).Str("url", url).Msg("Notification shown")
	return &n, nil
}

// HandleClick closes n and brings its target page forward: an open client
// whose URL equals the target exactly is focused, otherwise a new page is
// opened.
func (b *Bridge) HandleClick(ctx context.Context, n Notification) (clients.Client, error) {
	if err := b.notifier.Close(ctx, n.ID); err != nil {
		b.logger.Warn().Err(err).Str("notification_id", n.ID).Msg("Failed to close notification")
	}

	target := n.Data.URL
	if target == "" {
		target = DefaultURL
	}

	open, err := b.clients.MatchAll(ctx)
	if err != nil {
		clickTotal.WithLabelValues("error").Inc()
		return clients.Client{}, fmt.Errorf("match clients: %w", err)
	}

	for _, c := range open {
		if c.URL != target {
			continue
		}
		focused, err := b.clients.Focus(ctx, c.ID)
		if err != nil {
			clickTotal.WithLabelValues("error").Inc()
			return clients.Client{}, fmt.Errorf("focus client %s: %w", c.ID, err)
		}
		clickTotal.WithLabelValues("focus").Inc()
		b.logger.Debug().Str("client_id", c.ID).Str("url", target).Msg("Focused existing client")
		return focused, nil
	}

	opened, err := b.clients.OpenWindow(ctx, target)
	if err != nil {
		clickTotal.WithLabelValues("error").Inc()
		return clients.Client{}, fmt.Errorf("open window %s: %w", target, err)
	}
	clickTotal.WithLabelValues("open").Inc()
	b.logger.Debug().Str("client_id", opened.ID).Str("url", target).Msg("Opened new client")
	return opened, nil
}

// DefaultMaxVisible is the recorder cap used by the worker host.
const DefaultMaxVisible = 100

// Recorder is an in-memory Notifier. The host exposes its contents to pages.
type Recorder struct {
	limit int

	mu    sync.RWMutex
	shown map[string]Notification
	order []string
}

// NewRecorder creates an empty recorder that keeps at most limit
// notifications, dropping the oldest first. A limit of 0 keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit, shown: make(map[string]Notification)}
}

// Show records n as visible.
func (r *Recorder) Show(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.shown[n.ID]; !ok {
		r.order = append(r.order, n.ID)
	}
	r.shown[n.ID] = n

	if r.limit > 0 && len(r.order) > r.limit {
		evicted := len(r.order) - r.limit
		for _, id := range r.order[:evicted] {
			delete(r.shown, id)
		}
		r.order = append([]string(nil), r.order[evicted:]...)
		notificationsEvicted.Add(float64(evicted))
	}
	return nil
}

// Close removes the notification; unknown ids are ignored.
func (r *Recorder) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.shown[id]; !ok {
		return nil
	}
	delete(r.shown, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns a visible notification by id.
func (r *Recorder) Get(id string) (Notification, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.shown[id]
	return n, ok
}

// Visible returns the visible notifications, oldest first.
func (r *Recorder) Visible() []Notification {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Notification, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.shown[id])
	}
	return out
}

// LogNotifier writes notifications to a logger and forwards them to an
// optional next Notifier.
type LogNotifier struct {
	Logger zerolog.Logger
	Next   Notifier
}

// Show logs n.
func (l LogNotifier) Show(ctx context.Context, n Notification) error {
	l.Logger.Info().
		Str("notification_id", n.ID).
		Str("title", n.Title).
		Str("body", n.Body).
		Str("url", n.Data.URL).
		Msg("Notification")
	if l.Next != nil {
		return l.Next.Show(ctx, n)
	}
	return nil
}

// Close logs the dismissal.
func (l LogNotifier) Close(ctx context.Context, id string) error {
	l.Logger.Debug().Str("notification_id", id).Msg("Notification closed")
	if l.Next != nil {
		return l.Next.Close(ctx, id)
	}
	return nil
}

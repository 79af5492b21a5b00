// Package fetch provides the network side of the offline worker: an HTTP
// fetcher toward the application origin with error classification, optional
// retry and request metrics.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for fetch operations.
var (
	fetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_fetch_requests_total",
		Help: "Total network fetches by method and status",
	}, []string{"method", "status"})

	fetchRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offline_fetch_duration_seconds",
		Help:    "Network fetch duration in seconds by method",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	fetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_fetch_errors_total",
		Help: "Total network fetch errors by class",
	}, []string{"class"})
)

// Fetcher performs network requests. *http.Client and *Client satisfy it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the fetcher configuration.
type Config struct {
	// Timeout bounds a single attempt. Zero leaves failure signaling to the
	// transport.
	Timeout time.Duration

	// Retry controls retries of idempotent requests.
	Retry RetryConfig

	// Transport overrides the HTTP transport (nil uses http.DefaultTransport).
	Transport http.RoundTripper
}

// DefaultConfig returns a configuration with no timeout and no retries.
func DefaultConfig() Config {
	return Config{
		Retry: DefaultRetryConfig(),
	}
}

// Client fetches from the network on behalf of the worker.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a new fetch client.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must not be negative (got %v)", cfg.Timeout)
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("retry: %w", err)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
			// Redirects are returned to the page untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		config: cfg,
		logger: log.With().Str("component", "fetch").Logger(),
	}, nil
}

// Do performs the request. Any HTTP response, whatever its status, is a
// successful fetch; only transport failures return an error. Idempotent
// requests are retried on network failures and 5xx responses when retries are
// configured; the last 5xx response is returned once attempts run out.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	method := req.Method

	startTime := time.Now()
	defer func() {
		fetchRequestDuration.WithLabelValues(method).Observe(time.Since(startTime).Seconds())
	}()

	retriable := method == http.MethodGet || method == http.MethodHead

	var resp *http.Response
	retryErr := retryWithBackoff(ctx, c.config.Retry, func() (ErrorClass, error) {
		if resp != nil {
			resp.Body.Close()
			resp = nil
		}

		r, err := c.httpClient.Do(req)
		if err != nil {
			fetchErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			fetchRequestsTotal.WithLabelValues(method, "network_error").Inc()
			c.logger.Debug().Err(err).Str("url", req.URL.String()).Msg("Network fetch failed")

			fetchErr := &FetchError{URL: req.URL.String(), ErrorClass: ErrorClassNetwork, Err: err}
			if !retriable {
				return "", fetchErr
			}
			return ErrorClassNetwork, fetchErr
		}

		resp = r
		fetchRequestsTotal.WithLabelValues(method, strconv.Itoa(r.StatusCode)).Inc()

		class := classifyStatus(r.StatusCode)
		if class != "" {
			fetchErrorsTotal.WithLabelValues(string(class)).Inc()
		}
		if class == ErrorClassServer && retriable {
			return class, &FetchError{URL: req.URL.String(), StatusCode: r.StatusCode, ErrorClass: class}
		}
		return "", nil
	})

	if retryErr != nil {
		if resp != nil {
			// 5xx after the last attempt: hand it back like any other response
			return resp, nil
		}
		return nil, retryErr
	}

	return resp, nil
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.Do(req)
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

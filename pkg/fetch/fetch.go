// Package fetch provides the paced HTTP client shared by the listing walker,
// the boundary search, and the detail pipeline.
package fetch

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mswtools/msw-harvester/pkg/auth"
	"github.com/mswtools/msw-harvester/pkg/ratelimit"
)

// Prometheus metrics for outbound requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_requests_total",
		Help: "Total outbound requests by host and status",
	}, []string{"host", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvester_request_duration_seconds",
		Help:    "Outbound request duration in seconds by host",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"host"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_request_errors_total",
		Help: "Total request errors by class",
	}, []string{"class"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_request_retries_total",
		Help: "Total request retries by error class",
	}, []string{"class"})
)

// ErrorClass classifies request failures for retry and reporting.
type ErrorClass string

const (
	// ErrorClassClient represents non-retriable 4xx responses.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 throttling responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport and timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// Classify maps a response status or transport error to an error class.
func Classify(status int, err error) ErrorClass {
	if err != nil {
		return ErrorClassNetwork
	}
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// retriable reports whether a failed request with this class is worth
// repeating. Only throttling, upstream, and transport failures qualify; 502
// and 503 arrive here as ErrorClassServer.
func retriable(class ErrorClass) bool {
	switch class {
	case ErrorClassRateLimit, ErrorClassServer, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

// Config holds the fetch client configuration.
type Config struct {
	// Timeout bounds one request attempt.
	Timeout time.Duration

	// MaxAttempts is the total number of attempts per Get, including the
	// first. Only retriable error classes consume extra attempts.
	MaxAttempts int

	// InitialBackoff is the first retry delay; it grows linearly with the
	// attempt number, matching the pace the site tolerates.
	InitialBackoff time.Duration

	// RateLimitFloor is the minimum backoff after a 429.
	RateLimitFloor time.Duration
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:        20 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		RateLimitFloor: 5 * time.Second,
	}
}

// Result is one completed request.
type Result struct {
	Body       []byte
	StatusCode int
}

// OK reports whether the response status is in the 2xx range.
func (r *Result) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client performs paced GET requests with credential headers and bounded
// retries for throttling and transport failures. Error response bodies are
// returned to the caller: the listing site serves usable HTML alongside
// error statuses.
type Client struct {
	httpClient *http.Client
	pacer      *ratelimit.Pacer
	creds      auth.Credentials
	config     Config
	logger     zerolog.Logger
}

// New creates a fetch client. A nil pacer disables pacing.
func New(cfg Config, pacer *ratelimit.Pacer, creds auth.Credentials) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if pacer == nil {
		pacer = ratelimit.NewPacer(0)
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		pacer:      pacer,
		creds:      creds,
		config:     cfg,
		logger:     log.With().Str("component", "fetch").Logger(),
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Get performs a GET against url, waiting for the pacer before every
// attempt. Non-2xx responses with a readable body are returned without
// error; the caller inspects Result.StatusCode. An error is returned only
// when every attempt failed at the transport level or retries on a
// retriable status ran out with nothing readable.
func (c *Client) Get(ctx context.Context, url string) (*Result, error) {
	var lastErr error
	var result *Result

	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, fmt.Errorf("pacer wait: %w", err)
		}

		res, err := c.do(ctx, url)
		if err == nil && res.OK() {
			return res, nil
		}

		class := Classify(0, err)
		if err == nil {
			class = Classify(res.StatusCode, nil)
			result = res
		}
		errorsTotal.WithLabelValues(string(class)).Inc()
		lastErr = err

		if !retriable(class) {
			// 4xx and other odd statuses: hand the body back as-is.
			return res, nil
		}
		if attempt >= c.config.MaxAttempts {
			break
		}

		backoff := c.backoffFor(class, attempt)
		retriesTotal.WithLabelValues(string(class)).Inc()
		c.logger.Debug().
			Str("url", url).
			Str("class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Retrying request after backoff")

		if class == ErrorClassRateLimit {
			// Slow everyone down, not just this caller.
			c.pacer.Penalize(backoff)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	if result != nil {
		// Retriable status that never cleared: return the last body so the
		// caller can decide what to do with it.
		return result, nil
	}
	return nil, fmt.Errorf("get %s after %d attempts: %w", url, c.config.MaxAttempts, lastErr)
}

func (c *Client) do(ctx context.Context, url string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.creds.Apply(req.Header)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(req.URL.Host, "network_error").Inc()
		return nil, err
	}
	defer resp.Body.Close()
	requestDuration.WithLabelValues(req.URL.Host).Observe(time.Since(start).Seconds())
	requestsTotal.WithLabelValues(req.URL.Host, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Result{Body: body, StatusCode: resp.StatusCode}, nil
}

// backoffFor grows linearly with the attempt number and adds jitter. A 429
// is never retried sooner than the configured floor.
func (c *Client) backoffFor(class ErrorClass, attempt int) time.Duration {
	base := c.config.InitialBackoff * time.Duration(attempt)
	if class == ErrorClassRateLimit && base < c.config.RateLimitFloor {
		base = c.config.RateLimitFloor
	}
	return time.Duration(float64(base) * (0.9 + rand.Float64()*0.2))
}

// ListingURL returns the public listing page URL for one partition page.
// The catch-all subcategory is encoded literally as -1, matching the site.
func ListingURL(page, category, subcategory int) string {
	return fmt.Sprintf("%s/en/resource/?page=%d&category=%d&subCategory=%d&type=text&keyword",
		auth.SiteURL, page, category, subcategory)
}

// SearchURL returns the API search URL used for total-count probes and
// listing cross-checks.
func SearchURL(page, count, category, subcategory int) string {
	return fmt.Sprintf("%s/resource/v1/search?page=%d&count=%d&category=%d&subCategory=%d",
		auth.APIBaseURL, page, count, category, subcategory)
}

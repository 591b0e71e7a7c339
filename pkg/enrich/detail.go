// Package enrich fills the Date, Format, and Tags columns of collected rows
// from the resource detail API, preserving input order and never
// overwriting rows that are already enriched.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mswtools/msw-harvester/pkg/auth"
	"github.com/mswtools/msw-harvester/pkg/fetch"
	"github.com/mswtools/msw-harvester/pkg/record"
)

var detailFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harvester_detail_fetches_total",
	Help: "Detail API fetches by outcome",
}, []string{"outcome"})

// Config holds the enrichment tuning knobs.
type Config struct {
	// Workers is the number of concurrent detail fetchers.
	Workers int

	// Retries is how often a fetch is repeated on the transient envelope
	// code before giving up.
	Retries int

	// RetryDelay is the base delay between envelope-level retries; it grows
	// linearly with the attempt number.
	RetryDelay time.Duration

	// PreflightTimeout bounds the pre-flight request itself.
	PreflightTimeout time.Duration

	// PreflightWall is the wall-clock budget for the whole pre-flight.
	PreflightWall time.Duration

	// FlushInterval is how many written rows between writer flushes.
	FlushInterval int
}

// DefaultConfig returns the production enrichment configuration.
func DefaultConfig() Config {
	return Config{
		Workers:          2,
		Retries:          2,
		RetryDelay:       100 * time.Millisecond,
		PreflightTimeout: 10 * time.Second,
		PreflightWall:    20 * time.Second,
		FlushInterval:    100,
	}
}

// envelope is the resource API response wrapper. A code of 0 is success;
// transientCode is served sporadically and clears on retry.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Matches []match `json:"matches"`
		Results []match `json:"results"`
	} `json:"data"`
}

const transientCode = -1

type match struct {
	Mtime        string   `json:"mtime"`
	Date         string   `json:"date"`
	ModifiedTime string   `json:"modifiedTime"`
	Path         string   `json:"path"`
	URL          string   `json:"url"`
	Tags         []string `json:"tags"`
}

func (m match) detail() record.Detail {
	date := m.Mtime
	if date == "" {
		date = m.Date
	}
	if date == "" {
		date = m.ModifiedTime
	}
	path := m.Path
	if path == "" {
		path = m.URL
	}
	return record.Detail{
		Date:   strings.TrimSpace(date),
		Format: record.FormatFromPath(path),
		Tags:   strings.Join(m.Tags, ", "),
	}
}

// DetailClient fetches per-resource detail, with an optional cache in
// front of the API.
type DetailClient struct {
	client *fetch.Client
	cache  *Cache
	config Config
	logger zerolog.Logger
}

// NewDetailClient creates a detail client. cache may be nil.
func NewDetailClient(client *fetch.Client, cache *Cache, cfg Config) *DetailClient {
	return &DetailClient{
		client: client,
		cache:  cache,
		config: cfg,
		logger: log.With().Str("component", "enrich-detail").Logger(),
	}
}

// FetchOne returns the detail for a ruid. A resource without matches yields
// an empty detail and no error. The transient envelope code is retried with
// a growing delay; HTTP-level throttling is already handled by the fetch
// client.
func (d *DetailClient) FetchOne(ctx context.Context, ruid string) (record.Detail, error) {
	key := record.NormalizeRUID(ruid)
	if len(key) < record.RUIDLen {
		return record.Detail{}, fmt.Errorf("invalid ruid %q", ruid)
	}

	if d.cache != nil {
		if detail, ok := d.cache.Get(ctx, key); ok {
			detailFetchesTotal.WithLabelValues("cache_hit").Inc()
			return detail, nil
		}
	}

	var lastErr error
	for attempt := 0; attempt <= d.config.Retries; attempt++ {
		res, err := d.client.Get(ctx, auth.DetailURL(key))
		if err != nil {
			detailFetchesTotal.WithLabelValues("network_error").Inc()
			return record.Detail{}, err
		}
		if !res.OK() {
			detailFetchesTotal.WithLabelValues("http_error").Inc()
			return record.Detail{}, fmt.Errorf("detail %s: HTTP %d", key, res.StatusCode)
		}

		var env envelope
		if err := json.Unmarshal(res.Body, &env); err != nil {
			detailFetchesTotal.WithLabelValues("bad_body").Inc()
			return record.Detail{}, fmt.Errorf("detail %s: %w", key, err)
		}
		if env.Code != 0 {
			lastErr = fmt.Errorf("detail %s: code=%d %s", key, env.Code, env.Message)
			if env.Code == transientCode && attempt < d.config.Retries {
				if err := sleepCtx(ctx, d.config.RetryDelay*time.Duration(attempt+1)); err != nil {
					return record.Detail{}, err
				}
				continue
			}
			detailFetchesTotal.WithLabelValues("api_error").Inc()
			return record.Detail{}, lastErr
		}

		matches := env.Data.Matches
		if len(matches) == 0 {
			matches = env.Data.Results
		}
		if len(matches) == 0 {
			detailFetchesTotal.WithLabelValues("no_match").Inc()
			return record.Detail{}, nil
		}
		detail := matches[0].detail()
		detailFetchesTotal.WithLabelValues("ok").Inc()
		if d.cache != nil && !detail.Empty() {
			d.cache.Set(ctx, key, detail)
		}
		return detail, nil
	}
	return record.Detail{}, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package boundary locates the last listing page with data for each
// partition and persists the results as the boundary table CSV.
//
// The probe signal is noisy: a page with data can return zero items on a
// given fetch. The search therefore never trusts a single observation of the
// boundary; phase 2 re-confirms the candidate and resumes searching when the
// supposedly empty successor turns out to have data.
package boundary

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mswtools/msw-harvester/pkg/extract"
	"github.com/mswtools/msw-harvester/pkg/fetch"
	"github.com/mswtools/msw-harvester/pkg/taxonomy"
)

// ErrNoData means no page of the partition had data.
var ErrNoData = errors.New("no page with data")

// Config holds the search tuning knobs.
type Config struct {
	// ProbeStride is the phase 1 step between probed pages.
	ProbeStride int

	// ConfirmAttempts is how many times phase 2 re-checks a candidate
	// boundary before accepting it on noise.
	ConfirmAttempts int

	// SearchDelay spaces phase 1 probes and phase 2 bisection fetches.
	SearchDelay time.Duration

	// ConfirmDelay spaces the confirmation fetches.
	ConfirmDelay time.Duration

	// MaxOuterIterations bounds the confirm-and-resume loop so persistent
	// noise can never spin the search forever.
	MaxOuterIterations int

	// DefaultMaxPage is the search ceiling when the total probe fails.
	DefaultMaxPage int

	// PageSize converts a total item count into a page-count estimate.
	PageSize int
}

// DefaultConfig returns the production search configuration.
func DefaultConfig() Config {
	return Config{
		ProbeStride:        500,
		ConfirmAttempts:    3,
		SearchDelay:        500 * time.Millisecond,
		ConfirmDelay:       2 * time.Second,
		MaxOuterIterations: 20,
		DefaultMaxPage:     8750,
		PageSize:           150,
	}
}

// PageCounter reports how many items one listing page of a partition yields.
// A fetch failure counts as zero, same as an empty page; the search treats
// both as the absence of evidence.
type PageCounter func(ctx context.Context, page int) int

// Searcher runs the two-phase boundary search for one partition at a time.
type Searcher struct {
	client  *fetch.Client
	extract extract.Func
	config  Config
	logger  zerolog.Logger
}

// NewSearcher creates a searcher. A nil extract func uses the default
// listing extraction.
func NewSearcher(client *fetch.Client, extractFn extract.Func, cfg Config) *Searcher {
	if extractFn == nil {
		extractFn = extract.Listing
	}
	if cfg.ProbeStride <= 0 {
		cfg = DefaultConfig()
	}
	return &Searcher{
		client:  client,
		extract: extractFn,
		config:  cfg,
		logger:  log.With().Str("component", "boundary").Logger(),
	}
}

// Counter returns the live PageCounter for a partition.
func (s *Searcher) Counter(part taxonomy.Partition) PageCounter {
	return func(ctx context.Context, page int) int {
		res, err := s.client.Get(ctx, fetch.ListingURL(page, part.Category, part.Subcategory))
		if err != nil || res == nil {
			return 0
		}
		return len(s.extract(string(res.Body), part.Category))
	}
}

// LastPage finds the boundary for one partition: the API total gives the
// search ceiling, phase 1 strides to the first empty page, phase 2 bisects
// and confirms. Returns ErrNoData when even page 1 never shows data.
func (s *Searcher) LastPage(ctx context.Context, part taxonomy.Partition) (int, error) {
	maxPage := s.maxPageEstimate(ctx, part)
	counter := s.Counter(part)

	firstEmpty, err := s.phase1FirstEmpty(ctx, counter, maxPage)
	if err != nil {
		return 0, err
	}
	if firstEmpty > maxPage {
		s.logger.Warn().
			Str("partition", part.Display()).
			Int("max_page", maxPage).
			Msg("No empty probe found below the estimate; boundary may exceed it")
	}
	return s.phase2Confirm(ctx, counter, firstEmpty)
}

// maxPageEstimate probes the API total count and converts it to pages. A
// failed probe falls back to the configured ceiling.
func (s *Searcher) maxPageEstimate(ctx context.Context, part taxonomy.Partition) int {
	res, err := s.client.Get(ctx, fetch.SearchURL(1, 1, part.Category, part.Subcategory))
	if err != nil || res == nil || !res.OK() {
		return s.config.DefaultMaxPage
	}

	var envelope struct {
		Code int `json:"code"`
		Data struct {
			TotalMatchCount *int `json:"totalMatchCount"`
		} `json:"data"`
	}
	if json.Unmarshal(res.Body, &envelope) != nil || envelope.Code != 0 {
		return s.config.DefaultMaxPage
	}
	total := envelope.Data.TotalMatchCount
	if total == nil || *total <= 0 {
		return s.config.DefaultMaxPage
	}
	pages := int(math.Ceil(float64(*total) / float64(s.config.PageSize)))
	s.logger.Info().
		Str("partition", part.Display()).
		Int("total", *total).
		Int("max_page", pages).
		Msg("API total probe")
	return pages
}

// phase1FirstEmpty probes every stride-th page with one attempt each and
// returns the first page observed empty. When every probe up to maxPage has
// data it returns maxPage + stride, signalling the ceiling was exhausted.
func (s *Searcher) phase1FirstEmpty(ctx context.Context, counter PageCounter, maxPage int) (int, error) {
	for p := s.config.ProbeStride; p <= maxPage; p += s.config.ProbeStride {
		count := counter(ctx, p)
		if err := s.sleep(ctx, s.config.SearchDelay); err != nil {
			return 0, err
		}
		if count == 0 {
			s.logger.Debug().Int("page", p).Msg("First empty probe")
			return p, nil
		}
	}
	return maxPage + s.config.ProbeStride, nil
}

// phase2Confirm bisects [1, firstEmpty-1] for the largest page with data,
// then confirms the candidate: the candidate must show data and its
// successor must show empty. A successor with data restarts the bisection
// above the candidate; a candidate that stays empty through every confirm
// attempt steps back one page.
func (s *Searcher) phase2Confirm(ctx context.Context, counter PageCounter, firstEmpty int) (int, error) {
	low, high := 1, firstEmpty-1
	if high < 1 {
		return 0, ErrNoData
	}

	candidate := low
	for outer := 0; outer < s.config.MaxOuterIterations; outer++ {
		for low < high {
			mid := (low + high + 1) / 2
			count := counter(ctx, mid)
			if err := s.sleep(ctx, s.config.SearchDelay); err != nil {
				return 0, err
			}
			if count > 0 {
				low = mid
			} else {
				high = mid - 1
			}
		}
		candidate = low

		resumed := false
		for attempt := 0; attempt < s.config.ConfirmAttempts; attempt++ {
			cCur := counter(ctx, candidate)
			if err := s.sleep(ctx, s.config.ConfirmDelay); err != nil {
				return 0, err
			}
			cNext := counter(ctx, candidate+1)
			if err := s.sleep(ctx, s.config.ConfirmDelay); err != nil {
				return 0, err
			}

			if cCur > 0 && cNext == 0 {
				s.logger.Debug().Int("page", candidate).Msg("Boundary confirmed")
				return candidate, nil
			}
			if cCur == 0 && attempt == s.config.ConfirmAttempts-1 {
				// The candidate itself never confirmed. Step back rather
				// than report a page we could not reproduce data on.
				if candidate > 1 {
					s.logger.Warn().Int("page", candidate).Msg("Candidate unconfirmed, stepping back")
					return candidate - 1, nil
				}
				return 0, ErrNoData
			}
			if cNext > 0 {
				// The boundary is higher than the bisection concluded.
				low, high = candidate+1, firstEmpty-1
				resumed = true
				break
			}
		}
		if !resumed || low > high {
			return candidate, nil
		}
	}
	s.logger.Warn().Int("page", candidate).Msg("Outer iteration cap reached")
	return candidate, nil
}

func (s *Searcher) sleep(ctx context.Context, d time.Duration) error {
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

// Package collect walks listing pages partition by partition, committing
// newly discovered rows to the store and handing failed pages to the
// retrier.
package collect

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mswtools/msw-harvester/pkg/extract"
	"github.com/mswtools/msw-harvester/pkg/fetch"
	"github.com/mswtools/msw-harvester/pkg/taxonomy"
)

var (
	pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_collect_pages_total",
		Help: "Listing pages fetched during collection by outcome",
	}, []string{"outcome"})
)

// Config holds the collection tuning knobs.
type Config struct {
	// PageSize is the full listing page size; a non-empty page below it
	// marks the end of a partition.
	PageSize int

	// SkepticalBuffer extends the walk past the boundary table's last page,
	// in case the catalog grew since discovery.
	SkepticalBuffer int

	// RetryPageBuffer bounds how far past the content watermark the retry
	// pass still bothers with a failed page.
	RetryPageBuffer int

	// MaxPageAttempts is the total attempt budget for an ordinary failed
	// page (initial walk plus retries).
	MaxPageAttempts int

	// IndefiniteRetryMaxAttempts is the budget for failed pages known to
	// have data above them, which cannot be legitimately empty.
	IndefiniteRetryMaxAttempts int

	// RetryDelay is the minimum spacing between attempts of the same page.
	RetryDelay time.Duration

	// Workers is the number of concurrent page fetchers per partition.
	Workers int
}

// DefaultConfig returns the production collection configuration.
func DefaultConfig() Config {
	return Config{
		PageSize:                   150,
		SkepticalBuffer:            10,
		RetryPageBuffer:            20,
		MaxPageAttempts:            2,
		IndefiniteRetryMaxAttempts: 5,
		RetryDelay:                 2 * time.Second,
		Workers:                    2,
	}
}

// Walker fetches the pages of one partition with a pool of workers sharing
// a page cursor.
type Walker struct {
	client  *fetch.Client
	extract extract.Func
	store   *Store
	retrier *Retrier
	config  Config
	logger  zerolog.Logger
}

// NewWalker creates a walker. A nil extract func uses the default listing
// extraction.
func NewWalker(client *fetch.Client, extractFn extract.Func, store *Store, retrier *Retrier, cfg Config) *Walker {
	if extractFn == nil {
		extractFn = extract.Listing
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Walker{
		client:  client,
		extract: extractFn,
		store:   store,
		retrier: retrier,
		config:  cfg,
		logger:  log.With().Str("component", "collect").Logger(),
	}
}

// walkState is the shared cursor of one partition walk. The mutex guards
// both fields; a worker claims a page and observes termination in one
// critical section.
type walkState struct {
	mu       sync.Mutex
	nextPage int
	done     bool
}

// claim returns the next page to fetch, or ok=false when the walk is over.
func (ws *walkState) claim(pageCap, limitPages int) (int, bool) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.done {
		return 0, false
	}
	page := ws.nextPage
	if page > pageCap || (limitPages > 0 && page > limitPages) {
		ws.done = true
		return 0, false
	}
	ws.nextPage++
	return page, true
}

func (ws *walkState) finish() {
	ws.mu.Lock()
	ws.done = true
	ws.mu.Unlock()
}

// WalkPartition walks one partition from page 1. lastPage comes from the
// boundary table; the walk extends SkepticalBuffer pages past it and ends
// early on a short page at or beyond lastPage. limitPages > 0 caps the
// pages fetched (test runs). Pages that fail or come back empty are queued
// on the retrier, not retried inline.
func (w *Walker) WalkPartition(ctx context.Context, part taxonomy.Partition, lastPage, limitPages int) error {
	pageCap := lastPage + w.config.SkepticalBuffer
	ws := &walkState{nextPage: 1}

	w.logger.Info().
		Str("partition", part.Display()).
		Int("last_page", lastPage).
		Int("page_cap", pageCap).
		Int("workers", w.config.Workers).
		Msg("Walking partition")

	var wg sync.WaitGroup
	errs := make(chan error, w.config.Workers)
	for i := 0; i < w.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					ws.finish()
					errs <- ctx.Err()
					return
				}
				page, ok := ws.claim(pageCap, limitPages)
				if !ok {
					return
				}
				if err := w.fetchOne(ctx, part, page, lastPage, ws); err != nil {
					ws.finish()
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

// fetchOne handles a single claimed page: fetch, extract, commit or queue
// for retry, and apply the end-of-partition policy.
func (w *Walker) fetchOne(ctx context.Context, part taxonomy.Partition, page, lastPage int, ws *walkState) error {
	res, err := w.client.Get(ctx, fetch.ListingURL(page, part.Category, part.Subcategory))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pagesFetchedTotal.WithLabelValues("fetch_failed").Inc()
		w.retrier.Add(part, page)
		return nil
	}

	found := w.extract(string(res.Body), part.Category)
	if len(found) == 0 {
		// An empty page can be a real end or a bad render; the retry pass
		// decides, so the walk itself keeps going.
		pagesFetchedTotal.WithLabelValues("empty").Inc()
		w.retrier.Add(part, page)
		return nil
	}

	pagesFetchedTotal.WithLabelValues("ok").Inc()
	w.store.NotePageContent(part.ID, page)
	if _, err := w.store.Commit(part, ruidsOf(found)); err != nil {
		return fmt.Errorf("commit page %d: %w", page, err)
	}

	// A short non-empty page ends the partition, but only at or beyond the
	// discovered boundary. Below it, short pages are treated as noise.
	if len(found) < w.config.PageSize && page >= lastPage {
		w.logger.Debug().
			Str("partition", part.Display()).
			Int("page", page).
			Int("items", len(found)).
			Msg("Short page at boundary, ending partition")
		ws.finish()
	}
	return nil
}

// ruidsOf returns the map keys in stable order so commits are deterministic.
func ruidsOf(found map[string]string) []string {
	out := make([]string, 0, len(found))
	for ruid := range found {
		out = append(out, ruid)
	}
	sort.Strings(out)
	return out
}

// ListPartition walks one partition without a store, returning ruid ->
// extension for stdout listing mode. It stops on the first failed or empty
// page and on a short page.
func (w *Walker) ListPartition(ctx context.Context, part taxonomy.Partition, limitPages int) (map[string]string, error) {
	all := make(map[string]string)
	for page := 1; ; page++ {
		if limitPages > 0 && page > limitPages {
			return all, nil
		}
		if ctx.Err() != nil {
			return all, ctx.Err()
		}
		res, err := w.client.Get(ctx, fetch.ListingURL(page, part.Category, part.Subcategory))
		if err != nil {
			return all, nil
		}
		found := w.extract(string(res.Body), part.Category)
		if len(found) == 0 {
			if page == 1 && extract.SessionShell(string(res.Body)) {
				w.logger.Warn().
					Str("partition", part.Display()).
					Msg("Page 1 renders the loading shell, session token likely expired")
			}
			return all, nil
		}
		for ruid, ext := range found {
			if prev, ok := all[ruid]; !ok || (prev == "" && ext != "") {
				all[ruid] = ext
			}
		}
		if len(found) < w.config.PageSize {
			return all, nil
		}
	}
}

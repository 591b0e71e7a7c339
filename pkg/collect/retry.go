package collect

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mswtools/msw-harvester/pkg/extract"
	"github.com/mswtools/msw-harvester/pkg/fetch"
	"github.com/mswtools/msw-harvester/pkg/taxonomy"
)

// pageRef identifies one failed page across partitions.
type pageRef struct {
	part taxonomy.Partition
	page int
}

// retryItem is one queued retry with its attempt count so far.
type retryItem struct {
	pageRef
	attempts int
}

// Retrier collects pages that failed or came back empty during the walk and
// replays them in one FIFO pass after all partitions finish. Pages proven
// non-terminal (a later page of the same partition had content) get the
// larger indefinite attempt budget; a page far past the content watermark
// is discarded as legitimately empty.
type Retrier struct {
	mu    sync.Mutex
	queue []retryItem

	client  *fetch.Client
	extract extract.Func
	store   *Store
	config  Config
	logger  zerolog.Logger

	failedParts map[taxonomy.ID]taxonomy.Partition
}

// NewRetrier creates a retrier sharing the walker's client, extraction, and
// store.
func NewRetrier(client *fetch.Client, extractFn extract.Func, store *Store, cfg Config) *Retrier {
	if extractFn == nil {
		extractFn = extract.Listing
	}
	return &Retrier{
		client:      client,
		extract:     extractFn,
		store:       store,
		config:      cfg,
		logger:      log.With().Str("component", "collect-retry").Logger(),
		failedParts: make(map[taxonomy.ID]taxonomy.Partition),
	}
}

// Add queues one failed page. Safe for concurrent use by walk workers.
func (r *Retrier) Add(part taxonomy.Partition, page int) {
	r.mu.Lock()
	r.queue = append(r.queue, retryItem{pageRef: pageRef{part: part, page: page}, attempts: 1})
	r.mu.Unlock()
}

// Pending returns how many pages are queued.
func (r *Retrier) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Drain replays the queue until it is empty or ctx is done. The indefinite
// set is snapshotted against the content watermark before the first replay,
// so retries themselves cannot promote pages into the larger budget.
func (r *Retrier) Drain(ctx context.Context) error {
	r.mu.Lock()
	queue := r.queue
	r.queue = nil
	r.mu.Unlock()
	if len(queue) == 0 {
		return nil
	}

	indefinite := make(map[pageRef]struct{})
	for _, it := range queue {
		if r.store.MaxContentPage(it.part.ID) > it.page {
			indefinite[it.pageRef] = struct{}{}
		}
	}
	r.logger.Info().
		Int("pages", len(queue)).
		Int("indefinite", len(indefinite)).
		Msg("Retry pass starting")

	lastAttempt := make(map[pageRef]time.Time)
	for len(queue) > 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		it := queue[0]
		queue = queue[1:]

		maxContent := r.store.MaxContentPage(it.part.ID)
		if it.page > maxContent+r.config.RetryPageBuffer {
			r.logger.Debug().
				Str("partition", it.part.Display()).
				Int("page", it.page).
				Int("watermark", maxContent).
				Msg("Skipping page past content watermark")
			continue
		}

		_, isIndefinite := indefinite[it.pageRef]
		maxAttempts := r.config.MaxPageAttempts
		if isIndefinite {
			maxAttempts = r.config.IndefiniteRetryMaxAttempts
		}

		// Same-page attempts stay spaced; different pages run back to back
		// and rely on the shared pacer alone.
		if last, ok := lastAttempt[it.pageRef]; ok {
			if wait := r.config.RetryDelay - time.Since(last); wait > 0 {
				if err := sleepCtx(ctx, wait); err != nil {
					return err
				}
			}
		}

		r.logger.Info().
			Str("partition", it.part.Display()).
			Int("page", it.page).
			Int("attempt", it.attempts+1).
			Int("max_attempts", maxAttempts).
			Bool("indefinite", isIndefinite).
			Msg("Retrying page")

		found := r.fetchPage(ctx, it.part, it.page)
		lastAttempt[it.pageRef] = time.Now()

		if len(found) > 0 {
			r.store.NotePageContent(it.part.ID, it.page)
			if _, err := r.store.Commit(it.part, ruidsOf(found)); err != nil {
				return fmt.Errorf("commit retried page %d: %w", it.page, err)
			}
			pagesFetchedTotal.WithLabelValues("retry_ok").Inc()
			continue
		}

		if it.attempts+1 < maxAttempts {
			queue = append(queue, retryItem{pageRef: it.pageRef, attempts: it.attempts + 1})
			continue
		}
		pagesFetchedTotal.WithLabelValues("retry_exhausted").Inc()
		if isIndefinite {
			// This partition now has a proven hole in its coverage.
			r.mu.Lock()
			r.failedParts[it.part.ID] = it.part
			r.mu.Unlock()
		}
	}
	return nil
}

func (r *Retrier) fetchPage(ctx context.Context, part taxonomy.Partition, page int) map[string]string {
	res, err := r.client.Get(ctx, fetch.ListingURL(page, part.Category, part.Subcategory))
	if err != nil || res == nil {
		return nil
	}
	return r.extract(string(res.Body), part.Category)
}

// FailedPartitions returns the partitions left with an unfilled hole after
// the retry pass, sorted by ID.
func (r *Retrier) FailedPartitions() []taxonomy.Partition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]taxonomy.Partition, 0, len(r.failedParts))
	for _, p := range r.failedParts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Subcategory < out[j].Subcategory
	})
	return out
}

// WriteFailedReport writes the failed-partition report CSV next to the
// output. No file is written when nothing failed.
func (r *Retrier) WriteFailedReport(path string) error {
	failed := r.FailedPartitions()
	if len(failed) == 0 {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create failed report: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"category_id", "subcategory_id", "category_name", "subcategory_name"}); err != nil {
		return err
	}
	for _, p := range failed {
		rec := []string{strconv.Itoa(p.Category), strconv.Itoa(p.Subcategory), p.CategoryName, p.SubcategoryName}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush failed report: %w", err)
	}
	r.logger.Warn().Int("partitions", len(failed)).Str("path", path).Msg("Failed partitions reported")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

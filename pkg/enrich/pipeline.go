package enrich

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mswtools/msw-harvester/pkg/record"
)

// Options selects what one enrichment run processes.
type Options struct {
	InputPath  string
	OutputPath string

	// Force re-fetches every ruid instead of only unenriched rows.
	Force bool

	// Limit processes only the first N input rows. Zero means all.
	Limit int

	// LimitPerCategory takes at most N rows per Category value. Zero means
	// all.
	LimitPerCategory int
}

// Stats summarizes one run.
type Stats struct {
	Rows            int
	Needed          int
	Fetched         int
	AlreadyEnriched int
}

// Pipeline runs enrichment: fetch workers share an ordered ruid queue, and
// a single writer emits rows in input order as their details resolve. The
// existing output file is the source of truth for prior enrichment and is
// replaced atomically at the end.
type Pipeline struct {
	detail *DetailClient
	config Config
	logger zerolog.Logger
}

// NewPipeline creates a pipeline around a detail client.
func NewPipeline(detail *DetailClient, cfg Config) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.FlushInterval < 1 {
		cfg.FlushInterval = 1
	}
	return &Pipeline{
		detail: detail,
		config: cfg,
		logger: log.With().Str("component", "enrich").Logger(),
	}
}

// result carries fetched details to the writer. An empty detail still
// resolves its row: the writer falls back to existing or bare data.
type result map[string]record.Detail

// Run executes one enrichment pass and returns its stats.
func (p *Pipeline) Run(ctx context.Context, opts Options) (Stats, error) {
	existingEnriched, existingRows, err := loadExistingOutput(opts.OutputPath)
	if err != nil {
		return Stats{}, err
	}

	rows, needed, stats, err := p.loadInput(opts, existingEnriched)
	if err != nil {
		return Stats{}, err
	}
	p.logger.Info().
		Int("rows", stats.Rows).
		Int("needed", stats.Needed).
		Int("already_enriched", stats.AlreadyEnriched).
		Msg("Enrichment starting")

	if len(needed) == 0 {
		if _, err := os.Stat(opts.OutputPath); err == nil {
			// Nothing to fetch and the output exists: leave it untouched.
			p.logger.Info().Msg("Nothing to enrich, output unchanged")
			return stats, nil
		}
		if err := writeBare(opts.OutputPath, rows); err != nil {
			return stats, err
		}
		return stats, nil
	}

	neededSet := make(map[string]struct{}, len(needed))
	for _, r := range needed {
		neededSet[r] = struct{}{}
	}

	results := make(chan result, p.config.Workers*2)
	writerErr := make(chan error, 1)
	go func() {
		writerErr <- p.writeOrdered(ctx, rows, existingRows, neededSet, opts.OutputPath, results)
	}()

	fetched := p.runFetchers(ctx, needed, results)
	close(results)

	if err := <-writerErr; err != nil {
		return stats, err
	}
	if ctx.Err() != nil {
		return stats, ctx.Err()
	}
	stats.Fetched = fetched
	p.logger.Info().
		Int("fetched", fetched).
		Str("output", opts.OutputPath).
		Msg("Enrichment finished")
	return stats, nil
}

// runFetchers performs the pre-flight and then drains the needed list with
// the worker pool. Returns how many ruids produced a detail.
func (p *Pipeline) runFetchers(ctx context.Context, needed []string, results chan<- result) int {
	fetched := 0
	if p.preflight(ctx, needed[0], results) {
		fetched++
	}

	var mu sync.Mutex
	next := 1 // index 0 was the pre-flight
	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				if next >= len(needed) || ctx.Err() != nil {
					mu.Unlock()
					return
				}
				idx := next
				next++
				mu.Unlock()

				ruid := needed[idx]
				detail, err := p.detail.FetchOne(ctx, ruid)
				if err != nil {
					p.logger.Debug().Err(err).Str("ruid", ruid).Msg("Detail fetch failed")
				}
				// Failures resolve the row too, as an empty detail.
				results <- result{record.NormalizeRUID(ruid): detail}
				if !detail.Empty() {
					mu.Lock()
					fetched++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	return fetched
}

// preflight fetches the first ruid under its own timeout so a dead API or
// expired session surfaces immediately instead of minutes in. Reports
// whether a detail was obtained.
func (p *Pipeline) preflight(ctx context.Context, ruid string, results chan<- result) bool {
	p.logger.Info().Str("ruid", ruid).Msg("Pre-flight fetch")

	type preflightResult struct {
		detail record.Detail
		err    error
	}
	done := make(chan preflightResult, 1)
	wall := time.NewTimer(p.config.PreflightWall)
	defer wall.Stop()
	go func() {
		reqCtx, cancel := context.WithTimeout(ctx, p.config.PreflightTimeout)
		defer cancel()
		d, err := p.detail.FetchOne(reqCtx, ruid)
		done <- preflightResult{detail: d, err: err}
	}()

	select {
	case r := <-done:
		results <- result{record.NormalizeRUID(ruid): r.detail}
		switch {
		case r.err != nil:
			p.logger.Warn().Err(r.err).Msg("Pre-flight failed")
			return false
		case r.detail.Empty():
			p.logger.Warn().Msg("Pre-flight returned no data")
			return false
		default:
			p.logger.Info().Msg("Pre-flight OK")
			return true
		}
	case <-wall.C:
		p.logger.Warn().Dur("wall", p.config.PreflightWall).Msg("Pre-flight timed out")
		results <- result{record.NormalizeRUID(ruid): {}}
		return false
	}
}

// writeOrdered is the single writer: it consumes results and emits rows in
// input order as soon as each row is resolvable. A row resolves when its
// ruid needs no fetch or a fresh detail (possibly empty) arrived.
// Precedence per row: fresh data, then the existing enriched output row,
// then the bare input row. The temp file replaces the output atomically; an
// interrupted run discards the temp file and leaves the previous output as
// it was.
func (p *Pipeline) writeOrdered(
	ctx context.Context,
	rows []record.Row,
	existingRows map[record.Key]record.Row,
	neededSet map[string]struct{},
	outputPath string,
	results <-chan result,
) error {
	dir := filepath.Dir(outputPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(dir, "enrich-*.csv")
	if err != nil {
		return fmt.Errorf("create temp output: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := csv.NewWriter(tmp)
	if err := w.Write(record.Columns); err != nil {
		tmp.Close()
		return fmt.Errorf("write header: %w", err)
	}

	fresh := make(map[string]record.Detail)
	next := 0

	writeRow := func(row record.Row) error {
		out := row
		ruid := record.NormalizeRUID(row.RUID)
		if detail, ok := fresh[ruid]; ok && !detail.Empty() {
			out.Date = detail.Date
			out.Format = detail.Format
			out.Tags = detail.Tags
		} else if existing, ok := existingRows[row.Key()]; ok && existing.Enriched() {
			out = existing
		}
		if err := w.Write(out.Fields()); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
		next++
		if next%p.config.FlushInterval == 0 {
			w.Flush()
			if err := w.Error(); err != nil {
				return fmt.Errorf("flush output: %w", err)
			}
		}
		return nil
	}

	resolvable := func(row record.Row) bool {
		ruid := record.NormalizeRUID(row.RUID)
		if _, needsFetch := neededSet[ruid]; !needsFetch {
			return true
		}
		_, arrived := fresh[ruid]
		return arrived
	}

	for batch := range results {
		for ruid, detail := range batch {
			fresh[ruid] = detail
		}
		for next < len(rows) && resolvable(rows[next]) {
			if err := writeRow(rows[next]); err != nil {
				tmp.Close()
				return err
			}
		}
	}

	// Fetchers are done; whatever is left resolves with what we have.
	for next < len(rows) {
		if err := writeRow(rows[next]); err != nil {
			tmp.Close()
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		// The run was interrupted. The previous output stays in place.
		tmp.Close()
		return err
	}

	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush output: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return fmt.Errorf("replace output: %w", err)
	}
	return nil
}

// loadInput reads the input CSV, applies the row limits, and computes the
// unique ruids that need fetching.
func (p *Pipeline) loadInput(opts Options, existingEnriched map[record.Key]struct{}) ([]record.Row, []string, Stats, error) {
	f, err := os.Open(opts.InputPath)
	if err != nil {
		return nil, nil, Stats{}, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, Stats{}, fmt.Errorf("read input: %w", err)
	}
	if len(records) == 0 || !headerMatches(records[0]) {
		return nil, nil, Stats{}, fmt.Errorf("input %s: expected columns %v", opts.InputPath, record.Columns)
	}

	var rows []record.Row
	var needed []string
	seen := make(map[string]struct{})
	perCategory := make(map[string]int)
	stats := Stats{}

	for _, rec := range records[1:] {
		if opts.Limit > 0 && len(rows) >= opts.Limit {
			break
		}
		row := record.FromFields(rec)
		if opts.LimitPerCategory > 0 {
			cat := strings.TrimSpace(row.Category)
			if perCategory[cat] >= opts.LimitPerCategory {
				continue
			}
			perCategory[cat]++
		}
		rows = append(rows, row)

		ruid := record.NormalizeRUID(row.RUID)
		if len(ruid) < record.RUIDLen {
			continue
		}
		if !opts.Force {
			if _, done := existingEnriched[row.Key()]; done {
				stats.AlreadyEnriched++
				continue
			}
		}
		if _, dup := seen[ruid]; !dup {
			seen[ruid] = struct{}{}
			needed = append(needed, ruid)
		}
	}
	stats.Rows = len(rows)
	stats.Needed = len(needed)
	return rows, needed, stats, nil
}

// loadExistingOutput reads the current output file. The file is the source
// of truth for prior enrichment; a missing or differently-shaped file
// yields empty maps.
func loadExistingOutput(path string) (map[record.Key]struct{}, map[record.Key]record.Row, error) {
	enriched := make(map[record.Key]struct{})
	byKey := make(map[record.Key]record.Row)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return enriched, byKey, nil
		}
		return nil, nil, fmt.Errorf("open existing output: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read existing output: %w", err)
	}
	if len(records) == 0 || !headerMatches(records[0]) {
		return enriched, byKey, nil
	}
	for _, rec := range records[1:] {
		row := record.FromFields(rec)
		key := row.Key()
		byKey[key] = row
		if row.Enriched() {
			enriched[key] = struct{}{}
		}
	}
	return enriched, byKey, nil
}

func headerMatches(header []string) bool {
	if len(header) != len(record.Columns) {
		return false
	}
	for i, col := range record.Columns {
		if strings.TrimSpace(header[i]) != col {
			return false
		}
	}
	return true
}

// writeBare writes rows as-is when nothing needs fetching and no output
// exists yet.
func writeBare(path string, rows []record.Row) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(record.Columns); err != nil {
		return err
	}
	for _, row := range rows {
		if err := w.Write(row.Fields()); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

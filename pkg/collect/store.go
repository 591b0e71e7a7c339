package collect

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mswtools/msw-harvester/pkg/record"
	"github.com/mswtools/msw-harvester/pkg/taxonomy"
)

var rowsWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "harvester_collect_rows_written_total",
	Help: "New catalog rows committed during collection",
})

// seenKey identifies one output row for dedup.
type seenKey struct {
	ruid string
	id   taxonomy.ID
}

// catKey tracks a ruid's presence anywhere within a category, which is what
// suppresses its re-emission under the catch-all partition.
type catKey struct {
	ruid     string
	category int
}

// Store owns the durable output of a collect run. New rows go to a temp
// file, flushed and synced per commit so a crash loses at most the row being
// written; Finalize merges them with the existing output and swaps the file
// atomically.
//
// One mutex guards the dedup sets, the writer, and the per-partition
// content-page watermark together: a commit decides membership and writes
// the row as a single step, so two workers can never both claim the same
// key.
type Store struct {
	mu         sync.Mutex
	seen       map[seenKey]struct{}
	seenPerCat map[catKey]struct{}
	maxContent map[taxonomy.ID]int

	tax      *taxonomy.Taxonomy
	outPath  string
	tempPath string
	file     *os.File
	writer   *csv.Writer
	rows     int

	logger zerolog.Logger
}

// NewStore opens the store for outPath. When the output already exists its
// keys are preloaded so re-runs only append rows that are genuinely new.
func NewStore(outPath string, tax *taxonomy.Taxonomy) (*Store, error) {
	s := &Store{
		seen:       make(map[seenKey]struct{}),
		seenPerCat: make(map[catKey]struct{}),
		maxContent: make(map[taxonomy.ID]int),
		tax:        tax,
		outPath:    outPath,
		logger:     log.With().Str("component", "collect-store").Logger(),
	}
	if err := s.loadExisting(); err != nil {
		return nil, err
	}

	dir := filepath.Dir(outPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(dir, "collect-rows-*.csv")
	if err != nil {
		return nil, fmt.Errorf("create temp output: %w", err)
	}
	s.tempPath = tmp.Name()
	s.file = tmp
	s.writer = csv.NewWriter(tmp)
	if err := s.writer.Write(record.Columns); err != nil {
		s.Discard()
		return nil, fmt.Errorf("write header: %w", err)
	}
	if err := s.sync(); err != nil {
		s.Discard()
		return nil, err
	}
	s.logger.Info().Str("output", outPath).Int("existing", len(s.seen)).Msg("Store opened")
	return s, nil
}

func (s *Store) loadExisting() error {
	f, err := os.Open(s.outPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open existing output: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("read existing output: %w", err)
	}
	for i, rec := range records {
		if i == 0 || len(rec) < 3 {
			continue
		}
		row := record.FromFields(rec)
		id, ok := s.tax.ByName(strings.TrimSpace(row.Category), strings.TrimSpace(row.Subcategory))
		if !ok {
			continue
		}
		ruid := strings.ToLower(strings.TrimSpace(row.RUID))
		s.seen[seenKey{ruid: ruid, id: id}] = struct{}{}
		s.seenPerCat[catKey{ruid: ruid, category: id.Category}] = struct{}{}
	}
	return nil
}

// Commit writes the given ruids for one partition, applying the dedup
// rules: a specific-subcategory row is unique per (ruid, partition); a
// catch-all row is suppressed when the ruid already appeared anywhere in the
// category. Returns how many rows were actually written.
func (s *Store) Commit(part taxonomy.Partition, ruids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, ruid := range ruids {
		ruid = strings.ToLower(ruid)
		key := seenKey{ruid: ruid, id: part.ID}
		ck := catKey{ruid: ruid, category: part.Category}
		if part.Subcategory == taxonomy.CatchAll {
			if _, dup := s.seenPerCat[ck]; dup {
				continue
			}
		} else if _, dup := s.seen[key]; dup {
			continue
		}
		s.seenPerCat[ck] = struct{}{}
		s.seen[key] = struct{}{}

		row := record.Row{RUID: ruid, Category: part.CategoryName, Subcategory: part.SubcategoryName}
		if err := s.writer.Write(row.Fields()); err != nil {
			return added, fmt.Errorf("write row: %w", err)
		}
		if err := s.sync(); err != nil {
			return added, err
		}
		s.rows++
		added++
		rowsWrittenTotal.Inc()
	}
	return added, nil
}

// sync flushes the csv writer and fsyncs the temp file. Caller holds the
// lock (or is still single-threaded during setup).
func (s *Store) sync() error {
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("flush temp output: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync temp output: %w", err)
	}
	return nil
}

// NotePageContent records that a page of the partition yielded data. The
// watermark feeds the retry policy: only failed pages below a later content
// page earn the longer retry budget.
func (s *Store) NotePageContent(id taxonomy.ID, page int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if page > s.maxContent[id] {
		s.maxContent[id] = page
	}
}

// MaxContentPage returns the highest page of the partition that yielded data.
func (s *Store) MaxContentPage(id taxonomy.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxContent[id]
}

// RowsWritten returns how many new rows this run has committed.
func (s *Store) RowsWritten() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}

// Finalize closes the temp file and produces the final output. With no
// pre-existing output the temp file simply becomes the output; otherwise
// existing rows and new rows are merged, deduped by (ruid, partition) with
// existing rows taking precedence, into a second temp file that atomically
// replaces the output. Returns the final row count.
func (s *Store) Finalize() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sync(); err != nil {
		return 0, err
	}
	if err := s.file.Close(); err != nil {
		return 0, fmt.Errorf("close temp output: %w", err)
	}

	if _, err := os.Stat(s.outPath); os.IsNotExist(err) {
		if err := os.Rename(s.tempPath, s.outPath); err != nil {
			return 0, fmt.Errorf("move output into place: %w", err)
		}
		s.logger.Info().Int("rows", s.rows).Str("output", s.outPath).Msg("Output written")
		return s.rows, nil
	}

	count, err := s.mergeInto(s.outPath)
	if err != nil {
		return 0, err
	}
	os.Remove(s.tempPath)
	s.logger.Info().Int("new_rows", s.rows).Int("total_rows", count).Str("output", s.outPath).Msg("Output merged")
	return count, nil
}

func (s *Store) mergeInto(outPath string) (int, error) {
	dir := filepath.Dir(outPath)
	final, err := os.CreateTemp(dir, "collect-final-*.csv")
	if err != nil {
		return 0, fmt.Errorf("create merge temp: %w", err)
	}
	finalPath := final.Name()
	defer os.Remove(finalPath)

	w := csv.NewWriter(final)
	merged := make(map[seenKey]struct{})
	foreign := make(map[string]struct{})

	copyRows := func(path string, writeHeader bool) error {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		r := csv.NewReader(f)
		r.FieldsPerRecord = -1
		records, err := r.ReadAll()
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		for i, rec := range records {
			if i == 0 {
				if writeHeader {
					if err := w.Write(rec); err != nil {
						return err
					}
				}
				continue
			}
			if len(rec) < 3 {
				continue
			}
			row := record.FromFields(rec)
			id, ok := s.tax.ByName(strings.TrimSpace(row.Category), strings.TrimSpace(row.Subcategory))
			if !ok {
				// Rows written under a different taxonomy pass through
				// unchanged; their names cannot collide with any key this
				// run produces.
				fk := strings.ToLower(strings.TrimSpace(row.RUID)) + "|" +
					strings.TrimSpace(row.Category) + "|" + strings.TrimSpace(row.Subcategory)
				if _, dup := foreign[fk]; dup {
					continue
				}
				foreign[fk] = struct{}{}
				if err := w.Write(rec); err != nil {
					return err
				}
				continue
			}
			key := seenKey{ruid: strings.ToLower(strings.TrimSpace(row.RUID)), id: id}
			if _, dup := merged[key]; dup {
				continue
			}
			merged[key] = struct{}{}
			if err := w.Write(rec); err != nil {
				return err
			}
		}
		return nil
	}

	// Existing rows first so their enrichment survives the merge.
	if err := copyRows(outPath, true); err != nil {
		final.Close()
		return 0, err
	}
	if err := copyRows(s.tempPath, false); err != nil {
		final.Close()
		return 0, err
	}

	w.Flush()
	if err := w.Error(); err != nil {
		final.Close()
		return 0, fmt.Errorf("flush merge: %w", err)
	}
	if err := final.Sync(); err != nil {
		final.Close()
		return 0, fmt.Errorf("sync merge: %w", err)
	}
	if err := final.Close(); err != nil {
		return 0, fmt.Errorf("close merge: %w", err)
	}
	if err := os.Rename(finalPath, outPath); err != nil {
		return 0, fmt.Errorf("replace output: %w", err)
	}
	if len(foreign) > 0 {
		s.logger.Warn().
			Int("rows", len(foreign)).
			Msg("Kept rows whose partition is unknown to the current taxonomy")
	}
	return len(merged) + len(foreign), nil
}

// Discard closes and removes the temp file without touching the output.
func (s *Store) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		s.file.Close()
	}
	if s.tempPath != "" {
		os.Remove(s.tempPath)
	}
}

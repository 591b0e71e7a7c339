package boundary

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/mswtools/msw-harvester/pkg/taxonomy"
)

// tableColumns is the boundary table CSV header.
var tableColumns = []string{"category_id", "subcategory_id", "category_name", "subcategory_name", "last_page"}

// Entry is one boundary table row.
type Entry struct {
	Partition taxonomy.Partition
	LastPage  int
}

// Table maps partitions to their discovered last page. Writing merges with
// whatever is already on disk, so a partial discover run never erases
// boundaries of partitions it did not visit.
type Table struct {
	entries map[taxonomy.ID]Entry
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[taxonomy.ID]Entry)}
}

// LoadTable reads a boundary table CSV. A missing file yields an empty
// table; rows with unparseable IDs or pages are skipped.
func LoadTable(path string) (*Table, error) {
	t := NewTable()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("open boundary table: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read boundary table %s: %w", path, err)
	}
	for i, rec := range records {
		if i == 0 || len(rec) < 5 {
			continue
		}
		cid, err1 := strconv.Atoi(rec[0])
		sid, err2 := strconv.Atoi(rec[1])
		last, err3 := strconv.Atoi(rec[4])
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		part := taxonomy.Partition{
			ID:              taxonomy.ID{Category: cid, Subcategory: sid},
			CategoryName:    rec[2],
			SubcategoryName: rec[3],
		}
		t.entries[part.ID] = Entry{Partition: part, LastPage: last}
	}
	return t, nil
}

// Set records or replaces the boundary for one partition.
func (t *Table) Set(part taxonomy.Partition, lastPage int) {
	t.entries[part.ID] = Entry{Partition: part, LastPage: lastPage}
}

// Get returns the boundary for a partition, with ok reporting presence.
func (t *Table) Get(id taxonomy.ID) (int, bool) {
	e, ok := t.entries[id]
	return e.LastPage, ok
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.entries)
}

// Entries returns all rows sorted by category then subcategory.
func (t *Table) Entries() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Partition.ID, out[j].Partition.ID
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Subcategory < b.Subcategory
	})
	return out
}

// Write merges this table over the rows already at path and replaces the
// file atomically: existing rows for partitions not in this table survive.
func (t *Table) Write(path string) error {
	existing, err := LoadTable(path)
	if err != nil {
		return err
	}
	for id, e := range t.entries {
		existing.entries[id] = e
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp table: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := csv.NewWriter(tmp)
	if err := w.Write(tableColumns); err != nil {
		tmp.Close()
		return fmt.Errorf("write table header: %w", err)
	}
	for _, e := range existing.Entries() {
		rec := []string{
			strconv.Itoa(e.Partition.Category),
			strconv.Itoa(e.Partition.Subcategory),
			e.Partition.CategoryName,
			e.Partition.SubcategoryName,
			strconv.Itoa(e.LastPage),
		}
		if err := w.Write(rec); err != nil {
			tmp.Close()
			return fmt.Errorf("write table row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush table: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close table: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace table: %w", err)
	}
	return nil
}

package collect

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/mswtools/msw-harvester/pkg/taxonomy"
)

func newTestStore(t *testing.T, outPath string) *Store {
	t.Helper()
	s, err := NewStore(outPath, taxonomy.Builtin())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return records
}

func spriteObject() taxonomy.Partition {
	return taxonomy.Builtin().Partition(0, 5)
}

func spriteMonster() taxonomy.Partition {
	return taxonomy.Builtin().Partition(0, 7)
}

func spriteAll() taxonomy.Partition {
	return taxonomy.Builtin().Partition(0, taxonomy.CatchAll)
}

func TestStore_CatchAllCollapse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	s := newTestStore(t, path)
	defer s.Discard()

	// ruid "aa..." first appears under a specific subcategory.
	added, err := s.Commit(spriteObject(), []string{"aaa1", "bbb2"})
	if err != nil {
		t.Fatal(err)
	}
	if added != 2 {
		t.Errorf("specific commit added %d, want 2", added)
	}

	// The catch-all walk later sees the same ruid plus a new one; only the
	// new one may be emitted.
	added, err = s.Commit(spriteAll(), []string{"aaa1", "ccc3"})
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Errorf("catch-all commit added %d, want 1", added)
	}

	// A different specific subcategory is a distinct row even for a seen ruid.
	added, err = s.Commit(spriteMonster(), []string{"aaa1"})
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Errorf("second specific commit added %d, want 1", added)
	}

	if s.RowsWritten() != 4 {
		t.Errorf("rows written = %d, want 4", s.RowsWritten())
	}
}

func TestStore_CommitIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	s := newTestStore(t, path)
	defer s.Discard()

	if _, err := s.Commit(spriteObject(), []string{"aaa1"}); err != nil {
		t.Fatal(err)
	}
	added, err := s.Commit(spriteObject(), []string{"aaa1"})
	if err != nil {
		t.Fatal(err)
	}
	if added != 0 {
		t.Errorf("repeated commit added %d rows", added)
	}
}

func TestStore_RerunSkipsExistingRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")

	s := newTestStore(t, path)
	if _, err := s.Commit(spriteObject(), []string{"aaa1", "bbb2"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Finalize(); err != nil {
		t.Fatal(err)
	}

	// A second run over the same listing discovers the same ruids.
	s2 := newTestStore(t, path)
	added, err := s2.Commit(spriteObject(), []string{"aaa1", "bbb2", "ccc3"})
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Errorf("rerun added %d rows, want only the new one", added)
	}
	count, err := s2.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("final row count = %d, want 3", count)
	}
}

func TestStore_MergePreservesEnrichment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.csv")

	// Existing output carries an enriched row.
	content := "RUID,Category,Subcategory,Date,Format,Tags\n" +
		"aaa1,sprite,object,2024-01-01,png,\"tree, grass\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s := newTestStore(t, path)
	// The walk re-discovers aaa1 (skipped) and finds bbb2.
	if _, err := s.Commit(spriteObject(), []string{"aaa1", "bbb2"}); err != nil {
		t.Fatal(err)
	}
	count, err := s.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("final row count = %d, want 2", count)
	}

	records := readCSV(t, path)
	if len(records) != 3 {
		t.Fatalf("output has %d lines, want header plus 2", len(records))
	}
	if records[1][0] != "aaa1" || records[1][3] != "2024-01-01" || records[1][4] != "png" {
		t.Errorf("enriched row was not preserved: %v", records[1])
	}
	if records[2][0] != "bbb2" || records[2][3] != "" {
		t.Errorf("new row wrong: %v", records[2])
	}
}

func TestStore_MergeKeepsRowsFromOtherTaxonomy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.csv")

	// The existing output holds a row collected under a custom --taxonomy
	// whose names the built-in set cannot resolve.
	content := "RUID,Category,Subcategory,Date,Format,Tags\n" +
		"aaa1,sprite,object,,,\n" +
		"zzz9,worldmap,region,2024-02-02,png,sea\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s := newTestStore(t, path)
	if _, err := s.Commit(spriteObject(), []string{"bbb2"}); err != nil {
		t.Fatal(err)
	}
	count, err := s.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("final row count = %d, want 3", count)
	}

	records := readCSV(t, path)
	if len(records) != 4 {
		t.Fatalf("output has %d lines, want header plus 3", len(records))
	}
	if records[2][0] != "zzz9" || records[2][1] != "worldmap" || records[2][3] != "2024-02-02" {
		t.Errorf("foreign taxonomy row was dropped or altered: %v", records[2])
	}
}

func TestStore_DiscardKeepsExistingOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	content := "RUID,Category,Subcategory,Date,Format,Tags\n" +
		"aaa1,sprite,object,2024-01-01,png,tree\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	// An interrupted run commits rows and discards without finalizing.
	s := newTestStore(t, path)
	if _, err := s.Commit(spriteObject(), []string{"bbb2", "ccc3"}); err != nil {
		t.Fatal(err)
	}
	s.Discard()

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(after) != content {
		t.Errorf("interrupted run changed the output:\n%q", after)
	}
	if _, err := os.Stat(s.tempPath); !os.IsNotExist(err) {
		t.Errorf("temp file still present after Discard: %v", err)
	}
}

func TestStore_CommittedRowsSurviveWithoutFinalize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	s := newTestStore(t, path)
	defer s.Discard()

	if _, err := s.Commit(spriteObject(), []string{"aaa1"}); err != nil {
		t.Fatal(err)
	}

	// Simulating a crash: the temp file must already hold the row.
	records := readCSV(t, s.tempPath)
	if len(records) != 2 || records[1][0] != "aaa1" {
		t.Errorf("temp file rows = %v, want committed row present", records)
	}
}

func TestStore_ContentWatermark(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	s := newTestStore(t, path)
	defer s.Discard()

	id := taxonomy.ID{Category: 0, Subcategory: 5}
	s.NotePageContent(id, 7)
	s.NotePageContent(id, 3)
	if got := s.MaxContentPage(id); got != 7 {
		t.Errorf("watermark = %d, want 7", got)
	}
	if got := s.MaxContentPage(taxonomy.ID{Category: 1, Subcategory: -1}); got != 0 {
		t.Errorf("untouched watermark = %d, want 0", got)
	}
}

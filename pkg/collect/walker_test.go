package collect

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mswtools/msw-harvester/internal/testutil"
	"github.com/mswtools/msw-harvester/pkg/auth"
	"github.com/mswtools/msw-harvester/pkg/fetch"
	"github.com/mswtools/msw-harvester/pkg/taxonomy"
)

const mockPageSize = 5

func testCollectConfig() Config {
	return Config{
		PageSize:                   mockPageSize,
		SkepticalBuffer:            2,
		RetryPageBuffer:            20,
		MaxPageAttempts:            2,
		IndefiniteRetryMaxAttempts: 5,
		RetryDelay:                 time.Millisecond,
		Workers:                    2,
	}
}

// harness wires a walker, retrier, and store against a mock catalog.
type harness struct {
	site    *testutil.MockCatalog
	store   *Store
	walker  *Walker
	retrier *Retrier
	outPath string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	site := testutil.NewMockCatalog(mockPageSize)
	t.Cleanup(site.Close)

	outPath := filepath.Join(t.TempDir(), "out.csv")
	store := newTestStore(t, outPath)
	t.Cleanup(store.Discard)

	client := fetch.New(fetch.Config{
		Timeout:        5 * time.Second,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		RateLimitFloor: time.Millisecond,
	}, nil, auth.Credentials{Token: "test"})
	client.SetHTTPClient(testutil.NewClientTransport(site))

	retrier := NewRetrier(client, nil, store, cfg)
	walker := NewWalker(client, nil, store, retrier, cfg)
	return &harness{site: site, store: store, walker: walker, retrier: retrier, outPath: outPath}
}

func TestWalkPartition_FullCatalog(t *testing.T) {
	h := newHarness(t, testCollectConfig())
	// 2 full pages and a short third page: 5 + 5 + 3 items.
	h.site.SetSegment(0, 5, 3, 3)

	ctx := context.Background()
	if err := h.walker.WalkPartition(ctx, spriteObject(), 3, 0); err != nil {
		t.Fatalf("WalkPartition() error = %v", err)
	}
	if err := h.retrier.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	if got := h.store.RowsWritten(); got != 13 {
		t.Errorf("rows written = %d, want 13", got)
	}
	if failed := h.retrier.FailedPartitions(); len(failed) != 0 {
		t.Errorf("failed partitions = %v, want none", failed)
	}
}

func TestWalkPartition_ExactBoundaryPage(t *testing.T) {
	// The last page is full: the walk only learns the end from empty pages
	// past it, which land on the retrier and are dropped there.
	h := newHarness(t, testCollectConfig())
	h.site.SetSegment(0, 5, 2, mockPageSize)

	ctx := context.Background()
	if err := h.walker.WalkPartition(ctx, spriteObject(), 2, 0); err != nil {
		t.Fatalf("WalkPartition() error = %v", err)
	}
	if err := h.retrier.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	if got := h.store.RowsWritten(); got != 2*mockPageSize {
		t.Errorf("rows written = %d, want %d", got, 2*mockPageSize)
	}
	if failed := h.retrier.FailedPartitions(); len(failed) != 0 {
		t.Errorf("failed partitions = %v, want none", failed)
	}
}

func TestWalkPartition_NoisyPageRecovered(t *testing.T) {
	h := newHarness(t, testCollectConfig())
	h.site.SetSegment(0, 5, 3, 3)
	// Page 2 renders empty once; the retry pass must recover its rows.
	h.site.DropPage(0, 5, 2, 1)

	ctx := context.Background()
	if err := h.walker.WalkPartition(ctx, spriteObject(), 3, 0); err != nil {
		t.Fatalf("WalkPartition() error = %v", err)
	}
	if h.retrier.Pending() == 0 {
		t.Fatal("dropped page never reached the retrier")
	}
	if err := h.retrier.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	if got := h.store.RowsWritten(); got != 13 {
		t.Errorf("rows written = %d, want 13 after retry", got)
	}
	if failed := h.retrier.FailedPartitions(); len(failed) != 0 {
		t.Errorf("failed partitions = %v, want none", failed)
	}
}

func TestWalkPartition_TransportFailureRecovered(t *testing.T) {
	h := newHarness(t, testCollectConfig())
	h.site.SetSegment(0, 5, 3, 3)
	// Page 2 returns 503 three times: enough to exhaust the fetch client's
	// own attempts once, leaving recovery to the retry pass.
	h.site.FailPage(0, 5, 2, 3, http.StatusServiceUnavailable)

	ctx := context.Background()
	if err := h.walker.WalkPartition(ctx, spriteObject(), 3, 0); err != nil {
		t.Fatalf("WalkPartition() error = %v", err)
	}
	if err := h.retrier.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	if got := h.store.RowsWritten(); got != 13 {
		t.Errorf("rows written = %d, want 13 after retry", got)
	}
}

func TestWalkPartition_PersistentHoleReported(t *testing.T) {
	cfg := testCollectConfig()
	h := newHarness(t, cfg)
	h.site.SetSegment(0, 5, 3, 3)
	// Page 2 renders empty forever. It sits below the content watermark, so
	// it gets the indefinite budget and finally lands in the failed report.
	h.site.DropPage(0, 5, 2, 1000)

	ctx := context.Background()
	if err := h.walker.WalkPartition(ctx, spriteObject(), 3, 0); err != nil {
		t.Fatalf("WalkPartition() error = %v", err)
	}
	if err := h.retrier.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	failed := h.retrier.FailedPartitions()
	if len(failed) != 1 || failed[0].ID != (taxonomy.ID{Category: 0, Subcategory: 5}) {
		t.Fatalf("failed partitions = %v, want sprite/object", failed)
	}

	reportPath := filepath.Join(filepath.Dir(h.outPath), "failed_indefinite_retry.csv")
	if err := h.retrier.WriteFailedReport(reportPath); err != nil {
		t.Fatalf("WriteFailedReport() error = %v", err)
	}
	records := readCSV(t, reportPath)
	if len(records) != 2 || records[1][0] != "0" || records[1][1] != "5" {
		t.Errorf("report rows = %v", records)
	}
}

func TestWalkPartition_NoReportWhenNothingFailed(t *testing.T) {
	h := newHarness(t, testCollectConfig())
	h.site.SetSegment(0, 5, 1, 2)

	ctx := context.Background()
	if err := h.walker.WalkPartition(ctx, spriteObject(), 1, 0); err != nil {
		t.Fatal(err)
	}
	if err := h.retrier.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	reportPath := filepath.Join(t.TempDir(), "failed_indefinite_retry.csv")
	if err := h.retrier.WriteFailedReport(reportPath); err != nil {
		t.Fatalf("WriteFailedReport() error = %v", err)
	}
	if _, err := os.Stat(reportPath); !os.IsNotExist(err) {
		t.Error("report written despite no failures")
	}
}

func TestWalkPartition_CatchAllCollapse(t *testing.T) {
	h := newHarness(t, testCollectConfig())
	ruidA := testutil.RUID(0, 5, 1, 0)
	ruidB := testutil.RUID(0, 5, 1, 1)
	ruidC := testutil.RUID(0, 99, 1, 0) // only in the catch-all

	h.site.SetSegment(0, 5, 1, 2)
	h.site.SetSegment(0, -1, 1, 3)
	h.site.SetPageItems(0, -1, 1, []string{ruidA, ruidB, ruidC})

	ctx := context.Background()
	// Specific subcategories walk before the catch-all.
	if err := h.walker.WalkPartition(ctx, spriteObject(), 1, 0); err != nil {
		t.Fatal(err)
	}
	if err := h.walker.WalkPartition(ctx, spriteAll(), 1, 0); err != nil {
		t.Fatal(err)
	}
	if err := h.retrier.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	// A and B were already recorded under sprite/object; only C may appear
	// under the catch-all.
	if got := h.store.RowsWritten(); got != 3 {
		t.Errorf("rows written = %d, want 3", got)
	}

	if _, err := h.store.Finalize(); err != nil {
		t.Fatal(err)
	}
	records := readCSV(t, h.outPath)
	subs := map[string]string{}
	for _, rec := range records[1:] {
		subs[rec[0]] = rec[2]
	}
	if subs[ruidA] != "object" || subs[ruidB] != "object" {
		t.Errorf("specific rows = %v", subs)
	}
	if subs[ruidC] != "all" {
		t.Errorf("catch-all row = %v", subs)
	}
}

func TestWalkPartition_PageLimit(t *testing.T) {
	h := newHarness(t, testCollectConfig())
	h.site.SetSegment(0, 5, 10, mockPageSize)

	if err := h.walker.WalkPartition(context.Background(), spriteObject(), 10, 1); err != nil {
		t.Fatal(err)
	}
	if got := h.store.RowsWritten(); got != mockPageSize {
		t.Errorf("rows written = %d, want one page", got)
	}
}

func TestListPartition(t *testing.T) {
	h := newHarness(t, testCollectConfig())
	h.site.SetSegment(0, 5, 2, 3)

	got, err := h.walker.ListPartition(context.Background(), spriteObject(), 0)
	if err != nil {
		t.Fatalf("ListPartition() error = %v", err)
	}
	if len(got) != mockPageSize+3 {
		t.Errorf("listed %d ruids, want %d", len(got), mockPageSize+3)
	}
	for ruid, ext := range got {
		if ext != "png" {
			t.Errorf("ruid %s extension = %q, want png", ruid, ext)
		}
	}
}

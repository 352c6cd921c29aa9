package scan

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"doctracker/constants"
	"doctracker/internal/cache"
	"doctracker/internal/common"
	"doctracker/internal/repository"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLedger is an in-memory FileVersionRepository for scanner tests.
type fakeLedger struct {
	mu         sync.Mutex
	rows       map[string]*repository.FileVersion
	upserts    int
	failUpsert bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: map[string]*repository.FileVersion{}}
}

func (f *fakeLedger) EnsureSchema(context.Context) error { return nil }

func (f *fakeLedger) Get(_ context.Context, path string) (*repository.FileVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.rows[path]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (f *fakeLedger) Upsert(_ context.Context, path, fingerprint string, sizeMB float64, modDate time.Time, status constants.VersionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.failUpsert {
		return errors.New("store down")
	}
	f.rows[path] = &repository.FileVersion{
		FilePath:         path,
		Fingerprint:      fingerprint,
		FileSizeMB:       sizeMB,
		ModificationDate: modDate,
		Status:           status,
	}
	return nil
}

func (f *fakeLedger) ListByStatus(_ context.Context, status constants.VersionStatus) ([]*repository.FileVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.FileVersion
	for _, v := range f.rows {
		if v.Status == status {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeLedger) MarkUnchanged(_ context.Context, paths []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range paths {
		if v, ok := f.rows[p]; ok {
			v.Status = constants.VersionStatusUnchanged
		}
	}
	return nil
}

func (f *fakeLedger) status(path string) constants.VersionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.rows[path]; ok {
		return v.Status
	}
	return ""
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(t.TempDir(), quietLogger())
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	return c
}

func paths(metas []cache.FileMeta) map[string]bool {
	out := map[string]bool{}
	for _, m := range metas {
		out[m.Path] = true
	}
	return out
}

func TestScanPartitionsFreshTree(t *testing.T) {
	root := t.TempDir()
	pdf := writeFile(t, root, "a.pdf", "pdf body")
	txt := writeFile(t, root, "b.txt", "notes")
	writeFile(t, root, "skip.xyz", "not allowed")
	writeFile(t, root, ".hidden.pdf", "hidden")

	ledger := newFakeLedger()
	s := New(newTestCache(t), ledger, WithLogger(quietLogger()))

	report, err := s.Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	got := paths(report.New)
	if len(got) != 2 || !got[pdf] || !got[txt] {
		t.Fatalf("expected new = {a.pdf, b.txt}, got %v", got)
	}
	if len(report.Updated)+len(report.Unchanged)+len(report.Deleted) != 0 {
		t.Fatalf("fresh tree must only produce new files: %+v", report)
	}
	if ledger.status(pdf) != constants.VersionStatusNew {
		t.Fatalf("ledger row for %s = %q, want new", pdf, ledger.status(pdf))
	}
}

func TestRescanReportsUnchanged(t *testing.T) {
	root := t.TempDir()
	pdf := writeFile(t, root, "a.pdf", "pdf body")

	s := New(newTestCache(t), newFakeLedger(), WithLogger(quietLogger()))
	if _, err := s.Scan(context.Background(), root); err != nil {
		t.Fatalf("first scan: %v", err)
	}

	report, err := s.Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if len(report.New) != 0 || len(report.Updated) != 0 {
		t.Fatalf("no-op rescan must report nothing new: %+v", report)
	}
	if !paths(report.Unchanged)[pdf] {
		t.Fatalf("expected %s in unchanged, got %v", pdf, paths(report.Unchanged))
	}
}

func TestScanDetectsUpdate(t *testing.T) {
	root := t.TempDir()
	pdf := writeFile(t, root, "a.pdf", "pdf body")

	ledger := newFakeLedger()
	s := New(newTestCache(t), ledger, WithLogger(quietLogger()))
	if _, err := s.Scan(context.Background(), root); err != nil {
		t.Fatalf("first scan: %v", err)
	}

	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(pdf, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	report, err := s.Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if !paths(report.Updated)[pdf] {
		t.Fatalf("expected %s in updated, got %+v", pdf, report)
	}
	if len(report.New) != 0 || len(report.Unchanged) != 0 {
		t.Fatalf("updated file must not appear elsewhere: %+v", report)
	}
	if ledger.status(pdf) != constants.VersionStatusUpdated {
		t.Fatalf("ledger row = %q, want updated", ledger.status(pdf))
	}
}

func TestScanDetectsDeletion(t *testing.T) {
	root := t.TempDir()
	pdf := writeFile(t, root, "a.pdf", "pdf body")
	keep := writeFile(t, root, "b.pdf", "keep")

	ledger := newFakeLedger()
	c := newTestCache(t)
	s := New(c, ledger, WithLogger(quietLogger()))
	if _, err := s.Scan(context.Background(), root); err != nil {
		t.Fatalf("first scan: %v", err)
	}

	if err := os.Remove(pdf); err != nil {
		t.Fatalf("remove: %v", err)
	}

	report, err := s.Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if len(report.Deleted) != 1 || report.Deleted[0] != pdf {
		t.Fatalf("expected deleted = [%s], got %v", pdf, report.Deleted)
	}
	if _, ok := c.Get(pdf); ok {
		t.Fatal("deleted file must be evicted from the cache")
	}
	if !paths(report.Unchanged)[keep] {
		t.Fatalf("surviving file must be unchanged: %+v", report)
	}
	// Ledger rows survive as audit history.
	if ledger.status(pdf) == "" {
		t.Fatal("ledger row must not be deleted with the file")
	}
}

func TestScanPartitionsAreDisjoint(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.pdf", "a")
	updated := writeFile(t, root, "b.pdf", "b")
	deleted := writeFile(t, root, "c.pdf", "c")

	s := New(newTestCache(t), newFakeLedger(), WithLogger(quietLogger()))
	if _, err := s.Scan(context.Background(), root); err != nil {
		t.Fatalf("first scan: %v", err)
	}

	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(updated, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := os.Remove(deleted); err != nil {
		t.Fatalf("remove: %v", err)
	}
	fresh := writeFile(t, root, "d.pdf", "d")

	report, err := s.Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}

	seen := map[string]int{}
	for p := range paths(report.New) {
		seen[p]++
	}
	for p := range paths(report.Updated) {
		seen[p]++
	}
	for p := range paths(report.Unchanged) {
		seen[p]++
	}
	for _, p := range report.Deleted {
		seen[p]++
	}
	for p, n := range seen {
		if n != 1 {
			t.Fatalf("path %s appears in %d partitions", p, n)
		}
	}
	if len(seen) != 4 {
		t.Fatalf("expected 4 partitioned paths, got %d", len(seen))
	}
	if !paths(report.New)[fresh] || !paths(report.Updated)[updated] {
		t.Fatalf("wrong partitions: %+v", report)
	}
}

func TestTimeWindowExcludesFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.pdf", "now")

	c := newTestCache(t)
	s := New(c, nil,
		WithLogger(quietLogger()),
		WithTimeWindow(YearWindow(2020)),
	)
	report, err := s.Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.Total() != 0 {
		t.Fatalf("a present-day file must not match a 2020 window: %+v", report)
	}
	if c.Len() != 0 {
		t.Fatal("out-of-window files must not enter the cache")
	}

	inWindow := New(c, nil,
		WithLogger(quietLogger()),
		WithTimeWindow(YearWindow(time.Now().Year())),
	)
	report, err = inWindow.Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(report.New) != 1 {
		t.Fatalf("current-year window must match, got %+v", report)
	}
}

func TestScanWithoutLedger(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.pdf", "pdf body")

	s := New(newTestCache(t), nil, WithLogger(quietLogger()))
	report, err := s.Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("cache-only scan: %v", err)
	}
	if len(report.New) != 1 {
		t.Fatalf("expected 1 new file, got %+v", report)
	}

	if err := s.MarkProcessed(context.Background(), []string{"x"}); !errors.Is(err, common.ErrStoreUnavailable) {
		t.Fatalf("MarkProcessed without ledger = %v, want ErrStoreUnavailable", err)
	}
}

func TestLedgerFailureDegradesScan(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.pdf", "a")
	writeFile(t, root, "b.pdf", "b")

	ledger := newFakeLedger()
	ledger.failUpsert = true
	s := New(newTestCache(t), ledger, WithLogger(quietLogger()))

	report, err := s.Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("scan must survive ledger failure: %v", err)
	}
	if len(report.New) != 2 {
		t.Fatalf("partitioning must be unaffected, got %+v", report)
	}
	if report.Stats.LedgerErrors != 2 {
		t.Fatalf("expected 2 ledger errors, got %d", report.Stats.LedgerErrors)
	}
}

func TestListByStatus(t *testing.T) {
	root := t.TempDir()
	pdf := writeFile(t, root, "a.pdf", "pdf body")

	ledger := newFakeLedger()
	s := New(newTestCache(t), ledger, WithLogger(quietLogger()))
	if _, err := s.Scan(context.Background(), root); err != nil {
		t.Fatalf("scan: %v", err)
	}

	files, err := s.ListByStatus(context.Background(), "new")
	if err != nil {
		t.Fatalf("list new: %v", err)
	}
	if len(files) != 1 || files[0].Path != pdf {
		t.Fatalf("expected [%s], got %+v", pdf, files)
	}
	if files[0].Status != constants.VersionStatusNew {
		t.Fatalf("status = %q, want new", files[0].Status)
	}

	all, err := s.ListByStatus(context.Background(), "all")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 cached file, got %d", len(all))
	}

	if _, err := s.ListByStatus(context.Background(), "bogus"); !errors.Is(err, common.ErrInvalidInput) {
		t.Fatalf("unknown status = %v, want ErrInvalidInput", err)
	}

	if err := s.MarkProcessed(context.Background(), []string{pdf}); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if ledger.status(pdf) != constants.VersionStatusUnchanged {
		t.Fatalf("ledger row = %q after mark processed, want unchanged", ledger.status(pdf))
	}
}

func TestScanRejectsEmptyRoot(t *testing.T) {
	s := New(newTestCache(t), nil, WithLogger(quietLogger()))
	if _, err := s.Scan(context.Background(), "  "); err == nil {
		t.Fatal("empty root must be rejected")
	}
}

func TestScanLogsCarryRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	root := t.TempDir()
	writeFile(t, root, "a.pdf", "alpha")

	s := New(newTestCache(t), nil, WithLogger(logger))
	ctx := common.WithRequestID(context.Background(), "req-123")
	if _, err := s.Scan(ctx, root); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if !strings.Contains(buf.String(), "request_id=req-123") {
		t.Fatalf("scan log lines missing request id:\n%s", buf.String())
	}

	// Without an ID on the context, nothing is tagged.
	buf.Reset()
	if _, err := s.Scan(context.Background(), root); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if strings.Contains(buf.String(), "request_id") {
		t.Fatalf("untagged pass leaked a request id:\n%s", buf.String())
	}
}

func TestScanStatsVisitedAndMatched(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.pdf", "alpha")
	writeFile(t, root, "scratch.tmp", "beta")

	s := New(newTestCache(t), nil, WithLogger(quietLogger()))
	report, err := s.Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	// Visited counts every walk callback: the root dir plus both files.
	if report.Stats.Visited != 3 {
		t.Fatalf("visited = %d, want 3", report.Stats.Visited)
	}
	// Matched counts only files passing the extension allow-list.
	if report.Stats.Matched != 1 {
		t.Fatalf("matched = %d, want 1", report.Stats.Matched)
	}
}

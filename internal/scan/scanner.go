// Package scan implements the incremental reconciler: one walk-and-diff
// pass over a directory tree against the local cache and the version
// ledger.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"doctracker/constants"
	"doctracker/internal/cache"
	"doctracker/internal/common"
	"doctracker/internal/repository"
)

// TimeWindow restricts partition membership to files whose creation,
// modification, or access time falls inside [From, To]. Any one of the
// three qualifies.
type TimeWindow struct {
	From time.Time
	To   time.Time
}

func (w TimeWindow) contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

func (w TimeWindow) matches(meta cache.FileMeta) bool {
	return w.contains(meta.CreatedAt) || w.contains(meta.ModifiedAt) || w.contains(meta.AccessedAt)
}

// YearWindow returns the window covering the given calendar year.
func YearWindow(year int) TimeWindow {
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.Local)
	return TimeWindow{From: from, To: from.AddDate(1, 0, 0).Add(-time.Nanosecond)}
}

type Option func(*Scanner)

func WithSkipHidden(skip bool) Option {
	return func(s *Scanner) { s.skipHidden = skip }
}

func WithTimeWindow(w TimeWindow) Option {
	return func(s *Scanner) { s.window = &w }
}

// WithExtensions replaces the default allow-list. Entries are normalized
// (lowercased, dot trimmed).
func WithExtensions(exts []string) Option {
	return func(s *Scanner) {
		set := map[string]struct{}{}
		for _, e := range exts {
			if e = constants.NormalizeExt(strings.TrimSpace(e)); e != "" {
				set[e] = struct{}{}
			}
		}
		if len(set) > 0 {
			s.exts = set
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Scanner partitions the current file set into new/updated/unchanged/
// deleted. It must be the only writer to the cache during a pass. The
// ledger may be nil, in which case the pass runs cache-only.
type Scanner struct {
	cache      *cache.Cache
	ledger     repository.FileVersionRepository
	exts       map[string]struct{}
	skipHidden bool
	window     *TimeWindow
	logger     *slog.Logger
}

func New(c *cache.Cache, ledger repository.FileVersionRepository, opts ...Option) *Scanner {
	s := &Scanner{
		cache:      c,
		ledger:     ledger,
		exts:       constants.AllowedExtensions,
		skipHidden: true,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Scan runs one reconciliation pass rooted at root. Per-file failures are
// collected into the report; only subsystem-level failures (bad root,
// cache persistence) are returned as errors.
func (s *Scanner) Scan(ctx context.Context, root string) (*Report, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("root path is required")
	}

	logger := s.passLogger(ctx)
	report := &Report{}
	current := map[string]fs.FileInfo{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		report.Stats.Visited++
		if walkErr != nil {
			report.Errors = append(report.Errors, FileError{Path: path, Err: walkErr.Error()})
			report.Stats.Failed++
			return nil // continue walking
		}
		if s.skipHidden && isHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		ext := constants.NormalizeExt(filepath.Ext(path))
		if _, ok := s.exts[ext]; !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			logger.Warn("stat failed, skipping file", "path", path, "error", err)
			report.Errors = append(report.Errors, FileError{Path: path, Err: err.Error()})
			report.Stats.Failed++
			return nil
		}
		report.Stats.Matched++
		current[path] = info
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("walk %s: %w", root, err)
	}

	cached := s.cache.GetAll()

	for path, info := range current {
		_, known := cached[path]
		switch {
		case !known:
			s.classify(ctx, logger, report, path, info, constants.VersionStatusNew)
		case s.cache.IsChanged(path):
			s.classify(ctx, logger, report, path, info, constants.VersionStatusUpdated)
		default:
			// Use the cached metadata as-is; IsChanged already did the
			// only stat this branch needs.
			entry, _ := s.cache.Get(path)
			if s.window == nil || s.window.matches(entry.FileMeta) {
				report.Unchanged = append(report.Unchanged, entry.FileMeta)
			}
		}
	}

	// Cached but gone from disk. The ledger keeps its last row as audit
	// history.
	for path := range cached {
		if _, ok := current[path]; !ok {
			report.Deleted = append(report.Deleted, path)
		}
	}
	for _, path := range report.Deleted {
		s.cache.Remove(path)
	}

	report.ScanTime = time.Now()

	if err := s.cache.Save(); err != nil {
		logger.Error("failed to persist cache after scan", "error", err)
		return report, err
	}

	logger.Info("incremental scan complete",
		"root", root,
		"new", len(report.New),
		"updated", len(report.Updated),
		"unchanged", len(report.Unchanged),
		"deleted", len(report.Deleted),
		"errors", len(report.Errors),
	)
	return report, nil
}

// classify handles the new and updated branches: builds metadata, applies
// the time window, updates the cache, and upserts the ledger row.
func (s *Scanner) classify(ctx context.Context, logger *slog.Logger, report *Report, path string, info fs.FileInfo, status constants.VersionStatus) {
	meta := cache.NewFileMeta(path, info)
	meta.Status = status
	if s.window != nil && !s.window.matches(meta) {
		return
	}

	if err := s.cache.Update(path, meta); err != nil {
		logger.Warn("cache update failed, skipping file", "path", path, "error", err)
		report.Errors = append(report.Errors, FileError{Path: path, Err: err.Error()})
		report.Stats.Failed++
		return
	}

	switch status {
	case constants.VersionStatusNew:
		report.New = append(report.New, meta)
	case constants.VersionStatusUpdated:
		report.Updated = append(report.Updated, meta)
	}

	if s.ledger == nil {
		return
	}
	fp := cache.FingerprintInfo(path, info)
	if err := s.ledger.Upsert(ctx, path, fp, meta.SizeMB, meta.ModifiedAt, status); err != nil {
		// Store unavailability degrades the ledger, not the pass.
		logger.Warn("ledger upsert failed", "path", path, "error", err)
		report.Stats.LedgerErrors++
	}
}

// MarkProcessed transitions the given ledger rows to unchanged once their
// new/updated states have been consumed.
func (s *Scanner) MarkProcessed(ctx context.Context, paths []string) error {
	if s.ledger == nil {
		return common.ErrStoreUnavailable
	}
	return s.ledger.MarkUnchanged(ctx, paths)
}

// ListByStatus returns cached metadata for files whose ledger status is
// status. The special value "all" returns every cached file. Files in the
// ledger but no longer cached are omitted.
func (s *Scanner) ListByStatus(ctx context.Context, status string) ([]cache.FileMeta, error) {
	if status == "all" {
		var out []cache.FileMeta
		for _, entry := range s.cache.GetAll() {
			if s.window == nil || s.window.matches(entry.FileMeta) {
				out = append(out, entry.FileMeta)
			}
		}
		return out, nil
	}
	if !constants.IsValidVersionStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", common.ErrInvalidInput, status)
	}
	if s.ledger == nil {
		return nil, common.ErrStoreUnavailable
	}
	rows, err := s.ledger.ListByStatus(ctx, constants.VersionStatus(status))
	if err != nil {
		return nil, err
	}
	var out []cache.FileMeta
	for _, row := range rows {
		entry, ok := s.cache.Get(row.FilePath)
		if !ok {
			continue
		}
		if s.window != nil && !s.window.matches(entry.FileMeta) {
			continue
		}
		meta := entry.FileMeta
		meta.Status = row.Status
		out = append(out, meta)
	}
	return out, nil
}

// passLogger tags the scanner's logger with the request ID carried on
// ctx, if any, so every log line of one pass shares it.
func (s *Scanner) passLogger(ctx context.Context) *slog.Logger {
	if id := common.RequestIDFromContext(ctx); id != "" {
		return s.logger.With(slog.String("request_id", id))
	}
	return s.logger
}

func isHidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".")
}

package scan

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"doctracker/constants"
)

// WatchConfig configures a filesystem watcher bound to one scan root.
type WatchConfig struct {
	Root     string
	Debounce time.Duration // coalesce rapid event bursts; default 2s
}

// Watcher triggers incremental scan passes when files under the root are
// created, written, renamed, or removed. Events are debounced so a burst
// of writes produces one pass.
type Watcher struct {
	scanner *Scanner
	cfg     WatchConfig
	logger  *slog.Logger
}

func NewWatcher(s *Scanner, cfg WatchConfig, logger *slog.Logger) (*Watcher, error) {
	if cfg.Root == "" {
		return nil, errors.New("watch root is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{scanner: s, cfg: cfg, logger: logger}, nil
}

// Run blocks until ctx is cancelled, delivering a report on reports after
// every triggered pass. The initial pass runs before the first event.
func (w *Watcher) Run(ctx context.Context, reports chan<- *Report) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Error("failed to create fsnotify watcher", "error", err)
		return err
	}
	defer fw.Close()

	if err := addTree(fw, w.cfg.Root); err != nil {
		w.logger.Error("failed to watch root", "root", w.cfg.Root, "error", err)
		return err
	}

	w.runPass(ctx, reports)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case e, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if e.Op.Has(fsnotify.Create) {
				// New directories need their own watch before events
				// inside them are visible.
				if err := addTree(fw, e.Name); err != nil {
					w.logger.Warn("failed to watch new directory", "path", e.Name, "error", err)
				}
			}
			if !w.relevant(e) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.cfg.Debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			w.runPass(ctx, reports)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) runPass(ctx context.Context, reports chan<- *Report) {
	report, err := w.scanner.Scan(ctx, w.cfg.Root)
	if err != nil {
		w.logger.Error("watch-triggered scan failed", "root", w.cfg.Root, "error", err)
		return
	}
	if reports == nil {
		return
	}
	select {
	case reports <- report:
	case <-ctx.Done():
	}
}

// relevant filters events down to ones that can change the partition:
// writes, creates, renames, and removals of files with an allowed
// extension.
func (w *Watcher) relevant(e fsnotify.Event) bool {
	if !e.Op.Has(fsnotify.Create) && !e.Op.Has(fsnotify.Write) &&
		!e.Op.Has(fsnotify.Rename) && !e.Op.Has(fsnotify.Remove) {
		return false
	}
	if w.scanner.skipHidden && isHidden(e.Name) {
		return false
	}
	ext := constants.NormalizeExt(filepath.Ext(e.Name))
	_, ok := w.scanner.exts[ext]
	return ok
}

// addTree registers path and every directory below it. Non-directories
// are ignored.
func addTree(fw *fsnotify.Watcher, path string) error {
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// The path may already be gone; watching is best effort.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if isHidden(p) && p != path {
			return filepath.SkipDir
		}
		return fw.Add(p)
	})
}

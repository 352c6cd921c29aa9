// Package cache implements the durable, process-local file cache used by
// the incremental scanner to detect changes without re-reading contents.
package cache

import (
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	cacheFileName = "file_cache.bin"
	cacheVersion  = "1"
)

// snapshot is the on-disk shape of the cache file.
type snapshot struct {
	Version  string
	LastScan time.Time
	Files    map[string]Entry
}

// Cache is the in-memory file table with explicit persistence. It is not
// safe for concurrent use; the scanner is its only writer during a pass.
type Cache struct {
	path   string
	logger *slog.Logger
	data   snapshot
}

// New creates the data directory if needed and loads any existing cache
// file. A missing or unreadable cache file starts empty; failure to create
// the data directory is fatal.
func New(dataDir string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	c := &Cache{
		path:   filepath.Join(dataDir, cacheFileName),
		logger: logger,
		data:   emptySnapshot(),
	}
	c.Load()
	return c, nil
}

func emptySnapshot() snapshot {
	return snapshot{Version: cacheVersion, Files: map[string]Entry{}}
}

// Load reads the cache file into memory. Corruption, version mismatch, or
// a missing file all degrade to an empty table, never an error.
func (c *Cache) Load() {
	f, err := os.Open(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("cache file unreadable, starting empty", "path", c.path, "error", err)
		}
		c.data = emptySnapshot()
		return
	}
	defer f.Close()

	var snap snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		c.logger.Warn("cache file corrupt, starting empty", "path", c.path, "error", err)
		c.data = emptySnapshot()
		return
	}
	if snap.Version != cacheVersion {
		c.logger.Warn("cache version mismatch, starting empty",
			"path", c.path, "have", snap.Version, "want", cacheVersion)
		c.data = emptySnapshot()
		return
	}
	if snap.Files == nil {
		snap.Files = map[string]Entry{}
	}
	c.data = snap
	c.logger.Info("cache loaded", "path", c.path, "entries", len(snap.Files))
}

// Save serializes the whole table to disk and stamps the last-scan time.
// This is the only write to disk; mutations are in-memory until Save.
func (c *Cache) Save() error {
	c.data.LastScan = time.Now()

	f, err := os.Create(c.path)
	if err != nil {
		return fmt.Errorf("create cache file: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(c.data); err != nil {
		f.Close()
		return fmt.Errorf("encode cache: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close cache file: %w", err)
	}
	c.logger.Info("cache saved", "path", c.path, "entries", len(c.data.Files))
	return nil
}

// GetAll returns the live in-memory table. Callers must treat it as
// read-only.
func (c *Cache) GetAll() map[string]Entry {
	return c.data.Files
}

// Get returns the cached entry for path, if any.
func (c *Cache) Get(path string) (Entry, bool) {
	e, ok := c.data.Files[path]
	return e, ok
}

// IsChanged recomputes the on-disk fingerprint for path and compares it to
// the cached one. A missing entry or a stat failure both report true so
// the caller re-evaluates the file.
func (c *Cache) IsChanged(path string) bool {
	current, err := Fingerprint(path)
	if err != nil {
		return true
	}
	e, ok := c.data.Files[path]
	if !ok {
		return true
	}
	return current != e.Fingerprint
}

// Update recomputes the fingerprint from the live file and stores meta
// under it. The entry is stamped with the current time.
func (c *Cache) Update(path string, meta FileMeta) error {
	fp, err := Fingerprint(path)
	if err != nil {
		return fmt.Errorf("fingerprint %s: %w", path, err)
	}
	c.data.Files[path] = Entry{
		FileMeta:    meta,
		Fingerprint: fp,
		CachedAt:    time.Now(),
	}
	return nil
}

// Remove deletes the entry for path, if present.
func (c *Cache) Remove(path string) {
	delete(c.data.Files, path)
}

// Clear empties the table and persists immediately.
func (c *Cache) Clear() error {
	c.data = emptySnapshot()
	return c.Save()
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	return len(c.data.Files)
}

// LastScan reports the timestamp stamped by the most recent Save.
func (c *Cache) LastScan() time.Time {
	return c.data.LastScan
}

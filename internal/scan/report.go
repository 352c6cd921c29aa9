package scan

import (
	"time"

	"doctracker/internal/cache"
)

// FileError records a per-file soft failure during a pass. The walk
// continues past these.
type FileError struct {
	Path string
	Err  string
}

// Stats are aggregate counters for one reconciliation pass.
type Stats struct {
	Visited      uint32 // walk callbacks, files and dirs
	Matched      uint32 // files passing the extension allow-list
	Failed       uint32 // per-file stat/walk failures
	LedgerErrors uint32 // ledger upserts that could not be committed
}

// Report is the 4-way partition produced by one reconciliation pass.
type Report struct {
	New       []cache.FileMeta
	Updated   []cache.FileMeta
	Unchanged []cache.FileMeta
	Deleted   []string
	Errors    []FileError
	Stats     Stats
	ScanTime  time.Time
}

// Total counts the files still present on disk after the pass.
func (r *Report) Total() int {
	return len(r.New) + len(r.Updated) + len(r.Unchanged)
}

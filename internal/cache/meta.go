package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"doctracker/constants"
)

// FileMeta is the metadata record for a single on-disk file. Extra carries
// caller-specific annotations (category, tags, notes) without widening the
// struct.
type FileMeta struct {
	Name       string
	Path       string
	SizeMB     float64
	Extension  string
	CreatedAt  time.Time
	ModifiedAt time.Time
	AccessedAt time.Time
	Status     constants.VersionStatus
	Extra      map[string]string
}

// Entry is a cached FileMeta plus the fingerprint it was recorded under.
type Entry struct {
	FileMeta
	Fingerprint string
	CachedAt    time.Time
}

// NewFileMeta builds a FileMeta from a stat result. Creation and access
// times come from the platform stat where available, falling back to the
// modification time.
func NewFileMeta(path string, info fs.FileInfo) FileMeta {
	created, accessed := statTimes(info)
	return FileMeta{
		Name:       filepath.Base(path),
		Path:       path,
		SizeMB:     sizeMB(info.Size()),
		Extension:  constants.NormalizeExt(filepath.Ext(path)),
		CreatedAt:  created,
		ModifiedAt: info.ModTime(),
		AccessedAt: accessed,
		Status:     constants.VersionStatusNew,
	}
}

// FingerprintInfo computes the fingerprint for path from an already-held
// stat result. The digest covers (mtime, size, path) only; file contents
// are never read.
func FingerprintInfo(path string, info fs.FileInfo) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d_%d_%s", info.ModTime().UnixNano(), info.Size(), path)))
	return hex.EncodeToString(sum[:])
}

// Fingerprint stats path and computes its fingerprint.
func Fingerprint(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return FingerprintInfo(path, info), nil
}

func sizeMB(bytes int64) float64 {
	return float64(bytes) / (1024 * 1024)
}

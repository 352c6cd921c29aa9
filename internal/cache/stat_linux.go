//go:build linux

package cache

import (
	"io/fs"
	"syscall"
	"time"
)

// statTimes extracts change and access times from the underlying stat
// structure. Linux exposes no true birth time through syscall.Stat_t, so
// Ctim stands in for creation.
func statTimes(info fs.FileInfo) (created, accessed time.Time) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime(), info.ModTime()
	}
	created = time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
	accessed = time.Unix(st.Atim.Sec, st.Atim.Nsec)
	return created, accessed
}

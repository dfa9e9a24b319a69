//go:build unix

package scanner

import (
	"io/fs"
	"syscall"
)

func inodeOf(info fs.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}

func mtimeNsOf(info fs.FileInfo) int64 {
	return info.ModTime().UnixNano()
}

//go:build !unix

package scanner

import "io/fs"

func inodeOf(fs.FileInfo) uint64 { return 0 }

func mtimeNsOf(info fs.FileInfo) int64 {
	return info.ModTime().UnixNano()
}

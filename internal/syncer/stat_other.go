//go:build !unix

package syncer

import "io/fs"

func inodeOf(fs.FileInfo) uint64 { return 0 }

// POSIX mode bits are 0 on non-POSIX hosts.
func fileMode(fs.FileInfo) uint32 { return 0 }

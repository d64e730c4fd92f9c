//go:build linux

package monitor

import "golang.org/x/sys/unix"

// diskUsage reports total and free bytes for the filesystem holding path.
func diskUsage(path string) (total, free uint64) {
	if path == "" {
		path = "."
	}
	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return 0, 0
	}
	bsize := uint64(fs.Bsize)
	return fs.Blocks * bsize, fs.Bavail * bsize
}

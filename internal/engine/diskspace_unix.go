//go:build !windows

package engine

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// freeSpace reports the free bytes available to the process on the
// volume holding path. The value is a snapshot; no space is reserved.
func freeSpace(path string) (int64, error) {
	probe := existingAncestor(path)
	var st unix.Statfs_t
	if err := unix.Statfs(probe, &st); err != nil {
		return 0, errors.Wrapf(err, "statfs %s", probe)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

// existingAncestor walks up until it finds a path that exists, so a
// fresh install into a not-yet-created directory still resolves the
// right volume.
func existingAncestor(path string) string {
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}

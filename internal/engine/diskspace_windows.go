//go:build windows

package engine

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// freeSpace reports the free bytes available to the process on the
// volume holding path. The value is a snapshot; no space is reserved.
func freeSpace(path string) (int64, error) {
	probe := existingAncestor(path)
	p, err := windows.UTF16PtrFromString(probe)
	if err != nil {
		return 0, errors.Wrapf(err, "encode path %s", probe)
	}
	var freeToCaller, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &freeToCaller, &total, &totalFree); err != nil {
		return 0, errors.Wrapf(err, "query free space of %s", probe)
	}
	return int64(freeToCaller), nil
}

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

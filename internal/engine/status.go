package engine

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// PredownloadStatus is persisted next to the chunk store so a later
// update can tell whether a predownload staged this tag completely.
type PredownloadStatus struct {
	Tag         string `json:"Tag"`
	Finished    bool   `json:"Finished"`
	TotalBlocks int    `json:"TotalBlocks"`
}

// WritePredownloadStatus persists the status file, creating its
// directory when needed.
func WritePredownloadStatus(path string, st PredownloadStatus) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create status directory")
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "encode predownload status")
	}
	return errors.Wrapf(os.WriteFile(path, raw, 0o644), "write %s", path)
}

// ReadPredownloadStatus loads the status file.
func ReadPredownloadStatus(path string) (PredownloadStatus, error) {
	var st PredownloadStatus
	raw, err := os.ReadFile(path)
	if err != nil {
		return st, errors.Wrapf(err, "read %s", path)
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, errors.Wrapf(err, "decode %s", path)
	}
	return st, nil
}

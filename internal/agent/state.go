// internal/agent/state.go
package agent

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ReadOffset reads the last shipped byte offset from file.
// ok is false if the file doesn't exist or is corrupt.
func ReadOffset(path string) (offset int64, ok bool, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	offset, err = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || offset < 0 {
		// Corrupt file - caller starts at the end of the log
		return 0, false, nil
	}

	return offset, true, nil
}

// WriteOffset writes the offset to the state file via a temp file rename.
// Creates parent directories if needed.
func WriteOffset(path string, offset int64) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(offset, 10)), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

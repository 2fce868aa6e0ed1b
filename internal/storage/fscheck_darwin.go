//go:build darwin

package storage

import (
	"fmt"
	"strings"
	"syscall"
)

// detectFilesystemType returns the f_fstypename statfs reports, e.g. "apfs"
// or "smbfs".
func detectFilesystemType(path string) (string, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}
	var b strings.Builder
	for _, c := range st.Fstypename {
		if c == 0 {
			break
		}
		b.WriteByte(byte(c))
	}
	return b.String(), nil
}

//go:build linux || darwin

package health

import (
	"errors"

	"golang.org/x/sys/unix"
)

// diskUtilisation reports used space the way df does: used / (used + avail).
func diskUtilisation(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	used := uint64(st.Blocks) - uint64(st.Bfree)
	usable := used + uint64(st.Bavail)
	if usable == 0 {
		return 0, errors.New("filesystem reports no blocks")
	}
	return float64(used) / float64(usable) * 100, nil
}

package alloc

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/jacktea/chunkvault/pkg/xerrors"
)

// AvailableSpace reports the bytes available to unprivileged users on the
// filesystem that holds path.
func AvailableSpace(path string) (uint64, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return 0, xerrors.Wrap(xerrors.KindInternal, "alloc.AvailableSpace", path, err)
	}
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, xerrors.Wrap(xerrors.KindInternal, "alloc.AvailableSpace", path, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

// FillBudget returns the byte budget F = available space * threshold.
func FillBudget(path string, threshold float64) (float64, error) {
	if threshold <= 0 || threshold > 1 {
		return 0, xerrors.E(xerrors.KindInvalidBudget, "alloc.FillBudget", fmt.Sprintf("threshold %v", threshold))
	}
	avail, err := AvailableSpace(path)
	if err != nil {
		return 0, err
	}
	budget := float64(avail) * threshold
	if budget <= 0 {
		return 0, xerrors.E(xerrors.KindInvalidBudget, "alloc.FillBudget", path)
	}
	return budget, nil
}

package utils

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// CheckDiskSpace verifies the filesystem holding path has room for required
// bytes plus a small safety margin. A zero or negative required size skips
// the check (size unknown until the transfer starts).
func CheckDiskSpace(path string, required int64) error {
	if required <= 0 {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" {
		dir = "."
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	probe := dir
	for {
		if _, err := os.Stat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	usage, err := disk.Usage(probe)
	if err != nil {
		return fmt.Errorf("error checking disk usage for %s: %v", probe, err)
	}
	const margin = 64 * 1024 * 1024
	if usage.Free < uint64(required)+margin {
		return fmt.Errorf("insufficient disk space: need %s, %s free on %s",
			FormatBytes(uint64(required)), FormatBytes(usage.Free), probe)
	}
	return nil
}

// FreeDiskSpace reports free bytes on the filesystem holding path.
func FreeDiskSpace(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

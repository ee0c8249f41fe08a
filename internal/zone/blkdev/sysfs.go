// Package blkdev drives a Linux host-managed zoned block device through
// the blkzoned ioctl interface and direct-I/O file handles. It implements
// the access layer the zone engine is written against.
package blkdev

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"zonestore/internal/zone"
)

// sysfsRoot is the sysfs directory holding the block devices. The probe
// functions take the root as a parameter, so tests pass a fake tree.
const sysfsRoot = "/sys/block"

// requiredScheduler is the only I/O scheduler the write path is safe
// with: it preserves submission order for sequential-write-required
// zones.
const requiredScheduler = "mq-deadline"

// checkScheduler verifies the block device's active I/O scheduler.
// The active scheduler is the bracketed entry on the first line of
// <root>/<name>/queue/scheduler.
func checkScheduler(root, name string) error {
	path := filepath.Join(root, name, "queue", "scheduler")
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", zone.ErrInvalidArgument, path, err)
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("%w: read %s: %v", zone.ErrInvalidArgument, path, err)
	}
	if !strings.Contains(line, "["+requiredScheduler+"]") {
		return fmt.Errorf("%w: scheduler for %s is not %s, set it via %s",
			zone.ErrInvalidArgument, name, requiredScheduler, path)
	}
	return nil
}

// checkZonedModel verifies the device is host-managed. Host-aware and
// unzoned devices accept out-of-order writes and are not supported.
func checkZonedModel(root, name string) error {
	path := filepath.Join(root, name, "queue", "zoned")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", zone.ErrNotSupported, path, err)
	}
	model := strings.TrimSpace(string(data))
	if model != "host-managed" {
		return fmt.Errorf("%w: %s is %s, not a host-managed block device",
			zone.ErrNotSupported, name, model)
	}
	return nil
}

// queueAttr reads a numeric attribute from <root>/<name>/queue.
func queueAttr(root, name, attr string) (uint64, error) {
	path := filepath.Join(root, name, "queue", attr)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}

// queueAttrDefault reads a numeric queue attribute, returning def when
// the attribute does not exist (older kernels do not expose the zone
// limits).
func queueAttrDefault(root, name, attr string, def uint64) uint64 {
	v, err := queueAttr(root, name, attr)
	if err != nil {
		return def
	}
	return v
}

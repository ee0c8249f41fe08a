package blkdev

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"zonestore/internal/zone"
)

// writeQueueAttr builds <root>/<name>/queue/<attr> with the given content.
func writeQueueAttr(t *testing.T, root, name, attr, content string) {
	t.Helper()
	dir := filepath.Join(root, name, "queue")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, attr), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", attr, err)
	}
}

func TestCheckScheduler(t *testing.T) {
	cases := []struct {
		name    string
		content string
		ok      bool
	}{
		{"active", "[mq-deadline] kyber bfq none\n", true},
		{"active-last", "none kyber [mq-deadline]\n", true},
		{"inactive", "mq-deadline kyber [none]\n", false},
		{"missing", "[none]\n", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root := t.TempDir()
			writeQueueAttr(t, root, "nvme0n1", "scheduler", tc.content)
			err := checkScheduler(root, "nvme0n1")
			if tc.ok && err != nil {
				t.Fatalf("scheduler %q rejected: %v", tc.content, err)
			}
			if !tc.ok && !errors.Is(err, zone.ErrInvalidArgument) {
				t.Fatalf("scheduler %q: %v, want ErrInvalidArgument", tc.content, err)
			}
		})
	}
}

func TestCheckSchedulerMissingDevice(t *testing.T) {
	err := checkScheduler(t.TempDir(), "nvme9n9")
	if !errors.Is(err, zone.ErrInvalidArgument) {
		t.Fatalf("missing device: %v, want ErrInvalidArgument", err)
	}
}

func TestCheckZonedModel(t *testing.T) {
	cases := []struct {
		model string
		ok    bool
	}{
		{"host-managed\n", true},
		{"host-aware\n", false},
		{"none\n", false},
	}
	for _, tc := range cases {
		root := t.TempDir()
		writeQueueAttr(t, root, "nvme0n1", "zoned", tc.model)
		err := checkZonedModel(root, "nvme0n1")
		if tc.ok && err != nil {
			t.Fatalf("model %q rejected: %v", tc.model, err)
		}
		if !tc.ok && !errors.Is(err, zone.ErrNotSupported) {
			t.Fatalf("model %q: %v, want ErrNotSupported", tc.model, err)
		}
	}
}

func TestQueueAttr(t *testing.T) {
	root := t.TempDir()
	writeQueueAttr(t, root, "nvme0n1", "physical_block_size", "4096\n")

	v, err := queueAttr(root, "nvme0n1", "physical_block_size")
	if err != nil {
		t.Fatalf("queue attr: %v", err)
	}
	if v != 4096 {
		t.Fatalf("physical_block_size = %d, want 4096", v)
	}

	if got := queueAttrDefault(root, "nvme0n1", "max_active_zones", 0); got != 0 {
		t.Fatalf("missing attr default = %d, want 0", got)
	}
	writeQueueAttr(t, root, "nvme0n1", "max_active_zones", "14\n")
	if got := queueAttrDefault(root, "nvme0n1", "max_active_zones", 0); got != 14 {
		t.Fatalf("max_active_zones = %d, want 14", got)
	}
}

package xdpio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// NICRxQueueCount reports how many RX queues iface actually exposes,
// by counting the rx-* entries the kernel publishes under
// /sys/class/net/<iface>/queues/. Interfaces that don't expose
// per-queue sysfs entries (e.g. most virtual links) report a single
// queue.
func NICRxQueueCount(iface string) (int, error) {
	dir := filepath.Join("/sys/class/net", iface, "queues")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("xdpio: read %s: %w", dir, err)
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "rx-") {
			n++
		}
	}
	if n == 0 {
		return 1, nil
	}
	return n, nil
}

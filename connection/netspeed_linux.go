//go:build linux

package connection

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const sysfsNetPath = "/sys/class/net"

// slowestInterfaceSpeed returns the speed in bits per second of the slowest network
// interface that is up or dormant, or 0 if no interface reports a speed.
func slowestInterfaceSpeed() int64 {
	return slowestInterfaceSpeedIn(sysfsNetPath)
}

func slowestInterfaceSpeedIn(root string) int64 {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0
	}

	var slowest int64
	for _, entry := range entries {
		dir := filepath.Join(root, entry.Name())

		state, err := os.ReadFile(filepath.Join(dir, "operstate"))
		if err != nil {
			continue
		}
		switch strings.TrimSpace(string(state)) {
		case "up", "dormant":
		default:
			continue
		}

		// virtual interfaces fail to report a speed:
		raw, err := os.ReadFile(filepath.Join(dir, "speed"))
		if err != nil {
			continue
		}
		mbps, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil || mbps <= 0 {
			continue
		}

		bps := mbps * 1_000_000
		if slowest == 0 || bps < slowest {
			slowest = bps
		}
	}

	return slowest
}

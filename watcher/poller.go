// Package watcher reports serial devices arriving and departing. Each Watcher feeds a
// peripheral.Sink; which one runs is chosen at startup.
package watcher

import (
	"context"
	"log"
	"sort"
	"time"

	"ltoflash/connection"
	"ltoflash/peripheral"

	"go.bug.st/serial"
)

// Keys added to the device-change payload by PortPoller.
const (
	KeyVID          = "VID"
	KeyPID          = "PID"
	DefaultInterval = 2 * time.Second
)

// PortPoller periodically enumerates USB serial ports with a matching vendor and
// product id and reports the differences.
type PortPoller struct {
	VID      string
	PID      string
	Interval time.Duration

	detect func(vid, pid string) ([]string, error)
	list   func() ([]string, error)

	known map[string]bool
}

func NewPortPoller(vid, pid string, interval time.Duration) *PortPoller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &PortPoller{
		VID:      vid,
		PID:      pid,
		Interval: interval,
		detect:   connection.DetectPorts,
		list:     serial.GetPortsList,
		known:    make(map[string]bool),
	}
}

func (p *PortPoller) Watch(ctx context.Context, sink peripheral.Sink) error {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		p.poll(sink)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *PortPoller) poll(sink peripheral.Sink) {
	names, err := p.detect(p.VID, p.PID)
	if err != nil {
		log.Printf("watcher: %v\n", err)
		return
	}

	present := make(map[string]bool, len(names))
	for _, name := range names {
		present[name] = true
	}

	extra := map[string]any{KeyVID: p.VID, KeyPID: p.PID}
	for _, name := range sortedNames(present) {
		if p.known[name] {
			continue
		}
		p.known[name] = true
		sink.DeviceAdded(peripheral.NewSystemDeviceChange(name, connection.Serial, true, extra))
	}
	for _, name := range sortedNames(p.known) {
		if present[name] {
			continue
		}
		delete(p.known, name)
		sink.DeviceRemoved(peripheral.NewSystemDeviceChange(name, connection.Serial, false, extra))
	}

	// forget ports that vanished while held open:
	all, err := p.list()
	if err != nil {
		log.Printf("watcher: %v\n", err)
		return
	}
	if dropped := connection.ReconcilePorts(all); len(dropped) > 0 {
		log.Printf("watcher: released stale ports %v\n", dropped)
	}
}

func sortedNames(m map[string]bool) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

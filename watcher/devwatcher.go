package watcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"ltoflash/connection"
	"ltoflash/peripheral"

	"github.com/fsnotify/fsnotify"
)

// DefaultPatterns match the device nodes USB serial adapters get on Linux and macOS.
var DefaultPatterns = []string{"ttyUSB*", "ttyACM*", "cu.usbserial*", "cu.usbmodem*"}

// DevWatcher watches a device directory for serial device nodes.
type DevWatcher struct {
	Dir      string
	Patterns []string
}

func NewDevWatcher(dir string, patterns ...string) *DevWatcher {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	return &DevWatcher{Dir: dir, Patterns: patterns}
}

func (w *DevWatcher) matches(name string) bool {
	base := filepath.Base(name)
	for _, pattern := range w.Patterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// Watch reports the nodes already present, then every node created or removed.
func (w *DevWatcher) Watch(ctx context.Context, sink peripheral.Sink) (err error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	defer fw.Close()

	if err = fw.Add(w.Dir); err != nil {
		return fmt.Errorf("watcher: %s: %w", w.Dir, err)
	}

	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	var existing []string
	for _, e := range entries {
		if w.matches(e.Name()) {
			existing = append(existing, filepath.Join(w.Dir, e.Name()))
		}
	}
	sort.Strings(existing)
	for _, name := range existing {
		sink.DeviceAdded(peripheral.NewSystemDeviceChange(name, connection.Serial, true, nil))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.matches(ev.Name) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create):
				sink.DeviceAdded(peripheral.NewSystemDeviceChange(ev.Name, connection.Serial, true, nil))
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				sink.DeviceRemoved(peripheral.NewSystemDeviceChange(ev.Name, connection.Serial, false, nil))
			}

		case werr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("watcher: %s: %v\n", w.Dir, werr)
		}
	}
}

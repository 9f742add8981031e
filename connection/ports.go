package connection

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// portRegistry counts the open connections per port name.
type portRegistry struct {
	mu   sync.Mutex
	refs map[string]int
}

var inUse = &portRegistry{refs: make(map[string]int)}

func (r *portRegistry) acquire(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[name]++
	return r.refs[name]
}

func (r *portRegistry) release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.refs[name]
	if !ok {
		return
	}
	if n <= 1 {
		delete(r.refs, name)
		return
	}
	r.refs[name] = n - 1
}

func (r *portRegistry) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.refs[name]
	return ok
}

func (r *portRegistry) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]string, 0, len(r.refs))
	for name := range r.refs {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}

// PortsInUse returns the sorted names of serial ports held open by this process.
func PortsInUse() []string {
	return inUse.names()
}

// ReconcilePorts drops registry entries for ports that are no longer present on the
// system and returns the names that were dropped.
func ReconcilePorts(present []string) (dropped []string) {
	keep := make(map[string]struct{}, len(present))
	for _, name := range present {
		keep[name] = struct{}{}
	}

	inUse.mu.Lock()
	defer inUse.mu.Unlock()
	for name := range inUse.refs {
		if _, ok := keep[name]; ok {
			continue
		}
		delete(inUse.refs, name)
		dropped = append(dropped, name)
	}
	sort.Strings(dropped)
	return
}

// listPorts is replaced in tests.
var listPorts = serial.GetPortsList

// AvailablePorts lists serial ports that are not in use.
func AvailablePorts() ([]string, error) {
	return GetAvailablePorts(nil)
}

// GetAvailablePorts lists serial ports that are not in use and for which filter
// returns true. The connections handed to filter are never opened.
func GetAvailablePorts(filter func(c *SerialConnection) bool) ([]string, error) {
	names, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("connection: could not list serial ports: %w", err)
	}

	ports := make([]string, 0, len(names))
	for _, name := range names {
		if inUse.has(name) {
			continue
		}
		if filter != nil && !filter(NewSerialConnection(name)) {
			continue
		}
		ports = append(ports, name)
	}
	return ports, nil
}

// detailedPorts is replaced in tests.
var detailedPorts = enumerator.GetDetailedPortsList

// DetectPorts returns the USB serial ports whose vendor and product ids match.
// Empty vid or pid match any value.
func DetectPorts(vid, pid string) (names []string, err error) {
	var ports []*enumerator.PortDetails
	ports, err = detailedPorts()
	if err != nil {
		return nil, fmt.Errorf("connection: could not enumerate serial ports: %w", err)
	}

	for _, port := range ports {
		if !port.IsUSB {
			continue
		}
		if vid != "" && !strings.EqualFold(port.VID, vid) {
			continue
		}
		if pid != "" && !strings.EqualFold(port.PID, pid) {
			continue
		}
		names = append(names, port.Name)
	}
	return
}

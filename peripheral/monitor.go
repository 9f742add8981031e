package peripheral

import (
	"context"
	"io"
	"log"

	"ltoflash/connection"
)

// Observer is notified on the dispatcher goroutine as peripherals come and go.
type Observer interface {
	PeripheralAdded(p Peripheral)
	PeripheralRemoved(p Peripheral)
}

// ObserverFuncs adapts a pair of functions to an Observer; either may be nil.
type ObserverFuncs struct {
	Added   func(p Peripheral)
	Removed func(p Peripheral)
}

func (o ObserverFuncs) PeripheralAdded(p Peripheral) {
	if o.Added != nil {
		o.Added(p)
	}
}

func (o ObserverFuncs) PeripheralRemoved(p Peripheral) {
	if o.Removed != nil {
		o.Removed(p)
	}
}

// Monitor tracks the peripherals created from device changes. All of its state is
// owned by its Dispatcher; methods other than DeviceAdded and DeviceRemoved wait
// for the dispatcher and must not be called from an Observer.
type Monitor struct {
	d *Dispatcher

	options       map[connection.Type]connection.Options
	newConnection func(t connection.Type, name string) (connection.StreamConnection, error)

	factories   []PeripheralFactory
	peripherals []Peripheral
	observers   []Observer
}

// NewMonitor creates a monitor; options configure every connection it creates.
func NewMonitor(options map[connection.Type]connection.Options) *Monitor {
	return &Monitor{
		d:             NewDispatcher(),
		options:       options,
		newConnection: connection.New,
	}
}

func (m *Monitor) Dispatcher() *Dispatcher { return m.d }

// RegisterPeripheralFactory adds f and reports whether it was not yet registered.
func (m *Monitor) RegisterPeripheralFactory(f PeripheralFactory) (added bool) {
	m.d.Invoke(func() {
		for _, have := range m.factories {
			if have == f {
				return
			}
		}
		m.factories = append(m.factories, f)
		added = true
	})
	return
}

// UnregisterPeripheralFactory removes f and reports whether it was registered.
func (m *Monitor) UnregisterPeripheralFactory(f PeripheralFactory) (removed bool) {
	m.d.Invoke(func() {
		for i, have := range m.factories {
			if have == f {
				m.factories = append(m.factories[:i:i], m.factories[i+1:]...)
				removed = true
				return
			}
		}
	})
	return
}

func (m *Monitor) AddObserver(o Observer) {
	m.d.Invoke(func() {
		m.observers = append(m.observers, o)
	})
}

// Peripherals returns the tracked peripherals after every change posted so far.
func (m *Monitor) Peripherals() (list []Peripheral) {
	m.d.Invoke(func() {
		list = append(list, m.peripherals...)
	})
	return
}

func (m *Monitor) DeviceAdded(change DeviceChange) {
	m.d.Post(func() { m.deviceAdded(change) })
}

func (m *Monitor) DeviceRemoved(change DeviceChange) {
	m.d.Post(func() { m.deviceRemoved(change) })
}

// Run feeds the changes w reports into the monitor until ctx is done.
func (m *Monitor) Run(ctx context.Context, w Watcher) error {
	return w.Watch(ctx, m)
}

// Close removes every peripheral, closing each, and stops the dispatcher.
func (m *Monitor) Close() error {
	m.d.Invoke(func() {
		for len(m.peripherals) > 0 {
			p := m.peripherals[len(m.peripherals)-1]
			m.peripherals = m.peripherals[:len(m.peripherals)-1]
			m.release(p)
		}
	})
	m.d.Close()
	return nil
}

func (m *Monitor) deviceAdded(change DeviceChange) {
	if change.Type != connection.Serial && change.Type != connection.NamedPipe {
		log.Printf("monitor: ignoring %s of type %v\n", change.Name, change.Type)
		return
	}
	if m.tracks(change.Name) {
		log.Printf("monitor: %s is already attached\n", change.Name)
		return
	}
	if len(m.factories) == 0 {
		return
	}

	conn, err := m.newConnection(change.Type, change.Name)
	if err != nil {
		log.Printf("monitor: %s: %v\n", change.Name, err)
		return
	}
	if opts := m.options[change.Type]; opts != nil {
		if err = conn.Configure(opts); err != nil {
			log.Printf("monitor: %s: %v\n", change.Name, err)
			return
		}
	}

	for _, f := range m.factories {
		p := f.Create(conn, change.Data)
		if p == nil {
			continue
		}
		log.Printf("monitor: %s: attached %s\n", change.Name, p.Name())
		m.peripherals = append(m.peripherals, p)
		for _, o := range m.observers {
			o.PeripheralAdded(p)
		}
	}
}

func (m *Monitor) deviceRemoved(change DeviceChange) {
	kept := m.peripherals[:0]
	var removed []Peripheral
	for _, p := range m.peripherals {
		if usesConnection(p, change.Name) {
			removed = append(removed, p)
		} else {
			kept = append(kept, p)
		}
	}
	for i := len(kept); i < len(m.peripherals); i++ {
		m.peripherals[i] = nil
	}
	m.peripherals = kept

	for _, p := range removed {
		log.Printf("monitor: %s: detached %s\n", change.Name, p.Name())
		m.release(p)
	}
}

func (m *Monitor) release(p Peripheral) {
	if c, ok := p.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Printf("monitor: %s: close: %v\n", p.Name(), err)
		}
	}
	for _, o := range m.observers {
		o.PeripheralRemoved(p)
	}
}

func (m *Monitor) tracks(name string) bool {
	for _, p := range m.peripherals {
		if usesConnection(p, name) {
			return true
		}
	}
	return false
}

func usesConnection(p Peripheral, name string) bool {
	for _, c := range p.Connections() {
		if c.Name() == name {
			return true
		}
	}
	return false
}

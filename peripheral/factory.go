package peripheral

import (
	"fmt"
	"sort"
	"sync"

	"ltoflash/connection"
)

// PeripheralFactory recognizes connections belonging to one kind of peripheral.
// Create returns nil when the connection is not for this factory.
type PeripheralFactory interface {
	Name() string
	Create(conn connection.Connection, configData map[string]any) Peripheral
}

type funcFactory struct {
	name string
	fn   func(conn connection.Connection, configData map[string]any) Peripheral
}

// NewFactory adapts fn to a PeripheralFactory. Each call returns a distinct factory.
func NewFactory(name string, fn func(conn connection.Connection, configData map[string]any) Peripheral) PeripheralFactory {
	return &funcFactory{name: name, fn: fn}
}

func (f *funcFactory) Name() string { return f.name }

func (f *funcFactory) Create(conn connection.Connection, configData map[string]any) Peripheral {
	return f.fn(conn, configData)
}

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]PeripheralFactory)
)

// Register makes a factory available by its name.
// If Register is called twice with the same name or if factory is nil,
// it panics.
func Register(factory PeripheralFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if factory == nil {
		panic("peripheral: Register factory is nil")
	}
	name := factory.Name()
	if _, dup := factories[name]; dup {
		panic("peripheral: Register called twice for factory " + name)
	}
	factories[name] = factory
}

func unregisterAllFactories() {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	// For tests.
	factories = make(map[string]PeripheralFactory)
}

// Factories returns a sorted list of the names of the registered factories.
func Factories() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	list := make([]string, 0, len(factories))
	for name := range factories {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}

func LookupFactory(name string) (PeripheralFactory, error) {
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("peripheral: unknown factory %q (forgotten import?)", name)
	}
	return f, nil
}

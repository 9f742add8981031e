// Package peripheral turns device arrival and departure events into Peripheral
// instances by way of registered factories.
package peripheral

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ltoflash/connection"
)

// Peripheral is a logical device reachable over one or more connections.
type Peripheral interface {
	Name() string
	Connections() []connection.Connection
	ConfigurableFeatures() []ConfigurableFeature
}

// FeatureSource tells where the authoritative value of a feature lives.
type FeatureSource int

const (
	InMemory FeatureSource = iota
	OnHardware
)

func (s FeatureSource) String() string {
	if s == OnHardware {
		return "hardware"
	}
	return "memory"
}

var ErrFeatureType = errors.New("peripheral: wrong value type for feature")

// ConfigurableFeature is a named, typed setting of a peripheral.
type ConfigurableFeature interface {
	Name() string
	Source() FeatureSource
	Value() any
	// SetValue validates v and, for hardware features, writes it to the device.
	SetValue(ctx context.Context, v any) error
}

// Feature is a ConfigurableFeature holding a T. apply, if set, runs before the new
// value is stored; a failing apply leaves the old value in place.
type Feature[T any] struct {
	name   string
	source FeatureSource

	mu       sync.Mutex
	value    T
	validate func(T) error
	apply    func(ctx context.Context, v T) error
}

func NewFeature[T any](name string, source FeatureSource, initial T) *Feature[T] {
	return &Feature[T]{name: name, source: source, value: initial}
}

// WithValidator installs a check run on every Set.
func (f *Feature[T]) WithValidator(validate func(T) error) *Feature[T] {
	f.validate = validate
	return f
}

// WithApply installs the function that pushes a new value to its master copy.
func (f *Feature[T]) WithApply(apply func(ctx context.Context, v T) error) *Feature[T] {
	f.apply = apply
	return f
}

func (f *Feature[T]) Name() string          { return f.name }
func (f *Feature[T]) Source() FeatureSource { return f.source }
func (f *Feature[T]) Value() any            { return f.Get() }

func (f *Feature[T]) Get() T {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

func (f *Feature[T]) SetValue(ctx context.Context, v any) error {
	t, ok := v.(T)
	if !ok {
		return fmt.Errorf("%w %s: %T", ErrFeatureType, f.name, v)
	}
	return f.Set(ctx, t)
}

func (f *Feature[T]) Set(ctx context.Context, v T) (err error) {
	if f.validate != nil {
		if err = f.validate(v); err != nil {
			return
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.apply != nil {
		if err = f.apply(ctx, v); err != nil {
			return
		}
	}
	f.value = v
	return
}

// Load replaces the stored value without validating or applying it, for values
// read back from the master copy.
func (f *Feature[T]) Load(v T) {
	f.mu.Lock()
	f.value = v
	f.mu.Unlock()
}

// FindFeature returns the feature of p with the given name.
func FindFeature(p Peripheral, name string) (ConfigurableFeature, bool) {
	for _, f := range p.ConfigurableFeatures() {
		if f.Name() == name {
			return f, true
		}
	}
	return nil, false
}

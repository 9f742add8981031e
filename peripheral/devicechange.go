package peripheral

import (
	"context"
	"errors"
	"fmt"

	"ltoflash/connection"
)

// Keys of a device-change payload.
const (
	KeyName           = "Name"
	KeyConnectionType = "ConnectionType"
	// KeyArrived and KeyDeparted mark events that came from the operating system.
	// Their value is always 0.
	KeyArrived  = "Arrived"
	KeyDeparted = "Departed"
)

var ErrInvalidDeviceChange = errors.New("peripheral: invalid device change")

// DeviceChange describes one device arriving or departing.
type DeviceChange struct {
	Name string
	Type connection.Type
	// System is true when the platform reported the change, false when the
	// application synthesized it.
	System bool
	// Data is the whole payload; it is handed to factories as their config data.
	Data map[string]any
}

// ParseDeviceChange reads a device-change payload. ConnectionType may be a
// connection.Type or its name and defaults to Serial.
func ParseDeviceChange(data map[string]any) (c DeviceChange, err error) {
	name, ok := data[KeyName].(string)
	if !ok || name == "" {
		err = fmt.Errorf("%w: missing %s", ErrInvalidDeviceChange, KeyName)
		return
	}

	c = DeviceChange{Name: name, Type: connection.Serial, Data: data}
	switch v := data[KeyConnectionType].(type) {
	case nil:
	case connection.Type:
		c.Type = v
	case string:
		if c.Type, err = connection.ParseType(v); err != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidDeviceChange, err)
			return
		}
	default:
		err = fmt.Errorf("%w: %s has type %T", ErrInvalidDeviceChange, KeyConnectionType, v)
		return
	}

	_, arrived := data[KeyArrived]
	_, departed := data[KeyDeparted]
	c.System = arrived || departed
	return
}

// NewDeviceChange builds the payload for an application-synthesized change.
func NewDeviceChange(name string, t connection.Type) DeviceChange {
	return DeviceChange{
		Name: name,
		Type: t,
		Data: map[string]any{KeyName: name, KeyConnectionType: t.String()},
	}
}

// NewSystemDeviceChange builds the payload for a change the platform reported.
func NewSystemDeviceChange(name string, t connection.Type, arrived bool, extra map[string]any) DeviceChange {
	c := NewDeviceChange(name, t)
	for k, v := range extra {
		c.Data[k] = v
	}
	if arrived {
		c.Data[KeyArrived] = 0
	} else {
		c.Data[KeyDeparted] = 0
	}
	c.System = true
	return c
}

// Sink receives device changes.
type Sink interface {
	DeviceAdded(change DeviceChange)
	DeviceRemoved(change DeviceChange)
}

// Watcher reports platform device changes to a Sink until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, sink Sink) error
}

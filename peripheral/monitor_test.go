package peripheral

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"ltoflash/connection"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPeripheral struct {
	name   string
	conn   connection.Connection
	closed atomic.Int32
}

func (p *stubPeripheral) Name() string                                { return p.name }
func (p *stubPeripheral) Connections() []connection.Connection        { return []connection.Connection{p.conn} }
func (p *stubPeripheral) ConfigurableFeatures() []ConfigurableFeature { return nil }
func (p *stubPeripheral) Close() error {
	p.closed.Add(1)
	return nil
}

func stubFactory(name string) PeripheralFactory {
	return NewFactory(name, func(conn connection.Connection, _ map[string]any) Peripheral {
		return &stubPeripheral{name: name, conn: conn}
	})
}

func newTestMonitor(t *testing.T) *Monitor {
	m := NewMonitor(nil)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestRegisterPeripheralFactory(t *testing.T) {
	m := newTestMonitor(t)
	f := stubFactory("a")

	assert.True(t, m.RegisterPeripheralFactory(f))
	assert.False(t, m.RegisterPeripheralFactory(f))
	assert.True(t, m.RegisterPeripheralFactory(stubFactory("a")))

	assert.True(t, m.UnregisterPeripheralFactory(f))
	assert.False(t, m.UnregisterPeripheralFactory(f))
}

func TestReplayAfterRegistering(t *testing.T) {
	m := newTestMonitor(t)
	com7 := NewDeviceChange("COM7", connection.Serial)

	m.DeviceAdded(com7)
	assert.Empty(t, m.Peripherals())

	require.True(t, m.RegisterPeripheralFactory(stubFactory("flash")))
	m.DeviceAdded(com7)

	list := m.Peripherals()
	require.Len(t, list, 1)
	assert.Equal(t, "COM7", list[0].Connections()[0].Name())
	assert.Equal(t, connection.Serial, list[0].Connections()[0].Type())
}

func TestFactoriesRunInRegistrationOrder(t *testing.T) {
	m := newTestMonitor(t)
	m.RegisterPeripheralFactory(stubFactory("first"))
	m.RegisterPeripheralFactory(NewFactory("none", func(connection.Connection, map[string]any) Peripheral { return nil }))
	m.RegisterPeripheralFactory(stubFactory("second"))

	m.DeviceAdded(NewDeviceChange("ltoPipe", connection.NamedPipe))

	list := m.Peripherals()
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].Name())
	assert.Equal(t, "second", list[1].Name())
	assert.Same(t, list[0].Connections()[0], list[1].Connections()[0])
}

func TestUnsupportedConnectionTypeIsIgnored(t *testing.T) {
	m := newTestMonitor(t)
	m.RegisterPeripheralFactory(stubFactory("flash"))

	m.DeviceAdded(NewDeviceChange("card0", connection.MemoryMap))
	m.DeviceAdded(NewDeviceChange("cart", connection.CartridgePort))
	assert.Empty(t, m.Peripherals())
}

func TestDuplicateArrivalIsIgnored(t *testing.T) {
	m := newTestMonitor(t)
	m.RegisterPeripheralFactory(stubFactory("flash"))

	m.DeviceAdded(NewDeviceChange("COM3", connection.Serial))
	m.DeviceAdded(NewSystemDeviceChange("COM3", connection.Serial, true, nil))
	assert.Len(t, m.Peripherals(), 1)
}

func TestDeviceRemoved(t *testing.T) {
	m := newTestMonitor(t)
	m.RegisterPeripheralFactory(stubFactory("flash"))

	var mu sync.Mutex
	var events []string
	m.AddObserver(ObserverFuncs{
		Added: func(p Peripheral) {
			mu.Lock()
			events = append(events, "+"+p.Connections()[0].Name())
			mu.Unlock()
		},
		Removed: func(p Peripheral) {
			mu.Lock()
			events = append(events, "-"+p.Connections()[0].Name())
			mu.Unlock()
		},
	})

	m.DeviceAdded(NewDeviceChange("COM3", connection.Serial))
	m.DeviceAdded(NewDeviceChange("COM4", connection.Serial))
	list := m.Peripherals()
	require.Len(t, list, 2)

	m.DeviceRemoved(NewDeviceChange("COM3", connection.Serial))
	m.DeviceRemoved(NewDeviceChange("COM9", connection.Serial))

	remaining := m.Peripherals()
	require.Len(t, remaining, 1)
	assert.Equal(t, "COM4", remaining[0].Connections()[0].Name())
	assert.Equal(t, int32(1), list[0].(*stubPeripheral).closed.Load())
	assert.Equal(t, int32(0), list[1].(*stubPeripheral).closed.Load())

	mu.Lock()
	assert.Equal(t, []string{"+COM3", "+COM4", "-COM3"}, events)
	mu.Unlock()
}

func TestCloseReleasesPeripherals(t *testing.T) {
	m := NewMonitor(nil)
	m.RegisterPeripheralFactory(stubFactory("flash"))
	m.DeviceAdded(NewDeviceChange("COM3", connection.Serial))
	p := m.Peripherals()[0].(*stubPeripheral)

	require.NoError(t, m.Close())
	assert.Equal(t, int32(1), p.closed.Load())
	assert.False(t, m.Dispatcher().Post(func() {}))
}

func TestMonitorConfiguresConnections(t *testing.T) {
	m := NewMonitor(map[connection.Type]connection.Options{
		connection.Serial: {connection.BaudRateKey: 115200},
	})
	t.Cleanup(func() { m.Close() })
	m.RegisterPeripheralFactory(stubFactory("flash"))

	m.DeviceAdded(NewDeviceChange("COM5", connection.Serial))
	list := m.Peripherals()
	require.Len(t, list, 1)
	sc, ok := list[0].Connections()[0].(*connection.SerialConnection)
	require.True(t, ok)
	assert.Equal(t, 115200, sc.BaudRate())
}

type scriptedWatcher []DeviceChange

func (w scriptedWatcher) Watch(ctx context.Context, sink Sink) error {
	for _, c := range w {
		if c.System && c.Data[KeyDeparted] != nil {
			sink.DeviceRemoved(c)
		} else {
			sink.DeviceAdded(c)
		}
	}
	return context.Canceled
}

func TestRun(t *testing.T) {
	m := newTestMonitor(t)
	m.RegisterPeripheralFactory(stubFactory("flash"))

	w := scriptedWatcher{
		NewSystemDeviceChange("ttyUSB0", connection.Serial, true, nil),
		NewSystemDeviceChange("ttyUSB1", connection.Serial, true, nil),
		NewSystemDeviceChange("ttyUSB0", connection.Serial, false, nil),
	}
	err := m.Run(context.Background(), w)
	assert.True(t, errors.Is(err, context.Canceled))

	list := m.Peripherals()
	require.Len(t, list, 1)
	assert.Equal(t, "ttyUSB1", list[0].Connections()[0].Name())
}

package connection

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

type fakePort struct {
	mode        serial.Mode
	dtr, rts    bool
	readTimeout time.Duration
	input       []byte
	output      []byte
	resets      int
	closed      bool
}

func (p *fakePort) SetMode(mode *serial.Mode) error { p.mode = *mode; return nil }

func (p *fakePort) Read(b []byte) (int, error) {
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	// no data: behave like an elapsed read timeout
	n := copy(b, p.input)
	p.input = p.input[n:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.output = append(p.output, b...)
	return len(b), nil
}

func (p *fakePort) Drain() error                 { return nil }
func (p *fakePort) ResetInputBuffer() error      { p.resets++; p.input = nil; return nil }
func (p *fakePort) ResetOutputBuffer() error     { return nil }
func (p *fakePort) SetDTR(dtr bool) error        { p.dtr = dtr; return nil }
func (p *fakePort) SetRTS(rts bool) error        { p.rts = rts; return nil }
func (p *fakePort) Break(d time.Duration) error  { return nil }
func (p *fakePort) Close() error                 { p.closed = true; return nil }
func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.readTimeout = t
	return nil
}
func (p *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{}, nil
}

func stubOpen(t *testing.T) *fakePort {
	t.Helper()
	port := &fakePort{}
	saved := openPort
	openPort = func(name string, mode *serial.Mode) (serial.Port, error) {
		port.mode = *mode
		return port, nil
	}
	t.Cleanup(func() { openPort = saved })
	return port
}

func TestSerialConfigure(t *testing.T) {
	c := NewSerialConnection("COM1")
	err := c.Configure(Options{
		NameKey:         "COM7",
		BaudRateKey:     115200,
		ReadTimeoutKey:  250,
		WriteTimeoutKey: -1,
		ParityKey:       "Even",
		StopBitsKey:     2,
		HandshakeKey:    "RequestToSend",
	})
	require.NoError(t, err)

	assert.Equal(t, "COM7", c.Name())
	assert.Equal(t, 115200, c.BaudRate())
	assert.Equal(t, 250, c.ReadTimeout())
	assert.Equal(t, -1, c.WriteTimeout())
	assert.Equal(t, HandshakeRequestToSend, c.Handshake())
	assert.Equal(t, serial.EvenParity, c.mode.Parity)
	assert.Equal(t, serial.TwoStopBits, c.mode.StopBits)
}

func TestSerialConfigureRejectsBadOptions(t *testing.T) {
	tests := []Options{
		{BaudRateKey: 0},
		{BaudRateKey: "fast"},
		{ParityKey: 3.5},
		{StopBitsKey: "3"},
		{HandshakeKey: "XOnXOff"},
		{NameKey: 12},
	}
	for _, opts := range tests {
		err := NewSerialConnection("COM1").Configure(opts)
		assert.ErrorIs(t, err, ErrInvalidOption, "options %v", opts)
	}
}

func TestSerialOpenClose(t *testing.T) {
	resetRegistry(t)
	port := stubOpen(t)

	c := NewSerialConnection("COM7")
	require.NoError(t, c.Configure(Options{BaudRateKey: 921600, HandshakeKey: HandshakeRequestToSend}))
	require.NoError(t, c.Open())

	assert.True(t, port.dtr)
	assert.True(t, port.rts)
	assert.Equal(t, 921600, port.mode.BaudRate)
	assert.Equal(t, DefaultReadTimeout*time.Millisecond, port.readTimeout)
	assert.Equal(t, []string{"COM7"}, PortsInUse())

	assert.ErrorIs(t, c.Open(), ErrAlreadyOpen)
	assert.ErrorIs(t, c.Configure(Options{BaudRateKey: 9600}), ErrAlreadyOpen)

	require.NoError(t, c.Close())
	assert.False(t, port.dtr)
	assert.True(t, port.closed)
	assert.Empty(t, PortsInUse())

	// closing twice is a no-op:
	assert.NoError(t, c.Close())
}

func TestSerialOpenFailureReleasesPort(t *testing.T) {
	resetRegistry(t)
	saved := openPort
	openPort = func(name string, mode *serial.Mode) (serial.Port, error) {
		return nil, errors.New("access denied")
	}
	defer func() { openPort = saved }()

	c := NewSerialConnection("COM7")
	assert.Error(t, c.Open())
	assert.Empty(t, PortsInUse())
}

func TestSerialReadWrite(t *testing.T) {
	resetRegistry(t)
	port := stubOpen(t)

	c := NewSerialConnection("COM7")
	_, err := c.ReadStream().Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, c.Open())
	defer c.Close()

	port.input = []byte{0x2A, 0x01}
	buf := make([]byte, 2)
	_, err = io.ReadFull(c.ReadStream(), buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x2A, 0x01}, buf)

	_, err = c.ReadStream().Read(buf)
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = c.WriteStream().Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(port.output))

	port.input = []byte{1, 2, 3}
	require.NoError(t, c.FlushInput())
	assert.Equal(t, 1, port.resets)

	require.NoError(t, c.SetReadTimeout(-1))
	assert.Equal(t, serial.NoTimeout, port.readTimeout)
}

func TestSerialTraceLog(t *testing.T) {
	resetRegistry(t)
	stubOpen(t)

	path := filepath.Join(t.TempDir(), "trace.log")
	c := NewSerialConnection("COM7")
	require.NoError(t, c.EnableLogging(path))
	require.NoError(t, c.Open())
	c.Log("ping")
	require.NoError(t, c.Close())
	c.DisableLogging()
	c.Log("not logged")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "open COM7 session=")
	assert.Contains(t, text, "ping")
	assert.Contains(t, text, "close COM7")
	assert.False(t, strings.Contains(text, "not logged"))
}

func TestSerialEstimate(t *testing.T) {
	c := NewSerialConnection("COM1")
	require.NoError(t, c.Configure(Options{BaudRateKey: 115200}))

	ms, err := c.EstimateDataTransferTime(14400)
	require.NoError(t, err)
	assert.Equal(t, 1000, ms)

	_, err = c.EstimateDataTransferTime(-1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

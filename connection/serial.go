package connection

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.bug.st/serial"
)

const (
	DefaultBaudRate    = 2000000
	DefaultReadTimeout = 1000
)

// openPort is replaced in tests.
var openPort = serial.Open

// SerialConnection is a StreamConnection over a serial port.
type SerialConnection struct {
	name string

	mu          sync.Mutex
	port        serial.Port
	mode        serial.Mode
	handshake   Handshake
	readTimeout int
	session     string

	trace tracer
}

func NewSerialConnection(name string) *SerialConnection {
	return &SerialConnection{
		name: name,
		mode: serial.Mode{
			BaudRate: DefaultBaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		readTimeout: DefaultReadTimeout,
	}
}

func (c *SerialConnection) Name() string { return c.name }
func (c *SerialConnection) Type() Type   { return Serial }

func (c *SerialConnection) BaudRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode.BaudRate
}

func (c *SerialConnection) Handshake() Handshake {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshake
}

func (c *SerialConnection) Configure(options Options) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port != nil {
		return fmt.Errorf("connection: %s: %w", c.name, ErrAlreadyOpen)
	}

	if name, ok, err := options.String(NameKey); err != nil {
		return err
	} else if ok {
		c.name = name
	}
	if baud, ok, err := options.Int(BaudRateKey); err != nil {
		return err
	} else if ok {
		if baud <= 0 {
			return fmt.Errorf("connection: %w: baud rate %d", ErrInvalidOption, baud)
		}
		c.mode.BaudRate = baud
	}
	if ms, ok, err := options.Int(ReadTimeoutKey); err != nil {
		return err
	} else if ok {
		c.readTimeout = ms
	}
	if ms, ok, err := options.Int(WriteTimeoutKey); err != nil {
		return err
	} else if ok && ms >= 0 {
		log.Printf("connection: %s: write timeout of %d ms is not supported by serial ports\n", c.name, ms)
	}
	if p, ok, err := options.parity(ParityKey); err != nil {
		return err
	} else if ok {
		c.mode.Parity = p
	}
	if s, ok, err := options.stopBits(StopBitsKey); err != nil {
		return err
	} else if ok {
		c.mode.StopBits = s
	}
	if h, ok, err := options.handshake(HandshakeKey); err != nil {
		return err
	} else if ok {
		if h == HandshakeXOnXOff || h == HandshakeRequestToSendXOnXOff {
			return fmt.Errorf("connection: %w: handshake %v is not supported", ErrInvalidOption, h)
		}
		c.handshake = h
	}

	return nil
}

func (c *SerialConnection) Open() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port != nil {
		return fmt.Errorf("connection: %s: %w", c.name, ErrAlreadyOpen)
	}

	inUse.acquire(c.name)
	defer func() {
		if err != nil {
			inUse.release(c.name)
		}
	}()

	mode := c.mode
	var f serial.Port
	f, err = openPort(c.name, &mode)
	if err != nil {
		return fmt.Errorf("connection: could not open %s: %w", c.name, err)
	}

	// set DTR:
	if err = f.SetDTR(true); err != nil {
		f.Close()
		return fmt.Errorf("connection: %s: failed to set DTR: %w", c.name, err)
	}
	if c.handshake == HandshakeRequestToSend {
		if err = f.SetRTS(true); err != nil {
			f.Close()
			return fmt.Errorf("connection: %s: failed to set RTS: %w", c.name, err)
		}
	}
	if err = f.SetReadTimeout(readTimeoutDuration(c.readTimeout)); err != nil {
		f.Close()
		return fmt.Errorf("connection: %s: failed to set read timeout: %w", c.name, err)
	}

	c.port = f
	c.session = uuid.NewString()
	c.trace.logf("open %s session=%s baud=%d parity=%d stopbits=%d handshake=%v", c.name, c.session, mode.BaudRate, mode.Parity, mode.StopBits, c.handshake)
	return nil
}

func (c *SerialConnection) Close() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return nil
	}
	defer inUse.release(c.name)

	// Clear DTR (ignore any errors since we're closing):
	_ = c.port.SetDTR(false)

	err = c.port.Close()
	c.port = nil
	c.trace.logf("close %s session=%s", c.name, c.session)
	if err != nil {
		return fmt.Errorf("connection: could not close %s: %w", c.name, err)
	}
	return nil
}

func (c *SerialConnection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port != nil
}

func (c *SerialConnection) current() (serial.Port, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil, fmt.Errorf("connection: %s: %w", c.name, ErrNotOpen)
	}
	return c.port, nil
}

func (c *SerialConnection) ReadStream() io.Reader  { return serialReader{c} }
func (c *SerialConnection) WriteStream() io.Writer { return serialWriter{c} }

func (c *SerialConnection) ReadTimeout() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readTimeout
}

// WriteTimeout is always -1; serial writes block until the driver accepts the data.
func (c *SerialConnection) WriteTimeout() int { return -1 }

func (c *SerialConnection) SetReadTimeout(ms int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimeout = ms
	if c.port == nil {
		return nil
	}
	if err := c.port.SetReadTimeout(readTimeoutDuration(ms)); err != nil {
		return fmt.Errorf("connection: %s: failed to set read timeout: %w", c.name, err)
	}
	return nil
}

func (c *SerialConnection) FlushInput() error {
	f, err := c.current()
	if err != nil {
		return err
	}
	return f.ResetInputBuffer()
}

func (c *SerialConnection) EstimateDataTransferTime(numberOfBytes int64) (int, error) {
	return estimateSerial(numberOfBytes, c.BaudRate())
}

func (c *SerialConnection) EnableLogging(path string) error {
	return c.trace.enable(path, c.name)
}

func (c *SerialConnection) DisableLogging() { c.trace.disable() }

func (c *SerialConnection) Log(message string) { c.trace.logf("%s", message) }

func readTimeoutDuration(ms int) time.Duration {
	if ms < 0 {
		return serial.NoTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

type serialReader struct{ c *SerialConnection }

func (r serialReader) Read(p []byte) (int, error) {
	f, err := r.c.current()
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := f.Read(p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		// the driver returns no data and no error when the read timeout elapses:
		return 0, fmt.Errorf("connection: %s: read: %w", r.c.name, ErrTimeout)
	}
	return n, nil
}

type serialWriter struct{ c *SerialConnection }

func (w serialWriter) Write(p []byte) (int, error) {
	f, err := w.c.current()
	if err != nil {
		return 0, err
	}
	sent := 0
	for sent < len(p) {
		n, e := f.Write(p[sent:])
		sent += n
		if e != nil {
			return sent, e
		}
	}
	return sent, nil
}

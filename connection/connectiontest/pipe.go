// Package connectiontest provides an in-memory StreamConnection for tests.
package connectiontest

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"ltoflash/connection"
)

// Conn is a StreamConnection whose far end is Device.
type Conn struct {
	name string

	// Trace, if set, receives every message passed to Log, one per line.
	Trace io.Writer

	host   net.Conn
	Device net.Conn

	mu          sync.Mutex
	open        bool
	closed      bool
	readTimeout int
	logged      []string
}

// Pipe returns an unopened connection and the device end of its pipe.
func Pipe(name string) *Conn {
	host, device := net.Pipe()
	return &Conn{name: name, host: host, Device: device, readTimeout: -1}
}

func (c *Conn) Name() string          { return c.name }
func (c *Conn) Type() connection.Type { return connection.NamedPipe }

func (c *Conn) Configure(options connection.Options) error {
	ms, ok, err := options.Int(connection.ReadTimeoutKey)
	if err != nil {
		return err
	}
	if ok {
		c.readTimeout = ms
	}
	return nil
}

func (c *Conn) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return connection.ErrAlreadyOpen
	}
	if c.closed {
		return os.ErrClosed
	}
	c.open = true
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return connection.ErrNotOpen
	}
	c.open = false
	c.closed = true
	return c.host.Close()
}

func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *Conn) ReadStream() io.Reader  { return reader{c} }
func (c *Conn) WriteStream() io.Writer { return writer{c} }

func (c *Conn) ReadTimeout() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readTimeout
}

func (c *Conn) WriteTimeout() int { return -1 }

func (c *Conn) SetReadTimeout(ms int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimeout = ms
	return nil
}

// FlushInput discards whatever the device has already written.
func (c *Conn) FlushInput() error {
	var b [256]byte
	for {
		_ = c.host.SetReadDeadline(time.Now().Add(time.Millisecond))
		if _, err := c.host.Read(b[:]); err != nil {
			_ = c.host.SetReadDeadline(time.Time{})
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

func (c *Conn) EstimateDataTransferTime(numberOfBytes int64) (int, error) {
	if numberOfBytes < 0 {
		return 0, connection.ErrOutOfRange
	}
	return int(numberOfBytes / 1000), nil
}

func (c *Conn) EnableLogging(path string) error { return nil }
func (c *Conn) DisableLogging()                 {}

func (c *Conn) Log(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logged = append(c.logged, message)
	if c.Trace != nil {
		fmt.Fprintf(c.Trace, "%s: %s\n", c.name, message)
	}
}

// Logged returns the messages passed to Log.
func (c *Conn) Logged() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.logged...)
}

type reader struct{ c *Conn }

func (r reader) Read(p []byte) (int, error) {
	if !r.c.IsOpen() {
		return 0, connection.ErrNotOpen
	}
	deadline := time.Time{}
	if ms := r.c.ReadTimeout(); ms >= 0 {
		deadline = time.Now().Add(time.Duration(ms) * time.Millisecond)
	}
	_ = r.c.host.SetReadDeadline(deadline)
	n, err := r.c.host.Read(p)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		err = connection.ErrTimeout
	}
	return n, err
}

type writer struct{ c *Conn }

func (w writer) Write(p []byte) (int, error) {
	if !w.c.IsOpen() {
		return 0, connection.ErrNotOpen
	}
	return w.c.host.Write(p)
}

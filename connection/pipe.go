package connection

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NamedPipeConnection is a StreamConnection over a pair of named pipes, {name}Input
// and {name}Output. The server reads Input and writes Output; the client does the
// opposite.
type NamedPipeConnection struct {
	name string

	mu          sync.Mutex
	rd          *os.File
	wr          *os.File
	server      bool
	readTimeout int
	session     string

	preOpen  func(c *NamedPipeConnection) bool
	postOpen func(c *NamedPipeConnection)

	trace tracer
}

func NewNamedPipeConnection(name string) *NamedPipeConnection {
	return &NamedPipeConnection{name: name, readTimeout: -1}
}

func (c *NamedPipeConnection) Name() string { return c.name }
func (c *NamedPipeConnection) Type() Type   { return NamedPipe }

func (c *NamedPipeConnection) InputPipeName() string  { return c.name + "Input" }
func (c *NamedPipeConnection) OutputPipeName() string { return c.name + "Output" }

// IsServer reports whether the last Open took the server role.
func (c *NamedPipeConnection) IsServer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

func (c *NamedPipeConnection) Configure(options Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rd != nil {
		return fmt.Errorf("connection: %s: %w", c.name, ErrAlreadyOpen)
	}

	if name, ok, err := options.String(NameKey); err != nil {
		return err
	} else if ok {
		c.name = name
	}
	if ms, ok, err := options.Int(ReadTimeoutKey); err != nil {
		return err
	} else if ok {
		c.readTimeout = ms
	}
	if raw, ok := options[PreOpenPortKey]; ok {
		fn, isFn := raw.(func(c *NamedPipeConnection) bool)
		if !isFn && raw != nil {
			return fmt.Errorf("connection: %w: %s has type %T", ErrInvalidOption, PreOpenPortKey, raw)
		}
		c.preOpen = fn
	}
	if raw, ok := options[PostOpenPortKey]; ok {
		fn, isFn := raw.(func(c *NamedPipeConnection))
		if !isFn && raw != nil {
			return fmt.Errorf("connection: %w: %s has type %T", ErrInvalidOption, PostOpenPortKey, raw)
		}
		c.postOpen = fn
	}
	return nil
}

func (c *NamedPipeConnection) Open() error {
	c.mu.Lock()
	if c.rd != nil {
		c.mu.Unlock()
		return fmt.Errorf("connection: %s: %w", c.name, ErrAlreadyOpen)
	}
	preOpen, postOpen := c.preOpen, c.postOpen
	c.mu.Unlock()

	// callbacks run unlocked so they may query the connection:
	server := false
	if preOpen != nil {
		server = preOpen(c)
	}

	rd, wr, err := openPipes(c.InputPipeName(), c.OutputPipeName(), server)
	if err != nil {
		return fmt.Errorf("connection: could not open pipe %s: %w", c.name, err)
	}

	c.mu.Lock()
	c.rd, c.wr, c.server = rd, wr, server
	c.session = uuid.NewString()
	c.mu.Unlock()

	c.trace.logf("open %s session=%s server=%v", c.name, c.session, server)

	if postOpen != nil {
		postOpen(c)
	}
	return nil
}

func (c *NamedPipeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rd == nil {
		return nil
	}

	err := errors.Join(c.rd.Close(), c.wr.Close())
	if c.server {
		removePipes(c.InputPipeName(), c.OutputPipeName())
	}
	c.rd, c.wr = nil, nil
	c.trace.logf("close %s session=%s", c.name, c.session)
	if err != nil {
		return fmt.Errorf("connection: could not close pipe %s: %w", c.name, err)
	}
	return nil
}

func (c *NamedPipeConnection) files() (rd, wr *os.File, timeout int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rd == nil {
		err = fmt.Errorf("connection: %s: %w", c.name, ErrNotOpen)
		return
	}
	return c.rd, c.wr, c.readTimeout, nil
}

func (c *NamedPipeConnection) ReadStream() io.Reader  { return pipeReader{c} }
func (c *NamedPipeConnection) WriteStream() io.Writer { return pipeWriter{c} }

func (c *NamedPipeConnection) ReadTimeout() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readTimeout
}

// WriteTimeout is always -1; pipe writes block until the peer drains the pipe.
func (c *NamedPipeConnection) WriteTimeout() int { return -1 }

func (c *NamedPipeConnection) SetReadTimeout(ms int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimeout = ms
	return nil
}

func (c *NamedPipeConnection) EstimateDataTransferTime(numberOfBytes int64) (int, error) {
	return estimateAtSpeed(numberOfBytes, namedPipeSpeed())
}

func (c *NamedPipeConnection) EnableLogging(path string) error {
	return c.trace.enable(path, c.name)
}

func (c *NamedPipeConnection) DisableLogging() { c.trace.disable() }

func (c *NamedPipeConnection) Log(message string) { c.trace.logf("%s", message) }

// flushDrainTimeout is how long FlushInput waits for more input before it
// considers the pipe empty.
const flushDrainTimeout = 5 * time.Millisecond

// FlushInput discards input that has already arrived. Without read deadline
// support on the pipe it does nothing.
func (c *NamedPipeConnection) FlushInput() error {
	rd, _, _, err := c.files()
	if err != nil {
		return err
	}
	defer rd.SetReadDeadline(time.Time{})

	var buf [256]byte
	for {
		if err = rd.SetReadDeadline(time.Now().Add(flushDrainTimeout)); err != nil {
			return nil
		}
		n, err := rd.Read(buf[:])
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("connection: %s: flush: %w", c.name, err)
		}
		if n > 0 {
			c.trace.logf("flush %d byte(s)", n)
		}
	}
}

type pipeReader struct{ c *NamedPipeConnection }

func (r pipeReader) Read(p []byte) (int, error) {
	rd, _, timeout, err := r.c.files()
	if err != nil {
		return 0, err
	}

	// platforms without pipe deadlines fall back to blocking reads:
	if timeout > 0 {
		_ = rd.SetReadDeadline(time.Now().Add(time.Duration(timeout) * time.Millisecond))
	} else {
		_ = rd.SetReadDeadline(time.Time{})
	}

	n, err := rd.Read(p)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, fmt.Errorf("connection: %s: read: %w", r.c.name, ErrTimeout)
	}
	return n, err
}

type pipeWriter struct{ c *NamedPipeConnection }

func (w pipeWriter) Write(p []byte) (int, error) {
	_, wr, _, err := w.c.files()
	if err != nil {
		return 0, err
	}
	return wr.Write(p)
}

package protocol

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"ltoflash/connection/connectiontest"

	"github.com/stretchr/testify/require"
)

// scriptedDevice answers each decoded request with handle.
type scriptedDevice struct {
	mu       sync.Mutex
	requests []Request
	handle   func(n int, req Request, dev net.Conn)
}

func (d *scriptedDevice) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request(nil), d.requests...)
}

func (d *scriptedDevice) serve(dev net.Conn) {
	buf := make([]byte, RequestSize)
	for {
		if _, err := io.ReadFull(dev, buf); err != nil {
			return
		}
		cmd, args, err := DecodeRequest(buf)
		if errors.Is(err, ErrChecksum) {
			dev.Write([]byte{byte(BadChecksum)})
			continue
		} else if err != nil {
			return
		}

		req := Request{Command: cmd, Args: args}
		d.mu.Lock()
		d.requests = append(d.requests, req)
		n := len(d.requests)
		d.mu.Unlock()

		d.handle(n, req, dev)
	}
}

// readUpload acknowledges a request and returns the payload that follows it.
func readUpload(dev net.Conn, size int) ([]byte, error) {
	if _, err := dev.Write([]byte{byte(Ack)}); err != nil {
		return nil, err
	}
	frame := make([]byte, size+ChecksumSize)
	if _, err := io.ReadFull(dev, frame); err != nil {
		return nil, err
	}
	return VerifyChecksum(frame)
}

func ackWith(dev net.Conn, payload []byte) {
	dev.Write(append([]byte{byte(Ack)}, AppendChecksum(payload)...))
}

func testPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		Attempts: attempts,
		Backoff:  BackoffConfig{Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2},
	}
}

// startDevice returns an open session talking to a scripted device.
func startDevice(t *testing.T, attempts int, handle func(n int, req Request, dev net.Conn)) (*Session, *scriptedDevice) {
	t.Helper()

	conn := connectiontest.Pipe("test")
	require.NoError(t, conn.Open())
	d := &scriptedDevice{handle: handle}
	go d.serve(conn.Device)
	t.Cleanup(func() {
		conn.Close()
		conn.Device.Close()
	})

	return NewSession(conn, testPolicy(attempts)), d
}

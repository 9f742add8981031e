// Package ltoflash implements the LTO Flash! cartridge as a peripheral: device
// status, error log, file system and configuration over the command protocol.
package ltoflash

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"ltoflash/connection"
	"ltoflash/lfs"
	"ltoflash/peripheral"
	"ltoflash/protocol"
)

// DefaultChunkSize is the largest fork transfer sent in a single command.
const DefaultChunkSize = 1024

var (
	ErrNotOpen       = errors.New("ltoflash: device is not open")
	ErrAlreadyOpen   = errors.New("ltoflash: device is already open")
	ErrStatusUnknown = errors.New("ltoflash: device status unknown; ping the device first")
)

// DeviceStatus is the payload of a Ping.
type DeviceStatus struct {
	UniqueID        uint64
	FirmwareVersion uint32
	HardwareFlags   uint32
}

func decodeStatus(b []byte) (st DeviceStatus, err error) {
	if len(b) != protocol.StatusSize {
		err = fmt.Errorf("ltoflash: status is %d bytes, expected %d", len(b), protocol.StatusSize)
		return
	}
	st.UniqueID = binary.LittleEndian.Uint64(b[0:])
	st.FirmwareVersion = binary.LittleEndian.Uint32(b[8:])
	st.HardwareFlags = binary.LittleEndian.Uint32(b[12:])
	return
}

// DeviceID is the unique id as used by the file system layer; empty for a simulated
// target, which reports zero.
func (st DeviceStatus) DeviceID() string {
	if st.UniqueID == 0 {
		return ""
	}
	return fmt.Sprintf("%016X", st.UniqueID)
}

func (st DeviceStatus) String() string {
	id := st.DeviceID()
	if id == "" {
		id = "simulated"
	}
	return fmt.Sprintf("device %s firmware %s flags 0x%08X", id, protocol.FirmwareString(st.FirmwareVersion), st.HardwareFlags)
}

// Device is an LTO Flash! cartridge reachable over one stream connection. Every
// exchange runs on the device's command queue, one at a time.
type Device struct {
	conn    connection.StreamConnection
	session *protocol.Session

	// ChunkSize bounds the payload of a single fork transfer.
	ChunkSize int

	mu          sync.Mutex
	queue       *protocol.Queue
	status      DeviceStatus
	pinged      bool
	config      uint64
	fileSystem  *lfs.FileSystem
	diagnostics io.Writer

	features *features
}

var _ peripheral.Peripheral = (*Device)(nil)
var _ io.Closer = (*Device)(nil)

func NewDevice(conn connection.StreamConnection, policy protocol.RetryPolicy) *Device {
	d := &Device{
		conn:      conn,
		session:   protocol.NewSession(conn, policy),
		ChunkSize: DefaultChunkSize,
	}
	d.features = newFeatures(d)
	return d
}

func (d *Device) Name() string {
	return fmt.Sprintf("LTO Flash! (%s)", d.conn.Name())
}

func (d *Device) Connections() []connection.Connection {
	return []connection.Connection{d.conn}
}

func (d *Device) ConfigurableFeatures() []peripheral.ConfigurableFeature {
	return d.features.list()
}

func (d *Device) Session() *protocol.Session { return d.session }

// SetDiagnostics makes the device append a protocol.DiagnosticRecord to w for every
// failed command. A nil w turns recording off.
func (d *Device) SetDiagnostics(w io.Writer) {
	d.mu.Lock()
	d.diagnostics = w
	d.mu.Unlock()
}

// Open opens the connection and starts the command queue.
func (d *Device) Open() (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue != nil {
		select {
		case <-d.queue.Done():
		default:
			return ErrAlreadyOpen
		}
	}

	if err = d.conn.Open(); err != nil {
		return fmt.Errorf("ltoflash: open %s: %w", d.conn.Name(), err)
	}
	d.queue = protocol.NewQueue(d.conn.Name(), d.session, d.conn)
	return
}

// Close stops the command queue after pending commands and closes the connection.
func (d *Device) Close() error {
	d.mu.Lock()
	q := d.queue
	d.queue = nil
	d.mu.Unlock()

	if q == nil {
		return nil
	}
	return q.Close()
}

// Done is closed when the device's queue stops, either by Close or because the
// connection failed.
func (d *Device) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return d.queue.Done()
}

// Status returns what the last Ping reported.
func (d *Device) Status() (st DeviceStatus, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status, d.pinged
}

// DeviceID is the unique id from the last Ping, empty for a simulated target.
func (d *Device) DeviceID() string {
	st, _ := d.Status()
	return st.DeviceID()
}

// run executes fn on the command queue and waits for it to finish, even after ctx
// is done. fn sees ctx and stops at its own cancellation points; until it returns
// it may still write the caller's results.
func (d *Device) run(ctx context.Context, fn func(ctx context.Context, s *protocol.Session) error) error {
	d.mu.Lock()
	q := d.queue
	d.mu.Unlock()
	if q == nil {
		return ErrNotOpen
	}

	return q.Do(context.WithoutCancel(ctx), protocol.CommandFunc(func(_ context.Context, s *protocol.Session) error {
		return fn(ctx, s)
	}))
}

// execute runs req. A failure the device reported itself is escalated with the
// device's error log attached.
func (d *Device) execute(ctx context.Context, s *protocol.Session, req protocol.Request) (res protocol.Result, err error) {
	res, err = s.Execute(ctx, req)
	if err == nil {
		return
	}

	var failed *protocol.CommandExecuteFailedError
	if errors.As(err, &failed) {
		err = d.escalate(ctx, s, failed)
	}
	d.record(err)
	return
}

func (d *Device) escalate(ctx context.Context, s *protocol.Session, failed *protocol.CommandExecuteFailedError) error {
	res, err := s.Execute(ctx, protocol.Request{Command: protocol.ErrorLogGet})
	if err != nil {
		log.Printf("ltoflash: %s: download error log after %v: %v\n", d.conn.Name(), failed.Command, err)
		return protocol.NewCommandFailedWithErrorLog(failed, nil)
	}
	errorLog, err := protocol.DecodeErrorLog(res.Data)
	if err != nil {
		log.Printf("ltoflash: %s: %v\n", d.conn.Name(), err)
		return protocol.NewCommandFailedWithErrorLog(failed, nil)
	}
	return protocol.NewCommandFailedWithErrorLog(failed, errorLog)
}

func (d *Device) record(err error) {
	d.mu.Lock()
	w := d.diagnostics
	d.mu.Unlock()
	if w == nil {
		return
	}

	rec, ok := protocol.NewDiagnosticRecord(d.conn.Name(), err)
	if !ok {
		return
	}
	if st, pinged := d.Status(); pinged {
		rec.Firmware = st.FirmwareVersion
	}
	if werr := protocol.WriteDiagnostic(w, rec); werr != nil {
		log.Printf("ltoflash: %s: write diagnostic: %v\n", d.conn.Name(), werr)
	}
}

// Ping reads the device status and tells the session which firmware it talks to.
func (d *Device) Ping(ctx context.Context) (st DeviceStatus, err error) {
	err = d.run(ctx, func(ctx context.Context, s *protocol.Session) error {
		res, err := d.execute(ctx, s, protocol.Request{Command: protocol.Ping})
		if err != nil {
			return err
		}
		if st, err = decodeStatus(res.Data); err != nil {
			return err
		}
		s.SetFirmwareVersion(st.FirmwareVersion)

		d.mu.Lock()
		d.status = st
		d.pinged = true
		d.mu.Unlock()
		return nil
	})
	return
}

func (d *Device) DownloadErrorLog(ctx context.Context) (errorLog *protocol.ErrorLog, err error) {
	err = d.run(ctx, func(ctx context.Context, s *protocol.Session) error {
		res, err := d.execute(ctx, s, protocol.Request{Command: protocol.ErrorLogGet})
		if err != nil {
			return err
		}
		errorLog, err = protocol.DecodeErrorLog(res.Data)
		return err
	})
	return
}

func (d *Device) ClearErrorLog(ctx context.Context) error {
	return d.run(ctx, func(ctx context.Context, s *protocol.Session) error {
		_, err := d.execute(ctx, s, protocol.Request{Command: protocol.ErrorLogClear})
		return err
	})
}

// GarbageCollect asks the device to reclaim flash held by deleted forks.
func (d *Device) GarbageCollect(ctx context.Context) error {
	return d.run(ctx, func(ctx context.Context, s *protocol.Session) error {
		_, err := d.execute(ctx, s, protocol.Request{Command: protocol.GarbageCollect})
		return err
	})
}

// RunProgram starts the program fork of file gfn.
func (d *Device) RunProgram(ctx context.Context, gfn uint32) error {
	err := d.run(ctx, func(ctx context.Context, s *protocol.Session) error {
		_, err := d.execute(ctx, s, protocol.Request{Command: protocol.RunProgram, Args: protocol.Args{gfn}})
		return err
	})
	return lfs.WrapIfNeeded(err, lfs.File, gfn, d.DeviceID())
}

// Package simulator implements the device side of the LTO Flash wire protocol.
package simulator

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log"
	"sync"

	"ltoflash/lfs"
	"ltoflash/protocol"
)

const DefaultFirmware = 0x0200

// Error log codes the simulator reports.
const (
	ErrCodeBadTable    = 0x0001
	ErrCodeBadNumber   = 0x0002
	ErrCodeNotInUse    = 0x0003
	ErrCodeForkRange   = 0x0004
	ErrCodeNoProgram   = 0x0005
	ErrCodeBusy        = 0x0006
	ErrCodeBadRecord   = 0x0007
	ErrCodeUnsupported = 0x0008
)

type Options struct {
	// UniqueID is reported by Ping; zero identifies a simulated target.
	UniqueID      uint64
	Firmware      uint32
	HardwareFlags uint32
}

// Fault makes the simulator misbehave for the next few requests.
type Fault int

const (
	// NakRequest answers BadChecksum as if the request had been corrupted.
	NakRequest Fault = iota
	// CorruptDownload flips a payload byte after the checksum has been computed.
	CorruptDownload
	// Busy answers Busy and logs ErrCodeBusy.
	Busy
)

// Device is a simulated LTO Flash cartridge. It serves one host at a time.
type Device struct {
	opts  Options
	flash *Flash

	mu       sync.Mutex
	errorLog protocol.ErrorLog
	faults   map[Fault]int
	executed []protocol.CommandID
	running  uint32
}

// New wraps flash, formatting it if it holds no file system yet.
func New(flash *Flash, opts Options) *Device {
	if opts.Firmware == 0 {
		opts.Firmware = DefaultFirmware
	}
	d := &Device{
		opts:     opts,
		flash:    flash,
		errorLog: protocol.ErrorLog{FirmwareVersion: opts.Firmware},
		faults:   make(map[Fault]int),
		running:  lfs.InvalidNumber,
	}
	if !flash.formatted() {
		d.format()
	}
	return d
}

func (d *Device) format() {
	d.flash.format()
	root := lfs.NewFileEntry(lfs.RootGFN, "", lfs.RootGDN)
	root.IsDirectory = true
	root.GDN = lfs.RootGDN
	copy(d.flash.record(lfs.File, lfs.RootGFN), lfs.EncodeFile(root))
	copy(d.flash.record(lfs.Directory, lfs.RootGDN), lfs.EncodeDirectory(lfs.DirectoryEntry{GDN: lfs.RootGDN, FileGFN: lfs.RootGFN}))
}

// Inject arms a fault for the next count requests.
func (d *Device) Inject(f Fault, count int) {
	d.mu.Lock()
	d.faults[f] += count
	d.mu.Unlock()
}

func (d *Device) takeFault(f Fault) bool {
	if d.faults[f] == 0 {
		return false
	}
	d.faults[f]--
	return true
}

// Executed returns the commands acknowledged so far.
func (d *Device) Executed() []protocol.CommandID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.CommandID(nil), d.executed...)
}

// Running returns the GFN of the last program started, or lfs.InvalidNumber.
func (d *Device) Running() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// FileSystem decodes the tables currently stored in flash.
func (d *Device) FileSystem() (*lfs.FileSystem, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fs := lfs.NewFileSystem("")
	for n := uint32(0); n < lfs.MaxDirectories; n++ {
		e, ok, err := lfs.DecodeDirectory(n, d.flash.record(lfs.Directory, n))
		if err != nil {
			return nil, err
		}
		if ok {
			fs.Directories[n] = e
		}
	}
	for n := uint32(0); n < lfs.MaxFiles; n++ {
		e, ok, err := lfs.DecodeFile(n, d.flash.record(lfs.File, n))
		if err != nil {
			return nil, err
		}
		if ok {
			fs.Files[n] = e
		}
	}
	for n := uint32(0); n < lfs.MaxForks; n++ {
		e, ok, err := lfs.DecodeFork(n, d.flash.record(lfs.Fork, n))
		if err != nil {
			return nil, err
		}
		if ok {
			fs.Forks[n] = e
		}
	}
	return fs, nil
}

// Serve answers requests read from r until r fails or ctx is done. Cancelling ctx
// does not interrupt a blocked read; close the stream for that.
func (d *Device) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	buf := make([]byte, protocol.RequestSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		cmd, args, err := protocol.DecodeRequest(buf)
		if err != nil {
			log.Printf("simulator: %v\n", err)
			if _, err = w.Write([]byte{byte(protocol.BadChecksum)}); err != nil {
				return err
			}
			continue
		}
		if err = d.execute(cmd, args, r, w); err != nil {
			return err
		}
		if err = d.flash.Flush(); err != nil {
			log.Printf("simulator: flush: %v\n", err)
		}
	}
}

// exchange is one command in progress. Only I/O errors are returned from its methods;
// protocol failures are answered on the wire.
type exchange struct {
	d    *Device
	cmd  protocol.CommandID
	args protocol.Args
	r    io.Reader
	w    io.Writer
}

func (d *Device) execute(cmd protocol.CommandID, args protocol.Args, r io.Reader, w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	x := &exchange{d: d, cmd: cmd, args: args, r: r, w: w}

	if d.takeFault(NakRequest) {
		return x.respond(protocol.BadChecksum)
	}
	if d.takeFault(Busy) {
		return x.fail(protocol.Busy, protocol.SubsystemFlash, ErrCodeBusy, 0)
	}

	info, ok := protocol.Lookup(cmd)
	if !ok || d.opts.Firmware < info.MinFirmware {
		return x.fail(protocol.UnknownCommand, protocol.SubsystemNone, ErrCodeUnsupported, uint32(cmd))
	}

	switch cmd {
	case protocol.Ping:
		status := make([]byte, protocol.StatusSize)
		binary.LittleEndian.PutUint64(status[0:], d.opts.UniqueID)
		binary.LittleEndian.PutUint32(status[8:], d.opts.Firmware)
		binary.LittleEndian.PutUint32(status[12:], d.opts.HardwareFlags)
		return x.download(status)

	case protocol.GarbageCollect:
		return x.ack()

	case protocol.ErrorLogGet:
		return x.download(d.errorLog.Encode())

	case protocol.ErrorLogClear:
		d.errorLog.Entries = nil
		return x.ack()

	case protocol.ConfigGet:
		return x.download(append([]byte(nil), d.flash.config()...))

	case protocol.ConfigSet:
		binary.LittleEndian.PutUint32(d.flash.config()[0:], args[0])
		binary.LittleEndian.PutUint32(d.flash.config()[4:], args[1])
		return x.ack()

	case protocol.LfsDownloadTable:
		return x.downloadTable()

	case protocol.LfsUpdateEntry:
		return x.updateEntry()

	case protocol.LfsDeleteEntry:
		return x.deleteEntry()

	case protocol.LfsReadFork:
		return x.readFork()

	case protocol.LfsWriteFork:
		return x.writeFork()

	case protocol.RunProgram:
		return x.runProgram()
	}
	return x.fail(protocol.UnknownCommand, protocol.SubsystemNone, ErrCodeUnsupported, uint32(cmd))
}

func (x *exchange) respond(rsp protocol.Response) error {
	_, err := x.w.Write([]byte{byte(rsp)})
	return err
}

func (x *exchange) ack() error {
	x.d.executed = append(x.d.executed, x.cmd)
	return x.respond(protocol.Ack)
}

func (x *exchange) fail(rsp protocol.Response, subsystem uint8, code uint16, detail uint32) error {
	log.Printf("simulator: %v%v: %v (code 0x%04X)\n", x.cmd, x.args, rsp, code)
	x.d.errorLog.Entries = append(x.d.errorLog.Entries, protocol.ErrorLogEntry{
		Code:      code,
		Subsystem: subsystem,
		Detail:    detail,
	})
	if n := len(x.d.errorLog.Entries); n > protocol.MaxErrorLogEntries {
		x.d.errorLog.Entries = x.d.errorLog.Entries[n-protocol.MaxErrorLogEntries:]
	}
	return x.respond(rsp)
}

func (x *exchange) download(payload []byte) error {
	if len(payload) == 0 {
		return x.ack()
	}
	frame := append([]byte{byte(protocol.Ack)}, protocol.AppendChecksum(payload)...)
	if x.d.takeFault(CorruptDownload) {
		frame[1] ^= 0xFF
	} else {
		x.d.executed = append(x.d.executed, x.cmd)
	}
	_, err := x.w.Write(frame)
	return err
}

// upload acknowledges the request and reads its payload. ok is false when the
// payload was rejected on the wire.
func (x *exchange) upload(size int) (payload []byte, ok bool, err error) {
	if err = x.respond(protocol.Ack); err != nil {
		return
	}
	frame := make([]byte, size+protocol.ChecksumSize)
	if _, err = io.ReadFull(x.r, frame); err != nil {
		return
	}
	if payload, err = protocol.VerifyChecksum(frame); err != nil {
		err = x.respond(protocol.BadChecksum)
		return
	}
	ok = true
	return
}

func (x *exchange) table() (t lfs.EntityType, ok bool) {
	t = lfs.EntityType(x.args[0])
	return t, lfs.TableSize(t) > 0
}

func (x *exchange) downloadTable() error {
	t, ok := x.table()
	if !ok {
		return x.fail(protocol.Failed, protocol.SubsystemFileSystem, ErrCodeBadTable, x.args[0])
	}
	first, count := x.args[1], x.args[2]
	if uint64(first)+uint64(count) > uint64(lfs.TableSize(t)) {
		return x.fail(protocol.Failed, protocol.SubsystemFileSystem, ErrCodeBadNumber, first)
	}

	payload := make([]byte, 0, int(count)*lfs.RecordSize(t))
	for n := first; n < first+count; n++ {
		payload = append(payload, x.d.flash.record(t, n)...)
	}
	return x.download(payload)
}

func (x *exchange) updateEntry() error {
	t, ok := x.table()
	if !ok {
		return x.fail(protocol.Failed, protocol.SubsystemFileSystem, ErrCodeBadTable, x.args[0])
	}
	n := x.args[1]
	if n >= uint32(lfs.TableSize(t)) {
		return x.fail(protocol.Failed, protocol.SubsystemFileSystem, ErrCodeBadNumber, n)
	}

	payload, ok, err := x.upload(lfs.RecordSize(t))
	if err != nil || !ok {
		return err
	}
	if payload[0]&0x01 == 0 {
		return x.fail(protocol.Failed, protocol.SubsystemFileSystem, ErrCodeBadRecord, n)
	}
	copy(x.d.flash.record(t, n), payload)
	return x.ack()
}

func (x *exchange) deleteEntry() error {
	t, ok := x.table()
	if !ok {
		return x.fail(protocol.Failed, protocol.SubsystemFileSystem, ErrCodeBadTable, x.args[0])
	}
	n := x.args[1]
	if n >= uint32(lfs.TableSize(t)) {
		return x.fail(protocol.Failed, protocol.SubsystemFileSystem, ErrCodeBadNumber, n)
	}
	rec := x.d.flash.record(t, n)
	if rec[0]&0x01 == 0 {
		return x.fail(protocol.Failed, protocol.SubsystemFileSystem, ErrCodeNotInUse, n)
	}
	for i := range rec {
		rec[i] = 0
	}
	return x.ack()
}

func (x *exchange) forkRange() (data []byte, ok bool) {
	gkn, offset, length := x.args[0], x.args[1], x.args[2]
	if gkn >= lfs.MaxForks {
		return nil, false
	}
	slot := x.d.flash.forkData(gkn)
	if uint64(offset)+uint64(length) > uint64(len(slot)) {
		return nil, false
	}
	return slot[offset : offset+length], true
}

func (x *exchange) readFork() error {
	data, ok := x.forkRange()
	if !ok {
		return x.fail(protocol.Failed, protocol.SubsystemFlash, ErrCodeForkRange, x.args[0])
	}
	return x.download(append([]byte(nil), data...))
}

func (x *exchange) writeFork() error {
	data, ok := x.forkRange()
	if !ok {
		return x.fail(protocol.Failed, protocol.SubsystemFlash, ErrCodeForkRange, x.args[0])
	}
	payload, ok, err := x.upload(len(data))
	if err != nil || !ok {
		return err
	}
	copy(data, payload)
	return x.ack()
}

func (x *exchange) runProgram() error {
	gfn := x.args[0]
	if gfn >= lfs.MaxFiles {
		return x.fail(protocol.Failed, protocol.SubsystemLoader, ErrCodeBadNumber, gfn)
	}
	f, ok, err := lfs.DecodeFile(gfn, x.d.flash.record(lfs.File, gfn))
	if err != nil || !ok {
		return x.fail(protocol.Failed, protocol.SubsystemLoader, ErrCodeNotInUse, gfn)
	}
	if f.Forks[lfs.Program] == lfs.InvalidNumber {
		return x.fail(protocol.Failed, protocol.SubsystemLoader, ErrCodeNoProgram, gfn)
	}
	x.d.running = gfn
	return x.ack()
}

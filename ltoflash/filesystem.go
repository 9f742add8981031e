package ltoflash

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"

	"ltoflash/lfs"
	"ltoflash/peripheral"
	"ltoflash/protocol"
)

// tableBatch is the number of records fetched per LfsDownloadTable.
const tableBatch = 64

var (
	ErrDirectoryNotEmpty = errors.New("ltoflash: directory is not empty")
	ErrRootDirectory     = errors.New("ltoflash: the root directory cannot be deleted")
	ErrForkChecksum      = errors.New("ltoflash: fork data does not match its checksum")
	ErrNoFileSystem      = errors.New("ltoflash: file system has not been downloaded")
)

// Progress is told how many bytes of a transfer are done. It runs on the command
// queue; marshal to another goroutine with a peripheral.Dispatcher if needed.
type Progress func(done, total int)

// On returns a Progress that posts each report to d. Reports keep their order.
func (p Progress) On(d *peripheral.Dispatcher) Progress {
	if p == nil {
		return nil
	}
	return func(done, total int) {
		d.Post(func() { p(done, total) })
	}
}

// Rom is a program to install on the device.
type Rom struct {
	Name      string
	Color     uint8
	ParentGDN uint32
	Program   []byte

	// RequiredDeviceID locks the ROM to one cartridge; empty runs anywhere.
	RequiredDeviceID string
}

// FileSystem returns the cached view of the device's tables, or nil before the
// first download.
func (d *Device) FileSystem() *lfs.FileSystem {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fileSystem == nil {
		return nil
	}
	return d.fileSystem.Clone()
}

// DownloadFileSystem reads all three tables, validates them and replaces the
// cached view.
func (d *Device) DownloadFileSystem(ctx context.Context) (fs *lfs.FileSystem, err error) {
	err = d.run(ctx, func(ctx context.Context, s *protocol.Session) (err error) {
		if fs, err = d.downloadTables(ctx, s); err != nil {
			return
		}
		d.mu.Lock()
		d.fileSystem = fs.Clone()
		d.mu.Unlock()
		return fs.Validate()
	})
	err = lfs.WrapIfNeeded(err, lfs.Unknown, lfs.InvalidNumber, d.DeviceID())
	return
}

// VerifyFileSystem downloads the tables and compares them with the cached view,
// which it leaves unchanged.
func (d *Device) VerifyFileSystem(ctx context.Context) error {
	err := d.run(ctx, func(ctx context.Context, s *protocol.Session) error {
		cached := d.FileSystem()
		if cached == nil {
			return ErrNoFileSystem
		}
		fs, err := d.downloadTables(ctx, s)
		if err != nil {
			return err
		}
		return cached.Compare(fs)
	})
	return lfs.WrapIfNeeded(err, lfs.Unknown, lfs.InvalidNumber, d.DeviceID())
}

func (d *Device) downloadTables(ctx context.Context, s *protocol.Session) (*lfs.FileSystem, error) {
	fs := lfs.NewFileSystem(d.DeviceID())
	for _, t := range []lfs.EntityType{lfs.Directory, lfs.File, lfs.Fork} {
		size := uint32(lfs.TableSize(t))
		recordSize := lfs.RecordSize(t)
		for first := uint32(0); first < size; first += tableBatch {
			count := min(tableBatch, size-first)
			res, err := d.execute(ctx, s, protocol.Request{
				Command: protocol.LfsDownloadTable,
				Args:    protocol.Args{uint32(t), first, count},
			})
			if err != nil {
				return nil, lfs.WrapIfNeeded(err, t, lfs.InvalidNumber, fs.TargetDeviceID)
			}

			for i := uint32(0); i < count; i++ {
				n := first + i
				b := res.Data[int(i)*recordSize : int(i+1)*recordSize]
				if err = decodeRecord(fs, t, n, b); err != nil {
					return nil, lfs.WrapIfNeeded(err, t, n, fs.TargetDeviceID)
				}
			}
		}
	}
	return fs, nil
}

func decodeRecord(fs *lfs.FileSystem, t lfs.EntityType, n uint32, b []byte) error {
	switch t {
	case lfs.Directory:
		e, ok, err := lfs.DecodeDirectory(n, b)
		if ok {
			fs.Directories[n] = e
		}
		return err
	case lfs.File:
		e, ok, err := lfs.DecodeFile(n, b)
		if ok {
			fs.Files[n] = e
		}
		return err
	case lfs.Fork:
		e, ok, err := lfs.DecodeFork(n, b)
		if ok {
			fs.Forks[n] = e
		}
		return err
	}
	return fmt.Errorf("ltoflash: no table for %v", t)
}

// cachedFileSystem returns the cached view, downloading it on first use. It runs on
// the command queue.
func (d *Device) cachedFileSystem(ctx context.Context, s *protocol.Session) (*lfs.FileSystem, error) {
	d.mu.Lock()
	fs := d.fileSystem
	d.mu.Unlock()
	if fs != nil {
		return fs, nil
	}

	fs, err := d.downloadTables(ctx, s)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.fileSystem = fs
	d.mu.Unlock()
	return fs, nil
}

func (d *Device) updateEntry(ctx context.Context, s *protocol.Session, t lfs.EntityType, n uint32, record []byte) error {
	_, err := d.execute(ctx, s, protocol.Request{
		Command: protocol.LfsUpdateEntry,
		Args:    protocol.Args{uint32(t), n},
		Upload:  record,
	})
	return err
}

func (d *Device) deleteEntry(ctx context.Context, s *protocol.Session, t lfs.EntityType, n uint32) error {
	_, err := d.execute(ctx, s, protocol.Request{
		Command: protocol.LfsDeleteEntry,
		Args:    protocol.Args{uint32(t), n},
	})
	return err
}

// ReadFork downloads the data of fork gkn and checks it against the fork's checksum.
func (d *Device) ReadFork(ctx context.Context, gkn uint32, progress Progress) (data []byte, err error) {
	err = d.run(ctx, func(ctx context.Context, s *protocol.Session) error {
		fs, err := d.cachedFileSystem(ctx, s)
		if err != nil {
			return err
		}
		fork, err := fs.Fork(gkn)
		if err != nil {
			return err
		}

		data = make([]byte, 0, fork.Size)
		for offset := uint32(0); offset < fork.Size; {
			if err = ctx.Err(); err != nil {
				return err
			}
			n := min(uint32(d.chunkSize()), fork.Size-offset)
			res, err := d.execute(ctx, s, protocol.Request{
				Command: protocol.LfsReadFork,
				Args:    protocol.Args{gkn, offset, n},
			})
			if err != nil {
				return err
			}
			data = append(data, res.Data...)
			offset += n
			if progress != nil {
				progress(int(offset), int(fork.Size))
			}
		}

		if crc32.ChecksumIEEE(data) != fork.CRC {
			return ErrForkChecksum
		}
		return nil
	})
	err = lfs.WrapIfNeeded(err, lfs.Fork, gkn, d.DeviceID())
	return
}

// WriteFork stores data in fork gkn and records its size and checksum.
func (d *Device) WriteFork(ctx context.Context, gkn uint32, data []byte, progress Progress) error {
	err := d.run(ctx, func(ctx context.Context, s *protocol.Session) error {
		fs, err := d.cachedFileSystem(ctx, s)
		if err != nil {
			return err
		}
		return d.writeFork(ctx, s, fs, gkn, data, progress)
	})
	return lfs.WrapIfNeeded(err, lfs.Fork, gkn, d.DeviceID())
}

// writeFork sends data in chunks, checking for cancellation between them, then
// writes the fork record.
func (d *Device) writeFork(ctx context.Context, s *protocol.Session, fs *lfs.FileSystem, gkn uint32, data []byte, progress Progress) error {
	total := len(data)
	for offset := 0; offset < total; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(d.chunkSize(), total-offset)
		_, err := d.execute(ctx, s, protocol.Request{
			Command: protocol.LfsWriteFork,
			Args:    protocol.Args{gkn, uint32(offset), uint32(n)},
			Upload:  data[offset : offset+n],
		})
		if err != nil {
			return err
		}
		offset += n
		if progress != nil {
			progress(offset, total)
		}
	}

	fork := lfs.ForkEntry{GKN: gkn, Size: uint32(total), CRC: crc32.ChecksumIEEE(data)}
	if err := d.updateEntry(ctx, s, lfs.Fork, gkn, lfs.EncodeFork(fork)); err != nil {
		return err
	}
	d.mu.Lock()
	fs.Forks[gkn] = fork
	d.mu.Unlock()
	return nil
}

// DeleteFile removes file gfn along with the forks no other file refers to. A
// directory must be empty.
func (d *Device) DeleteFile(ctx context.Context, gfn uint32) error {
	err := d.run(ctx, func(ctx context.Context, s *protocol.Session) error {
		if gfn == lfs.RootGFN {
			return ErrRootDirectory
		}
		fs, err := d.cachedFileSystem(ctx, s)
		if err != nil {
			return err
		}
		f, err := fs.File(gfn)
		if err != nil {
			return err
		}

		if f.IsDirectory {
			children, err := fs.Children(f.GDN)
			if err != nil {
				return err
			}
			if len(children) > 0 {
				return ErrDirectoryNotEmpty
			}
		}

		if err = d.deleteEntry(ctx, s, lfs.File, gfn); err != nil {
			return err
		}
		d.mu.Lock()
		delete(fs.Files, gfn)
		d.mu.Unlock()

		if f.IsDirectory {
			if err = d.deleteEntry(ctx, s, lfs.Directory, f.GDN); err != nil {
				return lfs.WrapIfNeeded(err, lfs.Directory, f.GDN, fs.TargetDeviceID)
			}
			d.mu.Lock()
			delete(fs.Directories, f.GDN)
			d.mu.Unlock()
		}

		for _, gkn := range f.Forks {
			if gkn == lfs.InvalidNumber || forkInUse(fs, gkn) {
				continue
			}
			if err = d.deleteEntry(ctx, s, lfs.Fork, gkn); err != nil {
				return lfs.WrapIfNeeded(err, lfs.Fork, gkn, fs.TargetDeviceID)
			}
			d.mu.Lock()
			delete(fs.Forks, gkn)
			d.mu.Unlock()
		}
		return nil
	})
	return lfs.WrapIfNeeded(err, lfs.File, gfn, d.DeviceID())
}

func forkInUse(fs *lfs.FileSystem, gkn uint32) bool {
	for _, f := range fs.Files {
		for _, k := range f.Forks {
			if k == gkn {
				return true
			}
		}
	}
	return false
}

// DownloadRom installs rom as a new file and returns its GFN. Compatibility with the
// pinged device is checked before anything is sent. Cancellation is honoured between
// chunks; a cancelled download leaves no file behind.
func (d *Device) DownloadRom(ctx context.Context, rom Rom, progress Progress) (gfn uint32, err error) {
	gfn = lfs.InvalidNumber

	st, pinged := d.Status()
	if !pinged {
		return gfn, lfs.WrapIfNeeded(ErrStatusUnknown, lfs.File, lfs.InvalidNumber, "")
	}
	if err = lfs.CheckRomCompatibility(rom.RequiredDeviceID, st.DeviceID(), lfs.File, lfs.InvalidNumber); err != nil {
		return
	}

	err = d.run(ctx, func(ctx context.Context, s *protocol.Session) error {
		fs, err := d.cachedFileSystem(ctx, s)
		if err != nil {
			return err
		}
		if _, err = fs.Directory(rom.ParentGDN); err != nil {
			return err
		}

		d.mu.Lock()
		n, ferr := fs.FreeFileNumber()
		gkn, kerr := fs.FreeForkNumber()
		d.mu.Unlock()
		if ferr != nil {
			return ferr
		}
		if kerr != nil {
			return kerr
		}

		if err = d.writeFork(ctx, s, fs, gkn, rom.Program, progress); err != nil {
			return lfs.WrapIfNeeded(err, lfs.Fork, gkn, fs.TargetDeviceID)
		}

		f := lfs.NewFileEntry(n, rom.Name, rom.ParentGDN)
		f.Color = rom.Color
		f.Forks[lfs.Program] = gkn
		if err = d.updateEntry(ctx, s, lfs.File, n, lfs.EncodeFile(f)); err != nil {
			return err
		}
		d.mu.Lock()
		fs.Files[n] = f
		d.mu.Unlock()

		gfn = n
		return nil
	})
	err = lfs.WrapIfNeeded(err, lfs.File, gfn, d.DeviceID())
	return
}

func (d *Device) chunkSize() int {
	if d.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return min(d.ChunkSize, protocol.MaxPayloadSize)
}

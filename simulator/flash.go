package simulator

import (
	"errors"
	"fmt"
	"os"

	"ltoflash/lfs"

	"github.com/edsrzf/mmap-go"
)

// Flash image layout:
//
//	header       16 bytes: magic, configuration low, configuration high
//	directories  lfs.MaxDirectories * lfs.DirectoryRecordSize
//	files        lfs.MaxFiles * lfs.FileRecordSize
//	forks        lfs.MaxForks * lfs.ForkRecordSize
//	fork data    lfs.MaxForks * slot size
const (
	headerSize = 16
	magic      = "LTOFLSIM"

	DefaultForkSlotSize = 64 * 1024
)

var errFlashClosed = errors.New("simulator: flash is closed")

// Flash is the simulated device's storage: a plain byte slice or a memory-mapped file.
type Flash struct {
	data     []byte
	slotSize int

	file *os.File
	m    mmap.MMap
}

// FlashSize returns the image size for the given fork slot size.
func FlashSize(slotSize int) int {
	return tableOffset(lfs.Fork+1) + lfs.MaxForks*slotSize
}

func tableOffset(t lfs.EntityType) int {
	off := headerSize
	for u := lfs.Directory; u < t; u++ {
		off += lfs.TableSize(u) * lfs.RecordSize(u)
	}
	return off
}

func NewMemoryFlash(slotSize int) *Flash {
	if slotSize <= 0 {
		slotSize = DefaultForkSlotSize
	}
	return &Flash{data: make([]byte, FlashSize(slotSize)), slotSize: slotSize}
}

// OpenFlashFile maps the image at path, creating or resizing the file as needed.
func OpenFlashFile(path string, slotSize int) (*Flash, error) {
	if slotSize <= 0 {
		slotSize = DefaultForkSlotSize
	}
	size := int64(FlashSize(slotSize))

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("simulator: open flash image: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != size {
		if err = f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("simulator: resize flash image: %w", err)
		}
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("simulator: mmap flash image: %w", err)
	}
	return &Flash{data: m, slotSize: slotSize, file: f, m: m}, nil
}

func (f *Flash) SlotSize() int { return f.slotSize }

func (f *Flash) formatted() bool {
	return string(f.data[:len(magic)]) == magic
}

func (f *Flash) format() {
	for i := range f.data[:tableOffset(lfs.Fork+1)] {
		f.data[i] = 0
	}
	copy(f.data, magic)
}

func (f *Flash) record(t lfs.EntityType, n uint32) []byte {
	size := lfs.RecordSize(t)
	off := tableOffset(t) + int(n)*size
	return f.data[off : off+size]
}

func (f *Flash) forkData(gkn uint32) []byte {
	off := tableOffset(lfs.Fork+1) + int(gkn)*f.slotSize
	return f.data[off : off+f.slotSize]
}

func (f *Flash) config() []byte { return f.data[8:16] }

// Flush writes a mapped image back to its file.
func (f *Flash) Flush() error {
	if f.m == nil {
		return nil
	}
	return f.m.Flush()
}

func (f *Flash) Close() error {
	if f.data == nil {
		return errFlashClosed
	}
	var err error
	if f.m != nil {
		if e := f.m.Unmap(); e != nil {
			err = e
		}
		f.m = nil
	}
	if f.file != nil {
		if e := f.file.Close(); e != nil {
			err = e
		}
		f.file = nil
	}
	f.data = nil
	return err
}

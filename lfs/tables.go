package lfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Record sizes of the global tables as stored on the device.
const (
	DirectoryRecordSize = 4
	FileRecordSize      = 40
	ForkRecordSize      = 12

	MaxNameLength = 20
)

const (
	flagInUse     = 1 << 0
	flagDirectory = 1 << 1

	noDirectory = 0xFF
	noFork      = 0xFFFF
)

// RecordSize returns the size of one entry in the global table of the given type.
func RecordSize(t EntityType) int {
	switch t {
	case Directory:
		return DirectoryRecordSize
	case File:
		return FileRecordSize
	case Fork:
		return ForkRecordSize
	}
	return 0
}

type DirectoryEntry struct {
	GDN     uint32
	FileGFN uint32
}

type FileEntry struct {
	GFN         uint32
	Name        string
	Color       uint8
	IsDirectory bool

	// ParentGDN is the directory containing this file.
	ParentGDN uint32
	// GDN is the directory this file describes, or InvalidNumber.
	GDN uint32

	// Forks holds one GKN per fork slot, or InvalidNumber.
	Forks [NumForkSlots]uint32
}

// NewFileEntry returns a file entry with no forks.
func NewFileEntry(gfn uint32, name string, parentGDN uint32) FileEntry {
	f := FileEntry{GFN: gfn, Name: name, ParentGDN: parentGDN, GDN: InvalidNumber}
	for i := range f.Forks {
		f.Forks[i] = InvalidNumber
	}
	return f
}

type ForkEntry struct {
	GKN  uint32
	Size uint32
	CRC  uint32
}

func EncodeDirectory(d DirectoryEntry) []byte {
	b := make([]byte, DirectoryRecordSize)
	b[0] = flagInUse
	binary.LittleEndian.PutUint16(b[2:], uint16(d.FileGFN))
	return b
}

// DecodeDirectory returns false for an unused slot.
func DecodeDirectory(gdn uint32, b []byte) (d DirectoryEntry, ok bool, err error) {
	if len(b) != DirectoryRecordSize {
		err = fmt.Errorf("lfs: directory record is %d bytes, expected %d", len(b), DirectoryRecordSize)
		return
	}
	if b[0]&flagInUse == 0 {
		return
	}
	return DirectoryEntry{GDN: gdn, FileGFN: uint32(binary.LittleEndian.Uint16(b[2:]))}, true, nil
}

func EncodeFile(f FileEntry) []byte {
	b := make([]byte, FileRecordSize)
	b[0] = flagInUse
	if f.IsDirectory {
		b[0] |= flagDirectory
	}
	b[1] = f.Color
	b[2] = encodeGDN(f.ParentGDN)
	b[3] = encodeGDN(f.GDN)
	for i, gkn := range f.Forks {
		v := uint16(noFork)
		if gkn != InvalidNumber {
			v = uint16(gkn)
		}
		binary.LittleEndian.PutUint16(b[4+i*2:], v)
	}
	copy(b[18:18+MaxNameLength], f.Name)
	return b
}

func DecodeFile(gfn uint32, b []byte) (f FileEntry, ok bool, err error) {
	if len(b) != FileRecordSize {
		err = fmt.Errorf("lfs: file record is %d bytes, expected %d", len(b), FileRecordSize)
		return
	}
	if b[0]&flagInUse == 0 {
		return
	}
	f = FileEntry{
		GFN:         gfn,
		IsDirectory: b[0]&flagDirectory != 0,
		Color:       b[1],
		ParentGDN:   decodeGDN(b[2]),
		GDN:         decodeGDN(b[3]),
	}
	for i := range f.Forks {
		v := binary.LittleEndian.Uint16(b[4+i*2:])
		if v == noFork {
			f.Forks[i] = InvalidNumber
		} else {
			f.Forks[i] = uint32(v)
		}
	}
	name := b[18 : 18+MaxNameLength]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	f.Name = string(name)
	return f, true, nil
}

func EncodeFork(k ForkEntry) []byte {
	b := make([]byte, ForkRecordSize)
	b[0] = flagInUse
	binary.LittleEndian.PutUint32(b[4:], k.Size)
	binary.LittleEndian.PutUint32(b[8:], k.CRC)
	return b
}

func DecodeFork(gkn uint32, b []byte) (k ForkEntry, ok bool, err error) {
	if len(b) != ForkRecordSize {
		err = fmt.Errorf("lfs: fork record is %d bytes, expected %d", len(b), ForkRecordSize)
		return
	}
	if b[0]&flagInUse == 0 {
		return
	}
	return ForkEntry{
		GKN:  gkn,
		Size: binary.LittleEndian.Uint32(b[4:]),
		CRC:  binary.LittleEndian.Uint32(b[8:]),
	}, true, nil
}

func encodeGDN(gdn uint32) byte {
	if gdn == InvalidNumber || gdn >= noDirectory {
		return noDirectory
	}
	return byte(gdn)
}

func decodeGDN(b byte) uint32 {
	if b == noDirectory {
		return InvalidNumber
	}
	return uint32(b)
}

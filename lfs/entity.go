package lfs

import (
	"fmt"
	"math"
)

// InvalidNumber is the global file system number used when none applies.
const InvalidNumber = math.MaxUint32

// EntityType is the kind of object in the device's file system.
type EntityType uint8

const (
	Unknown EntityType = iota
	Directory
	File
	Fork
)

func (t EntityType) String() string {
	switch t {
	case Unknown:
		return "unknown"
	case Directory:
		return "directory"
	case File:
		return "file"
	case Fork:
		return "fork"
	}
	return fmt.Sprintf("EntityType(%d)", uint8(t))
}

// Table sizes of the global directory, file and fork tables.
const (
	MaxDirectories = 64
	MaxFiles       = 512
	MaxForks       = 512
)

// MaxForkSize is the flash capacity of the cartridge; no fork can be larger.
const MaxForkSize = 4 * 1024 * 1024

// TableSize returns the number of entries in the global table of the given type.
func TableSize(t EntityType) int {
	switch t {
	case Directory:
		return MaxDirectories
	case File:
		return MaxFiles
	case Fork:
		return MaxForks
	}
	return 0
}

// ForkKind selects one of a file's fork slots.
type ForkKind uint8

const (
	Program ForkKind = iota
	Manual
	JlpFlash
	Vignette
	reservedFork4
	reservedFork5
	reservedFork6

	// NumForkSlots is the number of fork slots in a file record.
	NumForkSlots = int(reservedFork6) + 1
)

func (k ForkKind) String() string {
	switch k {
	case Program:
		return "program"
	case Manual:
		return "manual"
	case JlpFlash:
		return "jlp-flash"
	case Vignette:
		return "vignette"
	}
	return fmt.Sprintf("ForkKind(%d)", uint8(k))
}

// Known reports whether this build knows how to interpret forks of kind k.
func (k ForkKind) Known() bool {
	return k <= Vignette
}

// CheckForkKind returns an *UnsupportedForkKindError for kinds this build cannot interpret.
func CheckForkKind(k ForkKind) error {
	if !k.Known() {
		return &UnsupportedForkKindError{Kind: k}
	}
	return nil
}

package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ErrorLogSize is the size of the error log the device returns for ErrorLogGet.
const ErrorLogSize = 128

const (
	errorLogHeaderSize = 8
	errorLogEntrySize  = 8
	MaxErrorLogEntries = (ErrorLogSize - errorLogHeaderSize) / errorLogEntrySize
)

// Subsystems that report into the error log.
const (
	SubsystemNone uint8 = iota
	SubsystemFlash
	SubsystemFileSystem
	SubsystemUSB
	SubsystemLoader
)

var subsystemNames = map[uint8]string{
	SubsystemNone:       "none",
	SubsystemFlash:      "flash",
	SubsystemFileSystem: "file system",
	SubsystemUSB:        "usb",
	SubsystemLoader:     "loader",
}

type ErrorLogEntry struct {
	Code      uint16 `cbor:"1,keyasint"`
	Subsystem uint8  `cbor:"2,keyasint"`
	Flags     uint8  `cbor:"3,keyasint"`
	Detail    uint32 `cbor:"4,keyasint"`
}

func (e ErrorLogEntry) String() string {
	name, ok := subsystemNames[e.Subsystem]
	if !ok {
		name = fmt.Sprintf("subsystem %d", e.Subsystem)
	}
	return fmt.Sprintf("%s error 0x%04X (detail 0x%08X)", name, e.Code, e.Detail)
}

// ErrorLog is the device's record of recent internal failures, oldest first.
type ErrorLog struct {
	FirmwareVersion uint32          `cbor:"1,keyasint"`
	Entries         []ErrorLogEntry `cbor:"2,keyasint"`
}

func DecodeErrorLog(b []byte) (*ErrorLog, error) {
	if len(b) != ErrorLogSize {
		return nil, fmt.Errorf("protocol: error log is %d bytes, expected %d: %w", len(b), ErrorLogSize, ErrMalformedResponse)
	}
	count := int(binary.LittleEndian.Uint16(b[0:]))
	if count > MaxErrorLogEntries {
		return nil, fmt.Errorf("protocol: error log claims %d entries: %w", count, ErrMalformedResponse)
	}
	l := &ErrorLog{
		FirmwareVersion: binary.LittleEndian.Uint32(b[4:]),
		Entries:         make([]ErrorLogEntry, count),
	}
	for i := range l.Entries {
		e := b[errorLogHeaderSize+i*errorLogEntrySize:]
		l.Entries[i] = ErrorLogEntry{
			Code:      binary.LittleEndian.Uint16(e[0:]),
			Subsystem: e[2],
			Flags:     e[3],
			Detail:    binary.LittleEndian.Uint32(e[4:]),
		}
	}
	return l, nil
}

// Encode returns the device representation. Entries beyond MaxErrorLogEntries are
// dropped from the front.
func (l *ErrorLog) Encode() []byte {
	b := make([]byte, ErrorLogSize)
	entries := l.Entries
	if len(entries) > MaxErrorLogEntries {
		entries = entries[len(entries)-MaxErrorLogEntries:]
	}
	binary.LittleEndian.PutUint16(b[0:], uint16(len(entries)))
	binary.LittleEndian.PutUint32(b[4:], l.FirmwareVersion)
	for i, entry := range entries {
		e := b[errorLogHeaderSize+i*errorLogEntrySize:]
		binary.LittleEndian.PutUint16(e[0:], entry.Code)
		e[2] = entry.Subsystem
		e[3] = entry.Flags
		binary.LittleEndian.PutUint32(e[4:], entry.Detail)
	}
	return b
}

func (l *ErrorLog) IsEmpty() bool { return l == nil || len(l.Entries) == 0 }

func (l *ErrorLog) String() string {
	if l.IsEmpty() {
		return "  (empty)\n"
	}
	var sb strings.Builder
	for i, e := range l.Entries {
		fmt.Fprintf(&sb, "  %2d: %v\n", i, e)
	}
	return sb.String()
}

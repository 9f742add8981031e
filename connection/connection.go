package connection

import (
	"errors"
	"fmt"
	"io"
)

// Type identifies the transport kind behind a Connection.
type Type int

const (
	None Type = iota
	CartridgePort
	MemoryMap
	Serial
	NamedPipe
)

var typeNames = [...]string{
	None:          "None",
	CartridgePort: "CartridgePort",
	MemoryMap:     "MemoryMap",
	Serial:        "Serial",
	NamedPipe:     "NamedPipe",
}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

func ParseType(s string) (Type, error) {
	for i, name := range typeNames {
		if name == s {
			return Type(i), nil
		}
	}
	return None, fmt.Errorf("connection: %w: %q", ErrUnsupportedType, s)
}

var (
	ErrUnsupportedType = errors.New("unsupported connection type")
	ErrOutOfRange      = errors.New("argument out of range")
	ErrNotOpen         = errors.New("connection is not open")
	ErrAlreadyOpen     = errors.New("connection is already open")
	ErrInvalidOption   = errors.New("invalid connection option")
	ErrTimeout         = errors.New("timed out")
)

// Connection identifies a transport instance.
type Connection interface {
	Name() string
	Type() Type
}

// StreamConnection is a byte-oriented duplex channel to a device.
// Timeouts are in milliseconds; -1 means the transport does not support the timeout.
type StreamConnection interface {
	Connection

	Open() error
	Close() error

	// Configure applies transport-specific options. Must be called before Open.
	Configure(options Options) error

	ReadStream() io.Reader
	WriteStream() io.Writer

	ReadTimeout() int
	WriteTimeout() int
	SetReadTimeout(ms int) error

	// EstimateDataTransferTime estimates how many milliseconds it takes to transfer
	// numberOfBytes over this connection.
	EstimateDataTransferTime(numberOfBytes int64) (int, error)

	EnableLogging(path string) error
	DisableLogging()
	Log(message string)
}

// InputFlusher is implemented by connections able to discard unread input.
type InputFlusher interface {
	FlushInput() error
}

// New creates an unopened connection of the given transport kind.
func New(t Type, name string) (StreamConnection, error) {
	switch t {
	case Serial:
		return NewSerialConnection(name), nil
	case NamedPipe:
		return NewNamedPipeConnection(name), nil
	default:
		return nil, fmt.Errorf("connection: %w: %v", ErrUnsupportedType, t)
	}
}

package protocol

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"ltoflash/connection"
)

var (
	ErrNak               = errors.New("device rejected request checksum")
	ErrChecksum          = errors.New("payload checksum mismatch")
	ErrMalformedResponse = errors.New("malformed response")
	ErrPayloadSize       = errors.New("payload size does not match command")

	ErrDeviceDisconnected = errors.New("device disconnected")
	ErrQueueClosed        = errors.New("command queue is closed")
	ErrCommandDrained     = errors.New("command drained from queue")
)

// CommandExecuteFailedError reports a failure response the device produced itself.
// It carries the exact arguments so the command can be retried unchanged.
type CommandExecuteFailedError struct {
	Command  CommandID
	Args     Args
	Response Response
}

func (e *CommandExecuteFailedError) Error() string {
	return fmt.Sprintf("protocol: %v%v: device responded %v", e.Command, e.Args, e.Response)
}

// CommandFailedError reports that a command did not complete. Err is the low-level
// cause, if any; ErrorLog is attached when the device's error log could be read.
type CommandFailedError struct {
	Command  CommandID
	Args     Args
	Err      error
	Detail   string
	ErrorLog *ErrorLog
}

func (e *CommandFailedError) Unwrap() error { return e.Err }

func (e *CommandFailedError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "protocol: %v failed", e.Command)
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Format prints the detailed report for %+v: detail first, then the command,
// the device error log and the cause.
func (e *CommandFailedError) Format(s fmt.State, verb rune) {
	if verb != 'v' || !s.Flag('+') {
		io.WriteString(s, e.Error())
		return
	}
	if e.Detail != "" {
		fmt.Fprintf(s, "%s\n", e.Detail)
	}
	fmt.Fprintf(s, "command: %v%v\n", e.Command, e.Args)
	if e.ErrorLog != nil {
		fmt.Fprintf(s, "error log:\n%v", e.ErrorLog)
	}
	if e.Err != nil {
		fmt.Fprintf(s, "caused by: %v\n", e.Err)
	}
}

// NewCommandFailedWithErrorLog escalates a device-reported failure, attaching the
// error log downloaded after it.
func NewCommandFailedWithErrorLog(cause *CommandExecuteFailedError, log *ErrorLog) *CommandFailedError {
	e := &CommandFailedError{
		Command:  cause.Command,
		Args:     cause.Args,
		Err:      cause,
		ErrorLog: log,
	}
	if log != nil && len(log.Entries) > 0 {
		e.Detail = log.Entries[len(log.Entries)-1].String()
	} else {
		e.Detail = fmt.Sprintf("device responded %v", cause.Response)
	}
	return e
}

// UnsupportedCommandError is returned before anything is sent when the command is
// unknown or needs newer firmware than the device runs.
type UnsupportedCommandError struct {
	Command  CommandID
	Firmware uint32
}

func (e *UnsupportedCommandError) Error() string {
	if e.Firmware == 0 {
		return fmt.Sprintf("protocol: command %v is not supported", e.Command)
	}
	return fmt.Sprintf("protocol: command %v is not supported by firmware %s", e.Command, FirmwareString(e.Firmware))
}

type TerminalError struct {
	wrapped error
}

func (e *TerminalError) Unwrap() error { return e.wrapped }
func (e *TerminalError) Is(target error) bool {
	return target == ErrDeviceDisconnected
}
func (e *TerminalError) Error() string {
	if e.wrapped == nil {
		return "protocol: device disconnected"
	}
	return fmt.Sprintf("protocol: device disconnected: %v", e.wrapped)
}

// IsTerminalError reports whether err means the connection can no longer be used.
func IsTerminalError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, connection.ErrNotOpen) ||
		errors.Is(err, ErrDeviceDisconnected)
}

// isTransient reports whether an exchange that failed with err may succeed if repeated.
func isTransient(err error) bool {
	return errors.Is(err, connection.ErrTimeout) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, ErrNak) ||
		errors.Is(err, ErrChecksum) ||
		errors.Is(err, ErrMalformedResponse)
}

// FirmwareString renders a firmware version word as major.minor.
func FirmwareString(v uint32) string {
	return fmt.Sprintf("%d.%d", v>>8, v&0xFF)
}

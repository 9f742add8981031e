package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// DiagnosticRecord captures a failed command so it can be stored and replayed later.
type DiagnosticRecord struct {
	ID         string    `cbor:"1,keyasint"`
	Time       time.Time `cbor:"2,keyasint"`
	Connection string    `cbor:"3,keyasint"`
	Command    CommandID `cbor:"4,keyasint"`
	Args       Args      `cbor:"5,keyasint"`
	Response   Response  `cbor:"6,keyasint,omitempty"`
	Message    string    `cbor:"7,keyasint"`
	ErrorLog   *ErrorLog `cbor:"8,keyasint,omitempty"`
	Firmware   uint32    `cbor:"9,keyasint,omitempty"`
}

var diagEncMode cbor.EncMode
var diagDecMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	diagEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create diagnostic CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	diagDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create diagnostic CBOR decoder mode: %v", err))
	}
}

// NewDiagnosticRecord describes err if it is a command failure; ok is false otherwise.
func NewDiagnosticRecord(connectionName string, err error) (rec *DiagnosticRecord, ok bool) {
	rec = &DiagnosticRecord{
		ID:         uuid.NewString(),
		Time:       time.Now().UTC(),
		Connection: connectionName,
	}

	var failed *CommandFailedError
	var executed *CommandExecuteFailedError
	var unsupported *UnsupportedCommandError
	switch {
	case errors.As(err, &failed):
		rec.Command, rec.Args, rec.ErrorLog = failed.Command, failed.Args, failed.ErrorLog
		if errors.As(failed.Err, &executed) {
			rec.Response = executed.Response
		}
		if failed.ErrorLog != nil {
			rec.Firmware = failed.ErrorLog.FirmwareVersion
		}
	case errors.As(err, &executed):
		rec.Command, rec.Args, rec.Response = executed.Command, executed.Args, executed.Response
	case errors.As(err, &unsupported):
		rec.Command, rec.Firmware = unsupported.Command, unsupported.Firmware
	default:
		return nil, false
	}
	rec.Message = err.Error()
	return rec, true
}

func EncodeDiagnostic(rec *DiagnosticRecord) ([]byte, error) {
	return diagEncMode.Marshal(rec)
}

func DecodeDiagnostic(data []byte) (*DiagnosticRecord, error) {
	rec := &DiagnosticRecord{}
	if err := diagDecMode.Unmarshal(data, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// WriteDiagnostic appends one record to a CBOR sequence.
func WriteDiagnostic(w io.Writer, rec *DiagnosticRecord) error {
	return diagEncMode.NewEncoder(w).Encode(rec)
}

// ReadDiagnostics reads a CBOR sequence written by WriteDiagnostic.
func ReadDiagnostics(r io.Reader) (recs []*DiagnosticRecord, err error) {
	dec := diagDecMode.NewDecoder(r)
	for {
		rec := &DiagnosticRecord{}
		if err = dec.Decode(rec); err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			return
		}
		recs = append(recs, rec)
	}
}

// Replay executes the recorded command again with the same arguments. upload must
// hold the payload for upload commands and be nil otherwise.
func Replay(ctx context.Context, s *Session, rec *DiagnosticRecord, upload []byte) (Result, error) {
	return s.Execute(ctx, Request{Command: rec.Command, Args: rec.Args, Upload: upload})
}

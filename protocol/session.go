package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"ltoflash/connection"
)

// Request is one command with its arguments and, for upload commands, the payload.
type Request struct {
	Command CommandID
	Args    Args
	Upload  []byte
}

// Result is the outcome of a completed exchange.
type Result struct {
	Response Response
	Data     []byte
	Attempts int
}

// Session executes commands over one stream connection. Only one exchange runs at a
// time; concurrent callers wait their turn.
type Session struct {
	conn   connection.StreamConnection
	policy RetryPolicy

	mu       sync.Mutex
	firmware uint32
}

func NewSession(conn connection.StreamConnection, policy RetryPolicy) *Session {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	return &Session{conn: conn, policy: policy}
}

func (s *Session) Connection() connection.StreamConnection { return s.conn }

// SetFirmwareVersion records the firmware the device reported. Zero means unknown,
// in which case no firmware check is made.
func (s *Session) SetFirmwareVersion(v uint32) {
	s.mu.Lock()
	s.firmware = v
	s.mu.Unlock()
}

func (s *Session) FirmwareVersion() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firmware
}

// ExecuteCommand runs a command that carries no payload and returns the device's response.
func (s *Session) ExecuteCommand(ctx context.Context, cmd CommandID, arg0, arg1, arg2, arg3 uint32) (Response, error) {
	res, err := s.Execute(ctx, Request{Command: cmd, Args: Args{arg0, arg1, arg2, arg3}})
	return res.Response, err
}

// Execute runs one request, repeating it after transient transport failures.
// A failure response from the device is returned as *CommandExecuteFailedError and
// is never repeated; everything else that prevents completion is *CommandFailedError.
func (s *Session) Execute(ctx context.Context, req Request) (res Result, err error) {
	info, ok := Lookup(req.Command)
	if !ok {
		err = &UnsupportedCommandError{Command: req.Command, Firmware: s.FirmwareVersion()}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.firmware != 0 && s.firmware < info.MinFirmware {
		err = &UnsupportedCommandError{Command: req.Command, Firmware: s.firmware}
		return
	}
	if n := max(info.downloadSize(req.Args), info.uploadSize(req.Args)); n < 0 || n > MaxPayloadSize {
		err = &CommandFailedError{
			Command: req.Command,
			Args:    req.Args,
			Err:     ErrPayloadSize,
			Detail:  fmt.Sprintf("payload of %d bytes exceeds %d", n, MaxPayloadSize),
		}
		return
	}
	if n := info.uploadSize(req.Args); n != len(req.Upload) {
		err = &CommandFailedError{
			Command: req.Command,
			Args:    req.Args,
			Err:     ErrPayloadSize,
			Detail:  fmt.Sprintf("payload is %d bytes, expected %d", len(req.Upload), n),
		}
		return
	}

	backoff := NewBackoffWithConfig(s.policy.Backoff)
	for attempt := 1; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			err = &CommandFailedError{Command: req.Command, Args: req.Args, Err: cerr, Detail: "cancelled"}
			return
		}

		res, err = s.exchange(info, req)
		res.Attempts = attempt
		if err == nil {
			return
		}

		var failed *CommandExecuteFailedError
		if errors.As(err, &failed) {
			return
		}
		if !isTransient(err) || attempt >= s.policy.Attempts {
			err = &CommandFailedError{
				Command: req.Command,
				Args:    req.Args,
				Err:     err,
				Detail:  fmt.Sprintf("after %d attempt(s)", attempt),
			}
			return
		}

		log.Printf("protocol: %s: %v attempt %d of %d: %v\n", s.conn.Name(), req.Command, attempt, s.policy.Attempts, err)
		s.conn.Log(fmt.Sprintf("retry %v: %v", req.Command, err))

		select {
		case <-ctx.Done():
		case <-time.After(backoff.Next()):
		}

		// late bytes of the failed attempt must not answer the retry:
		if f, ok := s.conn.(connection.InputFlusher); ok {
			if ferr := f.FlushInput(); ferr != nil {
				log.Printf("protocol: %s: flush input: %v\n", s.conn.Name(), ferr)
			}
		}
	}
}

// timeout returns the read timeout for one exchange: the command's base timeout plus
// the estimated time to move its payload.
func (s *Session) timeout(info *CommandInfo, req Request) int {
	n := int64(RequestSize + 1 + info.downloadSize(req.Args) + info.uploadSize(req.Args))
	if n > RequestSize+1 {
		n += ChecksumSize
	}
	ms, err := s.conn.EstimateDataTransferTime(n)
	if err != nil {
		return connection.MaxTimeout
	}
	if ms > connection.MaxTimeout-info.Timeout {
		return connection.MaxTimeout
	}
	return info.Timeout + ms
}

func (s *Session) exchange(info *CommandInfo, req Request) (res Result, err error) {
	if err = s.conn.SetReadTimeout(s.timeout(info, req)); err != nil {
		return
	}

	r := s.conn.ReadStream()
	w := s.conn.WriteStream()

	// send the command packet:
	if _, err = w.Write(EncodeRequest(req.Command, req.Args)); err != nil {
		return
	}
	if res.Response, err = readResponse(r, req); err != nil {
		return
	}

	// upload the payload and wait for the device to accept it:
	if info.Upload != nil {
		if _, err = w.Write(AppendChecksum(req.Upload)); err != nil {
			return
		}
		if res.Response, err = readResponse(r, req); err != nil {
			return
		}
	}

	// download the payload:
	if n := info.downloadSize(req.Args); n > 0 {
		frame := make([]byte, n+ChecksumSize)
		if _, err = io.ReadFull(r, frame); err != nil {
			return
		}
		if res.Data, err = VerifyChecksum(frame); err != nil {
			return
		}
	}
	return
}

func readResponse(r io.Reader, req Request) (rsp Response, err error) {
	var b [1]byte
	if _, err = io.ReadFull(r, b[:]); err != nil {
		return
	}
	rsp = Response(b[0])
	switch {
	case rsp == Ack:
	case rsp == BadChecksum:
		err = ErrNak
	case rsp.IsFailure():
		err = &CommandExecuteFailedError{Command: req.Command, Args: req.Args, Response: rsp}
	default:
		err = fmt.Errorf("protocol: response %v: %w", rsp, ErrMalformedResponse)
	}
	return
}

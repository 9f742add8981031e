package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// RequestSize is the size of a command packet: opcode, four arguments and a CRC-32.
const RequestSize = 24

// ChecksumSize trails every request and every bulk payload.
const ChecksumSize = 4

// Response is the single byte the device answers a command with.
type Response byte

const (
	Ack            Response = 0x2A
	Failed         Response = 0x21
	BadChecksum    Response = 0x23
	Busy           Response = 0x25
	UnknownCommand Response = 0x3F
)

// IsFailure reports whether the device used r to report a failure it recognized.
func (r Response) IsFailure() bool {
	switch r {
	case Failed, Busy, UnknownCommand:
		return true
	}
	return false
}

func (r Response) String() string {
	switch r {
	case Ack:
		return "ack"
	case Failed:
		return "failed"
	case BadChecksum:
		return "bad checksum"
	case Busy:
		return "busy"
	case UnknownCommand:
		return "unknown command"
	}
	return fmt.Sprintf("0x%02X", byte(r))
}

func EncodeRequest(cmd CommandID, args Args) []byte {
	b := make([]byte, RequestSize)
	binary.LittleEndian.PutUint32(b[0:], uint32(cmd))
	for i, arg := range args {
		binary.LittleEndian.PutUint32(b[4+i*4:], arg)
	}
	binary.LittleEndian.PutUint32(b[20:], crc32.ChecksumIEEE(b[:20]))
	return b
}

// DecodeRequest parses a command packet; a bad checksum returns ErrChecksum.
func DecodeRequest(b []byte) (cmd CommandID, args Args, err error) {
	if len(b) != RequestSize {
		err = fmt.Errorf("protocol: request is %d bytes: %w", len(b), ErrMalformedResponse)
		return
	}
	if crc32.ChecksumIEEE(b[:20]) != binary.LittleEndian.Uint32(b[20:]) {
		err = ErrChecksum
		return
	}
	cmd = CommandID(binary.LittleEndian.Uint32(b[0:]))
	for i := range args {
		args[i] = binary.LittleEndian.Uint32(b[4+i*4:])
	}
	return
}

// AppendChecksum returns payload followed by its CRC-32.
func AppendChecksum(payload []byte) []byte {
	b := make([]byte, len(payload)+ChecksumSize)
	copy(b, payload)
	binary.LittleEndian.PutUint32(b[len(payload):], crc32.ChecksumIEEE(payload))
	return b
}

// VerifyChecksum strips and checks the trailing CRC-32 of a payload frame.
func VerifyChecksum(frame []byte) ([]byte, error) {
	if len(frame) < ChecksumSize {
		return nil, ErrChecksum
	}
	payload := frame[:len(frame)-ChecksumSize]
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(frame[len(payload):]) {
		return nil, ErrChecksum
	}
	return payload, nil
}

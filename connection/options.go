package connection

import (
	"fmt"
	"strconv"
	"strings"

	"go.bug.st/serial"
)

// Options is the named-option bag passed to StreamConnection.Configure.
type Options map[string]any

// Serial option keys:
const (
	NameKey         = "Name"
	BaudRateKey     = "BaudRate"
	ReadTimeoutKey  = "ReadTimeout"
	WriteTimeoutKey = "WriteTimeout"
	ParityKey       = "Parity"
	StopBitsKey     = "StopBits"
	HandshakeKey    = "Handshake"
)

// Named pipe option keys:
const (
	PreOpenPortKey  = "PreOpenPort"
	PostOpenPortKey = "PostOpenPort"
)

type Handshake int

const (
	HandshakeNone Handshake = iota
	HandshakeXOnXOff
	HandshakeRequestToSend
	HandshakeRequestToSendXOnXOff
)

var handshakeNames = map[string]Handshake{
	"none":                 HandshakeNone,
	"xonxoff":              HandshakeXOnXOff,
	"requesttosend":        HandshakeRequestToSend,
	"rts":                  HandshakeRequestToSend,
	"requesttosendxonxoff": HandshakeRequestToSendXOnXOff,
}

func (h Handshake) String() string {
	switch h {
	case HandshakeNone:
		return "None"
	case HandshakeXOnXOff:
		return "XOnXOff"
	case HandshakeRequestToSend:
		return "RequestToSend"
	case HandshakeRequestToSendXOnXOff:
		return "RequestToSendXOnXOff"
	}
	return fmt.Sprintf("Handshake(%d)", int(h))
}

func ParseHandshake(s string) (Handshake, error) {
	h, ok := handshakeNames[strings.ToLower(s)]
	if !ok {
		return HandshakeNone, fmt.Errorf("connection: %w: handshake %q", ErrInvalidOption, s)
	}
	return h, nil
}

func ParseParity(s string) (serial.Parity, error) {
	switch strings.ToLower(s) {
	case "", "none", "n":
		return serial.NoParity, nil
	case "odd", "o":
		return serial.OddParity, nil
	case "even", "e":
		return serial.EvenParity, nil
	case "mark", "m":
		return serial.MarkParity, nil
	case "space", "s":
		return serial.SpaceParity, nil
	}
	return serial.NoParity, fmt.Errorf("connection: %w: parity %q", ErrInvalidOption, s)
}

func ParseStopBits(s string) (serial.StopBits, error) {
	switch strings.ToLower(s) {
	case "", "1", "one":
		return serial.OneStopBit, nil
	case "1.5", "onepointfive":
		return serial.OnePointFiveStopBits, nil
	case "2", "two":
		return serial.TwoStopBits, nil
	}
	return serial.OneStopBit, fmt.Errorf("connection: %w: stop bits %q", ErrInvalidOption, s)
}

func (o Options) String(key string) (v string, ok bool, err error) {
	raw, ok := o[key]
	if !ok {
		return
	}
	switch x := raw.(type) {
	case string:
		v = x
	case fmt.Stringer:
		v = x.String()
	default:
		err = fmt.Errorf("connection: %w: %s has type %T", ErrInvalidOption, key, raw)
	}
	return
}

func (o Options) Int(key string) (v int, ok bool, err error) {
	raw, ok := o[key]
	if !ok {
		return
	}
	switch x := raw.(type) {
	case int:
		v = x
	case int32:
		v = int(x)
	case int64:
		v = int(x)
	case uint32:
		v = int(x)
	case float64:
		// numbers decoded from JSON
		v = int(x)
	case string:
		v, err = strconv.Atoi(x)
		if err != nil {
			err = fmt.Errorf("connection: %w: %s: %v", ErrInvalidOption, key, err)
		}
	default:
		err = fmt.Errorf("connection: %w: %s has type %T", ErrInvalidOption, key, raw)
	}
	return
}

func (o Options) parity(key string) (p serial.Parity, ok bool, err error) {
	raw, ok := o[key]
	if !ok {
		return
	}
	switch x := raw.(type) {
	case serial.Parity:
		p = x
	case string:
		p, err = ParseParity(x)
	default:
		err = fmt.Errorf("connection: %w: %s has type %T", ErrInvalidOption, key, raw)
	}
	return
}

func (o Options) stopBits(key string) (s serial.StopBits, ok bool, err error) {
	raw, ok := o[key]
	if !ok {
		return
	}
	switch x := raw.(type) {
	case serial.StopBits:
		s = x
	case int:
		s, err = ParseStopBits(strconv.Itoa(x))
	case string:
		s, err = ParseStopBits(x)
	default:
		err = fmt.Errorf("connection: %w: %s has type %T", ErrInvalidOption, key, raw)
	}
	return
}

func (o Options) handshake(key string) (h Handshake, ok bool, err error) {
	raw, ok := o[key]
	if !ok {
		return
	}
	switch x := raw.(type) {
	case Handshake:
		h = x
	case string:
		h, err = ParseHandshake(x)
	default:
		err = fmt.Errorf("connection: %w: %s has type %T", ErrInvalidOption, key, raw)
	}
	return
}

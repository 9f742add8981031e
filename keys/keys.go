// Package keys maps Intellivision hand controller inputs to the bit patterns the
// console reads from the controller port.
package keys

import (
	"fmt"
	"strings"
)

type Key uint8

const (
	DiscN Key = iota
	DiscNNE
	DiscNE
	DiscENE
	DiscE
	DiscESE
	DiscSE
	DiscSSE
	DiscS
	DiscSSW
	DiscSW
	DiscWSW
	DiscW
	DiscWNW
	DiscNW
	DiscNNW

	Keypad1
	Keypad2
	Keypad3
	Keypad4
	Keypad5
	Keypad6
	Keypad7
	Keypad8
	Keypad9
	KeypadClear
	Keypad0
	KeypadEnter

	ActionTop
	ActionBottomLeft
	ActionBottomRight

	numKeys
)

type keyInfo struct {
	name string
	bits byte
}

var keyTable = [numKeys]keyInfo{
	DiscN:   {"DiscN", 0x04},
	DiscNNE: {"DiscNNE", 0x14},
	DiscNE:  {"DiscNE", 0x16},
	DiscENE: {"DiscENE", 0x06},
	DiscE:   {"DiscE", 0x02},
	DiscESE: {"DiscESE", 0x12},
	DiscSE:  {"DiscSE", 0x13},
	DiscSSE: {"DiscSSE", 0x03},
	DiscS:   {"DiscS", 0x01},
	DiscSSW: {"DiscSSW", 0x11},
	DiscSW:  {"DiscSW", 0x19},
	DiscWSW: {"DiscWSW", 0x09},
	DiscW:   {"DiscW", 0x08},
	DiscWNW: {"DiscWNW", 0x18},
	DiscNW:  {"DiscNW", 0x1C},
	DiscNNW: {"DiscNNW", 0x0C},

	Keypad1:     {"Keypad1", 0x81},
	Keypad2:     {"Keypad2", 0x41},
	Keypad3:     {"Keypad3", 0x21},
	Keypad4:     {"Keypad4", 0x82},
	Keypad5:     {"Keypad5", 0x42},
	Keypad6:     {"Keypad6", 0x22},
	Keypad7:     {"Keypad7", 0x84},
	Keypad8:     {"Keypad8", 0x44},
	Keypad9:     {"Keypad9", 0x24},
	KeypadClear: {"KeypadClear", 0x88},
	Keypad0:     {"Keypad0", 0x48},
	KeypadEnter: {"KeypadEnter", 0x28},

	ActionTop:         {"ActionTop", 0xA0},
	ActionBottomLeft:  {"ActionBottomLeft", 0x60},
	ActionBottomRight: {"ActionBottomRight", 0xC0},
}

const (
	discMask   = 0x1F
	actionMask = 0xE0
)

func (k Key) IsDisc() bool   { return k <= DiscNNW }
func (k Key) IsKeypad() bool { return k >= Keypad1 && k <= KeypadEnter }
func (k Key) IsAction() bool { return k >= ActionTop && k < numKeys }

func (k Key) String() string {
	if k >= numKeys {
		return fmt.Sprintf("Key(%d)", uint8(k))
	}
	return keyTable[k].name
}

// ToHardwareBits returns the byte the console reads while only k is pressed.
func (k Key) ToHardwareBits() byte {
	if k >= numKeys {
		return 0
	}
	return keyTable[k].bits
}

func ParseKey(s string) (Key, error) {
	for k := Key(0); k < numKeys; k++ {
		if strings.EqualFold(keyTable[k].name, s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("keys: unknown key %q", s)
}

// Set is a combination of keys.
type Set uint32

func NewSet(keys ...Key) (s Set) {
	for _, k := range keys {
		s = s.Add(k)
	}
	return
}

func (s Set) Add(k Key) Set {
	if k >= numKeys {
		return s
	}
	return s | 1<<k
}

func (s Set) Has(k Key) bool { return k < numKeys && s&(1<<k) != 0 }

func (s Set) Len() (n int) {
	for k := Key(0); k < numKeys; k++ {
		if s.Has(k) {
			n++
		}
	}
	return
}

// Keys returns the members of s in declaration order.
func (s Set) Keys() (keys []Key) {
	for k := Key(0); k < numKeys; k++ {
		if s.Has(k) {
			keys = append(keys, k)
		}
	}
	return
}

// ToHardwareBits returns the wired-OR of every member's bits.
func (s Set) ToHardwareBits() (b byte) {
	for _, k := range s.Keys() {
		b |= k.ToHardwareBits()
	}
	return
}

func (s Set) String() string {
	names := make([]string, 0, s.Len())
	for _, k := range s.Keys() {
		names = append(names, k.String())
	}
	return "{" + strings.Join(names, ", ") + "}"
}

// FromHardwareBits decodes a controller port reading. An exact keypad or action
// pattern wins; otherwise the byte splits into an action part and a disc part.
func FromHardwareBits(b byte) (s Set) {
	for k := Keypad1; k < numKeys; k++ {
		if keyTable[k].bits == b {
			return s.Add(k)
		}
	}

	for k := ActionTop; k < numKeys; k++ {
		if keyTable[k].bits == b&actionMask {
			s = s.Add(k)
		}
	}
	for k := DiscN; k <= DiscNNW; k++ {
		if keyTable[k].bits == b&discMask {
			s = s.Add(k)
		}
	}
	return
}

// reservedCombinations are used by the cartridge menu itself.
var reservedCombinations = []Set{
	NewSet(Keypad1, Keypad9),
	NewSet(KeypadClear, KeypadEnter),
}

// IsReservedKeyCombination reports whether keys is exactly one of the combinations
// the cartridge keeps for itself.
func IsReservedKeyCombination(keys ...Key) bool {
	s := NewSet(keys...)
	for _, r := range reservedCombinations {
		if s == r {
			return true
		}
	}
	return false
}

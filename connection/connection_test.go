package connection

import (
	"errors"
	"testing"
)

func TestParseType(t *testing.T) {
	for _, want := range []Type{None, CartridgePort, MemoryMap, Serial, NamedPipe} {
		got, err := ParseType(want.String())
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("ParseType(%q) = %v", want.String(), got)
		}
	}

	if _, err := ParseType("Bluetooth"); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("expected ErrUnsupportedType, got %v", err)
	}
	if s := Type(42).String(); s != "Type(42)" {
		t.Errorf("unexpected name %q", s)
	}
}

func TestNew(t *testing.T) {
	c, err := New(Serial, "COM7")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.(*SerialConnection); !ok || c.Name() != "COM7" || c.Type() != Serial {
		t.Fatalf("unexpected serial connection %#v", c)
	}

	c, err = New(NamedPipe, "ltosim")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.(*NamedPipeConnection); !ok || c.Type() != NamedPipe {
		t.Fatalf("unexpected pipe connection %#v", c)
	}

	for _, typ := range []Type{None, CartridgePort, MemoryMap} {
		if _, err = New(typ, "x"); !errors.Is(err, ErrUnsupportedType) {
			t.Errorf("New(%v): expected ErrUnsupportedType, got %v", typ, err)
		}
	}
}

func TestOptionsInt(t *testing.T) {
	opts := Options{"a": 1, "b": int64(2), "c": uint32(3), "d": float64(4), "e": "5", "f": true}
	for key, want := range map[string]int{"a": 1, "b": 2, "c": 3, "d": 4, "e": 5} {
		got, ok, err := opts.Int(key)
		if err != nil || !ok || got != want {
			t.Errorf("Int(%q) = %d, %v, %v", key, got, ok, err)
		}
	}
	if _, _, err := opts.Int("f"); !errors.Is(err, ErrInvalidOption) {
		t.Errorf("expected ErrInvalidOption, got %v", err)
	}
	if _, ok, err := opts.Int("missing"); ok || err != nil {
		t.Errorf("missing key reported ok=%v err=%v", ok, err)
	}
}

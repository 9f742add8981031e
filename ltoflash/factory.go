package ltoflash

import (
	"log"
	"strings"

	"ltoflash/connection"
	"ltoflash/peripheral"
	"ltoflash/protocol"
	"ltoflash/watcher"
)

const FactoryName = "ltoflash"

// Factory creates a Device for serial and named-pipe connections. When VID or PID
// is set, serial connections whose device change reports a different USB id are
// left for other factories.
type Factory struct {
	VID, PID string

	Policy    protocol.RetryPolicy
	ChunkSize int
}

func NewFactory() *Factory {
	return &Factory{Policy: protocol.DefaultRetryPolicy(), ChunkSize: DefaultChunkSize}
}

func init() {
	peripheral.Register(NewFactory())
}

func (f *Factory) Name() string { return FactoryName }

func (f *Factory) Create(conn connection.Connection, configData map[string]any) peripheral.Peripheral {
	sc, ok := conn.(connection.StreamConnection)
	if !ok {
		return nil
	}

	switch sc.Type() {
	case connection.Serial:
		if !matchID(f.VID, configData[watcher.KeyVID]) || !matchID(f.PID, configData[watcher.KeyPID]) {
			log.Printf("ltoflash: %s: USB id does not match %s:%s\n", sc.Name(), f.VID, f.PID)
			return nil
		}
	case connection.NamedPipe:
	default:
		return nil
	}

	d := NewDevice(sc, f.Policy)
	d.ChunkSize = f.ChunkSize
	return d
}

// matchID reports whether the id in a device change agrees with want. A change
// that carries no id is accepted.
func matchID(want string, have any) bool {
	if want == "" {
		return true
	}
	s, ok := have.(string)
	if !ok || s == "" {
		return true
	}
	return strings.EqualFold(want, s)
}

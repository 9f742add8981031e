package protocol

import (
	"fmt"

	"ltoflash/lfs"
)

// CommandID is the opcode of an operation the device can execute.
type CommandID uint32

const (
	Ping           CommandID = 0x00
	GarbageCollect CommandID = 0x01

	ErrorLogGet   CommandID = 0x10
	ErrorLogClear CommandID = 0x11

	// LfsDownloadTable(table, first, count) downloads count records of a global table.
	LfsDownloadTable CommandID = 0x20
	// LfsUpdateEntry(table, number) uploads one record.
	LfsUpdateEntry CommandID = 0x21
	// LfsDeleteEntry(table, number) frees one record.
	LfsDeleteEntry CommandID = 0x22
	// LfsReadFork(gkn, offset, length) downloads fork data.
	LfsReadFork CommandID = 0x23
	// LfsWriteFork(gkn, offset, length) uploads fork data.
	LfsWriteFork CommandID = 0x24

	ConfigGet CommandID = 0x30
	// ConfigSet(low, high) writes the configuration bits.
	ConfigSet CommandID = 0x31

	// RunProgram(gfn) boots the program fork of a file.
	RunProgram CommandID = 0x40
)

// Args holds the four 32-bit argument words of a command.
type Args [4]uint32

// Payload sizes of fixed-size downloads.
const (
	StatusSize = 16
	ConfigSize = 8
)

// MaxPayloadSize bounds the payload of a single command in either direction.
const MaxPayloadSize = 64 * 1024

const defaultCommandTimeout = 1000

type CommandInfo struct {
	ID   CommandID
	Name string

	// MinFirmware is the first firmware version that implements the command.
	MinFirmware uint32

	// Download returns the number of payload bytes the device sends after Ack.
	Download func(args Args) int
	// Upload returns the number of payload bytes the host sends after Ack.
	Upload func(args Args) int

	// Timeout is the base response timeout in milliseconds.
	Timeout int
}

func fixed(n int) func(Args) int { return func(Args) int { return n } }

func argLength(args Args) int { return int(args[2]) }

func tableRecords(args Args) int {
	return int(args[2]) * lfs.RecordSize(lfs.EntityType(args[0]))
}

func tableRecord(args Args) int {
	return lfs.RecordSize(lfs.EntityType(args[0]))
}

var commands = map[CommandID]*CommandInfo{
	Ping:             {Name: "Ping", Download: fixed(StatusSize)},
	GarbageCollect:   {Name: "GarbageCollect", Timeout: 30000},
	ErrorLogGet:      {Name: "ErrorLogGet", Download: fixed(ErrorLogSize)},
	ErrorLogClear:    {Name: "ErrorLogClear"},
	LfsDownloadTable: {Name: "LfsDownloadTable", Download: tableRecords},
	LfsUpdateEntry:   {Name: "LfsUpdateEntry", Upload: tableRecord},
	LfsDeleteEntry:   {Name: "LfsDeleteEntry"},
	LfsReadFork:      {Name: "LfsReadFork", Download: argLength},
	LfsWriteFork:     {Name: "LfsWriteFork", Upload: argLength},
	ConfigGet:        {Name: "ConfigGet", Download: fixed(ConfigSize)},
	ConfigSet:        {Name: "ConfigSet"},
	RunProgram:       {Name: "RunProgram", MinFirmware: 0x0200, Timeout: 5000},
}

func init() {
	for id, info := range commands {
		info.ID = id
		if info.Timeout == 0 {
			info.Timeout = defaultCommandTimeout
		}
	}
}

// Lookup returns the description of a command known to this build.
func Lookup(id CommandID) (*CommandInfo, bool) {
	info, ok := commands[id]
	return info, ok
}

func (id CommandID) String() string {
	if info, ok := commands[id]; ok {
		return info.Name
	}
	return fmt.Sprintf("Command(0x%02X)", uint32(id))
}

func (info *CommandInfo) downloadSize(args Args) int {
	if info.Download == nil {
		return 0
	}
	return info.Download(args)
}

func (info *CommandInfo) uploadSize(args Args) int {
	if info.Upload == nil {
		return 0
	}
	return info.Upload(args)
}

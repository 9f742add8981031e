package ltoflash

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"ltoflash/connection"
	"ltoflash/connection/connectiontest"
	"ltoflash/keys"
	"ltoflash/lfs"
	"ltoflash/peripheral"
	"ltoflash/protocol"
	"ltoflash/simulator"
	"ltoflash/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bench struct {
	sim  *simulator.Device
	conn *connectiontest.Conn
	dev  *Device
}

// newBench returns an open Device talking to a fresh simulator.
func newBench(t *testing.T, opts simulator.Options) *bench {
	t.Helper()

	sim := simulator.New(simulator.NewMemoryFlash(4096), opts)
	conn := connectiontest.Pipe("LTOSIM")
	conn.Trace = util.NewTestingLogger(t)
	served := make(chan error, 1)
	go func() { served <- sim.Serve(context.Background(), conn.Device, conn.Device) }()

	dev := NewDevice(conn, protocol.RetryPolicy{
		Attempts: 3,
		Backoff:  protocol.BackoffConfig{Initial: time.Millisecond, Max: 2 * time.Millisecond},
	})
	dev.ChunkSize = 1024
	require.NoError(t, dev.Open())

	t.Cleanup(func() {
		dev.Close()
		conn.Device.Close()
		<-served
	})
	return &bench{sim: sim, conn: conn, dev: dev}
}

func program(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestPing(t *testing.T) {
	ctx := context.Background()

	b := newBench(t, simulator.Options{HardwareFlags: 3})
	_, ok := b.dev.Status()
	assert.False(t, ok)

	st, err := b.dev.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(simulator.DefaultFirmware), st.FirmwareVersion)
	assert.Equal(t, uint32(3), st.HardwareFlags)
	assert.Equal(t, "", st.DeviceID())
	assert.Equal(t, uint32(simulator.DefaultFirmware), b.dev.Session().FirmwareVersion())

	b = newBench(t, simulator.Options{UniqueID: 0x0123456789ABCDEF})
	_, err = b.dev.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0123456789ABCDEF", b.dev.DeviceID())
}

func TestOpenClose(t *testing.T) {
	b := newBench(t, simulator.Options{})
	assert.ErrorIs(t, b.dev.Open(), ErrAlreadyOpen)

	require.NoError(t, b.dev.Close())
	<-b.dev.Done()
	assert.False(t, b.conn.IsOpen())

	_, err := b.dev.Ping(context.Background())
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.NoError(t, b.dev.Close())
}

func TestDisconnectIsTerminal(t *testing.T) {
	b := newBench(t, simulator.Options{})
	b.conn.Device.Close()

	_, err := b.dev.Ping(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrDeviceDisconnected)

	select {
	case <-b.dev.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not stop")
	}
}

func TestErrorLog(t *testing.T) {
	ctx := context.Background()
	b := newBench(t, simulator.Options{})

	l, err := b.dev.DownloadErrorLog(ctx)
	require.NoError(t, err)
	assert.True(t, l.IsEmpty())
	assert.Equal(t, uint32(simulator.DefaultFirmware), l.FirmwareVersion)

	assert.Error(t, b.dev.RunProgram(ctx, 5))
	l, err = b.dev.DownloadErrorLog(ctx)
	require.NoError(t, err)
	assert.Len(t, l.Entries, 1)

	require.NoError(t, b.dev.ClearErrorLog(ctx))
	l, err = b.dev.DownloadErrorLog(ctx)
	require.NoError(t, err)
	assert.True(t, l.IsEmpty())
}

func TestFailureCarriesErrorLog(t *testing.T) {
	ctx := context.Background()
	b := newBench(t, simulator.Options{})
	var diag bytes.Buffer
	b.dev.SetDiagnostics(&diag)

	err := b.dev.RunProgram(ctx, 5)
	require.Error(t, err)

	var op *lfs.FailedOperationError
	require.ErrorAs(t, err, &op)
	assert.Equal(t, lfs.File, op.EntityType)
	assert.Equal(t, uint32(5), op.GlobalFileSystemNumber)
	assert.Equal(t, "", op.TargetDeviceID)

	var failed *protocol.CommandFailedError
	require.ErrorAs(t, err, &failed)
	require.NotNil(t, failed.ErrorLog)
	require.Len(t, failed.ErrorLog.Entries, 1)
	assert.Equal(t, uint16(simulator.ErrCodeNotInUse), failed.ErrorLog.Entries[0].Code)
	assert.Equal(t, failed.ErrorLog.Entries[0].String(), failed.Detail)

	var executed *protocol.CommandExecuteFailedError
	require.ErrorAs(t, err, &executed)
	assert.Equal(t, protocol.Failed, executed.Response)
	assert.Equal(t, protocol.Args{5}, executed.Args)

	recs, err := protocol.ReadDiagnostics(&diag)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, protocol.RunProgram, recs[0].Command)
	assert.Equal(t, protocol.Failed, recs[0].Response)
	assert.Equal(t, "LTOSIM", recs[0].Connection)
}

func TestRetriesAreInvisible(t *testing.T) {
	b := newBench(t, simulator.Options{})
	b.sim.Inject(simulator.NakRequest, 1)
	b.sim.Inject(simulator.CorruptDownload, 1)

	_, err := b.dev.Ping(context.Background())
	assert.NoError(t, err)
	assert.Len(t, b.conn.Logged(), 2)
}

func TestDownloadFileSystem(t *testing.T) {
	ctx := context.Background()
	b := newBench(t, simulator.Options{})
	assert.Nil(t, b.dev.FileSystem())
	assert.ErrorIs(t, b.dev.VerifyFileSystem(ctx), ErrNoFileSystem)

	fs, err := b.dev.DownloadFileSystem(ctx)
	require.NoError(t, err)
	want, err := b.sim.FileSystem()
	require.NoError(t, err)
	assert.NoError(t, want.Compare(fs))
	assert.NoError(t, b.dev.VerifyFileSystem(ctx))

	// change the device behind the cache's back:
	f := lfs.NewFileEntry(9, "Stray", lfs.RootGDN)
	_, err = b.dev.Session().Execute(ctx, protocol.Request{
		Command: protocol.LfsUpdateEntry,
		Args:    protocol.Args{uint32(lfs.File), 9},
		Upload:  lfs.EncodeFile(f),
	})
	require.NoError(t, err)

	err = b.dev.VerifyFileSystem(ctx)
	var inconsistent *lfs.InconsistentFileSystemError
	require.ErrorAs(t, err, &inconsistent)
	assert.Equal(t, lfs.File, inconsistent.EntityType)
	assert.Equal(t, uint32(9), inconsistent.GlobalFileSystemNumber)
}

func TestDownloadFileSystemReportsBrokenTables(t *testing.T) {
	ctx := context.Background()
	b := newBench(t, simulator.Options{})

	f := lfs.NewFileEntry(4, "Orphan", lfs.RootGDN)
	f.Forks[lfs.Manual] = 17
	_, err := b.dev.Session().Execute(ctx, protocol.Request{
		Command: protocol.LfsUpdateEntry,
		Args:    protocol.Args{uint32(lfs.File), 4},
		Upload:  lfs.EncodeFile(f),
	})
	require.NoError(t, err)

	fs, err := b.dev.DownloadFileSystem(ctx)
	require.NotNil(t, fs)
	var inconsistent *lfs.InconsistentFileSystemError
	require.ErrorAs(t, err, &inconsistent)
	assert.Equal(t, lfs.Fork, inconsistent.EntityType)
	assert.Equal(t, uint32(17), inconsistent.GlobalFileSystemNumber)
}

func TestDownloadRom(t *testing.T) {
	ctx := context.Background()
	b := newBench(t, simulator.Options{})
	_, err := b.dev.Ping(ctx)
	require.NoError(t, err)

	data := program(3000)
	var progress []int
	gfn, err := b.dev.DownloadRom(ctx, Rom{Name: "Astrosmash", Color: 2, Program: data}, func(done, total int) {
		assert.Equal(t, len(data), total)
		progress = append(progress, done)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1024, 2048, 3000}, progress)

	fs, err := b.sim.FileSystem()
	require.NoError(t, err)
	require.NoError(t, fs.Validate())
	f, err := fs.File(gfn)
	require.NoError(t, err)
	assert.Equal(t, "Astrosmash", f.Name)
	assert.Equal(t, uint8(2), f.Color)
	fork, err := fs.FileFork(gfn, lfs.Program)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(data)), fork.Size)

	got, err := b.dev.ReadFork(ctx, fork.GKN, nil)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	assert.NoError(t, b.dev.VerifyFileSystem(ctx))

	require.NoError(t, b.dev.RunProgram(ctx, gfn))
	assert.Equal(t, gfn, b.sim.Running())
}

func TestProgressOnDispatcher(t *testing.T) {
	ctx := context.Background()
	b := newBench(t, simulator.Options{})
	_, err := b.dev.Ping(ctx)
	require.NoError(t, err)

	d := peripheral.NewDispatcher()
	var progress []int
	report := Progress(func(done, total int) { progress = append(progress, done) })
	_, err = b.dev.DownloadRom(ctx, Rom{Name: "Snafu", Program: program(2500)}, report.On(d))
	require.NoError(t, err)

	// Close runs the reports still pending:
	d.Close()
	assert.Equal(t, []int{1024, 2048, 2500}, progress)
	assert.Nil(t, Progress(nil).On(d))
}

func TestDownloadRomNeedsStatus(t *testing.T) {
	b := newBench(t, simulator.Options{})
	_, err := b.dev.DownloadRom(context.Background(), Rom{Name: "x"}, nil)
	assert.ErrorIs(t, err, ErrStatusUnknown)
}

func TestDownloadRomIncompatible(t *testing.T) {
	ctx := context.Background()
	b := newBench(t, simulator.Options{})
	_, err := b.dev.Ping(ctx)
	require.NoError(t, err)

	_, err = b.dev.DownloadRom(ctx, Rom{Name: "Locked", Program: program(10), RequiredDeviceID: "00000000DEADBEEF"}, nil)
	var incompatible *lfs.IncompatibleRomError
	require.ErrorAs(t, err, &incompatible)
	assert.Equal(t, "00000000DEADBEEF", incompatible.RequiredDeviceID)
	assert.Equal(t, "", incompatible.ActualDeviceID)

	// nothing but the ping reached the device:
	assert.Equal(t, []protocol.CommandID{protocol.Ping}, b.sim.Executed())
}

func TestDownloadRomCancelled(t *testing.T) {
	b := newBench(t, simulator.Options{})
	_, err := b.dev.Ping(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err = b.dev.DownloadRom(ctx, Rom{Name: "Cancelled", Program: program(3000)}, func(done, total int) {
		cancel()
	})
	assert.ErrorIs(t, err, context.Canceled)

	fs, err := b.sim.FileSystem()
	require.NoError(t, err)
	assert.Len(t, fs.Files, 1)
	assert.Empty(t, fs.Forks)
}

func TestCancelWaitsForRunningCommand(t *testing.T) {
	b := newBench(t, simulator.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	finished := false
	err := b.dev.run(ctx, func(ctx context.Context, s *protocol.Session) error {
		cancel()
		time.Sleep(10 * time.Millisecond)
		finished = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, finished)

	// a command that has not started yet stops at its first poll:
	_, err = b.dev.Ping(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	_, ok := b.dev.Status()
	assert.False(t, ok)
}

func TestCancelDuringCommands(t *testing.T) {
	b := newBench(t, simulator.Options{})
	_, err := b.dev.Ping(context.Background())
	require.NoError(t, err)

	// results are only read once the command is done, run with -race:
	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(time.Duration(i*10)*time.Microsecond, cancel)

		st, err := b.dev.Ping(ctx)
		if err == nil {
			assert.Equal(t, uint32(simulator.DefaultFirmware), st.FirmwareVersion)
		} else {
			assert.ErrorIs(t, err, context.Canceled)
		}
		cfg, err := b.dev.ReadConfiguration(ctx)
		if err == nil {
			assert.Equal(t, uint64(0), cfg)
		} else {
			assert.ErrorIs(t, err, context.Canceled)
		}
		cancel()
	}

	_, err = b.dev.Ping(context.Background())
	assert.NoError(t, err)
}

func TestDeleteFile(t *testing.T) {
	ctx := context.Background()
	b := newBench(t, simulator.Options{})
	_, err := b.dev.Ping(ctx)
	require.NoError(t, err)

	gfn, err := b.dev.DownloadRom(ctx, Rom{Name: "Snafu", Program: program(100)}, nil)
	require.NoError(t, err)

	err = b.dev.DeleteFile(ctx, lfs.RootGFN)
	assert.ErrorIs(t, err, ErrRootDirectory)

	require.NoError(t, b.dev.DeleteFile(ctx, gfn))
	fs, err := b.sim.FileSystem()
	require.NoError(t, err)
	assert.Len(t, fs.Files, 1)
	assert.Empty(t, fs.Forks)
	assert.NoError(t, b.dev.VerifyFileSystem(ctx))

	err = b.dev.DeleteFile(ctx, gfn)
	var inconsistent *lfs.InconsistentFileSystemError
	require.ErrorAs(t, err, &inconsistent)
}

func TestWriteForkThenRead(t *testing.T) {
	ctx := context.Background()
	b := newBench(t, simulator.Options{})

	data := program(1500)
	require.NoError(t, b.dev.WriteFork(ctx, 12, data, nil))
	got, err := b.dev.ReadFork(ctx, 12, nil)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = b.dev.ReadFork(ctx, 13, nil)
	var op lfs.FailedOperation
	require.True(t, errors.As(err, &op))
	assert.Equal(t, lfs.Fork, op.FailedOperation().EntityType)
	assert.Equal(t, uint32(13), op.FailedOperation().GlobalFileSystemNumber)
}

func TestReadForkRejectsOversizedFork(t *testing.T) {
	ctx := context.Background()
	b := newBench(t, simulator.Options{})

	// a corrupt fork record claiming 4 GiB:
	_, err := b.dev.Session().Execute(ctx, protocol.Request{
		Command: protocol.LfsUpdateEntry,
		Args:    protocol.Args{uint32(lfs.Fork), 5},
		Upload:  lfs.EncodeFork(lfs.ForkEntry{GKN: 5, Size: 0xFFFFFFFF}),
	})
	require.NoError(t, err)

	_, err = b.dev.DownloadFileSystem(ctx)
	var inconsistent *lfs.InconsistentFileSystemError
	require.ErrorAs(t, err, &inconsistent)
	assert.Equal(t, lfs.Fork, inconsistent.EntityType)

	_, err = b.dev.ReadFork(ctx, 5, nil)
	require.ErrorAs(t, err, &inconsistent)
	assert.Equal(t, uint32(5), inconsistent.GlobalFileSystemNumber)
	assert.NotContains(t, b.sim.Executed(), protocol.LfsReadFork)
}

func TestGarbageCollect(t *testing.T) {
	b := newBench(t, simulator.Options{})
	require.NoError(t, b.dev.GarbageCollect(context.Background()))

	b.sim.Inject(simulator.Busy, 1)
	err := b.dev.GarbageCollect(context.Background())
	var failed *protocol.CommandFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, uint16(simulator.ErrCodeBusy), failed.ErrorLog.Entries[0].Code)
}

func TestHardwareFeatures(t *testing.T) {
	ctx := context.Background()
	b := newBench(t, simulator.Options{})
	_, err := b.dev.ReadConfiguration(ctx)
	require.NoError(t, err)

	ecs, ok := peripheral.FindFeature(b.dev, FeatureEcsCompatibility)
	require.True(t, ok)
	assert.Equal(t, peripheral.OnHardware, ecs.Source())
	require.NoError(t, ecs.SetValue(ctx, uint8(2)))
	assert.Error(t, ecs.SetValue(ctx, uint8(4)))
	assert.ErrorIs(t, ecs.SetValue(ctx, 2), peripheral.ErrFeatureType)

	ram, ok := peripheral.FindFeature(b.dev, FeatureRandomizeLtoFlashRam)
	require.True(t, ok)
	require.NoError(t, ram.SetValue(ctx, true))
	assert.Equal(t, uint64(1<<32|2), b.dev.Configuration())

	// read back from the device:
	cfg, err := b.dev.ReadConfiguration(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<32|2), cfg)
	assert.Equal(t, uint8(2), ecs.Value())
	assert.Equal(t, true, ram.Value())
}

func TestHardwareFeatureKeepsOtherFields(t *testing.T) {
	ctx := context.Background()
	b := newBench(t, simulator.Options{})

	// ECS and Intellivision II already set on the cartridge:
	_, err := b.dev.Session().ExecuteCommand(ctx, protocol.ConfigSet, 0x5, 0, 0, 0)
	require.NoError(t, err)

	gc, ok := peripheral.FindFeature(b.dev, FeatureBackgroundGC)
	require.True(t, ok)
	require.NoError(t, gc.SetValue(ctx, true))
	assert.Equal(t, uint64(0x105), b.dev.Configuration())

	ecs, _ := peripheral.FindFeature(b.dev, FeatureEcsCompatibility)
	assert.Equal(t, uint8(1), ecs.Value())
	assert.Equal(t, true, gc.Value())

	cfg, err := b.dev.ReadConfiguration(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x105), cfg)
}

func TestMemoryFeatures(t *testing.T) {
	ctx := context.Background()
	d := NewDevice(connectiontest.Pipe("unused"), protocol.DefaultRetryPolicy())

	hot, ok := peripheral.FindFeature(d, FeatureMenuHotKeys)
	require.True(t, ok)
	assert.Equal(t, peripheral.InMemory, hot.Source())
	err := hot.SetValue(ctx, keys.NewSet(keys.Keypad1, keys.Keypad9))
	assert.ErrorIs(t, err, ErrReservedHotKeys)
	require.NoError(t, hot.SetValue(ctx, keys.NewSet(keys.Keypad1, keys.ActionTop)))
	assert.Equal(t, keys.NewSet(keys.Keypad1, keys.ActionTop), d.MenuHotKeys())

	warn, ok := peripheral.FindFeature(d, FeatureShowFileSystemWarnings)
	require.True(t, ok)
	assert.True(t, d.ShowFileSystemWarnings())
	require.NoError(t, warn.SetValue(ctx, false))
	assert.False(t, d.ShowFileSystemWarnings())

	// hardware features need an open device:
	ecs, _ := peripheral.FindFeature(d, FeatureEcsCompatibility)
	assert.ErrorIs(t, ecs.SetValue(ctx, uint8(1)), ErrNotOpen)
}

func TestFactory(t *testing.T) {
	assert.Contains(t, peripheral.Factories(), FactoryName)

	f := NewFactory()
	f.VID, f.PID = "0403", "6015"

	serial := connection.NewSerialConnection("COM7")
	p := f.Create(serial, map[string]any{"VID": "0403", "PID": "6015"})
	require.NotNil(t, p)
	assert.Equal(t, "LTO Flash! (COM7)", p.Name())
	assert.Equal(t, []connection.Connection{serial}, p.Connections())

	assert.Nil(t, f.Create(serial, map[string]any{"VID": "1234", "PID": "6015"}))
	assert.NotNil(t, f.Create(serial, nil))
	assert.NotNil(t, f.Create(connectiontest.Pipe("pipe"), nil))
}

func TestMonitorAttachesDevice(t *testing.T) {
	m := peripheral.NewMonitor(nil)
	defer m.Close()
	m.RegisterPeripheralFactory(NewFactory())

	m.DeviceAdded(peripheral.NewDeviceChange("COM9", connection.Serial))
	list := m.Peripherals()
	require.Len(t, list, 1)
	_, ok := list[0].(*Device)
	assert.True(t, ok)

	m.DeviceRemoved(peripheral.NewDeviceChange("COM9", connection.Serial))
	assert.Empty(t, m.Peripherals())
}

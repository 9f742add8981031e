package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"ltoflash/config"
	"ltoflash/connection"
	"ltoflash/healthsrv"
	"ltoflash/ltoflash"
	"ltoflash/peripheral"
	"ltoflash/util"
	"ltoflash/watcher"
)

var (
	configFile = flag.String("config", "", "configuration file (default: search ltoflash.yaml)")
	dumpConfig = flag.Bool("dump-config", false, "print the effective configuration and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatal(err)
	}
	if *dumpConfig {
		if err = cfg.Write(os.Stdout); err != nil {
			log.Fatal(err)
		}
		return
	}

	logger, err := util.InstallLogFile(cfg.Log.File)
	if err != nil {
		log.Fatal(err)
	}
	if logger != nil {
		defer logger.Close()
	}
	defer func() {
		if err := recover(); err != nil {
			util.LogPanic(err)
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = run(ctx, cfg); err != nil && ctx.Err() == nil {
		log.Printf("ltomon: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	m := peripheral.NewMonitor(cfg.ConnectionOptions())
	defer m.Close()

	f, err := peripheral.LookupFactory(ltoflash.FactoryName)
	if err != nil {
		return err
	}
	if lf, ok := f.(*ltoflash.Factory); ok {
		lf.VID, lf.PID = cfg.Watch.VID, cfg.Watch.PID
		lf.Policy = cfg.Protocol.Retry
		lf.ChunkSize = cfg.Protocol.ChunkSize
	}
	m.RegisterPeripheralFactory(f)

	if cfg.Health.Address != "" {
		lis, err := net.Listen("tcp", cfg.Health.Address)
		if err != nil {
			return fmt.Errorf("health: %w", err)
		}
		hs := healthsrv.New()
		hs.Match = func(p peripheral.Peripheral) bool {
			_, ok := p.(*ltoflash.Device)
			return ok
		}
		m.AddObserver(hs)
		go func() {
			if err := hs.Serve(lis); err != nil {
				log.Printf("ltomon: health: %v\n", err)
			}
		}()
		defer hs.Stop()
	}

	m.AddObserver(newAttacher(ctx, func(ctx context.Context, d *ltoflash.Device) error {
		if err := d.Open(); err != nil {
			return err
		}
		traceDevice(cfg, d)
		return nil
	}, inspect))

	if cfg.Pipe.Name != "" {
		m.DeviceAdded(peripheral.NewDeviceChange(cfg.Pipe.Name, connection.NamedPipe))
	}

	w, err := newWatcher(cfg)
	if err != nil {
		return err
	}
	return m.Run(ctx, w)
}

func newWatcher(cfg *config.Config) (peripheral.Watcher, error) {
	switch cfg.Watch.Mode {
	case config.WatchPoll:
		return watcher.NewPortPoller(cfg.Watch.VID, cfg.Watch.PID, cfg.Watch.Interval), nil
	case config.WatchDev:
		return watcher.NewDevWatcher(cfg.Watch.DevDir), nil
	case config.WatchFeed:
		return watcher.NewFeedWatcher(cfg.Watch.FeedURL), nil
	}
	return nil, fmt.Errorf("ltomon: unknown watch mode %q", cfg.Watch.Mode)
}

// traceDevice sends the connection trace and failed-command diagnostics of d to
// the trace directory, if one is configured.
func traceDevice(cfg *config.Config, d *ltoflash.Device) {
	if cfg.Log.Trace == "" {
		return
	}
	conn := d.Connections()[0].(connection.StreamConnection)
	base := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(conn.Name())
	if err := conn.EnableLogging(filepath.Join(cfg.Log.Trace, base+".log")); err != nil {
		log.Printf("ltomon: %v\n", err)
	}
	diag, err := os.OpenFile(filepath.Join(cfg.Log.Trace, base+".diag"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("ltomon: %v\n", err)
		return
	}
	d.SetDiagnostics(diag)
	go func() {
		<-d.Done()
		d.SetDiagnostics(nil)
		diag.Close()
	}()
}

// inspect reports what an opened device holds.
func inspect(ctx context.Context, d *ltoflash.Device) {
	st, err := d.Ping(ctx)
	if err != nil {
		log.Printf("ltomon: %s: ping: %+v\n", d.Name(), err)
		return
	}
	log.Printf("ltomon: %s: %v\n", d.Name(), st)

	if _, err = d.ReadConfiguration(ctx); err != nil {
		log.Printf("ltomon: %s: configuration: %+v\n", d.Name(), err)
	}
	for _, feature := range d.ConfigurableFeatures() {
		log.Printf("ltomon: %s: %s (%v) = %v\n", d.Name(), feature.Name(), feature.Source(), feature.Value())
	}

	fs, err := d.DownloadFileSystem(ctx)
	if err != nil {
		if d.ShowFileSystemWarnings() {
			log.Printf("ltomon: %s: file system: %v\n", d.Name(), err)
		}
		if fs == nil {
			return
		}
	}
	log.Printf("ltomon: %s: %d directories, %d files, %d forks\n", d.Name(), len(fs.Directories), len(fs.Files), len(fs.Forks))

	errorLog, err := d.DownloadErrorLog(ctx)
	if err != nil {
		log.Printf("ltomon: %s: error log: %+v\n", d.Name(), err)
	} else if !errorLog.IsEmpty() {
		log.Printf("ltomon: %s: device error log:\n%v", d.Name(), errorLog)
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"ltoflash/config"
	"ltoflash/connection"
	"ltoflash/simulator"
	"ltoflash/util"
)

var (
	configFile = flag.String("config", "", "configuration file (default: search ltoflash.yaml)")
	flashFile  = flag.String("flash", "", "flash image file (default: in memory)")
	slotSize   = flag.Int("slot", simulator.DefaultForkSlotSize, "fork slot size in bytes")
	uniqueID   = flag.String("id", "0", "unique id reported by Ping, in hex; 0 simulates an anonymous target")
	firmware   = flag.String("firmware", "0200", "firmware version reported by Ping, in hex")
	feedAddr   = flag.String("feed", "", "serve a device-change feed on this address, e.g. :27637")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Pipe.Name == "" {
		log.Fatal("ltosim: pipe.name is not configured")
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

	opts := simulator.Options{}
	if opts.UniqueID, err = strconv.ParseUint(*uniqueID, 16, 64); err != nil {
		log.Fatalf("ltosim: -id: %v", err)
	}
	fw, err := strconv.ParseUint(*firmware, 16, 32)
	if err != nil {
		log.Fatalf("ltosim: -firmware: %v", err)
	}
	opts.Firmware = uint32(fw)

	var flash *simulator.Flash
	if *flashFile != "" {
		if flash, err = simulator.OpenFlashFile(*flashFile, *slotSize); err != nil {
			log.Fatal(err)
		}
	} else {
		flash = simulator.NewMemoryFlash(*slotSize)
	}
	defer func() {
		if err := flash.Close(); err != nil {
			log.Printf("ltosim: %v\n", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *feedAddr != "" {
		go startFeedServer(ctx, *feedAddr, cfg.Pipe.Name)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		serve(ctx, cfg.Pipe.Name, simulator.New(flash, opts), flash)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// an open still waiting for a host never returns:
		select {
		case <-done:
		case <-time.After(time.Second):
			log.Printf("ltosim: no host connected, exiting\n")
		}
	}
}

// serve accepts one host at a time on the named pipe until ctx is done.
func serve(ctx context.Context, name string, dev *simulator.Device, flash *simulator.Flash) {
	conn := connection.NewNamedPipeConnection(name)
	err := conn.Configure(connection.Options{
		connection.ReadTimeoutKey: -1,
		connection.PreOpenPortKey: func(*connection.NamedPipeConnection) bool { return true },
	})
	if err != nil {
		log.Fatal(err)
	}

	// a blocked read only returns once the pipes go away:
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for ctx.Err() == nil {
		log.Printf("ltosim: waiting for a host on %s\n", name)
		if err = conn.Open(); err != nil {
			log.Printf("ltosim: %v\n", err)
			return
		}
		log.Printf("ltosim: host connected\n")

		err = dev.Serve(ctx, conn.ReadStream(), conn.WriteStream())
		if err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil {
			log.Printf("ltosim: %v\n", err)
		}
		if err = flash.Flush(); err != nil {
			log.Printf("ltosim: %v\n", err)
		}
		conn.Close()
		log.Printf("ltosim: host disconnected\n")
	}
}

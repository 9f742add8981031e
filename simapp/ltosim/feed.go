package main

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"

	"ltoflash/connection"
	"ltoflash/peripheral"
	"ltoflash/watcher"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type feedMessage struct {
	Event  string         `json:"event"`
	Change map[string]any `json:"change"`
}

// startFeedServer announces the simulator's pipe to every monitor that connects
// to /ws/, and withdraws it when the simulator shuts down.
func startFeedServer(ctx context.Context, addr, pipeName string) {
	mux := http.NewServeMux()
	mux.Handle("/ws/", http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(req, rw)
		if err != nil {
			log.Println(err)
			rw.WriteHeader(400)
			return
		}

		go handleFeed(ctx, conn, pipeName)
	}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	log.Printf("ltosim: feed on %s\n", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("ltosim: feed: %v\n", err)
	}
}

func handleFeed(ctx context.Context, conn net.Conn, pipeName string) {
	defer conn.Close()

	change := peripheral.NewSystemDeviceChange(pipeName, connection.NamedPipe, true, nil)
	if err := sendChange(conn, watcher.EventAdded, change.Data); err != nil {
		log.Printf("ltosim: feed: %v\n", err)
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}()

	select {
	case <-closed:
	case <-ctx.Done():
		change = peripheral.NewSystemDeviceChange(pipeName, connection.NamedPipe, false, nil)
		_ = sendChange(conn, watcher.EventRemoved, change.Data)
	}
}

func sendChange(conn net.Conn, event string, data map[string]any) error {
	b, err := json.Marshal(feedMessage{Event: event, Change: data})
	if err != nil {
		return err
	}
	return wsutil.WriteServerText(conn, b)
}

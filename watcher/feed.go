package watcher

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"ltoflash/peripheral"
	"ltoflash/protocol"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Feed events.
const (
	EventAdded   = "added"
	EventRemoved = "removed"
)

// feedMessage is one text frame of a device-change feed.
type feedMessage struct {
	Event  string         `json:"event"`
	Change map[string]any `json:"change"`
}

// FeedWatcher reads device changes from a websocket feed, reconnecting with
// backoff when the feed drops.
type FeedWatcher struct {
	URL     string
	Backoff protocol.BackoffConfig
}

func NewFeedWatcher(url string) *FeedWatcher {
	return &FeedWatcher{
		URL:     url,
		Backoff: protocol.BackoffConfig{Initial: protocol.MaxBackoff, Max: 30 * protocol.MaxBackoff},
	}
}

func (f *FeedWatcher) Watch(ctx context.Context, sink peripheral.Sink) error {
	backoff := protocol.NewBackoffWithConfig(f.Backoff)
	for {
		conn, br, _, err := ws.Dial(ctx, f.URL)
		if err == nil {
			log.Printf("watcher: connected to %s\n", f.URL)
			backoff.Reset()
			err = f.read(ctx, conn, br, sink)
			conn.Close()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("watcher: %s: %v\n", f.URL, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff.Next()):
		}
	}
}

func (f *FeedWatcher) read(ctx context.Context, conn net.Conn, br *bufio.Reader, sink peripheral.Sink) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// frames sent right after the handshake may already sit in br:
	var rw io.ReadWriter = conn
	if br != nil {
		rw = struct {
			io.Reader
			io.Writer
		}{io.MultiReader(br, conn), conn}
		defer ws.PutReader(br)
	}

	for {
		data, op, err := wsutil.ReadServerData(rw)
		if err != nil {
			return err
		}
		if op != ws.OpText {
			continue
		}

		var msg feedMessage
		if err = json.Unmarshal(data, &msg); err != nil {
			log.Printf("watcher: %s: bad message: %v\n", f.URL, err)
			continue
		}
		change, err := peripheral.ParseDeviceChange(msg.Change)
		if err != nil {
			log.Printf("watcher: %s: %v\n", f.URL, err)
			continue
		}

		switch msg.Event {
		case EventAdded:
			sink.DeviceAdded(change)
		case EventRemoved:
			sink.DeviceRemoved(change)
		default:
			log.Printf("watcher: %s: %v\n", f.URL, fmt.Errorf("unknown event %q", msg.Event))
		}
	}
}

package main

import (
	"context"
	"testing"

	"ltoflash/connection/connectiontest"
	"ltoflash/ltoflash"
	"ltoflash/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAttacher(inspected *[]*ltoflash.Device) *attacher {
	return newAttacher(context.Background(),
		func(_ context.Context, d *ltoflash.Device) error { return d.Open() },
		func(_ context.Context, d *ltoflash.Device) { *inspected = append(*inspected, d) })
}

func TestAttachThenRemove(t *testing.T) {
	var inspected []*ltoflash.Device
	a := newTestAttacher(&inspected)
	conn := connectiontest.Pipe("LTO1")
	d := ltoflash.NewDevice(conn, protocol.DefaultRetryPolicy())

	at := a.track(d)
	a.attach(d, at)
	assert.True(t, conn.IsOpen())
	assert.Equal(t, []*ltoflash.Device{d}, inspected)

	a.PeripheralRemoved(d)
	assert.False(t, conn.IsOpen())
	assert.Error(t, at.ctx.Err())
	assert.Empty(t, a.attached)
}

func TestRemovedBeforeOpen(t *testing.T) {
	var inspected []*ltoflash.Device
	a := newTestAttacher(&inspected)
	conn := connectiontest.Pipe("LTO2")
	d := ltoflash.NewDevice(conn, protocol.DefaultRetryPolicy())

	at := a.track(d)
	a.PeripheralRemoved(d)
	a.attach(d, at)

	assert.False(t, conn.IsOpen())
	assert.Empty(t, inspected)
	_, err := d.Ping(context.Background())
	require.ErrorIs(t, err, ltoflash.ErrNotOpen)
}

package main

import (
	"context"
	"log"
	"sync"

	"ltoflash/ltoflash"
	"ltoflash/peripheral"
)

// attacher opens every LTO Flash device the monitor adds and inspects it on its
// own goroutine. A device removed before its open ran is never opened, and one
// opened concurrently with its removal is closed again.
type attacher struct {
	ctx     context.Context
	open    func(ctx context.Context, d *ltoflash.Device) error
	inspect func(ctx context.Context, d *ltoflash.Device)

	mu       sync.Mutex
	attached map[*ltoflash.Device]*attachment
}

type attachment struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	removed bool
}

func newAttacher(ctx context.Context, open func(context.Context, *ltoflash.Device) error, inspect func(context.Context, *ltoflash.Device)) *attacher {
	return &attacher{
		ctx:      ctx,
		open:     open,
		inspect:  inspect,
		attached: make(map[*ltoflash.Device]*attachment),
	}
}

func (a *attacher) PeripheralAdded(p peripheral.Peripheral) {
	d, ok := p.(*ltoflash.Device)
	if !ok {
		return
	}
	go a.attach(d, a.track(d))
}

func (a *attacher) PeripheralRemoved(p peripheral.Peripheral) {
	d, ok := p.(*ltoflash.Device)
	if !ok {
		return
	}
	log.Printf("ltomon: %s removed\n", d.Name())

	a.mu.Lock()
	at := a.attached[d]
	delete(a.attached, d)
	a.mu.Unlock()
	if at == nil {
		return
	}

	at.cancel()
	at.mu.Lock()
	at.removed = true
	at.mu.Unlock()
	if err := d.Close(); err != nil {
		log.Printf("ltomon: %s: %v\n", d.Name(), err)
	}
}

func (a *attacher) track(d *ltoflash.Device) *attachment {
	ctx, cancel := context.WithCancel(a.ctx)
	at := &attachment{ctx: ctx, cancel: cancel}
	a.mu.Lock()
	a.attached[d] = at
	a.mu.Unlock()
	return at
}

func (a *attacher) attach(d *ltoflash.Device, at *attachment) {
	at.mu.Lock()
	if at.removed {
		at.mu.Unlock()
		return
	}
	err := a.open(at.ctx, d)
	at.mu.Unlock()
	if err != nil {
		log.Printf("ltomon: %v\n", err)
		return
	}

	if a.inspect != nil {
		a.inspect(at.ctx, d)
	}
}

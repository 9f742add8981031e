package connection

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// tracer writes the optional human-readable trace of a connection.
type tracer struct {
	mu sync.Mutex
	f  *os.File
	l  *log.Logger
}

func (t *tracer) enable(path, prefix string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("connection: could not open trace log: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f != nil {
		_ = t.f.Close()
	}
	t.f = f
	t.l = log.New(f, prefix+": ", log.LstdFlags|log.Lmicroseconds)
	return nil
}

func (t *tracer) disable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return
	}
	_ = t.f.Close()
	t.f = nil
	t.l = nil
}

func (t *tracer) logf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.l == nil {
		return
	}
	t.l.Printf(format, args...)
}

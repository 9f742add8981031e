// Package util holds the process-wide log plumbing shared by the apps and tests.
package util

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime/debug"
)

// PanicSafeLogger tees the process log to a file and stderr so a crash leaves a
// complete log behind.
type PanicSafeLogger struct {
	f  *os.File
	mw io.Writer
}

var std *PanicSafeLogger

func NewPanicSafeLogger(f *os.File) *PanicSafeLogger {
	std = &PanicSafeLogger{
		f:  f,
		mw: io.MultiWriter(f, os.Stderr),
	}
	return std
}

// InstallLogFile appends the standard logger's output to path as well as stderr.
// An empty path leaves logging on stderr only.
func InstallLogFile(path string) (l *PanicSafeLogger, err error) {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if path == "" {
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("util: could not open log file: %w", err)
	}
	l = NewPanicSafeLogger(f)
	log.SetOutput(l)
	return
}

func (l *PanicSafeLogger) Write(p []byte) (n int, err error) {
	return l.mw.Write(p)
}

func (l *PanicSafeLogger) Flush() error {
	return l.f.Sync()
}

// Close restores stderr logging and closes the file.
func (l *PanicSafeLogger) Close() error {
	log.SetOutput(os.Stderr)
	if std == l {
		std = nil
	}
	return l.f.Close()
}

func FlushLogger() error {
	if std == nil {
		return nil
	}
	return std.Flush()
}

// LogPanic records a recovered panic with its stack. Use it as
// defer func() { if err := recover(); err != nil { util.LogPanic(err) } }().
func LogPanic(err any) {
	log.Printf("paniced with %v\n%s\n", err, string(debug.Stack()))
	_ = FlushLogger()
}

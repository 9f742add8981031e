//go:build linux

package protocol

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"ltoflash/connection"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPipes(t *testing.T) (host, device *connection.NamedPipeConnection) {
	t.Helper()
	base := filepath.Join(t.TempDir(), "lto")

	device = connection.NewNamedPipeConnection(base)
	require.NoError(t, device.Configure(connection.Options{
		connection.PreOpenPortKey: func(*connection.NamedPipeConnection) bool { return true },
	}))
	host = connection.NewNamedPipeConnection(base)

	opened := make(chan error, 1)
	go func() { opened <- device.Open() }()

	var err error
	for i := 0; i < 1000; i++ {
		if err = host.Open(); err == nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, err)
	require.NoError(t, <-opened)
	t.Cleanup(func() {
		host.Close()
		device.Close()
	})
	return
}

func TestRetryOverPipeDropsLateResponse(t *testing.T) {
	host, device := openPipes(t)
	s := NewSession(host, RetryPolicy{
		Attempts: 3,
		Backoff:  BackoffConfig{Initial: 300 * time.Millisecond, Max: 300 * time.Millisecond},
	})

	served := make(chan error, 1)
	go func() {
		served <- func() error {
			req := make([]byte, RequestSize)
			r, w := device.ReadStream(), device.WriteStream()

			// first attempt: answered only after the host has given up
			if _, err := io.ReadFull(r, req); err != nil {
				return err
			}
			time.Sleep(1100 * time.Millisecond)
			if _, err := w.Write([]byte{byte(Ack)}); err != nil {
				return err
			}

			// the retry:
			if _, err := io.ReadFull(r, req); err != nil {
				return err
			}
			if _, err := w.Write([]byte{byte(Ack)}); err != nil {
				return err
			}

			// the next command is refused:
			if _, err := io.ReadFull(r, req); err != nil {
				return err
			}
			_, err := w.Write([]byte{byte(UnknownCommand)})
			return err
		}()
	}()

	ctx := context.Background()
	res, err := s.Execute(ctx, Request{Command: ConfigSet, Args: Args{1, 0, 0, 0}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)

	_, err = s.ExecuteCommand(ctx, ErrorLogClear, 0, 0, 0, 0)
	var failed *CommandExecuteFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, UnknownCommand, failed.Response)
	assert.Equal(t, ErrorLogClear, failed.Command)

	require.NoError(t, <-served)
}

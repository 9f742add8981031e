//go:build windows

package connection

import (
	"errors"
	"os"
	"strings"

	"golang.org/x/sys/windows"
)

const pipePrefix = `\\.\pipe\`

const pipeBufferSize = 4096

func pipePath(name string) string {
	if strings.HasPrefix(name, pipePrefix) {
		return name
	}
	return pipePrefix + name
}

func createPipe(path string, access uint32) (windows.Handle, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return windows.InvalidHandle, err
	}
	return windows.CreateNamedPipe(
		p,
		access,
		windows.PIPE_TYPE_BYTE|windows.PIPE_READMODE_BYTE|windows.PIPE_WAIT,
		1,
		pipeBufferSize,
		pipeBufferSize,
		0,
		nil,
	)
}

func connectPipe(h windows.Handle) error {
	err := windows.ConnectNamedPipe(h, nil)
	if errors.Is(err, windows.ERROR_PIPE_CONNECTED) {
		return nil
	}
	return err
}

// openPipes creates both server pipes before waiting for the client so the client
// never races the creation of the output pipe.
func openPipes(input, output string, server bool) (rd, wr *os.File, err error) {
	in, out := pipePath(input), pipePath(output)

	if !server {
		if wr, err = os.OpenFile(in, os.O_WRONLY, 0); err != nil {
			return
		}
		if rd, err = os.OpenFile(out, os.O_RDONLY, 0); err != nil {
			wr.Close()
			return nil, nil, err
		}
		return
	}

	hin, err := createPipe(in, windows.PIPE_ACCESS_INBOUND)
	if err != nil {
		return nil, nil, err
	}
	hout, err := createPipe(out, windows.PIPE_ACCESS_OUTBOUND)
	if err != nil {
		windows.CloseHandle(hin)
		return nil, nil, err
	}
	if err = connectPipe(hin); err == nil {
		err = connectPipe(hout)
	}
	if err != nil {
		windows.CloseHandle(hin)
		windows.CloseHandle(hout)
		return nil, nil, err
	}

	return os.NewFile(uintptr(hin), in), os.NewFile(uintptr(hout), out), nil
}

// windows removes a named pipe when its last handle closes.
func removePipes(input, output string) {}

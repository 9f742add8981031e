//go:build unix

package connection

import (
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

func pipePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(os.TempDir(), name)
}

func makeFifo(path string) error {
	err := unix.Mkfifo(path, 0600)
	if errors.Is(err, unix.EEXIST) {
		return nil
	}
	return err
}

// openPipes opens the input pipe before the output pipe in both roles so the
// blocking FIFO opens pair up.
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

	if err = makeFifo(in); err != nil {
		return
	}
	if err = makeFifo(out); err != nil {
		return
	}
	if rd, err = os.OpenFile(in, os.O_RDONLY, 0); err != nil {
		return
	}
	if wr, err = os.OpenFile(out, os.O_WRONLY, 0); err != nil {
		rd.Close()
		return nil, nil, err
	}
	return
}

func removePipes(input, output string) {
	_ = os.Remove(pipePath(input))
	_ = os.Remove(pipePath(output))
}

// Package memfd copies a program image into a sealed memory file descriptor,
// so that the image can be executed later even if the original file is
// modified or unlinked.
package memfd

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const createFlag = unix.MFD_CLOEXEC | unix.MFD_ALLOW_SEALING

// sealing prevents any further modification, making the fd safe to hand to
// an untrusted or long-lived process
const sealFlag = unix.F_SEAL_SEAL | unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_WRITE

// New creates a unsealed memfd with the given name
func New(name string) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, createFlag)
	if err != nil {
		return nil, fmt.Errorf("memfd: memfd_create failed %w", err)
	}
	return os.NewFile(uintptr(fd), name), nil
}

// DupToMemfd reads the content from the reader into a sealed memfd
func DupToMemfd(name string, reader io.Reader) (*os.File, error) {
	file, err := New(name)
	if err != nil {
		return nil, fmt.Errorf("DupToMemfd: %w", err)
	}
	if _, err = io.Copy(file, reader); err != nil {
		file.Close()
		return nil, fmt.Errorf("DupToMemfd: io copy %w", err)
	}
	// make memfd readonly
	if _, err = unix.FcntlInt(file.Fd(), unix.F_ADD_SEALS, sealFlag); err != nil {
		file.Close()
		return nil, fmt.Errorf("DupToMemfd: seal memfd %w", err)
	}
	// reopen read-only via procfs, execveat refuses a fd opened for write
	ro, err := os.OpenFile(fmt.Sprintf("/proc/self/fd/%d", file.Fd()), os.O_RDONLY, 0)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("DupToMemfd: reopen memfd %w", err)
	}
	file.Close()
	return ro, nil
}

// DupFileToMemfd opens the named file and duplicates it into a sealed memfd
func DupFileToMemfd(path, name string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("DupFileToMemfd: open %w", err)
	}
	defer f.Close()
	return DupToMemfd(name, f)
}

// Package seccomp builds syscall filter programs in the format the kernel
// expects for seccomp(SECCOMP_SET_MODE_FILTER).
package seccomp

import (
	"syscall"
	"unsafe"
)

// Filter is a compiled BPF seccomp program
type Filter []syscall.SockFilter

// SockFprog converts the filter to the program pointer used by the seccomp
// syscall
func (f Filter) SockFprog() *syscall.SockFprog {
	b := []syscall.SockFilter(f)
	return &syscall.SockFprog{
		Len:    uint16(len(b)),
		Filter: (*syscall.SockFilter)(unsafe.Pointer(&b[0])),
	}
}

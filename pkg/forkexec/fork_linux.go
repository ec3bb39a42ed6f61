package forkexec

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Start creates the new process with the Runner configuration and waits for
// it to either execve successfully or fail. It returns the pid of the new
// process once execve succeeded, or a ChildError describing the syscall that
// failed in the child.
func (r *Runner) Start() (int, error) {
	// the kernel stores the pidfd through a 4-byte int pointer
	var pidfd int32 = -1
	var pidfdp *int32
	if r.PidFD != nil {
		*r.PidFD = -1
		pidfdp = &pidfd
	}

	argv0, argv, env, err := prepareExec(r.Args, r.Env)
	if err != nil {
		return 0, err
	}

	workdir, err := syscallStringFromString(r.WorkDir)
	if err != nil {
		return 0, err
	}

	// the pipe is close-on-exec on both ends; a zero-byte read on the
	// parent side therefore means execve succeeded
	var errPipe [2]int
	if err := syscall.Pipe2(errPipe[:], syscall.O_CLOEXEC); err != nil {
		return 0, err
	}

	syscall.ForkLock.Lock()
	pid, errno := forkAndExecInChild(r, argv0, argv, env, workdir, pidfdp, errPipe[1])
	syscall.ForkLock.Unlock()

	unix.Close(errPipe[1])
	if errno != 0 {
		unix.Close(errPipe[0])
		return 0, ChildError{Err: errno, Location: LocClone}
	}
	p, err := syncWithChild(errPipe[0], int(pid))
	if err != nil {
		if pidfd >= 0 {
			unix.Close(int(pidfd))
		}
		return 0, err
	}
	if r.PidFD != nil {
		*r.PidFD = int(pidfd)
	}
	return p, nil
}

// syncWithChild blocks until the child either execs (pipe closed with no
// data) or reports a ChildError before exiting
func syncWithChild(errFd, pid int) (int, error) {
	var childErr ChildError
	n, err := readChildErr(errFd, &childErr)
	unix.Close(errFd)
	if err != nil || n != 0 {
		if n != int(unsafe.Sizeof(childErr)) {
			childErr.Location = LocClone
			childErr.Err = syscall.EPIPE
		}
		handleChildFailed(pid)
		return 0, childErr
	}
	return pid, nil
}

func readChildErr(fd int, childErr *ChildError) (n int, err error) {
	size := unsafe.Sizeof(*childErr)
	for {
		n, err = readlen(fd, (*byte)(unsafe.Pointer(childErr)), int(size))
		if err != syscall.EINTR {
			break
		}
	}
	return
}

// readlen wraps the read syscall with a raw pointer destination
func readlen(fd int, p *byte, np int) (n int, err error) {
	r0, _, e1 := syscall.Syscall(syscall.SYS_READ, uintptr(fd), uintptr(unsafe.Pointer(p)), uintptr(np))
	n = int(r0)
	if e1 != 0 {
		err = syscall.Errno(e1)
	}
	return
}

// handleChildFailed reaps the child that failed before execve so that it does
// not linger as a zombie
func handleChildFailed(pid int) {
	var wstatus unix.WaitStatus
	// kill in case the child is stuck before the error write
	unix.Kill(pid, unix.SIGKILL)
	_, err := unix.Wait4(pid, &wstatus, 0, nil)
	for err == unix.EINTR {
		_, err = unix.Wait4(pid, &wstatus, 0, nil)
	}
}

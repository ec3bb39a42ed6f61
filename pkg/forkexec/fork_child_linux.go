package forkexec

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// forkAndExecInChild clones a new process and runs it to execve. The code
// executed on the child side between clone and execve must not allocate, take
// locks or call into the runtime, therefore it is raw syscalls only.
//
//go:norace
func forkAndExecInChild(r *Runner, argv0 *byte, argv, env []*byte, workdir *byte, pidfd *int32, pipe int) (r1 uintptr, err1 syscall.Errno) {
	fd, nextfd := prepareFds(r.Files)

	// empty path for execveat(fd, "", ..., AT_EMPTY_PATH)
	empty, err := syscall.BytePtrFromString("")
	if err != nil {
		return 0, syscall.EINVAL
	}

	clone3Args := cloneArgs{
		flags:      0,
		exitSignal: uint64(syscall.SIGCHLD),
	}
	if pidfd != nil {
		clone3Args.flags |= unix.CLONE_PIDFD
		clone3Args.pidFD = uint64(uintptr(unsafe.Pointer(pidfd)))
	}

	// About to call fork.
	// No more allocation or calls of non-assembly functions.
	beforeFork()
	r1, _, err1 = syscall.RawSyscall(unix.SYS_CLONE3, uintptr(unsafe.Pointer(&clone3Args)), unsafe.Sizeof(clone3Args), 0)
	if err1 == syscall.ENOSYS || err1 == syscall.EPERM {
		// kernels before 5.3, or clone3 filtered by a container runtime;
		// clone stores the pidfd through the parent_tid argument
		if pidfd != nil {
			r1, _, err1 = syscall.RawSyscall6(syscall.SYS_CLONE, uintptr(syscall.SIGCHLD)|unix.CLONE_PIDFD, 0, uintptr(unsafe.Pointer(pidfd)), 0, 0, 0)
			if err1 == syscall.EINVAL {
				// CLONE_PIDFD needs 5.2; leave the pidfd at -1
				r1, _, err1 = syscall.RawSyscall6(syscall.SYS_CLONE, uintptr(syscall.SIGCHLD), 0, 0, 0, 0, 0)
			}
		} else {
			r1, _, err1 = syscall.RawSyscall6(syscall.SYS_CLONE, uintptr(syscall.SIGCHLD), 0, 0, 0, 0, 0)
		}
	}
	if err1 != 0 || r1 != 0 {
		// in parent process, immediately return
		afterFork()
		return
	}

	// in child process
	afterForkInChild()

	// Notice: cannot call any GO functions beyond this point

	pipe = childSyscallDup(pipe, nextfd)
	if pipe < 0 {
		// the error pipe itself is broken, nothing left to report on
		childExit()
	}
	nextfd++

	// Pass 1: fd[i] < i => nextfd
	for i := 0; i < len(fd); i++ {
		if fd[i] >= 0 && fd[i] < i {
			// Avoid fd rewrite
			for nextfd == pipe {
				nextfd++
			}
			_, _, err1 = syscall.RawSyscall(syscall.SYS_DUP3, uintptr(fd[i]), uintptr(nextfd), syscall.O_CLOEXEC)
			if err1 != 0 {
				childExitErrorAt(pipe, ChildError{Err: err1, Location: LocDup3, Index: i})
			}
			// Set up close on exec
			fd[i] = nextfd
			nextfd++
		}
	}
	// Pass 2: fd[i] => i
	for i := 0; i < len(fd); i++ {
		if fd[i] >= 0 && fd[i] != i {
			// dup2(i, i) will not clear close on exec flag, any program
			// depending on the cloexec should not pass the same fd twice
			_, _, err1 = syscall.RawSyscall(syscall.SYS_DUP3, uintptr(fd[i]), uintptr(i), 0)
			if err1 != 0 {
				childExitErrorAt(pipe, ChildError{Err: err1, Location: LocDup3, Index: i})
			}
		} else if fd[i] == i {
			// clear the close on exec flag for inherited fds already in place
			_, _, err1 = syscall.RawSyscall(syscall.SYS_FCNTL, uintptr(fd[i]), syscall.F_SETFD, 0)
			if err1 != 0 {
				childExitErrorAt(pipe, ChildError{Err: err1, Location: LocFcntl, Index: i})
			}
		}
	}

	// a fresh session detaches the new process from the caller's controlling
	// terminal
	_, _, err1 = syscall.RawSyscall(syscall.SYS_SETSID, 0, 0, 0)
	if err1 != 0 {
		childExitErrorAt(pipe, ChildError{Err: err1, Location: LocSetSid})
	}

	// Chdir
	if workdir != nil {
		_, _, err1 = syscall.RawSyscall(syscall.SYS_CHDIR, uintptr(unsafe.Pointer(workdir)), 0, 0)
		if err1 != 0 {
			childExitErrorAt(pipe, ChildError{Err: err1, Location: LocChdir})
		}
	}

	// Set limit
	for i, rl := range r.RLimits {
		_, _, err1 = syscall.RawSyscall6(unix.SYS_PRLIMIT64, 0, uintptr(rl.Res), uintptr(unsafe.Pointer(&rl.Rlim)), 0, 0, 0)
		if err1 != 0 {
			childExitErrorAt(pipe, ChildError{Err: err1, Location: LocSetRlimit, Index: i})
		}
	}

	// No new privs
	if r.NoNewPrivs || r.Seccomp != nil {
		_, _, err1 = syscall.RawSyscall6(syscall.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0, 0)
		if err1 != 0 {
			childExitErrorAt(pipe, ChildError{Err: err1, Location: LocSetNoNewPrivs})
		}
	}

	// Load seccomp
	if r.Seccomp != nil {
		_, _, err1 = syscall.RawSyscall(unix.SYS_SECCOMP, unix.SECCOMP_SET_MODE_FILTER, 0, uintptr(unsafe.Pointer(r.Seccomp)))
		if err1 != 0 {
			childExitErrorAt(pipe, ChildError{Err: err1, Location: LocSeccomp})
		}
	}

	// Execve, only normal goes here
	if r.ExecFile > 0 {
		_, _, err1 = syscall.RawSyscall6(unix.SYS_EXECVEAT, r.ExecFile, uintptr(unsafe.Pointer(empty)),
			uintptr(unsafe.Pointer(&argv[0])), uintptr(unsafe.Pointer(&env[0])), unix.AT_EMPTY_PATH, 0)
	} else {
		_, _, err1 = syscall.RawSyscall(syscall.SYS_EXECVE, uintptr(unsafe.Pointer(argv0)),
			uintptr(unsafe.Pointer(&argv[0])), uintptr(unsafe.Pointer(&env[0])))
	}
	childExitErrorAt(pipe, ChildError{Err: err1, Location: LocExecve})
	return
}

// childSyscallDup moves the error pipe above the highest mapped fd and marks
// it close-on-exec; returns the negated errno on failure
//
//go:nosplit
func childSyscallDup(pipe, nextfd int) int {
	if pipe < nextfd {
		r1, _, err1 := syscall.RawSyscall(syscall.SYS_DUP3, uintptr(pipe), uintptr(nextfd), syscall.O_CLOEXEC)
		if err1 != 0 {
			return -int(err1)
		}
		return int(r1)
	}
	_, _, err1 := syscall.RawSyscall(syscall.SYS_FCNTL, uintptr(pipe), syscall.F_SETFD, syscall.FD_CLOEXEC)
	if err1 != 0 {
		return -int(err1)
	}
	return pipe
}

// childExitErrorAt reports the failure over the error pipe then exits
//
//go:nosplit
func childExitErrorAt(pipe int, err ChildError) {
	// send error code on pipe
	syscall.RawSyscall(unix.SYS_WRITE, uintptr(pipe), uintptr(unsafe.Pointer(&err)), unsafe.Sizeof(err))
	childExit()
}

//go:nosplit
func childExit() {
	for {
		syscall.RawSyscall(syscall.SYS_EXIT_GROUP, 1, 0, 0)
	}
}

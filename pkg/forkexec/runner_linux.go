package forkexec

import (
	"syscall"

	"github.com/criyle/go-zygote/pkg/rlimit"
)

// Runner is the configuration for a single spawn: the program image, argv /
// env, the fd table of the new process and the restrictions applied before
// execve.
type Runner struct {
	// argv and env for the execve syscall of the child process
	Args []string
	Env  []string

	// if ExecFile fd is defined, execveat(fd, AT_EMPTY_PATH) is called
	// instead of execve(Args[0]), allowing spawn from a sealed memfd
	ExecFile uintptr

	// file descriptor map for the new process, from 0 to len - 1
	Files []uintptr

	// work path set by chdir(dir) before execve, empty for no chdir
	WorkDir string

	// POSIX resource limits installed with prlimit64 before execve
	RLimits []rlimit.RLimit

	// seccomp syscall filter applied to the child right before execve;
	// the filter must allow at least execve and the syscalls the new
	// program needs to start
	Seccomp *syscall.SockFprog

	// if PidFD is not nil, the child is cloned with CLONE_PIDFD and a pid
	// file descriptor for it is stored here. Unlike the pid, the fd stays
	// bound to this process after it is reaped, so signaling through it
	// can never hit a recycled pid. Set to -1 when the kernel lacks
	// CLONE_PIDFD support.
	PidFD *int

	// no_new_privs calls prctl(PR_SET_NO_NEW_PRIVS) to disable setuid
	// escalation; automatically enabled when a seccomp filter is provided
	NoNewPrivs bool
}

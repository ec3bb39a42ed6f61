// Package zygote maintains a helper process that spawns worker processes on
// demand and runs registered functions in them.
//
// The helper ("zygote") is spawned once, early in the program's life, as an
// execve of the program's own image held in a sealed memfd. It stays small
// and single-threaded, so spawning a worker from it is cheap and safe no
// matter how many threads the calling program has accumulated. Callers ship
// a registered entry point name and a gob-encoded argument over a unix
// socket pair; the zygote spawns a fresh worker process from the same image,
// relays the request, waits for the result and reaps the worker.
//
// Usage: register entry points in package scope, then make Init the first
// call in main. In the zygote and worker copies of the binary Init takes
// over the process and never returns.
//
//	var double = zygote.Register("double", func(x int) (int, error) {
//		return x * 2, nil
//	})
//
//	func main() {
//		if err := zygote.Init(); err != nil {
//			log.Fatalln(err)
//		}
//		defer zygote.Shutdown()
//		y, err := double.Run(21)
//		...
//	}
package zygote

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/criyle/go-zygote/pkg/forkexec"
	"github.com/criyle/go-zygote/pkg/memfd"
	"github.com/criyle/go-zygote/pkg/pipe"
	"github.com/criyle/go-zygote/pkg/rlimit"
	"github.com/criyle/go-zygote/pkg/seccomp"
	"github.com/criyle/go-zygote/pkg/unixsocket"
)

// Zygote is a handle to one zygote process. All methods are safe for
// concurrent use; requests on the shared channel are serialized, each one
// runs in its own worker process.
type Zygote struct {
	pid    int
	socket *socket
	stderr *pipe.Buffer

	// reap is false for nested zygotes, which are children of another
	// zygote process and reaped by its zombie sweep
	reap bool

	mu sync.Mutex
}

// Builder configures a zygote process before it is spawned
type Builder struct {
	// ExecFile overrides the program image, defaults to /proc/self/exe.
	// The image must be this binary or entry point names will not resolve.
	ExecFile string

	// Stderr collects the zygote's and its workers' standard error output
	// into a bounded in-memory buffer readable through (*Zygote).Stderr.
	// When false they inherit the caller's stderr.
	Stderr bool

	// StderrLimit bounds the collected output, defaults to 64 KiB
	StderrLimit int64

	// WorkerRLimits are POSIX resource limits installed on every worker
	WorkerRLimits rlimit.RLimits

	// WorkerFilter is a seccomp allow-list applied to every worker before
	// it starts running; empty means no filter. Syscalls outside the list
	// fail with ENOSYS-style errno rather than killing the worker, and the
	// list must cover what the runtime needs to boot.
	WorkerFilter []string
}

const defaultStderrLimit = 64 << 10

// New spawns a zygote process with the default configuration
func New() (*Zygote, error) {
	return Builder{}.Build()
}

// Build spawns the zygote process and ships it the worker configuration.
// Init must have run first, since Init is where the zygote and worker copies
// of the binary are taken over; Build in a program that never calls Init
// would make those copies re-enter main.
func (b Builder) Build() (*Zygote, error) {
	execFile := b.ExecFile
	if execFile == "" {
		execFile = currentExec
	}
	// the image is copied into a sealed memfd so that later rebuilds or
	// unlinks of the binary cannot change what workers execute
	image, err := memfd.DupFileToMemfd(execFile, "zygote")
	if err != nil {
		return nil, fmt.Errorf("zygote: build %v", err)
	}
	defer image.Close()

	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("zygote: build %v", err)
	}
	defer null.Close()

	ours, theirs, err := unixsocket.NewSocketPair()
	if err != nil {
		return nil, fmt.Errorf("zygote: build %v", err)
	}
	theirsFile, err := theirs.File()
	theirs.Close()
	if err != nil {
		ours.Close()
		return nil, fmt.Errorf("zygote: build %v", err)
	}
	defer theirsFile.Close()

	stderrFd := os.Stderr.Fd()
	var buf *pipe.Buffer
	if b.Stderr {
		limit := b.StderrLimit
		if limit == 0 {
			limit = defaultStderrLimit
		}
		buf, err = pipe.NewBuffer(limit)
		if err != nil {
			ours.Close()
			return nil, fmt.Errorf("zygote: build %v", err)
		}
		stderrFd = buf.W.Fd()
	}

	r := forkexec.Runner{
		Args:     []string{os.Args[0]},
		Env:      modeEnviron(modeZygote),
		ExecFile: image.Fd(),
		Files: []uintptr{
			null.Fd(),
			null.Fd(),
			stderrFd,
			theirsFile.Fd(),
			image.Fd(),
		},
	}
	pid, err := r.Start()
	if buf != nil {
		// the zygote process holds the write end now; keeping ours open
		// would stall the drain forever
		buf.W.Close()
	}
	if err != nil {
		ours.Close()
		return nil, fmt.Errorf("zygote: build %v", err)
	}

	z := &Zygote{
		pid:    pid,
		socket: newSocket(ours),
		stderr: buf,
		reap:   true,
	}
	if err := z.configure(b); err != nil {
		z.Destroy()
		return nil, err
	}
	return z, nil
}

// configure compiles the worker restrictions and ships them to the zygote
// process, then pings to confirm it came up
func (z *Zygote) configure(b Builder) error {
	conf := confCmd{RLimits: b.WorkerRLimits.PrepareRLimit()}
	if len(b.WorkerFilter) > 0 {
		// the filter is installed before the worker execs, so the exec
		// itself must stay allowed
		sb := seccomp.Builder{
			Allow:   append([]string{"execve", "execveat"}, b.WorkerFilter...),
			Default: seccomp.ActionErrno,
		}
		filter, err := sb.Build()
		if err != nil {
			return fmt.Errorf("zygote: worker filter %v", err)
		}
		conf.Filter = filter
	}

	z.mu.Lock()
	defer z.mu.Unlock()
	if err := z.socket.sendCmd(&cmd{Cmd: cmdConf, Conf: &conf}, nil); err != nil {
		return fmt.Errorf("zygote: conf %v", err)
	}
	r, _, err := z.socket.recvReply()
	if err != nil {
		return fmt.Errorf("zygote: conf %v", err)
	}
	if r.Error != nil {
		return r.Error.toError()
	}
	return nil
}

// Pid returns the process id of the zygote process
func (z *Zygote) Pid() int {
	return z.pid
}

// Stderr returns the output collected so far when the zygote was built with
// Builder.Stderr, otherwise the empty string
func (z *Zygote) Stderr() string {
	if z.stderr == nil {
		return ""
	}
	return z.stderr.String()
}

// Ping checks whether the zygote process is alive and responding
func (z *Zygote) Ping() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.socket == nil {
		return ErrDestroyed
	}
	if err := z.socket.sendCmd(&cmd{Cmd: cmdPing}, nil); err != nil {
		return fmt.Errorf("zygote: ping %v", err)
	}
	r, _, err := z.socket.recvReply()
	if err != nil {
		return fmt.Errorf("zygote: ping %v", err)
	}
	if r.Error != nil {
		return r.Error.toError()
	}
	return nil
}

// Spawn asks the zygote process to spawn a fresh nested zygote and returns a
// handle to it. The nested zygote is a child of this zygote's process, which
// also reaps it; Destroy on the returned handle only closes the channel.
func (z *Zygote) Spawn() (*Zygote, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.socket == nil {
		return nil, ErrDestroyed
	}
	if err := z.socket.sendCmd(&cmd{Cmd: cmdSpawn}, nil); err != nil {
		return nil, fmt.Errorf("zygote: spawn %v", err)
	}
	r, msg, err := z.socket.recvReply()
	if err != nil {
		return nil, fmt.Errorf("zygote: spawn %v", err)
	}
	if r.Error != nil {
		closeFds(msg)
		return nil, r.Error.toError()
	}
	if r.Spawn == nil || msg == nil || len(msg.Fds) != 1 {
		closeFds(msg)
		return nil, fmt.Errorf("zygote: spawn did not return a channel")
	}
	s, err := unixsocket.NewSocket(msg.Fds[0])
	if err != nil {
		return nil, fmt.Errorf("zygote: spawn %v", err)
	}
	return &Zygote{
		pid:    r.Spawn.Pid,
		socket: newSocket(s),
	}, nil
}

// Destroy tears the zygote process down: closing the channel makes its loop
// exit, the kill covers a loop stuck on a misbehaving worker. The zygote
// process is reaped here; its workers it has already reaped itself.
//
// With Builder.Stderr enabled Destroy drains the collector, which finishes
// only once every process sharing the pipe has exited; destroy nested
// zygotes before the zygote that spawned them.
func (z *Zygote) Destroy() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.socket == nil {
		return nil
	}
	z.socket.Close()
	z.socket = nil
	if z.reap {
		unix.Kill(z.pid, unix.SIGKILL)
		var wstatus unix.WaitStatus
		_, err := unix.Wait4(z.pid, &wstatus, 0, nil)
		for err == unix.EINTR {
			_, err = unix.Wait4(z.pid, &wstatus, 0, nil)
		}
	}
	if z.stderr != nil {
		<-z.stderr.Done
	}
	return nil
}

// exec ships one unit of work and blocks for its result. The lock covers the
// whole exchange so frames from concurrent callers never interleave.
func (z *Zygote) exec(ctx context.Context, name string, args []byte) ([]byte, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.socket == nil {
		return nil, ErrDestroyed
	}
	if err := z.socket.sendCmd(&cmd{Cmd: cmdExec, Exec: &execCmd{Name: name, Args: args}}, nil); err != nil {
		return nil, fmt.Errorf("zygote: exec %v", err)
	}

	// first reply carries the worker pid and its pidfd, before the worker
	// has run
	r, msg, err := z.socket.recvReply()
	if err != nil {
		return nil, fmt.Errorf("zygote: exec %v", err)
	}
	if r.Error != nil {
		closeFds(msg)
		return nil, r.Error.toError()
	}
	if r.Exec == nil {
		closeFds(msg)
		return nil, fmt.Errorf("zygote: exec got malformed reply")
	}
	workerPid := r.Exec.Pid
	workerFd := -1
	if msg != nil && len(msg.Fds) > 0 {
		workerFd = msg.Fds[0]
		defer unix.Close(workerFd)
	}

	// on cancellation kill the worker; its death travels back through the
	// zygote as a normal failure reply, so the channel stays in sync. The
	// worker may already be reaped by the time the context fires, which
	// leaves its pid free for reuse; the pidfd cannot hit a recycled pid,
	// so killing by pid is only the fallback for kernels too old to hand
	// one out. The goroutine is joined before the pidfd is closed.
	if ctx.Done() != nil {
		stop := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			select {
			case <-ctx.Done():
				if workerFd >= 0 {
					unix.PidfdSendSignal(workerFd, unix.SIGKILL, nil, 0)
				} else {
					unix.Kill(workerPid, unix.SIGKILL)
				}
			case <-stop:
			}
		}()
		defer func() {
			close(stop)
			<-done
		}()
	}

	r, _, err = z.socket.recvReply()
	if err != nil {
		return nil, fmt.Errorf("zygote: exec %v", err)
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	if r.Error != nil {
		return nil, r.Error.toError()
	}
	if r.Exec == nil {
		return nil, fmt.Errorf("zygote: exec got malformed reply")
	}
	return r.Exec.Ret, nil
}

func closeFds(msg *unixsocket.Msg) {
	if msg == nil {
		return
	}
	for _, fd := range msg.Fds {
		unix.Close(fd)
	}
}

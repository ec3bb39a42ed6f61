package zygote

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/criyle/go-zygote/pkg/forkexec"
	"github.com/criyle/go-zygote/pkg/rlimit"
	"github.com/criyle/go-zygote/pkg/seccomp"
	"github.com/criyle/go-zygote/pkg/unixsocket"
)

// serveInit is the entry of the zygote process copy of the binary. It never
// returns; channel EOF is the shutdown signal and exits 0.
func serveInit() {
	// keep this process as close to single-threaded as the runtime allows,
	// spawning stays cheap regardless of what the parent program does
	runtime.GOMAXPROCS(1)

	sock, err := unixsocket.NewSocket(commandFd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zygote: open command socket: %v\n", err)
		os.Exit(1)
	}
	s := &server{socket: newSocket(sock)}
	err = s.serve()
	if errors.Is(err, unixsocket.ErrClosed) {
		os.Exit(0)
	}
	fmt.Fprintf(os.Stderr, "zygote: %v\n", err)
	os.Exit(1)
}

// server is the per-process state of the zygote loop
type server struct {
	socket  *socket
	rlimits []rlimit.RLimit
	filter  seccomp.Filter
}

// serve runs the request loop. Failures local to one request are replied as
// errors and the loop continues; only a broken main channel ends it.
func (s *server) serve() error {
	for {
		// reap exited nested zygotes; workers are waited for in
		// handleExec, which completes before control returns here
		reapStray()

		c, msg, err := s.socket.recvCmd()
		closeFds(msg)
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				if err := s.sendError(err); err != nil {
					return err
				}
				continue
			}
			return err
		}
		if err := s.handle(c); err != nil {
			return err
		}
	}
}

func (s *server) handle(c *cmd) error {
	switch c.Cmd {
	case cmdPing:
		return s.socket.sendReply(&reply{}, nil)
	case cmdConf:
		return s.handleConf(c.Conf)
	case cmdExec:
		return s.handleExec(c.Exec)
	case cmdSpawn:
		return s.handleSpawn()
	}
	return s.sendError(fmt.Errorf("zygote: unknown command %d", c.Cmd))
}

func (s *server) handleConf(c *confCmd) error {
	if c == nil {
		return s.sendError(fmt.Errorf("zygote: conf command without payload"))
	}
	s.rlimits = c.RLimits
	s.filter = c.Filter
	return s.socket.sendReply(&reply{}, nil)
}

// handleExec spawns a worker, relays the work to it and the result back.
// The caller gets the worker pid and pidfd first so it can kill a runaway
// worker; the worker is waited for exactly once, here.
func (s *server) handleExec(e *execCmd) error {
	if e == nil {
		return s.sendError(fmt.Errorf("zygote: exec command without payload"))
	}
	var pidfd int
	pid, ws, err := s.spawn(modeWorker, true, &pidfd)
	if err != nil {
		// %w keeps the failing syscall and errno extractable on the
		// caller side
		return s.sendError(fmt.Errorf("zygote: spawn worker: %w", err))
	}
	var pmsg *unixsocket.Msg
	if pidfd >= 0 {
		pmsg = &unixsocket.Msg{Fds: []int{pidfd}}
	}
	err = s.socket.sendReply(&reply{Exec: &execReply{Pid: pid}}, pmsg)
	if pidfd >= 0 {
		// the caller holds its own copy from the unix rights now
		unix.Close(pidfd)
	}
	if err != nil {
		ws.Close()
		unix.Kill(pid, unix.SIGKILL)
		waitPid(pid)
		return err
	}

	var res *reply
	var relayErr error
	if err := ws.sendCmd(&cmd{Cmd: cmdExec, Exec: e}, nil); err != nil {
		relayErr = err
	} else if r, _, err := ws.recvReply(); err != nil {
		relayErr = err
	} else {
		res = r
	}
	ws.Close()
	wstatus := waitPid(pid)

	// a worker that died without replying becomes a failure built from its
	// wait status, so the caller sees why instead of hanging
	if res == nil {
		res = &reply{Error: failedWorker(pid, wstatus, relayErr)}
	}
	return s.socket.sendReply(res, nil)
}

// failedWorker builds the error reply for a worker that died without
// delivering a result. A clean exit tells the caller nothing, so the relay
// failure that forced the synthesis is kept in the message.
func failedWorker(pid int, wstatus unix.WaitStatus, relayErr error) *ErrorReply {
	we := workerError(pid, wstatus)
	msg := we.Error()
	if relayErr != nil && wstatus.Exited() && wstatus.ExitStatus() == 0 {
		msg = fmt.Sprintf("%s: %v", msg, relayErr)
	}
	return &ErrorReply{Msg: msg, Worker: we}
}

// handleSpawn starts a nested zygote. Its process stays a child of this one
// (reaped by reapStray when it exits); its channel end travels back to the
// caller as unix rights.
func (s *server) handleSpawn() error {
	pid, ns, err := s.spawn(modeZygote, false, nil)
	if err != nil {
		return s.sendError(fmt.Errorf("zygote: spawn: %w", err))
	}

	// the nested zygote inherits the worker restrictions
	err = ns.sendCmd(&cmd{Cmd: cmdConf, Conf: &confCmd{RLimits: s.rlimits, Filter: s.filter}}, nil)
	if err == nil {
		_, _, err = ns.recvReply()
	}
	if err != nil {
		ns.Close()
		unix.Kill(pid, unix.SIGKILL)
		return s.sendError(fmt.Errorf("zygote: spawn conf: %v", err))
	}

	f, err := ns.File()
	ns.Close()
	if err != nil {
		unix.Kill(pid, unix.SIGKILL)
		return s.sendError(fmt.Errorf("zygote: spawn: %v", err))
	}
	defer f.Close()
	msg := unixsocket.Msg{Fds: []int{int(f.Fd())}}
	return s.socket.sendReply(&reply{Spawn: &spawnReply{Pid: pid}}, &msg)
}

// spawn clones a new process from the image at imageFd with a fresh command
// socketpair at commandFd; restricted selects the worker rlimits and filter.
// A non-nil pidfd receives a pid file descriptor for the new process, or -1
// when the kernel cannot provide one.
func (s *server) spawn(mode string, restricted bool, pidfd *int) (int, *socket, error) {
	ours, theirs, err := unixsocket.NewSocketPair()
	if err != nil {
		return 0, nil, err
	}
	tf, err := theirs.File()
	theirs.Close()
	if err != nil {
		ours.Close()
		return 0, nil, err
	}
	defer tf.Close()

	r := forkexec.Runner{
		Args:     []string{os.Args[0]},
		Env:      modeEnviron(mode),
		ExecFile: imageFd,
		Files:    []uintptr{0, 1, 2, tf.Fd()},
		PidFD:    pidfd,
	}
	if restricted {
		r.RLimits = s.rlimits
		if len(s.filter) > 0 {
			r.Seccomp = s.filter.SockFprog()
		}
	}
	pid, err := r.Start()
	if err != nil {
		ours.Close()
		return 0, nil, err
	}
	return pid, newSocket(ours), nil
}

func (s *server) sendError(err error) error {
	return s.socket.sendReply(&reply{Error: errorReplyFrom(err)}, nil)
}

func workerError(pid int, wstatus unix.WaitStatus) *WorkerError {
	we := WorkerError{Pid: pid}
	if wstatus.Signaled() {
		we.Signal = wstatus.Signal()
	} else {
		we.ExitStatus = wstatus.ExitStatus()
	}
	return &we
}

// waitPid reaps one specific child, retrying on EINTR
func waitPid(pid int) unix.WaitStatus {
	var wstatus unix.WaitStatus
	_, err := unix.Wait4(pid, &wstatus, 0, nil)
	for err == unix.EINTR {
		_, err = unix.Wait4(pid, &wstatus, 0, nil)
	}
	return wstatus
}

// reapStray collects any already-exited children without blocking
func reapStray() {
	for {
		var wstatus unix.WaitStatus
		pid, err := unix.Wait4(-1, &wstatus, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
	}
}

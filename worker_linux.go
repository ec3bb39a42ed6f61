package zygote

import (
	"fmt"
	"os"

	"github.com/criyle/go-zygote/pkg/unixsocket"
)

// workerInit is the entry of a worker process copy of the binary: receive
// one unit of work, run it, reply, exit. It never returns.
func workerInit() {
	sock, err := unixsocket.NewSocket(commandFd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: open command socket: %v\n", err)
		os.Exit(1)
	}
	s := newSocket(sock)

	c, msg, err := s.recvCmd()
	closeFds(msg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: recv: %v\n", err)
		os.Exit(1)
	}
	if c.Cmd != cmdExec || c.Exec == nil {
		fmt.Fprintf(os.Stderr, "worker: unexpected command %d\n", c.Cmd)
		os.Exit(1)
	}

	var r reply
	if fn, ok := registry[c.Exec.Name]; ok {
		ret, rerr := fn(c.Exec.Args)
		if rerr != nil {
			r.Error = rerr
		} else {
			r.Exec = &execReply{Ret: ret}
		}
	} else {
		r.Error = &ErrorReply{Msg: fmt.Sprintf("zygote: unknown task %q", c.Exec.Name)}
	}

	if err := s.sendReply(&r, nil); err != nil {
		fmt.Fprintf(os.Stderr, "worker: reply: %v\n", err)
		os.Exit(1)
	}
	s.Close()
	os.Exit(0)
}

package zygote

import (
	"os"
	"strings"

	"github.com/criyle/go-zygote/pkg/rlimit"
	"github.com/criyle/go-zygote/pkg/seccomp"
)

// wire protocol between the caller and the zygote process, and between the
// zygote process and a worker. Frames are gob encoded; the protocol is
// internal and both sides always run the same binary, so it is not versioned.

type cmdType int

const (
	cmdPing cmdType = iota + 1
	cmdConf
	cmdExec
	cmdSpawn
)

// cmd is one request frame
type cmd struct {
	Cmd  cmdType
	Conf *confCmd
	Exec *execCmd
}

// confCmd ships the worker restrictions after the zygote process starts
type confCmd struct {
	RLimits []rlimit.RLimit
	Filter  seccomp.Filter
}

// execCmd names a registered entry point and carries its encoded argument.
// The zygote process relays it to the worker unchanged.
type execCmd struct {
	Name string
	Args []byte
}

// reply is one response frame; exactly one field is set
type reply struct {
	Error *ErrorReply
	Exec  *execReply
	Spawn *spawnReply
}

// execReply is sent twice per exec: first with the worker pid as soon as the
// spawn succeeded (a pidfd for the worker rides that frame as unix rights
// when the kernel provides one), then with the encoded result
type execReply struct {
	Pid int
	Ret []byte
}

// spawnReply returns the nested zygote's pid; its channel end travels with
// the frame as unix rights
type spawnReply struct {
	Pid int
}

// fd numbers fixed by the spawner's fd map, and the image path the zygote
// process is cloned from
const (
	commandFd   = 3
	imageFd     = 4
	currentExec = "/proc/self/exe"
)

const (
	modeEnv    = "GO_ZYGOTE_MODE"
	modeZygote = "zygote"
	modeWorker = "worker"
)

// modeEnviron is this process's environment with the mode variable replaced,
// so spawned copies see everything the parent program sees plus their role.
// os.Getenv keeps the first occurrence of a duplicated name, hence the filter.
func modeEnviron(mode string) []string {
	environ := os.Environ()
	env := make([]string, 0, len(environ)+1)
	for _, e := range environ {
		if !strings.HasPrefix(e, modeEnv+"=") {
			env = append(env, e)
		}
	}
	return append(env, modeEnv+"="+mode)
}

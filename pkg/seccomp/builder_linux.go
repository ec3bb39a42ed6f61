package seccomp

import (
	"syscall"

	libseccomp "github.com/elastic/go-seccomp-bpf"
	"golang.org/x/net/bpf"
)

// Action is the disposition applied to a syscall by the filter
type Action = libseccomp.Action

// Actions available for the Default disposition
const (
	ActionAllow = libseccomp.ActionAllow
	ActionErrno = libseccomp.ActionErrno
	ActionTrap  = libseccomp.ActionTrap
	ActionKill  = libseccomp.ActionKillProcess
	ActionLog   = libseccomp.ActionLog
)

// Builder assembles a whitelist seccomp filter: the named syscalls get
// ActionAllow, everything else gets Default.
type Builder struct {
	Allow []string

	Default Action
}

// Build compiles the filter into kernel BPF form
func (b *Builder) Build() (Filter, error) {
	policy := libseccomp.Policy{
		DefaultAction: b.Default,
		Syscalls: []libseccomp.SyscallGroup{
			{
				Action: libseccomp.ActionAllow,
				Names:  b.Allow,
			},
		},
	}

	program, err := policy.Assemble()
	if err != nil {
		return nil, err
	}
	return ExportBPF(program)
}

// ExportBPF convert libseccomp filter to kernel readable BPF content
func ExportBPF(filter []bpf.Instruction) (Filter, error) {
	raw, err := bpf.Assemble(filter)
	if err != nil {
		return nil, err
	}
	return sockFilter(raw), nil
}

func sockFilter(raw []bpf.RawInstruction) []syscall.SockFilter {
	filter := make([]syscall.SockFilter, 0, len(raw))
	for _, instruction := range raw {
		filter = append(filter, syscall.SockFilter{
			Code: instruction.Op,
			Jt:   instruction.Jt,
			Jf:   instruction.Jf,
			K:    instruction.K,
		})
	}
	return filter
}

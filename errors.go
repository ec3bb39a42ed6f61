package zygote

import (
	"errors"
	"fmt"
	"syscall"
)

// Errors returned by the package-level lifecycle calls
var (
	// ErrInitialized is returned by Init when the global zygote already
	// exists; a second zygote would not share its channel
	ErrInitialized = errors.New("zygote: already initialized")

	// ErrNotInitialized is returned by Shutdown before Init succeeded
	ErrNotInitialized = errors.New("zygote: not initialized")

	// ErrDestroyed is returned for requests on a destroyed handle
	ErrDestroyed = errors.New("zygote: destroyed")
)

// ErrorReply is a failure that crossed the process boundary. Msg is the
// failing error's description, Chain the descriptions of its unwrap chain,
// so callers can still walk the causes of an error that originated in
// another process.
type ErrorReply struct {
	Msg   string
	Chain []string
	Errno *syscall.Errno

	// Worker is set when the worker process died without replying
	Worker *WorkerError
}

func (e *ErrorReply) Error() string {
	return e.Msg
}

// Unwrap rebuilds the cause chain one level at a time; the innermost cause
// is the worker's death or the errno when one was preserved.
func (e *ErrorReply) Unwrap() error {
	if len(e.Chain) > 0 {
		return &ErrorReply{Msg: e.Chain[0], Chain: e.Chain[1:], Errno: e.Errno, Worker: e.Worker}
	}
	if e.Worker != nil {
		return e.Worker
	}
	if e.Errno != nil {
		return *e.Errno
	}
	return nil
}

// toError unpacks the reply into the most specific error type. A reply whose
// message says more than the worker's wait status stays wrapped, with the
// worker error reachable through Unwrap.
func (e *ErrorReply) toError() error {
	if e.Worker != nil && (e.Msg == "" || e.Msg == e.Worker.Error()) {
		return e.Worker
	}
	return e
}

// errorReplyFrom flattens an error into its wire form, preserving the unwrap
// chain descriptions and the errno if one is in the chain
func errorReplyFrom(err error) *ErrorReply {
	e := ErrorReply{Msg: err.Error()}
	for c := errors.Unwrap(err); c != nil; c = errors.Unwrap(c) {
		e.Chain = append(e.Chain, c.Error())
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		e.Errno = &errno
	}
	return &e
}

// WorkerError reports a worker process that exited without delivering a
// result, by exit code or by signal.
type WorkerError struct {
	Pid        int
	ExitStatus int
	Signal     syscall.Signal
}

func (e *WorkerError) Error() string {
	if e.Signal != 0 {
		return fmt.Sprintf("zygote: worker %d killed by signal %d (%s)", e.Pid, int(e.Signal), e.Signal)
	}
	return fmt.Sprintf("zygote: worker %d exited with status %d", e.Pid, e.ExitStatus)
}

// DecodeError reports a value that failed to decode, naming the Go type it
// was decoded into. It never crosses the wire itself; remote decode failures
// arrive as ErrorReply.
type DecodeError struct {
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("zygote: decode %s: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

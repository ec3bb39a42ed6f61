package zygote

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestFailedWorker_CleanExit(t *testing.T) {
	// exit status 0 alone says nothing about why there was no result;
	// the relay failure must survive into the message
	relayErr := errors.New("reply frame truncated")
	e := failedWorker(42, unix.WaitStatus(0), relayErr)
	if !strings.Contains(e.Msg, "status 0") {
		t.Fatalf("got %q", e.Msg)
	}
	if !strings.Contains(e.Msg, "reply frame truncated") {
		t.Fatalf("relay error lost: %q", e.Msg)
	}
	if e.Worker == nil || e.Worker.Pid != 42 || e.Worker.ExitStatus != 0 {
		t.Fatalf("unexpected worker error: %+v", e.Worker)
	}
	// the caller-side unpacking keeps the richer message, with the worker
	// death still reachable as a cause
	err := e.toError()
	if err.Error() != e.Msg {
		t.Fatalf("message lost in unpacking: %v", err)
	}
	var we *WorkerError
	if !errors.As(err, &we) || we.Pid != 42 {
		t.Fatalf("worker error unreachable: %v", err)
	}
}

func TestFailedWorker_Signaled(t *testing.T) {
	// a violent death explains the missing reply by itself
	e := failedWorker(42, unix.WaitStatus(uint32(unix.SIGKILL)), errors.New("connection reset"))
	if strings.Contains(e.Msg, "connection reset") {
		t.Fatalf("relay error leaked into signal death: %q", e.Msg)
	}
	if e.Worker == nil || e.Worker.Signal != unix.SIGKILL {
		t.Fatalf("unexpected worker error: %+v", e.Worker)
	}
}

func TestFailedWorker_NonZeroExit(t *testing.T) {
	e := failedWorker(7, unix.WaitStatus(3<<8), nil)
	if !strings.Contains(e.Msg, "status 3") {
		t.Fatalf("got %q", e.Msg)
	}
	if e.Worker == nil || e.Worker.ExitStatus != 3 {
		t.Fatalf("unexpected worker error: %+v", e.Worker)
	}
}

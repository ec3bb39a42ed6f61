package zygote_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	zygote "github.com/criyle/go-zygote"
	"github.com/criyle/go-zygote/pkg/rlimit"
)

var errInner = errors.New("inner cause")

var (
	echo = zygote.Register("echo", func(s string) (string, error) {
		return s, nil
	})
	double = zygote.Register("double", func(x int) (int, error) {
		return x * 2, nil
	})
	pidTask = zygote.Register("pid", func(struct{}) (int, error) {
		return os.Getpid(), nil
	})
	failTask = zygote.Register("fail", func(struct{}) (struct{}, error) {
		return struct{}{}, fmt.Errorf("task failed: %w", errInner)
	})
	panicTask = zygote.Register("panic", func(struct{}) (struct{}, error) {
		panic("boom")
	})
	exitTask = zygote.Register("exit", func(code int) (struct{}, error) {
		os.Exit(code)
		return struct{}{}, nil
	})
	killSelf = zygote.Register("killself", func(struct{}) (struct{}, error) {
		unix.Kill(os.Getpid(), unix.SIGKILL)
		return struct{}{}, nil
	})
	sleepTask = zygote.Register("sleep", func(d time.Duration) (struct{}, error) {
		time.Sleep(d)
		return struct{}{}, nil
	})
	largeTask = zygote.Register("large", func(b []byte) ([]byte, error) {
		return b, nil
	})
	badRet = zygote.Register("badret", func(struct{}) (func(), error) {
		return func() {}, nil
	})
	nofileTask = zygote.Register("nofile", func(struct{}) (uint64, error) {
		var r unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &r); err != nil {
			return 0, err
		}
		return r.Cur, nil
	})
	stderrTask = zygote.Register("stderr", func(marker string) (struct{}, error) {
		fmt.Fprintln(os.Stderr, marker)
		return struct{}{}, nil
	})
	envTask = zygote.Register("getenv", func(key string) (string, error) {
		return os.Getenv(key), nil
	})
)

const envMarker = "ZYGOTE_TEST_MARKER"

func TestMain(m *testing.M) {
	// Init snapshots the environment, so the variable the env test reads
	// back must exist before it
	os.Setenv(envMarker, "carried-through")
	if err := zygote.Init(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	code := m.Run()
	zygote.Shutdown()
	os.Exit(code)
}

func TestRun(t *testing.T) {
	got, err := double.Run(21)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestRun_EmptyPayload(t *testing.T) {
	if _, err := sleepTask.Run(0); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRun_WorkerPid(t *testing.T) {
	pid, err := pidTask.Run(struct{}{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if pid == os.Getpid() {
		t.Fatalf("task ran in the calling process")
	}
	if pid == zygote.Global().Pid() {
		t.Fatalf("task ran in the zygote process")
	}
	// a fresh process per run
	pid2, err := pidTask.Run(struct{}{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if pid2 == pid {
		t.Fatalf("worker pid reused: %d", pid)
	}
}

func TestRun_TaskError(t *testing.T) {
	_, err := failTask.Run(struct{}{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "task failed") {
		t.Fatalf("unexpected error: %v", err)
	}
	// the cause chain survives the process boundary as descriptions
	cause := errors.Unwrap(err)
	if cause == nil || !strings.Contains(cause.Error(), "inner cause") {
		t.Fatalf("cause lost: %v", cause)
	}
}

func TestRun_Panic(t *testing.T) {
	_, err := panicTask.Run(struct{}{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "task panicked: boom") {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := zygote.Global().Ping(); err != nil {
		t.Fatalf("zygote unusable after worker panic: %v", err)
	}
}

func TestRun_WorkerExit(t *testing.T) {
	_, err := exitTask.Run(3)
	var we *zygote.WorkerError
	if !errors.As(err, &we) {
		t.Fatalf("expected WorkerError, got %v", err)
	}
	if we.ExitStatus != 3 || we.Signal != 0 {
		t.Fatalf("unexpected worker error: %+v", we)
	}
}

func TestRun_WorkerKilled(t *testing.T) {
	_, err := killSelf.Run(struct{}{})
	var we *zygote.WorkerError
	if !errors.As(err, &we) {
		t.Fatalf("expected WorkerError, got %v", err)
	}
	if we.Signal != unix.SIGKILL {
		t.Fatalf("unexpected worker error: %+v", we)
	}
	if _, err := echo.Run("after"); err != nil {
		t.Fatalf("zygote unusable after worker death: %v", err)
	}
}

func TestRun_EncodeFailure(t *testing.T) {
	_, err := badRet.Run(struct{}{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "encode") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRun_LargePayload(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 1<<18) // 4 MiB
	got, err := largeTask.Run(payload)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %d bytes", len(got))
	}
}

func TestRun_Concurrent(t *testing.T) {
	const goroutines = 8
	const iterations = 20
	var wg sync.WaitGroup
	errCh := make(chan error, goroutines)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				want := fmt.Sprintf("g%d-i%d", g, i)
				got, err := echo.Run(want)
				if err != nil {
					errCh <- err
					return
				}
				if got != want {
					errCh <- fmt.Errorf("got %q, want %q", got, want)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent run: %v", err)
	}
}

func TestRunContext_Cancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := sleepTask.RunContext(ctx, zygote.Global(), time.Minute)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("cancellation took %v", elapsed)
	}
	if _, err := echo.Run("after"); err != nil {
		t.Fatalf("zygote unusable after cancel: %v", err)
	}
}

func TestRun_WorkerEnv(t *testing.T) {
	got, err := envTask.Run(envMarker)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != "carried-through" {
		t.Fatalf("worker env %s = %q, want %q", envMarker, got, "carried-through")
	}
}

func TestRunContext_CancelRace(t *testing.T) {
	// cancellation racing natural completion must neither wedge the
	// channel nor surface anything but the context error
	z := zygote.Global()
	for i := 0; i < 30; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Millisecond)
		_, err := sleepTask.RunContext(ctx, z, 3*time.Millisecond)
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if err := z.Ping(); err != nil {
		t.Fatalf("zygote unusable after cancel race: %v", err)
	}
}

func TestInit_Twice(t *testing.T) {
	if err := zygote.Init(); !errors.Is(err, zygote.ErrInitialized) {
		t.Fatalf("expected ErrInitialized, got %v", err)
	}
}

func TestPing(t *testing.T) {
	if err := zygote.Global().Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestNoZombies(t *testing.T) {
	for i := 0; i < 100; i++ {
		if _, err := echo.Run("x"); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if n := zombieChildren(t, zygote.Global().Pid()); n != 0 {
		t.Fatalf("%d zombie children left behind", n)
	}
}

func TestNew_Destroy(t *testing.T) {
	z, err := zygote.New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got, err := echo.RunOn(z, "hello")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != "hello" {
		t.Fatalf("got %q", got)
	}
	if err := z.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := echo.RunOn(z, "again"); !errors.Is(err, zygote.ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
	// destroy is idempotent
	if err := z.Destroy(); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
}

func TestSpawn_Nested(t *testing.T) {
	z, err := zygote.Global().Spawn()
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer z.Destroy()
	if z.Pid() == zygote.Global().Pid() {
		t.Fatalf("nested zygote shares pid with parent")
	}
	got, err := echo.RunOn(z, "nested")
	if err != nil {
		t.Fatalf("run on nested: %v", err)
	}
	if got != "nested" {
		t.Fatalf("got %q", got)
	}
	if _, err := echo.Run("parent"); err != nil {
		t.Fatalf("parent zygote broken: %v", err)
	}
}

func TestBuilder_WorkerRLimits(t *testing.T) {
	z, err := zygote.Builder{
		WorkerRLimits: rlimit.RLimits{OpenFile: 64},
	}.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer z.Destroy()
	got, err := nofileTask.RunOn(z, struct{}{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != 64 {
		t.Fatalf("worker nofile limit = %d, want 64", got)
	}
}

func TestBuilder_BadWorkerFilter(t *testing.T) {
	_, err := zygote.Builder{
		WorkerFilter: []string{"not_a_syscall"},
	}.Build()
	if err == nil {
		t.Fatalf("expected error for unknown syscall name")
	}
}

func TestBuilder_Stderr(t *testing.T) {
	z, err := zygote.Builder{Stderr: true}.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	const marker = "stderr-collection-marker"
	if _, err := stderrTask.RunOn(z, marker); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := z.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if !strings.Contains(z.Stderr(), marker) {
		t.Fatalf("collected stderr %q missing marker", z.Stderr())
	}
}

func TestBuilder_BadExecFile(t *testing.T) {
	_, err := zygote.Builder{ExecFile: "/not/exists"}.Build()
	if err == nil {
		t.Fatalf("expected error")
	}
}

func BenchmarkRun(b *testing.B) {
	for i := 0; i < b.N; i++ {
		if _, err := echo.Run("bench"); err != nil {
			b.Fatalf("run: %v", err)
		}
	}
}

// zombieChildren counts children of ppid in state Z by scanning /proc
func zombieChildren(t *testing.T, ppid int) int {
	t.Helper()
	entries, err := os.ReadDir("/proc")
	if err != nil {
		t.Fatalf("read /proc: %v", err)
	}
	count := 0
	for _, e := range entries {
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		b, err := os.ReadFile(filepath.Join("/proc", e.Name(), "stat"))
		if err != nil {
			continue // raced with process exit
		}
		// fields after the parenthesized comm: state, ppid, ...
		i := bytes.LastIndexByte(b, ')')
		if i < 0 || i+2 >= len(b) {
			continue
		}
		fields := strings.Fields(string(b[i+2:]))
		if len(fields) < 2 {
			continue
		}
		if fields[0] == "Z" && fields[1] == strconv.Itoa(ppid) {
			count++
		}
	}
	return count
}

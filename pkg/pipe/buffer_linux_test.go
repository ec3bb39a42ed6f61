package pipe

import (
	"strings"
	"testing"
	"time"
)

func TestBuffer_Collect(t *testing.T) {
	b, err := NewBuffer(1024)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	if _, err := b.W.WriteString("hello"); err != nil {
		t.Fatalf("write: %v", err)
	}
	b.W.Close()

	select {
	case <-b.Done:
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for drain")
	}
	if got := b.String(); got != "hello" {
		t.Fatalf("got %q", got)
	}
	if b.Truncated() {
		t.Fatalf("unexpected truncation")
	}
}

func TestBuffer_Truncate(t *testing.T) {
	b, err := NewBuffer(8)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	if _, err := b.W.WriteString(strings.Repeat("x", 100)); err != nil {
		t.Fatalf("write: %v", err)
	}
	b.W.Close()

	select {
	case <-b.Done:
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for drain")
	}
	if got := b.String(); got != strings.Repeat("x", 8) {
		t.Fatalf("got %q", got)
	}
	if !b.Truncated() {
		t.Fatalf("expected truncation")
	}
}

func TestBuffer_ConcurrentRead(t *testing.T) {
	b, err := NewBuffer(1 << 16)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	// read while the drain goroutine is still writing; the race detector
	// flags any unguarded access to the underlying buffer
	stop := make(chan struct{})
	go func() {
		defer close(stop)
		for i := 0; i < 1000; i++ {
			if _, err := b.W.WriteString("z"); err != nil {
				t.Errorf("write: %v", err)
				return
			}
			_ = b.String()
			_ = b.Truncated()
		}
	}()
	<-stop
	b.W.Close()

	select {
	case <-b.Done:
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for drain")
	}
	if got := b.String(); got != strings.Repeat("z", 1000) {
		t.Fatalf("got %d bytes, want 1000", len(got))
	}
}

func TestBuffer_DrainAfterLimit(t *testing.T) {
	b, err := NewBuffer(4)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	// a producer writing far past the limit must not block
	if _, err := b.W.WriteString(strings.Repeat("y", 1<<20)); err != nil {
		t.Fatalf("write: %v", err)
	}
	b.W.Close()
	select {
	case <-b.Done:
	case <-time.After(5 * time.Second):
		t.Fatalf("drain stalled")
	}
}

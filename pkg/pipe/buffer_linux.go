// Package pipe provides a bounded buffer collecting the output written to
// the write end of an OS pipe, used to capture diagnostics from a process
// that outlives the call that created it.
package pipe

import (
	"bytes"
	"os"
	"sync"
)

// Buffer drains a pipe into an in-memory buffer in the background, up to
// Max + 1 bytes. Reading one extra byte makes it possible to tell whether
// the producer exceeded the limit. Done is closed when the write end is
// closed by all writers. String and Truncated may be called while the drain
// is still running.
type Buffer struct {
	W    *os.File
	Done <-chan struct{}
	Max  int64

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewBuffer creates a pipe and starts draining its read end. The caller hands
// W to the producer and must close its own copy afterwards, otherwise Done
// never fires.
func NewBuffer(max int64) (*Buffer, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	b := &Buffer{
		W:    w,
		Done: done,
		Max:  max,
	}
	go func() {
		defer close(done)
		defer r.Close()

		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				b.mu.Lock()
				if remain := b.Max + 1 - int64(b.buf.Len()); remain > 0 {
					if int64(n) > remain {
						n = int(remain)
					}
					b.buf.Write(buf[:n])
				}
				b.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	return b, nil
}

// String returns the content collected so far, truncated to Max bytes
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.String()
	if int64(len(s)) > b.Max {
		s = s[:b.Max]
	}
	return s
}

// Truncated reports whether the producer wrote more than Max bytes
func (b *Buffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(b.buf.Len()) > b.Max
}

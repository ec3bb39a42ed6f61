package memfd

import (
	"bytes"
	"io"
	"os"
	"testing"
)

func TestDupToMemfd(t *testing.T) {
	content := []byte("memfd test content")
	f, err := DupToMemfd("test", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("DupToMemfd: %v", err)
	}
	defer f.Close()

	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("content mismatch: got %q", got)
	}
}

func TestDupToMemfd_Sealed(t *testing.T) {
	f, err := DupToMemfd("test", bytes.NewReader([]byte("sealed")))
	if err != nil {
		t.Fatalf("DupToMemfd: %v", err)
	}
	defer f.Close()

	if _, err := f.Write([]byte("more")); err == nil {
		t.Fatalf("expected write to sealed memfd to fail")
	}
}

func TestDupFileToMemfd(t *testing.T) {
	f, err := DupFileToMemfd(os.Args[0], "self")
	if err != nil {
		t.Fatalf("DupFileToMemfd: %v", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Size() == 0 {
		t.Fatalf("empty memfd copy")
	}
}

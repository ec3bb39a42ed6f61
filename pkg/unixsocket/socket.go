// Package unixsocket provides a message channel over an anonymous unix
// stream socket pair. Each message is a length-prefixed frame so that the
// receiver can detect message boundaries and truncation, and may carry
// file descriptors as SCM_RIGHTS ancillary data.
package unixsocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
)

// oob size default to page size
const oobSize = 4096

// frame header is a little-endian uint32 length
const headerSize = 4

// maxFrame rejects absurd lengths from a corrupted or misaligned header
// before any allocation happens
const maxFrame = 1 << 30

// ErrClosed is returned by RecvMsg when the peer closed its end before a
// frame header arrived. An EOF in the middle of a frame is reported as a
// truncation error instead, since it means the peer died mid-write.
var ErrClosed = errors.New("unixsocket: socket closed by peer")

// use pool to avoid allocate
var oobPool = sync.Pool{
	New: func() any {
		return make([]byte, oobSize)
	},
}

// Socket represents one end of a connected unix socket pair
type Socket struct {
	*net.UnixConn
}

// Msg carries the unix rights received with a frame header
type Msg struct {
	Fds []int
}

// NewSocket creates Socket conn struct using an existing unix socket fd
// created by socketpair or net.DialUnix and marks it close_on_exec (avoid
// fd leak into spawned processes)
func NewSocket(fd int) (*Socket, error) {
	syscall.CloseOnExec(fd)

	file := os.NewFile(uintptr(fd), "unix-socket")
	if file == nil {
		return nil, fmt.Errorf("new socket: fd %d is not a valid fd", fd)
	}
	defer file.Close()

	conn, err := net.FileConn(file)
	if err != nil {
		return nil, err
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("new socket: fd %d is not a unix socket", fd)
	}
	return &Socket{unixConn}, nil
}

// NewSocketPair creates a connected unix socketpair using SOCK_STREAM.
// Both ends are close_on_exec; the end handed to a spawned process must be
// remapped explicitly by the spawner.
func NewSocketPair() (*Socket, *Socket, error) {
	fd, err := syscall.Socketpair(syscall.AF_LOCAL, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %v", err)
	}
	ins, err := NewSocket(fd[0])
	if err != nil {
		syscall.Close(fd[0])
		syscall.Close(fd[1])
		return nil, nil, fmt.Errorf("socketpair: %v", err)
	}
	outs, err := NewSocket(fd[1])
	if err != nil {
		ins.Close()
		syscall.Close(fd[1])
		return nil, nil, fmt.Errorf("socketpair: %v", err)
	}
	return ins, outs, nil
}

// SendMsg writes one frame: the length header goes out first in a single
// sendmsg together with any unix rights, then the body. It blocks until the
// frame is fully written or the peer disappears.
func (s *Socket) SendMsg(b []byte, m *Msg) error {
	if len(b) > maxFrame {
		return fmt.Errorf("sendmsg: frame too large (%d bytes)", len(b))
	}

	var oob []byte
	if m != nil && len(m.Fds) > 0 {
		oob = syscall.UnixRights(m.Fds...)
	}

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, _, err := s.WriteMsgUnix(hdr[:], oob, nil); err != nil {
		return fmt.Errorf("sendmsg: %v", err)
	}
	if _, err := s.Write(b); err != nil {
		return fmt.Errorf("sendmsg: %v", err)
	}
	return nil
}

// RecvMsg reads one complete frame and any unix rights sent with it.
// A clean EOF before the header returns ErrClosed; an EOF inside a frame
// returns an error wrapping io.ErrUnexpectedEOF.
func (s *Socket) RecvMsg() ([]byte, *Msg, error) {
	var hdr [headerSize]byte
	msg, err := s.recvHeader(hdr[:])
	if err != nil {
		return nil, nil, err
	}

	n := binary.LittleEndian.Uint32(hdr[:])
	if n > maxFrame {
		closeFds(msg.Fds)
		return nil, nil, fmt.Errorf("recvmsg: frame length %d exceeds limit", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(s, b); err != nil {
		closeFds(msg.Fds)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, nil, fmt.Errorf("recvmsg: truncated frame: %w", io.ErrUnexpectedEOF)
		}
		return nil, nil, fmt.Errorf("recvmsg: %v", err)
	}
	return b, msg, nil
}

// recvHeader reads the frame header with its ancillary data. The header is
// always the first data of a sendmsg on the peer side, so the rights arrive
// with the first bytes read here.
func (s *Socket) recvHeader(hdr []byte) (*Msg, error) {
	oob := oobPool.Get().([]byte)
	defer oobPool.Put(oob)

	msg := new(Msg)
	for read := 0; read < len(hdr); {
		n, oobn, _, _, err := s.ReadMsgUnix(hdr[read:], oob)
		if oobn > 0 {
			fds, perr := parseRights(oob[:oobn])
			if perr != nil {
				closeFds(msg.Fds)
				return nil, perr
			}
			msg.Fds = append(msg.Fds, fds...)
		}
		if err != nil {
			closeFds(msg.Fds)
			if err == io.EOF {
				if read == 0 {
					return nil, ErrClosed
				}
				return nil, fmt.Errorf("recvmsg: truncated header: %w", io.ErrUnexpectedEOF)
			}
			return nil, fmt.Errorf("recvmsg: %v", err)
		}
		read += n
	}
	return msg, nil
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := syscall.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("recvmsg: parse control message: %v", err)
	}
	var fds []int
	for _, m := range msgs {
		if m.Header.Level != syscall.SOL_SOCKET || m.Header.Type != syscall.SCM_RIGHTS {
			continue
		}
		f, err := syscall.ParseUnixRights(&m)
		if err != nil {
			return nil, fmt.Errorf("recvmsg: parse unix rights: %v", err)
		}
		fds = append(fds, f...)
	}
	return fds, nil
}

func closeFds(fds []int) {
	for _, fd := range fds {
		syscall.Close(fd)
	}
}

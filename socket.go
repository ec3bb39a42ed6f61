package zygote

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/criyle/go-zygote/pkg/unixsocket"
)

// socket wraps the frame channel with gob encoding of the wire structs
type socket struct {
	*unixsocket.Socket
}

var bufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

func newSocket(s *unixsocket.Socket) *socket {
	return &socket{s}
}

func (s *socket) sendCmd(c *cmd, m *unixsocket.Msg) error {
	buf := bufferPool.Get().(*bytes.Buffer)
	defer bufferPool.Put(buf)
	defer buf.Reset()

	if err := gob.NewEncoder(buf).Encode(c); err != nil {
		return err
	}
	return s.SendMsg(buf.Bytes(), m)
}

func (s *socket) recvCmd() (*cmd, *unixsocket.Msg, error) {
	b, m, err := s.RecvMsg()
	if err != nil {
		return nil, nil, err
	}
	var c cmd
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&c); err != nil {
		return nil, m, &DecodeError{Type: "cmd", Err: err}
	}
	return &c, m, nil
}

func (s *socket) sendReply(r *reply, m *unixsocket.Msg) error {
	buf := bufferPool.Get().(*bytes.Buffer)
	defer bufferPool.Put(buf)
	defer buf.Reset()

	if err := gob.NewEncoder(buf).Encode(r); err != nil {
		return err
	}
	return s.SendMsg(buf.Bytes(), m)
}

func (s *socket) recvReply() (*reply, *unixsocket.Msg, error) {
	b, m, err := s.RecvMsg()
	if err != nil {
		return nil, nil, err
	}
	var r reply
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&r); err != nil {
		return nil, m, &DecodeError{Type: "reply", Err: err}
	}
	return &r, m, nil
}

package protocol

import (
	"crypto/cipher"
	"fmt"
	"io"
)

type State int

const (
	StateIdle State = iota
	StateSendingRequest
	StateAwaitingReply
	StateAwaitingRequest
	StateSendingReply
	StateEstablished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSendingRequest:
		return "sending-request"
	case StateAwaitingReply:
		return "awaiting-reply"
	case StateAwaitingRequest:
		return "awaiting-request"
	case StateSendingReply:
		return "sending-reply"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ReplyError is returned to the client when the server answered with a
// non-zero code.
type ReplyError struct {
	Code byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("server replied with code %d", e.Code)
}

// Session runs one side of the handshake over a stream. It is not safe for
// concurrent use; each connection owns its own Session.
type Session struct {
	rw     io.ReadWriter
	aead   cipher.AEAD
	header []byte
	buf    []byte
	state  State
	dest   Request
	extra  []byte
}

func NewSession(rw io.ReadWriter, aead cipher.AEAD, header []byte) (*Session, error) {
	if len(header) > MaxHeaderSize {
		return nil, fmt.Errorf("%w: header of %d bytes, limit %d", ErrMessageTooLarge, len(header), MaxHeaderSize)
	}
	return &Session{
		rw:     rw,
		aead:   aead,
		header: header,
		buf:    make([]byte, 0, MaxMessageSize),
	}, nil
}

func (s *Session) State() State { return s.state }

func (s *Session) Destination() Request { return s.dest }

// Buffered returns stream bytes that arrived in the same read as the peer's
// handshake message. They must be relayed before anything else.
func (s *Session) Buffered() []byte { return s.extra }

func (s *Session) fail(err error) error {
	s.state = StateFailed
	return err
}

func (s *Session) write(p Payload) error {
	msg, err := WriteMessage(s.buf[:0], s.aead, s.header, p)
	if err != nil {
		return err
	}
	if _, err := s.rw.Write(msg); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	return nil
}

func (s *Session) read(p Payload) error {
	buf := s.buf[:MaxMessageSize]
	n, err := s.rw.Read(buf)
	if n == 0 && err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	used, err := ReadMessage(buf[:n], s.aead, p)
	if err != nil {
		return err
	}
	if used < n {
		s.extra = append([]byte(nil), buf[used:n]...)
	}
	return nil
}

// Client sends a request for host:port and waits for the server's reply.
func (s *Session) Client(host string, port uint16) error {
	if s.state != StateIdle {
		return ErrInvalidState
	}

	req, err := NewRequest(host, port)
	if err != nil {
		return s.fail(err)
	}
	s.dest = *req

	s.state = StateSendingRequest
	if err := s.write(req); err != nil {
		return s.fail(err)
	}

	s.state = StateAwaitingReply
	var reply Reply
	if err := s.read(&reply); err != nil {
		return s.fail(err)
	}
	if reply.Code != ReplyOK {
		return s.fail(&ReplyError{Code: reply.Code})
	}

	s.state = StateEstablished
	return nil
}

// AcceptRequest reads the client's request. Nothing is written on failure.
func (s *Session) AcceptRequest() (Request, error) {
	if s.state != StateIdle {
		return Request{}, ErrInvalidState
	}

	s.state = StateAwaitingRequest
	var req Request
	if err := s.read(&req); err != nil {
		return Request{}, s.fail(err)
	}

	s.dest = req
	s.state = StateSendingReply
	return req, nil
}

// Reply answers an accepted request. Any code other than ReplyOK leaves the
// session failed once the reply is written.
func (s *Session) Reply(code byte) error {
	if s.state != StateSendingReply {
		return ErrInvalidState
	}

	if err := s.write(&Reply{Code: code}); err != nil {
		return s.fail(err)
	}

	if code != ReplyOK {
		s.state = StateFailed
		return nil
	}
	s.state = StateEstablished
	return nil
}

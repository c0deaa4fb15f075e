package protocol

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"unicode/utf8"
)

// Payload is implemented only by *Request and *Reply.
type Payload interface {
	Len() int
	Encode(dst []byte) []byte
	Decode(b []byte) error

	payload()
}

type Request struct {
	Host string
	Port uint16
}

func NewRequest(host string, port uint16) (*Request, error) {
	if len(host) == 0 || len(host) > MaxHostLength {
		return nil, fmt.Errorf("host length %d out of range 1-%d", len(host), MaxHostLength)
	}
	if !utf8.ValidString(host) {
		return nil, fmt.Errorf("host %q is not valid UTF-8", host)
	}
	return &Request{Host: host, Port: port}, nil
}

func (r *Request) Len() int { return 2 + len(r.Host) + 2 }

func (r *Request) Encode(dst []byte) []byte {
	dst = append(dst, Version, byte(len(r.Host)))
	dst = append(dst, r.Host...)
	return binary.BigEndian.AppendUint16(dst, r.Port)
}

func (r *Request) Decode(b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("%w: request too short", ErrMalformed)
	}
	if b[0] != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrMalformed, b[0])
	}

	n := int(b[1])
	if n == 0 {
		return fmt.Errorf("%w: empty host", ErrMalformed)
	}
	if len(b) != 2+n+2 {
		return fmt.Errorf("%w: request length %d, host length %d", ErrMalformed, len(b), n)
	}

	host := b[2 : 2+n]
	if !utf8.Valid(host) {
		return fmt.Errorf("%w: host is not valid UTF-8", ErrMalformed)
	}

	r.Host = string(host)
	r.Port = binary.BigEndian.Uint16(b[2+n:])
	return nil
}

func (r *Request) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

func (*Request) payload() {}

type Reply struct {
	Code byte
}

func (r *Reply) Len() int { return 1 }

func (r *Reply) Encode(dst []byte) []byte { return append(dst, r.Code) }

func (r *Reply) Decode(b []byte) error {
	if len(b) != 1 {
		return fmt.Errorf("%w: reply length %d", ErrMalformed, len(b))
	}
	r.Code = b[0]
	return nil
}

func (*Reply) payload() {}

// Package socks is the local SOCKS5 front end. It wraps the wire primitives
// of github.com/txthinking/socks5 and supports only no-auth CONNECT.
package socks

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/txthinking/socks5"
)

var (
	ErrNoAcceptableMethod  = errors.New("socks: no acceptable authentication method")
	ErrCommandNotSupported = errors.New("socks: command not supported")
)

var (
	RepSuccess             byte = socks5.RepSuccess
	RepServerFailure       byte = socks5.RepServerFailure
	RepHostUnreachable     byte = socks5.RepHostUnreachable
	RepConnectionRefused   byte = socks5.RepConnectionRefused
	RepCommandNotSupported byte = socks5.RepCommandNotSupported
)

// Accept runs method negotiation and reads a CONNECT request. The caller
// must answer with Reply once the outcome of the connect is known.
func Accept(rw io.ReadWriter) (string, uint16, error) {
	neg, err := socks5.NewNegotiationRequestFrom(rw)
	if err != nil {
		return "", 0, fmt.Errorf("socks: read negotiation: %w", err)
	}
	if !bytes.Contains(neg.Methods, []byte{socks5.MethodNone}) {
		socks5.NewNegotiationReply(socks5.MethodUnsupportAll).WriteTo(rw)
		return "", 0, ErrNoAcceptableMethod
	}
	if _, err := socks5.NewNegotiationReply(socks5.MethodNone).WriteTo(rw); err != nil {
		return "", 0, fmt.Errorf("socks: write negotiation: %w", err)
	}

	req, err := socks5.NewRequestFrom(rw)
	if err != nil {
		return "", 0, fmt.Errorf("socks: read request: %w", err)
	}
	if req.Cmd != socks5.CmdConnect {
		Reply(rw, RepCommandNotSupported)
		return "", 0, fmt.Errorf("%w: %d", ErrCommandNotSupported, req.Cmd)
	}

	host, portStr, err := net.SplitHostPort(req.Address())
	if err != nil {
		return "", 0, fmt.Errorf("socks: bad address: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("socks: bad port: %w", err)
	}
	return host, uint16(port), nil
}

// Reply writes a CONNECT reply with an unspecified bound address.
func Reply(w io.Writer, rep byte) error {
	_, err := socks5.NewReply(rep, socks5.ATYPIPv4, net.IPv4zero.To4(), []byte{0, 0}).WriteTo(w)
	return err
}

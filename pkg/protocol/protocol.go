package protocol

import (
	"errors"

	"valx.pw/shroud/pkg/crypto"
)

const (
	Version = 0x00

	NonceSize  = crypto.NonceSize
	TagSize    = crypto.TagSize
	LengthSize = 2

	MaxMessageSize = 0x500
	MaxHostLength  = 255
	MaxRequestSize = 2 + MaxHostLength + 2

	// MaxHeaderSize is the largest fake header that still leaves room for a
	// request carrying the longest host.
	MaxHeaderSize = MaxMessageSize - NonceSize - LengthSize - MaxRequestSize - TagSize

	ReplyOK                 = 0x00
	ReplyGeneralFailure     = 0x01
	ReplyNotAllowed         = 0x02
	ReplyNetworkUnreachable = 0x03
	ReplyHostUnreachable    = 0x04
	ReplyConnectionRefused  = 0x05
)

// EOH terminates the fake header.
var EOH = []byte("\r\n\r\n")

var (
	ErrHeaderNotFound  = errors.New("end of header not found")
	ErrMalformed       = errors.New("malformed message")
	ErrDecrypt         = errors.New("decrypt failed")
	ErrMessageTooLarge = errors.New("handshake message exceeds size limit")
	ErrInvalidState    = errors.New("handshake step out of order")
)

package protocol

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"valx.pw/shroud/pkg/crypto"
)

// WriteMessage appends header || nonce || length || sealed payload to buf.
// The two length bytes are authenticated as associated data.
func WriteMessage(buf []byte, aead cipher.AEAD, header []byte, p Payload) ([]byte, error) {
	sealedLen := p.Len() + aead.Overhead()
	if size := len(header) + NonceSize + LengthSize + sealedLen; size > MaxMessageSize {
		return buf, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}

	buf = append(buf, header...)

	start := len(buf)
	buf = append(buf, make([]byte, NonceSize)...)
	nonce := buf[start : start+NonceSize]
	if err := crypto.NewNonce(nonce); err != nil {
		return buf[:start-len(header)], fmt.Errorf("generate nonce: %w", err)
	}

	buf = binary.BigEndian.AppendUint16(buf, uint16(sealedLen))
	ad := buf[len(buf)-LengthSize:]

	plainStart := len(buf)
	buf = p.Encode(buf)

	return aead.Seal(buf[:plainStart], nonce, buf[plainStart:], ad), nil
}

// ReadMessage opens one message in place and decodes it into p. It returns
// the number of bytes the message occupied; anything after that belongs to
// the stream that follows the handshake.
func ReadMessage(buf []byte, aead cipher.AEAD, p Payload) (int, error) {
	idx := bytes.Index(buf, EOH)
	if idx < 0 {
		return 0, ErrHeaderNotFound
	}

	start := idx + len(EOH)
	rest := buf[start:]
	if len(rest) < NonceSize+LengthSize+aead.Overhead() {
		return 0, fmt.Errorf("%w: %d bytes after header", ErrMalformed, len(rest))
	}

	nonce := rest[:NonceSize]
	ad := rest[NonceSize : NonceSize+LengthSize]
	length := int(binary.BigEndian.Uint16(ad))
	sealed := rest[NonceSize+LengthSize:]
	if length < aead.Overhead() || length > len(sealed) {
		return 0, fmt.Errorf("%w: length field %d, %d bytes available", ErrMalformed, length, len(sealed))
	}
	sealed = sealed[:length]

	plain, err := aead.Open(sealed[:0], nonce, sealed, ad)
	if err != nil {
		return 0, ErrDecrypt
	}

	if err := p.Decode(plain); err != nil {
		return 0, err
	}
	return start + NonceSize + LengthSize + length, nil
}

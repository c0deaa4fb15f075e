package protocol

import (
	"bytes"
	"crypto/cipher"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valx.pw/shroud/pkg/crypto"
)

var (
	testClientHeader = []byte("POST /upload HTTP/1.1\r\nHOST: www.apple.com\r\n\r\n")
	testServerHeader = []byte("HTTP/1.1 200 OK\r\n\r\n")
)

func newTestCipher(t *testing.T) cipher.AEAD {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	aead, err := crypto.NewCipher(key)
	require.NoError(t, err)
	return aead
}

func TestMessageRoundTrip(t *testing.T) {
	aead := newTestCipher(t)

	msg, err := WriteMessage(nil, aead, testClientHeader, &Request{Host: "example.com", Port: 443})
	require.NoError(t, err)

	assert.True(t, bytes.HasPrefix(msg, testClientHeader))
	assert.Len(t, msg, len(testClientHeader)+NonceSize+LengthSize+4+len("example.com")+TagSize)

	lenField := msg[len(testClientHeader)+NonceSize : len(testClientHeader)+NonceSize+LengthSize]
	assert.Equal(t, []byte{0, 4 + 11 + TagSize}, lenField)
	assert.NotContains(t, string(msg[len(testClientHeader):]), "example.com")

	var req Request
	n, err := ReadMessage(msg, aead, &req)
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)
	assert.Equal(t, Request{Host: "example.com", Port: 443}, req)
}

func TestMessageFreshNonce(t *testing.T) {
	aead := newTestCipher(t)
	p := &Reply{Code: ReplyOK}

	a, err := WriteMessage(nil, aead, testServerHeader, p)
	require.NoError(t, err)
	b, err := WriteMessage(nil, aead, testServerHeader, p)
	require.NoError(t, err)

	n := len(testServerHeader)
	assert.NotEqual(t, a[n:n+NonceSize], b[n:n+NonceSize])
	assert.NotEqual(t, a, b)
}

func TestMessageBitFlipsFail(t *testing.T) {
	aead := newTestCipher(t)

	msg, err := WriteMessage(nil, aead, testClientHeader, &Request{Host: "example.com", Port: 443})
	require.NoError(t, err)

	for i := len(testClientHeader); i < len(msg); i++ {
		for bit := 0; bit < 8; bit++ {
			tampered := append([]byte(nil), msg...)
			tampered[i] ^= 1 << bit

			var req Request
			_, err := ReadMessage(tampered, aead, &req)
			require.Error(t, err, "byte %d bit %d", i, bit)
		}
	}
}

func TestMessageWrongKey(t *testing.T) {
	msg, err := WriteMessage(nil, newTestCipher(t), testClientHeader, &Request{Host: "example.com", Port: 443})
	require.NoError(t, err)

	var req Request
	_, err = ReadMessage(msg, newTestCipher(t), &req)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestReadMessageErrors(t *testing.T) {
	aead := newTestCipher(t)

	var req Request
	_, err := ReadMessage([]byte("GET / HTTP/1.1\r\nHost: x\r\n"), aead, &req)
	assert.ErrorIs(t, err, ErrHeaderNotFound)
	_, err = ReadMessage(nil, aead, &req)
	assert.ErrorIs(t, err, ErrHeaderNotFound)
	_, err = ReadMessage([]byte("HTTP/1.1 200 OK\r\n\r\nshort"), aead, &req)
	assert.ErrorIs(t, err, ErrMalformed)

	msg, err := WriteMessage(nil, aead, testClientHeader, &Request{Host: "example.com", Port: 443})
	require.NoError(t, err)
	_, err = ReadMessage(msg[:len(msg)-1], aead, &req)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestReadMessageTrailingData(t *testing.T) {
	aead := newTestCipher(t)

	msg, err := WriteMessage(nil, aead, testServerHeader, &Reply{Code: ReplyOK})
	require.NoError(t, err)
	size := len(msg)
	stream := append(msg, "SSH-2.0-OpenSSH_9.6\r\n"...)

	var reply Reply
	n, err := ReadMessage(stream, aead, &reply)
	require.NoError(t, err)
	assert.Equal(t, size, n)
	assert.Equal(t, byte(ReplyOK), reply.Code)
	assert.Equal(t, "SSH-2.0-OpenSSH_9.6\r\n", string(stream[n:]))
}

func TestReadMessageWrongPayloadKind(t *testing.T) {
	aead := newTestCipher(t)

	msg, err := WriteMessage(nil, aead, testServerHeader, &Reply{Code: ReplyOK})
	require.NoError(t, err)

	var req Request
	_, err = ReadMessage(msg, aead, &req)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMessageSizeBound(t *testing.T) {
	aead := newTestCipher(t)
	host := strings.Repeat("a", MaxHostLength)

	header := maxHeader(MaxHeaderSize)
	msg, err := WriteMessage(nil, aead, header, &Request{Host: host, Port: 443})
	require.NoError(t, err)
	assert.Len(t, msg, MaxMessageSize)

	var req Request
	_, err = ReadMessage(msg, aead, &req)
	require.NoError(t, err)
	assert.Equal(t, host, req.Host)

	_, err = WriteMessage(nil, aead, maxHeader(MaxHeaderSize+1), &Request{Host: host, Port: 443})
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

// maxHeader builds a valid fake header of exactly n bytes.
func maxHeader(n int) []byte {
	prefix := "POST /upload HTTP/1.1\r\nX-Pad: "
	suffix := "\r\n\r\n"
	return []byte(prefix + strings.Repeat("p", n-len(prefix)-len(suffix)) + suffix)
}

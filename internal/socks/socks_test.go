package socks

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// script plays the client half of a SOCKS5 exchange and returns what it read.
func script(conn net.Conn, writes [][]byte, reads []int) <-chan [][]byte {
	out := make(chan [][]byte, 1)
	go func() {
		var got [][]byte
		for i, w := range writes {
			if _, err := conn.Write(w); err != nil {
				break
			}
			if i < len(reads) && reads[i] > 0 {
				buf := make([]byte, reads[i])
				if _, err := io.ReadFull(conn, buf); err != nil {
					break
				}
				got = append(got, buf)
			}
		}
		out <- got
	}()
	return out
}

func TestAcceptDomain(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len("example.com"))}
	req = append(req, "example.com"...)
	req = append(req, 0x01, 0xbb)

	got := script(client, [][]byte{{0x05, 0x02, 0x02, 0x00}, req}, []int{2, 10})

	host, port, err := Accept(server)
	require.NoError(t, err)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, uint16(443), port)

	require.NoError(t, Reply(server, RepSuccess))

	replies := <-got
	require.Len(t, replies, 2)
	assert.Equal(t, []byte{0x05, 0x00}, replies[0])
	assert.Equal(t, []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, replies[1])
}

func TestAcceptIPv4(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	got := script(client, [][]byte{
		{0x05, 0x01, 0x00},
		{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 7, 0x1f, 0x90},
	}, []int{2, 10})

	host, port, err := Accept(server)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", host)
	assert.Equal(t, uint16(8080), port)

	require.NoError(t, Reply(server, RepHostUnreachable))
	replies := <-got
	require.Len(t, replies, 2)
	assert.Equal(t, RepHostUnreachable, replies[1][1])
}

func TestAcceptNoAcceptableMethod(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	got := script(client, [][]byte{{0x05, 0x01, 0x02}}, []int{2})

	_, _, err := Accept(server)
	assert.ErrorIs(t, err, ErrNoAcceptableMethod)

	replies := <-got
	require.Len(t, replies, 1)
	assert.Equal(t, []byte{0x05, 0xff}, replies[0])
}

func TestAcceptRejectsBind(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	got := script(client, [][]byte{
		{0x05, 0x01, 0x00},
		{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0, 80},
	}, []int{2, 10})

	_, _, err := Accept(server)
	assert.ErrorIs(t, err, ErrCommandNotSupported)

	replies := <-got
	require.Len(t, replies, 2)
	assert.Equal(t, RepCommandNotSupported, replies[1][1])
}

func TestAcceptBadVersion(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		client.Write([]byte{0x04, 0x01, 0x00})
	}()

	_, _, err := Accept(server)
	assert.Error(t, err)
	server.Close()
}

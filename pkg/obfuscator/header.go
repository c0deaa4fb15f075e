package obfuscator

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"valx.pw/shroud/pkg/protocol"
)

const (
	clientHeader = "POST /upload HTTP/1.1\r\nHOST: www.apple.com\r\n\r\n"
	serverHeader = "HTTP/1.1 200 OK\r\n\r\n"
)

var (
	ErrEmptyHeader    = errors.New("fake header has no content lines")
	ErrBadTerminator  = errors.New("fake header must end with exactly one blank line")
	ErrHeaderTooLarge = errors.New("fake header too large")
)

func ClientHeader() []byte { return []byte(clientHeader) }

func ServerHeader() []byte { return []byte(serverHeader) }

// Load returns the fallback header when path is empty, otherwise the
// normalized contents of the file.
func Load(path string, fallback []byte) ([]byte, error) {
	if path == "" {
		return fallback, nil
	}
	return LoadHeader(path)
}

func LoadHeader(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open header file: %w", err)
	}
	defer f.Close()

	header, err := Normalize(f)
	if err != nil {
		return nil, fmt.Errorf("header file %s: %w", path, err)
	}
	return header, nil
}

// Normalize trims every line, drops the blank ones and joins the rest with
// CRLF followed by a final CRLF.
func Normalize(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), protocol.MaxMessageSize*4)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		buf.Write(line)
		buf.WriteString("\r\n")
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if buf.Len() == 0 {
		return nil, ErrEmptyHeader
	}
	buf.WriteString("\r\n")

	header := buf.Bytes()
	if err := Validate(header); err != nil {
		return nil, err
	}
	return header, nil
}

func Validate(header []byte) error {
	idx := bytes.Index(header, protocol.EOH)
	if idx < 0 || idx != len(header)-len(protocol.EOH) {
		return ErrBadTerminator
	}
	if len(header) > protocol.MaxHeaderSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrHeaderTooLarge, len(header), protocol.MaxHeaderSize)
	}
	return nil
}

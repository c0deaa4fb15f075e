package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSize
	TagSize   = chacha20poly1305.Overhead
)

var ErrInvalidKey = errors.New("invalid pre-shared key")

// Key is the raw pre-shared key. It is loaded once and shared read-only.
type Key [KeySize]byte

func LoadKey(path string) (Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Key{}, fmt.Errorf("read psk file: %w", err)
	}
	return ParseKey(string(data))
}

// ParseKey accepts standard base64 with or without padding.
func ParseKey(s string) (Key, error) {
	var key Key

	s = strings.TrimRight(strings.TrimSpace(s), "=")
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(raw), KeySize)
	}

	copy(key[:], raw)
	return key, nil
}

func GenerateKey() (Key, error) {
	var key Key
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

func (k Key) String() string {
	return base64.RawStdEncoding.EncodeToString(k[:])
}

// NewCipher returns an AEAD that is safe for concurrent use; callers supply
// a fresh nonce for every Seal.
func NewCipher(k Key) (cipher.AEAD, error) {
	aead, err := chacha20poly1305.New(k[:])
	if err != nil {
		return nil, err
	}
	return aead, nil
}

func NewNonce(dst []byte) error {
	if len(dst) != NonceSize {
		return fmt.Errorf("nonce buffer must be %d bytes", NonceSize)
	}
	_, err := io.ReadFull(rand.Reader, dst)
	return err
}

func LoadCipher(path string) (cipher.AEAD, error) {
	key, err := LoadKey(path)
	if err != nil {
		return nil, err
	}
	return NewCipher(key)
}

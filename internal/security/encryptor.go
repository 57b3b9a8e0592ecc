package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// sealFormat is the first byte of every sealed record.
const sealFormat byte = 1

// ErrUnsealable is returned when a record was sealed under another key or
// another name, or has been altered.
var ErrUnsealable = errors.New("record cannot be unsealed")

// Sealer encrypts vault records with AES-256-GCM. The record name is the
// additional data, so a record only opens under the name it was sealed for.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer takes the 32-byte vault subkey from NewKeys.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeyLength {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", KeyLength, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns format || nonce || ciphertext.
func (s *Sealer) Seal(name string, plaintext []byte) ([]byte, error) {
	out := make([]byte, 1+s.aead.NonceSize(), 1+s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	out[0] = sealFormat
	nonce := out[1:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(out, nonce, plaintext, []byte(name)), nil
}

func (s *Sealer) Open(name string, sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < 1+n || sealed[0] != sealFormat {
		return nil, fmt.Errorf("%w: %s: unknown format", ErrUnsealable, name)
	}
	plaintext, err := s.aead.Open(nil, sealed[1:1+n], sealed[1+n:], []byte(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsealable, name)
	}
	return plaintext, nil
}

// Package cipher provides the message cipher used when encryption is enabled.
package cipher

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Overhead is the number of bytes Seal adds to a message.
const Overhead = chacha20poly1305.NonceSize + chacha20poly1305.Overhead

// ErrOpen is returned when a ciphertext fails authentication.
var ErrOpen = errors.New("cipher: message authentication failed")

// AEAD seals whole messages with ChaCha20-Poly1305 under a pre-shared key.
// Output layout: nonce(12) | ciphertext | tag(16). It is safe for concurrent use.
type AEAD struct {
	aead cipher.AEAD
}

// New creates an AEAD from a 32-byte key.
func New(key []byte) (*AEAD, error) {
	a, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	return &AEAD{aead: a}, nil
}

// NewFromHex creates an AEAD from a 64-character hex key.
func NewFromHex(s string) (*AEAD, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("cipher: decode key: %w", err)
	}
	return New(key)
}

// Encrypt seals plaintext. ad is authenticated but not encrypted.
func (a *AEAD) Encrypt(plaintext, ad []byte) ([]byte, error) {
	out := make([]byte, chacha20poly1305.NonceSize, Overhead+len(plaintext))
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("cipher: nonce: %w", err)
	}
	return a.aead.Seal(out, out, plaintext, ad), nil
}

// Decrypt opens a message produced by Encrypt with the same ad.
func (a *AEAD) Decrypt(ciphertext, ad []byte) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, fmt.Errorf("%w: %d bytes is shorter than nonce and tag", ErrOpen, len(ciphertext))
	}
	nonce, body := ciphertext[:chacha20poly1305.NonceSize], ciphertext[chacha20poly1305.NonceSize:]
	plain, err := a.aead.Open(nil, nonce, body, ad)
	if err != nil {
		return nil, ErrOpen
	}
	return plain, nil
}

// Package fieldcrypt seals individual column values with XChaCha20-Poly1305.
//
// A sealed value is nonce || ciphertext. The owning user id is bound as
// associated data so a value copied to another user's row fails to open.
package fieldcrypt

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrMalformed is returned when a sealed value is too short or fails authentication.
var ErrMalformed = errors.New("fieldcrypt: malformed or tampered value")

// Sealer encrypts and decrypts small field values.
type Sealer struct {
	aead cipher.AEAD
}

// New creates a Sealer from a 32-byte key.
func New(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// NewFromHex creates a Sealer from a hex encoded key.
func NewFromHex(s string) (*Sealer, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid note key: %w", err)
	}
	return New(key)
}

// Seal encrypts plaintext for owner.
func (s *Sealer) Seal(owner string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(owner)), nil
}

// Open decrypts a value produced by Seal for the same owner.
func (s *Sealer) Open(owner string, sealed []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return nil, ErrMalformed
	}
	out, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(owner))
	if err != nil {
		return nil, ErrMalformed
	}
	return out, nil
}

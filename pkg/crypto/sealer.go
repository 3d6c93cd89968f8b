// Package crypto seals small secrets (tool credentials) with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"

	"switchyard/pkg/errors"
)

// ErrKeySize is returned when the master key is not 32 bytes.
var ErrKeySize = errors.New("encryption key must be exactly 32 bytes for AES-256")

// ErrCiphertext is returned when a sealed value cannot be opened.
var ErrCiphertext = errors.New("ciphertext is malformed or was tampered with")

// Sealer encrypts values with AES-256-GCM. The nonce is prepended to the
// ciphertext. Additional data binds a sealed value to its owner so a row
// copied to another (tool, caller) fails to open.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer accepts the raw 32-byte key or its standard base64 encoding.
func NewSealer(key string) (*Sealer, error) {
	raw := []byte(key)
	if len(raw) != 32 {
		decoded, err := base64.StdEncoding.DecodeString(key)
		if err != nil || len(decoded) != 32 {
			return nil, ErrKeySize
		}
		raw = decoded
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, errors.Wrap(err, "create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "create gcm")
	}
	return &Sealer{aead: gcm}, nil
}

// Seal encrypts plaintext bound to aad.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "read nonce")
	}
	return s.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return nil, ErrCiphertext
	}
	plaintext, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], aad)
	if err != nil {
		return nil, ErrCiphertext
	}
	return plaintext, nil
}

// SealJSON marshals v and seals the result.
func (s *Sealer) SealJSON(v any, aad []byte) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal secret")
	}
	return s.Seal(raw, aad)
}

// OpenJSON opens sealed and unmarshals it into v.
func (s *Sealer) OpenJSON(sealed, aad []byte, v any) error {
	raw, err := s.Open(sealed, aad)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(err, "unmarshal secret")
	}
	return nil
}

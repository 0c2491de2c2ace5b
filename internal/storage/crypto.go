package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// sealer encrypts token rows with AES-256-GCM. The row key is authenticated
// as additional data, so a ciphertext copied to another key fails to open.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &sealer{aead: aead}, nil
}

// seal returns base64(nonce | ciphertext | tag).
func (s *sealer) seal(rowKey string, plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, []byte(rowKey))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *sealer) open(rowKey, encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}

	plaintext, err := s.aead.Open(nil, sealed[:n], sealed[n:], []byte(rowKey))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// Argon2id parameters for DeriveKey.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	keyLength    = 32
	saltLength   = 16
)

// DeriveKey stretches a passphrase into a 32-byte AES-256 key with Argon2id.
// The salt must be random and stored next to the data it protects.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase is empty")
	}
	if len(salt) < saltLength {
		return nil, fmt.Errorf("salt must be at least %d bytes", saltLength)
	}
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keyLength), nil
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// Package crypto seals installation access tokens before they are written to the
// database. A leaked row must not yield a usable registry credential, so every
// token is stored AES-256-GCM encrypted and base64url encoded.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrKeyLengthInvalid is returned when a master key is not exactly 32 bytes (required for AES-256).
	ErrKeyLengthInvalid = errors.New("crypto: key must be exactly 32 bytes for AES-256")
	// ErrCiphertextCorrupted is returned when the ciphertext fails base64 decoding or is too short to contain a nonce.
	ErrCiphertextCorrupted = errors.New("crypto: ciphertext is corrupted or tampered")
	// ErrDecryptionFailed is returned when GCM authentication fails (tampering or a wrong key).
	ErrDecryptionFailed = errors.New("crypto: decryption operation failed")
	// ErrSaltTooShort is returned when the salt is fewer than 16 bytes.
	ErrSaltTooShort = errors.New("crypto: salt must be at least 16 bytes")
	// ErrNoKeyMaterial is returned by FromSecret when neither a key nor a passphrase is given.
	ErrNoKeyMaterial = errors.New("crypto: an encryption key or passphrase is required")
)

const (
	keySize            = 32
	minPBKDF2Rounds    = 10000
	defaultPBKDF2Round = 100000
)

// TokenCipher encrypts and decrypts bearer tokens. Safe for concurrent use.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher creates a cipher with a 32-byte master key
func NewTokenCipher(masterKey []byte) (*TokenCipher, error) {
	if len(masterKey) != keySize {
		return nil, ErrKeyLengthInvalid
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &TokenCipher{aead: aead}, nil
}

// DeriveTokenCipher creates a cipher by deriving a key from a passphrase with PBKDF2-SHA256
func DeriveTokenCipher(passphrase string, salt []byte, iterations int) (*TokenCipher, error) {
	if len(salt) < 16 {
		return nil, ErrSaltTooShort
	}
	if iterations < minPBKDF2Rounds {
		iterations = defaultPBKDF2Round
	}
	return NewTokenCipher(pbkdf2.Key([]byte(passphrase), salt, iterations, keySize, sha256.New))
}

// FromSecret builds a cipher from configuration: a raw 32-byte key wins, otherwise
// the key is derived from passphrase and salt.
func FromSecret(key, passphrase, salt string) (*TokenCipher, error) {
	switch {
	case key != "":
		return NewTokenCipher([]byte(key))
	case passphrase != "":
		return DeriveTokenCipher(passphrase, []byte(salt), defaultPBKDF2Round)
	default:
		return nil, ErrNoKeyMaterial
	}
}

// Seal encrypts plaintext and returns nonce||ciphertext, base64url encoded.
// The empty string seals to the empty string.
func (tc *TokenCipher) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, tc.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := tc.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal
func (tc *TokenCipher) Open(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrCiphertextCorrupted
	}
	n := tc.aead.NonceSize()
	if len(raw) < n {
		return "", ErrCiphertextCorrupted
	}
	plaintext, err := tc.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// GenerateKey returns a random key suitable for tokens.encryption_key: 24 random
// bytes encoded as exactly 32 base64url characters.
func GenerateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

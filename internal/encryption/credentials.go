package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	keySize       = 32 // AES-256
	cipherVersion = "v1"
)

var (
	// ErrInvalidKey is returned for keys that are not 32 bytes
	ErrInvalidKey = errors.New("encryption key must be 32 bytes")
	// ErrInvalidCiphertext is returned when a stored credential cannot be decrypted
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// CredentialCipher encrypts store API credentials at rest with AES-256-GCM.
// Output format: "v1:" + base64(nonce || ciphertext).
type CredentialCipher struct {
	gcm cipher.AEAD
}

// NewCredentialCipher creates a cipher from a raw 32-byte key
func NewCredentialCipher(key []byte) (*CredentialCipher, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKey, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &CredentialCipher{gcm: gcm}, nil
}

// ParseKey decodes a configured key. Hex (64 chars) and base64 encodings of a
// 32-byte key are used as-is; any other non-empty value is treated as a
// passphrase and hashed with SHA-256.
func ParseKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrInvalidKey
	}

	if len(value) == hex.EncodedLen(keySize) {
		if key, err := hex.DecodeString(value); err == nil {
			return key, nil
		}
	}
	if key, err := base64.StdEncoding.DecodeString(value); err == nil && len(key) == keySize {
		return key, nil
	}

	sum := sha256.Sum256([]byte(value))
	return sum[:], nil
}

// Encrypt seals plaintext with a fresh random nonce
func (c *CredentialCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return cipherVersion + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt
func (c *CredentialCipher) Decrypt(encoded string) (string, error) {
	version, payload, ok := strings.Cut(encoded, ":")
	if !ok || version != cipherVersion {
		return "", fmt.Errorf("%w: unknown format", ErrInvalidCiphertext)
	}

	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(sealed) < c.gcm.NonceSize() {
		return "", fmt.Errorf("%w: too short", ErrInvalidCiphertext)
	}

	nonce, ciphertext := sealed[:c.gcm.NonceSize()], sealed[c.gcm.NonceSize():]
	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	return string(plaintext), nil
}

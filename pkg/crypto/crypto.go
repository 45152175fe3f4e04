package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Cipher seals and opens key material with AES-256-GCM.
// The AES key is derived from a master secret and a purpose label with HKDF-SHA256,
// so the same master secret never keys two different stores.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 32-byte key for purpose from masterSecret.
func NewCipher(masterSecret []byte, purpose string) (*Cipher, error) {
	if len(masterSecret) < 16 {
		return nil, fmt.Errorf("master secret too short: %d bytes", len(masterSecret))
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, masterSecret, nil, []byte(purpose))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer Zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: gcm}, nil
}

// Seal encrypts plaintext and returns nonce||ciphertext as hex.
// additionalData binds the ciphertext to its owner (e.g. a wallet id).
func (c *Cipher) Seal(plaintext, additionalData []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to create nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, additionalData)
	return hex.EncodeToString(sealed), nil
}

// Open reverses Seal. The caller owns the returned slice and should Zero it.
func (c *Cipher) Open(encryptedHex string, additionalData []byte) ([]byte, error) {
	raw, err := hex.DecodeString(encryptedHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// GenerateSecureToken returns 32 random bytes hex encoded.
func GenerateSecureToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secure token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Package secrets decrypts tenant credentials written by the console.
//
// Ciphertexts are base64(iv || tag || ciphertext) produced with AES-256-GCM,
// where the key is sha256(APP_KEY).
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	ivSize  = 12
	tagSize = 16
)

var (
	ErrMissingKey = errors.New("secrets: APP_KEY is not configured")
	ErrMalformed  = errors.New("secrets: malformed ciphertext")
)

type Box struct {
	aead cipher.AEAD
}

// NewBox derives the AES key from the application key.
func NewBox(appKey string) (*Box, error) {
	if strings.TrimSpace(appKey) == "" {
		return nil, ErrMissingKey
	}
	key := sha256.Sum256([]byte(appKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

// Decrypt returns the plaintext of a stored credential. An empty payload
// decrypts to an empty string.
func (b *Box) Decrypt(payload string) (string, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < ivSize+tagSize {
		return "", ErrMalformed
	}
	iv := raw[:ivSize]
	tag := raw[ivSize : ivSize+tagSize]
	ct := raw[ivSize+tagSize:]

	// GCM in Go expects ciphertext || tag
	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := b.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: decrypt failed: %w", err)
	}
	return string(plain), nil
}

// Encrypt produces a payload in the same layout the console writes.
func (b *Box) Encrypt(plain string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	sealed := b.aead.Seal(nil, iv, []byte(plain), nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, ivSize+tagSize+len(ct))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

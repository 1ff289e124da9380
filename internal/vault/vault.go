package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const blobVersion byte = 1

var (
	// ErrKeyCorruption is returned for any blob that fails to authenticate or parse.
	// It never carries partial plaintext.
	ErrKeyCorruption = errors.New("custodial key corrupted")

	// ErrInvalidVaultKey reports a process key of the wrong size or encoding.
	ErrInvalidVaultKey = errors.New("vault key must be 32 bytes")
)

// Vault seals custodial signing keys at rest with XChaCha20-Poly1305.
// Blob layout: version(1) || nonce(24) || ciphertext || tag(16).
type Vault struct {
	aead cipher.AEAD
}

// New builds a vault from the 32-byte process key.
func New(key []byte) (*Vault, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidVaultKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// ParseKey decodes a standard or URL-safe base64 process key.
func ParseKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(encoded); err == nil {
			if len(key) != chacha20poly1305.KeySize {
				return nil, ErrInvalidVaultKey
			}
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: not base64", ErrInvalidVaultKey)
}

// Encrypt seals secret. binding is authenticated but not stored; the same binding
// must be presented to Decrypt. Accounts bind their key to their public address.
func (v *Vault) Encrypt(secret, binding []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret is empty")
	}
	nonceSize := v.aead.NonceSize()
	blob := make([]byte, 1+nonceSize, 1+nonceSize+len(secret)+v.aead.Overhead())
	blob[0] = blobVersion
	if _, err := rand.Read(blob[1:]); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return v.aead.Seal(blob, blob[1:], secret, binding), nil
}

// Decrypt opens a blob produced by Encrypt. Every failure maps to ErrKeyCorruption.
func (v *Vault) Decrypt(blob, binding []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(blob) < 1+nonceSize+v.aead.Overhead()+1 || blob[0] != blobVersion {
		return nil, ErrKeyCorruption
	}
	secret, err := v.aead.Open(nil, blob[1:1+nonceSize], blob[1+nonceSize:], binding)
	if err != nil {
		return nil, ErrKeyCorruption
	}
	return secret, nil
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

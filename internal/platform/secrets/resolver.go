// Package secrets resolves opaque secret references into plaintext values.
// Emergency contact phone numbers and private notes are stored only as
// ciphertext; they are decrypted on demand and never written back decrypted.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
)

// Resolver decrypts an opaque secret reference.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// AESResolver is a Resolver backed by AES-256-GCM. The ciphertext reference is
// base64 with the nonce prepended.
type AESResolver struct {
	aead cipher.AEAD
}

// NewAESResolver creates an AESResolver with the given 32-byte key.
func NewAESResolver(key []byte) (*AESResolver, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: create GCM: %w", err)
	}

	return &AESResolver{aead: aead}, nil
}

// Seal encrypts plaintext into an opaque reference suitable for storage.
func (r *AESResolver) Seal(plaintext string) (string, error) {
	nonce := make([]byte, r.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}

	// Seal appends ciphertext to nonce, so the result is nonce + ciphertext.
	sealed := r.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Resolve decodes ref, extracts the prepended nonce, and decrypts.
func (r *AESResolver) Resolve(_ context.Context, ref string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ref)
	if err != nil {
		return "", fmt.Errorf("secrets: base64 decode: %w", err)
	}

	nonceSize := r.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("secrets: ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := r.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: decrypt: %w", err)
	}
	return string(plaintext), nil
}

// StaticResolver is a Resolver backed by a fixed map. Test double.
type StaticResolver struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewStaticResolver creates a StaticResolver with the given reference map.
func NewStaticResolver(values map[string]string) *StaticResolver {
	m := make(map[string]string, len(values))
	for k, v := range values {
		m[k] = v
	}
	return &StaticResolver{values: m}
}

// Put registers a reference.
func (r *StaticResolver) Put(ref, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[ref] = value
}

// Resolve returns the value for ref, or an error when unknown.
func (r *StaticResolver) Resolve(_ context.Context, ref string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[ref]
	if !ok {
		return "", fmt.Errorf("secrets: unknown reference %q", ref)
	}
	return v, nil
}

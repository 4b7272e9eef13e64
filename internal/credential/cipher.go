package credential

import (
	"crypto/rand"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
)

// cipherBox seals and opens credential records with ChaCha20-Poly1305.
// The nonce is generated per seal and prepended to the ciphertext.
type cipherBox struct {
	key []byte
}

func newCipherBox(key []byte) (*cipherBox, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("cipher: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &cipherBox{key: key}, nil
}

func (b *cipherBox) seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(b.key)
	if err != nil {
		return nil, fmt.Errorf("cipher: init aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cipher: generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (b *cipherBox) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(b.key)
	if err != nil {
		return nil, fmt.Errorf("cipher: init aead: %w", err)
	}

	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("cipher: sealed record too short")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cipher: open: %w", err)
	}
	return plaintext, nil
}

// loadOrCreateKey reads the store key file, generating it on first use.
func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("store key: %s has %d bytes, want %d", path, len(key), chacha20poly1305.KeySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("store key: read %s: %w", path, err)
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("store key: generate: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("store key: write %s: %w", path, err)
	}

	return key, nil
}

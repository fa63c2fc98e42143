// Package gate holds completed responses sealed until payment clears.
// Sealing is reversible encryption, not hashing: the same gate that sealed
// a payload can reveal it once the settlement outcome allows.
package gate

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

var (
	// ErrNotPaid is returned when reveal is attempted for a settlement
	// that did not reach the paid state.
	ErrNotPaid = errors.New("response is sealed: settlement not paid")

	// ErrNoProof is returned when the settlement claims paid but carries
	// no transaction signature backing the claim.
	ErrNoProof = errors.New("response is sealed: no payment proof")

	// ErrCorrupt is returned when a sealed blob fails authentication.
	ErrCorrupt = errors.New("sealed payload corrupt or wrong key")
)

// Gate seals and reveals response payloads with a process-wide key.
type Gate struct {
	aead cipher.AEAD
}

// New derives a 256-bit sealing key from the configured secret. Any
// non-empty secret works; the derivation keeps key handling uniform.
func New(secret string) (*Gate, error) {
	if secret == "" {
		return nil, errors.New("gate: seal key not configured")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("gate cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gate aead: %w", err)
	}
	return &Gate{aead: aead}, nil
}

// Seal encrypts the payload. The nonce is prepended so the blob is
// self-contained.
func (g *Gate) Seal(payload []byte) ([]byte, error) {
	nonce := make([]byte, g.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("gate nonce: %w", err)
	}
	return g.aead.Seal(nonce, nonce, payload, nil), nil
}

// Open decrypts a sealed blob without consulting payment state. Callers
// should go through Reveal; Open exists for the orchestrator, which checks
// the outcome itself.
func (g *Gate) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < g.aead.NonceSize() {
		return nil, ErrCorrupt
	}
	nonce, ciphertext := sealed[:g.aead.NonceSize()], sealed[g.aead.NonceSize():]
	plain, err := g.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrCorrupt
	}
	return plain, nil
}

// Reveal returns the plaintext only for a paid settlement backed by a
// non-empty transaction signature. Anything else keeps the payload sealed.
func (g *Gate) Reveal(sealed []byte, paid bool, signature string) ([]byte, error) {
	if !paid {
		return nil, ErrNotPaid
	}
	if signature == "" {
		return nil, ErrNoProof
	}
	return g.Open(sealed)
}

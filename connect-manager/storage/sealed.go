package storage

import (
	"crypto/rand"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeyMaterial is the device-local private half of a connection's keys.
// It exists in plaintext only transiently; at rest it lives sealed in the
// stored_contracts table and is destroyed on revocation.
type KeyMaterial struct {
	SigningKey    []byte `cbor:"1,keyasint"` // Ed25519 private key
	ConnectionKey []byte `cbor:"2,keyasint"` // X25519 private scalar
	CreatedAt     int64  `cbor:"3,keyasint"`
}

// SealKeyMaterial encodes key material as CBOR and seals it with
// XChaCha20-Poly1305 under the DEK.
func SealKeyMaterial(dek []byte, material *KeyMaterial) ([]byte, error) {
	if len(dek) != 32 {
		return nil, fmt.Errorf("DEK must be 32 bytes")
	}

	encoded, err := cbor.Marshal(material)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key material: %w", err)
	}

	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, encoded, nil), nil
}

// OpenKeyMaterial unseals and decodes key material
func OpenKeyMaterial(dek, sealed []byte) (*KeyMaterial, error) {
	if len(dek) != 32 {
		return nil, fmt.Errorf("DEK must be 32 bytes")
	}

	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}

	nonceSize := aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed blob too short")
	}

	encoded, err := aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal key material: %w", err)
	}

	var material KeyMaterial
	if err := cbor.Unmarshal(encoded, &material); err != nil {
		return nil, fmt.Errorf("failed to decode key material: %w", err)
	}
	return &material, nil
}

// Seal seals key material under this store's DEK
func (s *Store) Seal(material *KeyMaterial) ([]byte, error) {
	return SealKeyMaterial(s.dek, material)
}

// Unseal opens key material sealed under this store's DEK
func (s *Store) Unseal(sealed []byte) (*KeyMaterial, error) {
	return OpenKeyMaterial(s.dek, sealed)
}

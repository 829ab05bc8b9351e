package main

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// contractSigningDomain prefixes every contract signing payload.
// Domain separation prevents signature confusion across operations.
const contractSigningDomain = "contract-sign-v1"

// ContractSignature represents a cryptographic signature on a contract
type ContractSignature struct {
	SignerID        string    `json:"signer_id"`         // user GUID or service GUID
	SignerType      string    `json:"signer_type"`       // "user" or "service"
	SignerPublicKey string    `json:"signer_public_key"` // Ed25519 public key (base64)
	ContractVersion int       `json:"contract_version"`
	CanonicalHash   string    `json:"canonical_hash"` // SHA-256 of canonical JSON (base64)
	Signature       string    `json:"signature"`      // Ed25519 signature (base64)
	SignedAt        time.Time `json:"signed_at"`
}

// CanonicalJSON produces a deterministic JSON representation of a value.
// Keys are sorted ascending at every level. Both sides of a connection
// must produce byte-identical canonical forms for signatures and audit
// hashes to verify, so this is the single canonicalization used for both.
func CanonicalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal failed: %w", err)
	}

	var obj interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("unmarshal failed: %w", err)
	}

	return json.Marshal(sortInterface(obj))
}

// sortInterface recursively sorts map keys and processes arrays
func sortInterface(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sorted := make(map[string]interface{}, len(val))
		for _, k := range keys {
			sorted[k] = sortInterface(val[k])
		}
		return &orderedMap{keys: keys, m: sorted}

	case []interface{}:
		result := make([]interface{}, len(val))
		for i, item := range val {
			result[i] = sortInterface(item)
		}
		return result

	default:
		return v
	}
}

// orderedMap maintains key ordering during JSON encoding
type orderedMap struct {
	keys []string
	m    map[string]interface{}
}

// MarshalJSON produces JSON with keys in the specified order
func (om *orderedMap) MarshalJSON() ([]byte, error) {
	if len(om.keys) == 0 {
		return []byte("{}"), nil
	}

	result := []byte("{")
	for i, k := range om.keys {
		if i > 0 {
			result = append(result, ',')
		}

		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		result = append(result, keyBytes...)
		result = append(result, ':')

		valBytes, err := json.Marshal(om.m[k])
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	result = append(result, '}')

	return result, nil
}

// SignContract signs a contract with an Ed25519 private key. The
// signature covers "contract-sign-v1|{contract_id}|{version}|{hash}"
// where hash is the base64 SHA-256 of the canonical contract JSON.
func SignContract(signerID, signerType string, priv ed25519.PrivateKey, contract *ServiceDataContract) (*ContractSignature, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid signing key length: %d", len(priv))
	}

	canonicalData, err := CanonicalJSON(contract)
	if err != nil {
		return nil, fmt.Errorf("canonical serialization failed: %w", err)
	}

	hash := sha256.Sum256(canonicalData)
	hashB64 := base64.StdEncoding.EncodeToString(hash[:])

	signingPayload := fmt.Sprintf("%s|%s|%d|%s",
		contractSigningDomain, contract.ContractID, contract.Version, hashB64)

	signature := ed25519.Sign(priv, []byte(signingPayload))
	publicKey := priv.Public().(ed25519.PublicKey)

	return &ContractSignature{
		SignerID:        signerID,
		SignerType:      signerType,
		SignerPublicKey: base64.StdEncoding.EncodeToString(publicKey),
		ContractVersion: contract.Version,
		CanonicalHash:   hashB64,
		Signature:       base64.StdEncoding.EncodeToString(signature),
		SignedAt:        time.Now().UTC(),
	}, nil
}

// VerifyContractSignature verifies an Ed25519 signature on a contract.
// If expectedPublicKeyB64 is non-empty, the signer's key must match it.
func VerifyContractSignature(contract *ServiceDataContract, sig *ContractSignature, expectedPublicKeyB64 string) error {
	publicKey, err := base64.StdEncoding.DecodeString(sig.SignerPublicKey)
	if err != nil {
		return fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key length: expected %d, got %d", ed25519.PublicKeySize, len(publicKey))
	}
	if expectedPublicKeyB64 != "" && sig.SignerPublicKey != expectedPublicKeyB64 {
		return fmt.Errorf("public key mismatch")
	}

	canonicalData, err := CanonicalJSON(contract)
	if err != nil {
		return fmt.Errorf("canonical serialization failed: %w", err)
	}

	hash := sha256.Sum256(canonicalData)
	hashB64 := base64.StdEncoding.EncodeToString(hash[:])
	if hashB64 != sig.CanonicalHash {
		return fmt.Errorf("contract hash mismatch: content may have been modified")
	}

	signingPayload := fmt.Sprintf("%s|%s|%d|%s",
		contractSigningDomain, contract.ContractID, contract.Version, sig.CanonicalHash)

	signature, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length: expected %d, got %d", ed25519.SignatureSize, len(signature))
	}

	if !ed25519.Verify(publicKey, []byte(signingPayload), signature) {
		return fmt.Errorf("signature verification failed")
	}

	return nil
}

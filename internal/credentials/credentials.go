// Package credentials implements the CredentialStore capability: one
// encrypted broker credential per namespace, decrypted with a process-wide
// key, per spec.md §4.2.
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/debdevops/servicehub/internal/apperr"
	"github.com/debdevops/servicehub/internal/domain"
	"golang.org/x/crypto/nacl/secretbox"
)

// keySize is the required ENCRYPTION_KEY length, per spec.md §6's
// "ENCRYPTION_KEY (>=32 bytes)" requirement; secretbox keys are fixed at
// 32 bytes so a longer key is truncated by NewCipher rather than rejected.
const keySize = 32

// Cipher encrypts and decrypts Credential payloads with
// golang.org/x/crypto/nacl/secretbox, keyed from the process-wide
// ENCRYPTION_KEY, per spec.md §4.2.
type Cipher struct {
	key [32]byte
}

// NewCipher validates rawKey (>= 32 bytes) and derives a secretbox key from
// its first 32 bytes.
func NewCipher(rawKey []byte) (*Cipher, error) {
	if len(rawKey) < keySize {
		return nil, fmt.Errorf("credentials: ENCRYPTION_KEY must be at least %d bytes, got %d", keySize, len(rawKey))
	}

	var key [32]byte
	copy(key[:], rawKey[:keySize])

	return &Cipher{key: key}, nil
}

// Seal encrypts cred into an opaque ciphertext blob, JSON-encoding it first.
func (c *Cipher) Seal(cred domain.Credential) ([]byte, error) {
	plaintext, err := json.Marshal(cred)
	if err != nil {
		return nil, fmt.Errorf("credentials: marshal credential: %w", err)
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("credentials: generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &c.key)

	return sealed, nil
}

// Open decrypts a blob produced by Seal. A corrupt blob or a key mismatch
// both surface as a generic decryption failure — the caller (Store) is
// responsible for mapping that to Unauthorized, per spec.md §4.2.
func (c *Cipher) Open(blob []byte) (domain.Credential, error) {
	var cred domain.Credential

	if len(blob) < 24 {
		return cred, fmt.Errorf("credentials: ciphertext too short")
	}

	var nonce [24]byte
	copy(nonce[:], blob[:24])

	plaintext, ok := secretbox.Open(nil, blob[24:], &nonce, &c.key)
	if !ok {
		return cred, fmt.Errorf("credentials: decryption failed")
	}

	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return cred, fmt.Errorf("credentials: unmarshal credential: %w", err)
	}

	return cred, nil
}

// Store persists namespace records with encrypted credentials and yields
// a decrypted credential to the gateway layer, per spec.md §4.2.
type Store interface {
	Register(ctx context.Context, ns domain.Namespace, cred domain.Credential) (domain.Namespace, error)
	Get(ctx context.Context, id string) (domain.Namespace, error)
	List(ctx context.Context) ([]domain.Namespace, error)
	ActiveNamespaceIDs(ctx context.Context) ([]string, error)
	Deactivate(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error

	// Resolve decrypts and returns the usable credential for id. A missing
	// namespace or a decryption failure is returned as an
	// apperr.KindUnauthorized error, never silently skipped.
	Resolve(ctx context.Context, id string) (domain.Credential, error)

	RecordConnectionTest(ctx context.Context, id string, succeeded bool) error
}

// unauthorized wraps err (possibly nil) as the spec-mandated Unauthorized
// outcome for a missing or undecryptable namespace credential.
func unauthorized(id string, err error) error {
	return apperr.Wrap(apperr.KindUnauthorized, "credential_unavailable", fmt.Sprintf("namespace %s has no usable credential", id), err)
}

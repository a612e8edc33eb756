package encryption

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters for deriving AEAD keys from the master secret. Changing
// these invalidates every derived key, so they are fixed constants rather
// than configuration.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024 // KiB
	kdfThreads = 4
	keyLen     = 32
)

// deriveDataKey derives the AEAD key for one (classification, version) pair.
// The salt is the per-version random salt from the key registry; the
// classification is folded into the salt so classifications can never share a
// key even if salts collided.
func deriveDataKey(master, salt []byte, classification Classification) []byte {
	scoped := append([]byte("custodia/data/"+string(classification)+"/"), salt...)
	return argon2.IDKey(master, scoped, kdfTime, kdfMemory, kdfThreads, keyLen)
}

// deriveTokenKey derives the deterministic-token key for a classification.
// Token keys come straight off the master secret via HKDF, independent of the
// versioned registry, so tokens stay stable across key rotation; equality
// lookups must keep working after a rotation.
func deriveTokenKey(master []byte, classification Classification) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte("custodia/token/"+string(classification)))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}
	return key, nil
}

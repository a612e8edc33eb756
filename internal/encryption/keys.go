package encryption

import (
	"context"
	"time"
)

// KeyStatus tracks a key version's lifecycle. Retired keys still decrypt old
// ciphertexts; only the active version encrypts new data.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusRetired KeyStatus = "retired"
)

// Key is one key registry row: the per-version salt the data key is derived
// from. The registry never holds derived key material.
type Key struct {
	Classification Classification
	Version        int
	Salt           []byte
	Algorithm      string
	Status         KeyStatus
	CreatedAt      time.Time
}

// KeyStore is the key registry contract, implemented by store/keyring.
// Create must fail with sentinel.ErrConflict when the
// (classification, version) pair already exists, so concurrent rotations
// cannot both win the same version.
type KeyStore interface {
	Create(ctx context.Context, key Key) error
	Get(ctx context.Context, classification Classification, version int) (Key, error)
	Active(ctx context.Context, classification Classification) (Key, error)
	Retire(ctx context.Context, classification Classification, version int) error
}

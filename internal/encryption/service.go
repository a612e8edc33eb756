// Package encryption provides field-level protection for sensitive values:
// authenticated encryption per classification, deterministic search tokens,
// and versioned key rotation backed by a key registry.
package encryption

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"custodia/internal/encryption/metrics"
	"custodia/pkg/platform/sentinel"
)

const saltLen = 16

// Service encrypts and decrypts field values. Safe for concurrent use; the
// only shared mutable state is the derived-key cache.
type Service struct {
	master []byte
	keys   KeyStore

	cacheMu sync.RWMutex
	cache   map[string][]byte // classification/version -> derived key

	tokenMu   sync.RWMutex
	tokenKeys map[Classification][]byte

	metrics *metrics.Metrics
	logger  *slog.Logger
	clock   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the clock function for testability.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New creates an encryption service from the master secret and key registry.
// The master secret must be at least 32 bytes.
func New(master []byte, keys KeyStore, opts ...Option) (*Service, error) {
	if len(master) < 32 {
		return nil, errors.New("master secret must be at least 32 bytes")
	}
	if keys == nil {
		return nil, errors.New("key store is required")
	}
	s := &Service{
		master:    master,
		keys:      keys,
		cache:     make(map[string][]byte),
		tokenKeys: make(map[Classification][]byte),
		logger:    slog.Default(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// EnsureKeys creates version 1 for every classification that has no active
// key yet. Called once at startup; concurrent processes may race, so a
// conflict from another winner is not an error.
func (s *Service) EnsureKeys(ctx context.Context) error {
	for _, c := range []Classification{ClassificationIdentifier, ClassificationClinical, ClassificationFinancial} {
		_, err := s.keys.Active(ctx, c)
		if err == nil {
			continue
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			return fmt.Errorf("check active key for %s: %w", c, err)
		}
		if err := s.createVersion(ctx, c, 1); err != nil && !errors.Is(err, sentinel.ErrConflict) {
			return fmt.Errorf("create initial key for %s: %w", c, err)
		}
	}
	return nil
}

// Encrypt protects plaintext under the active key for the context's
// classification. The classification, key version, and optional subject ID
// are bound as authenticated data.
func (s *Service) Encrypt(ctx context.Context, plaintext []byte, ectx Context) (Ciphertext, error) {
	if !ectx.Classification.Valid() {
		return Ciphertext{}, fmt.Errorf("%w: unknown classification %q", ErrKeyUnavailable, ectx.Classification)
	}

	active, err := s.keys.Active(ctx, ectx.Classification)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return Ciphertext{}, fmt.Errorf("%w: no active key for %s", ErrKeyUnavailable, ectx.Classification)
		}
		return Ciphertext{}, fmt.Errorf("load active key: %w", err)
	}

	key, err := s.dataKey(active)
	if err != nil {
		return Ciphertext{}, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return Ciphertext{}, fmt.Errorf("init aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Ciphertext{}, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, additionalData(ectx, active.Version))
	if s.metrics != nil {
		s.metrics.Encryptions.WithLabelValues(string(ectx.Classification)).Inc()
	}
	return Ciphertext{
		Bytes:      sealed,
		Nonce:      nonce,
		KeyVersion: active.Version,
		Algorithm:  AlgorithmXChaCha20Poly1305,
	}, nil
}

// Decrypt recovers the plaintext. A tag mismatch (wrong key version, wrong
// context, or corrupted bytes) returns ErrAuthentication and never partial
// or corrupted plaintext.
func (s *Service) Decrypt(ctx context.Context, ct Ciphertext, ectx Context) ([]byte, error) {
	if ct.Algorithm != "" && ct.Algorithm != AlgorithmXChaCha20Poly1305 {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrAuthentication, ct.Algorithm)
	}

	stored, err := s.keys.Get(ctx, ectx.Classification, ct.KeyVersion)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, fmt.Errorf("%w: no key version %d for %s", ErrKeyUnavailable, ct.KeyVersion, ectx.Classification)
		}
		return nil, fmt.Errorf("load key version: %w", err)
	}

	key, err := s.dataKey(stored)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	plaintext, err := aead.Open(nil, ct.Nonce, ct.Bytes, additionalData(ectx, ct.KeyVersion))
	if err != nil {
		if s.metrics != nil {
			s.metrics.AuthFailures.WithLabelValues(string(ectx.Classification)).Inc()
		}
		return nil, ErrAuthentication
	}
	if s.metrics != nil {
		s.metrics.Decryptions.WithLabelValues(string(ectx.Classification)).Inc()
	}
	return plaintext, nil
}

// DeterministicToken produces a one-way, salted, repeatable token for
// equality lookups on a sensitive value. Tokens are stable across key
// rotation and cannot be inverted to recover the value.
func (s *Service) DeterministicToken(value string, ectx Context) (string, error) {
	if !ectx.Classification.Valid() {
		return "", fmt.Errorf("%w: unknown classification %q", ErrKeyUnavailable, ectx.Classification)
	}
	key, err := s.tokenKey(ectx.Classification)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// RotateKey introduces a new key version for the classification and retires
// the previous active one. Old ciphertexts stay decryptable; callers
// re-encrypt lazily on next write.
func (s *Service) RotateKey(ctx context.Context, classification Classification) (int, error) {
	if !classification.Valid() {
		return 0, fmt.Errorf("%w: unknown classification %q", ErrKeyUnavailable, classification)
	}

	current, err := s.keys.Active(ctx, classification)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return 0, fmt.Errorf("load active key: %w", err)
	}

	next := 1
	if err == nil {
		next = current.Version + 1
	}

	if err := s.createVersion(ctx, classification, next); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			// Another rotation won the version; callers can retry.
			return 0, sentinel.ErrConflict
		}
		return 0, err
	}

	if current.Version > 0 {
		if err := s.keys.Retire(ctx, classification, current.Version); err != nil {
			s.logger.Warn("retire previous key version failed",
				"classification", classification,
				"version", current.Version,
				"error", err,
			)
		}
	}

	if s.metrics != nil {
		s.metrics.Rotations.WithLabelValues(string(classification)).Inc()
	}
	s.logger.Info("encryption key rotated",
		"classification", classification,
		"version", next,
	)
	return next, nil
}

func (s *Service) createVersion(ctx context.Context, classification Classification, version int) error {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate key salt: %w", err)
	}
	return s.keys.Create(ctx, Key{
		Classification: classification,
		Version:        version,
		Salt:           salt,
		Algorithm:      AlgorithmXChaCha20Poly1305,
		Status:         KeyStatusActive,
		CreatedAt:      s.clock(),
	})
}

// dataKey returns the derived AEAD key for a registry row, deriving and
// caching on first use. Argon2id is deliberately slow; the cache keeps it off
// the per-field hot path.
func (s *Service) dataKey(key Key) ([]byte, error) {
	cacheKey := fmt.Sprintf("%s/%d", key.Classification, key.Version)

	s.cacheMu.RLock()
	derived, ok := s.cache[cacheKey]
	s.cacheMu.RUnlock()
	if ok {
		return derived, nil
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if derived, ok := s.cache[cacheKey]; ok {
		return derived, nil
	}
	derived = deriveDataKey(s.master, key.Salt, key.Classification)
	s.cache[cacheKey] = derived
	if s.metrics != nil {
		s.metrics.KeyDerivations.Inc()
	}
	return derived, nil
}

func (s *Service) tokenKey(classification Classification) ([]byte, error) {
	s.tokenMu.RLock()
	key, ok := s.tokenKeys[classification]
	s.tokenMu.RUnlock()
	if ok {
		return key, nil
	}

	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	if key, ok := s.tokenKeys[classification]; ok {
		return key, nil
	}
	key, err := deriveTokenKey(s.master, classification)
	if err != nil {
		return nil, err
	}
	s.tokenKeys[classification] = key
	return key, nil
}

// additionalData binds classification, key version, and subject to the
// ciphertext so it cannot be replayed under a different context.
func additionalData(ectx Context, version int) []byte {
	return fmt.Appendf(nil, "%s|%d|%s", ectx.Classification, version, ectx.SubjectID)
}

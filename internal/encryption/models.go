package encryption

import "errors"

// Classification scopes key derivation. Fields of different classifications
// are protected by different keys, so one compromised key cannot decrypt
// another classification's data.
type Classification string

const (
	// ClassificationIdentifier covers direct identifiers (MRN, SSN, insurance numbers).
	ClassificationIdentifier Classification = "identifier"
	// ClassificationClinical covers clinical content (diagnoses, notes, results).
	ClassificationClinical Classification = "clinical"
	// ClassificationFinancial covers billing and payment details.
	ClassificationFinancial Classification = "financial"
)

// Valid reports whether the classification is one this service issues keys for.
func (c Classification) Valid() bool {
	switch c {
	case ClassificationIdentifier, ClassificationClinical, ClassificationFinancial:
		return true
	}
	return false
}

// AlgorithmXChaCha20Poly1305 is the only AEAD scheme currently in use. The
// algorithm is recorded per ciphertext so a future scheme change stays
// decryptable.
const AlgorithmXChaCha20Poly1305 = "xchacha20poly1305"

// Context describes how a value is (or was) protected. It selects the key at
// encrypt/decrypt time and scopes rotation.
type Context struct {
	Classification Classification
	// SubjectID optionally binds the ciphertext to one subject (patient).
	// It is mixed into the authenticated data, so a ciphertext copied onto
	// another subject's record fails authentication.
	SubjectID string
}

// Ciphertext is an encrypted field value. Bytes carries the AEAD output with
// the authentication tag at the tail, per Go AEAD convention.
type Ciphertext struct {
	Bytes      []byte `json:"bytes"`
	Nonce      []byte `json:"nonce"`
	KeyVersion int    `json:"key_version"`
	Algorithm  string `json:"algorithm"`
}

var (
	// ErrKeyUnavailable means no key exists for the requested context or
	// version. Writes must fail closed on this error.
	ErrKeyUnavailable = errors.New("encryption key unavailable")

	// ErrAuthentication means the ciphertext failed AEAD verification:
	// wrong key version, wrong context, or corrupted bytes. Plaintext is
	// never returned on this error.
	ErrAuthentication = errors.New("ciphertext authentication failed")
)

package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// GenesisHash is the PrevHash of the first entry in every partition.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// entryHash computes SHA-256 over the previous hash followed by a canonical
// encoding of every other entry field. The encoding is fixed: fields in
// declaration order, variable-length fields prefixed with a 4-byte big-endian
// length, integers as 8-byte big-endian. Changing the order or encoding
// breaks verifiability of existing chains, so neither may change without a
// chain-version migration.
//
// Timestamps are canonicalized to UTC at microsecond precision to match what
// the backing store can round-trip.
func entryHash(prevHash string, e Entry) string {
	h := sha256.New()
	h.Write([]byte(prevHash))

	writeString := func(s string) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	writeBytes := func(b []byte) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	writeInt := func(v int64) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(v))
		h.Write(n[:])
	}

	writeString(e.Partition)
	writeInt(e.Sequence)
	writeInt(canonicalTime(e.Timestamp).UnixNano())
	writeString(e.ActorID)
	writeString(e.Action)
	writeString(e.ResourceType)
	writeString(e.ResourceID)
	writeString(string(e.Outcome))
	writeBytes(e.EventID[:])
	writeString(e.SubjectID)
	writeBytes(e.Details.Bytes)
	writeBytes(e.Details.Nonce)
	writeInt(int64(e.Details.KeyVersion))
	writeString(e.Details.Algorithm)

	return hex.EncodeToString(h.Sum(nil))
}

// canonicalTime normalizes a timestamp for hashing and storage.
func canonicalTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

package utils

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/go-crypt/x/blake2b"
	"github.com/google/uuid"
)

// Fingerprint hashes the parts with BLAKE2b-128. Each part is length-prefixed
// so ("ab", "c") and ("a", "bc") differ.
func Fingerprint(parts ...string) string {
	h, _ := blake2b.New(16, nil)
	var size [8]byte
	for _, p := range parts {
		binary.LittleEndian.PutUint64(size[:], uint64(len(p)))
		h.Write(size[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintBytes is Fingerprint over a single binary payload.
func FingerprintBytes(data []byte) string {
	h, _ := blake2b.New(16, nil)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// DerivedID returns a stable UUIDv5 under the given namespace.
func DerivedID(namespace uuid.UUID, parts ...string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(strings.Join(parts, "\x1f")))
}

// Package deviceid generates and validates the short human-friendly device
// identifiers used to key the directory and the client registry.
package deviceid

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
)

// alphabet excludes 0, O, I, and L, which are easily confused with each
// other or with 1 when read aloud or handwritten.
const alphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// Length is the fixed length of a device ID.
const Length = 8

// base is the numeric radix implied by alphabet.
const base = int64(len(alphabet))

var pattern = regexp.MustCompile(`^[2-9A-HJ-KM-NP-Z]{8}$`)

// ID is a validated 8-character device identifier.
type ID string

// Valid reports whether s matches the device ID alphabet and length.
func Valid(s string) bool {
	return pattern.MatchString(s)
}

// New generates a fresh random device ID, sampled uniformly over alphabet.
// It performs no collision checking; uniqueness is established only by the
// directory's create-only write.
func New() (ID, error) {
	var b [Length]byte
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(base))
		if err != nil {
			return "", fmt.Errorf("deviceid: generate: %w", err)
		}
		b[i] = alphabet[n.Int64()]
	}
	return ID(b[:]), nil
}

// Uint64 converts id to its compact base-33 numeric form, suitable for use
// as a cache key or index. It does not validate id.
func (id ID) Uint64() uint64 {
	var n uint64
	for i := 0; i < len(id); i++ {
		n = n*uint64(base) + uint64(indexOf(id[i]))
	}
	return n
}

// FromUint64 reconstructs the device ID encoded by n via [ID.Uint64].
func FromUint64(n uint64) ID {
	var b [Length]byte
	for i := Length - 1; i >= 0; i-- {
		b[i] = alphabet[n%uint64(base)]
		n /= uint64(base)
	}
	return ID(b[:])
}

func indexOf(c byte) int {
	for i := 0; i < len(alphabet); i++ {
		if alphabet[i] == c {
			return i
		}
	}
	return 0
}

// String implements fmt.Stringer.
func (id ID) String() string {
	return string(id)
}

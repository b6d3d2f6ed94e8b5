package utils

import (
	"crypto/rand"
	"encoding/binary"

	exprand "golang.org/x/exp/rand"
)

// Rand is a stateful pseudo-random number generator seeded from crypto/rand.
// It is not cryptographically secure. It is used where unpredictability is
// wanted but security is not required, e.g. for packet number skipping.
type Rand struct {
	src exprand.PCGSource
}

func (r *Rand) Int31() int32 {
	return int32(r.src.Uint64() >> 33)
}

// Int31n returns a random number in [0, n).
// Copied from the standard library math/rand implementation of Int31n
func (r *Rand) Int31n(n int32) int32 {
	if n&(n-1) == 0 { // n is power of two, can mask
		return r.Int31() & (n - 1)
	}
	max := int32((1 << 31) - 1 - (1<<31)%uint32(n))
	v := r.Int31()
	for v > max {
		v = r.Int31()
	}
	return v % n
}

// NewRand returns a new Rand, seeded from crypto/rand.
func NewRand() Rand {
	var seed [8]byte
	// Fall back to a fixed seed if crypto/rand fails.
	// Randomness here is not security relevant.
	_, _ = rand.Read(seed[:])
	var r Rand
	r.src.Seed(binary.BigEndian.Uint64(seed[:]))
	return r
}

package util

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// --------------------------------------------------------------------------
// Seeds
// --------------------------------------------------------------------------

// GenerateSeed returns 8 random bytes as an integer, falling back to the
// wall clock if the system random source fails
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// GenerateKey fills a 32 byte key for keyed hash functions
func GenerateKey() [32]byte {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		for i := 0; i < 4; i++ {
			binary.LittleEndian.PutUint64(key[i*8:], GenerateSeed()+uint64(i))
		}
	}
	return key
}

// --------------------------------------------------------------------------
// Sizes
// --------------------------------------------------------------------------

// AlignUp rounds n up to the next multiple of align (a power of two)
func AlignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// IsPowerOfTwo reports whether n is a positive power of two
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

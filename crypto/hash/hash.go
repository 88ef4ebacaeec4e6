// Package hash includes all hashing utilities used across the registry,
// backed by a SIMD-accelerated SHA-256 implementation.
package hash

import (
	"hash"
	"sync"

	"github.com/minio/sha256-simd"
)

var sha256Pool = sync.Pool{New: func() interface{} {
	return sha256.New()
}}

// Hash defines a function that returns the sha256 checksum of the data passed in.
func Hash(data []byte) [32]byte {
	h, ok := sha256Pool.Get().(hash.Hash)
	if !ok {
		h = sha256.New()
	}
	defer sha256Pool.Put(h)
	h.Reset()

	var b [32]byte
	// The hash interface never returns an error, for that reason
	// we are not handling the error below. For reference, it is
	// stated here https://golang.org/pkg/hash/#Hash
	// #nosec G104
	h.Write(data)
	h.Sum(b[:0])

	return b
}

// HashB returns the sha256 checksum as a byte slice.
func HashB(data []byte) []byte {
	b := Hash(data)
	return b[:]
}

// Combine hashes the concatenation of two 32-byte digests, the node rule
// used throughout the registry's Merkle trees.
func Combine(left, right [32]byte) [32]byte {
	return Hash(append(left[:], right[:]...))
}

// Package crypto provides hashing and signature primitives for the loot system.
package crypto

import (
	"github.com/Klingon-tech/klingnet-loot/pkg/types"
	"github.com/zeebo/blake3"
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// TaggedHash hashes parts under a domain tag so digests computed for
// different purposes never collide. Each part is length-prefixed.
func TaggedHash(tag string, parts ...[]byte) types.Hash {
	h := blake3.New()
	writeLenPrefixed(h, []byte(tag))
	for _, p := range parts {
		writeLenPrefixed(h, p)
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

func writeLenPrefixed(h *blake3.Hasher, b []byte) {
	var n [4]byte
	l := uint32(len(b))
	n[0], n[1], n[2], n[3] = byte(l>>24), byte(l>>16), byte(l>>8), byte(l)
	h.Write(n[:])
	h.Write(b)
}

// AddressFromPubKey derives an address from a compressed public key.
// Address = BLAKE3(compressed_pubkey)[:20].
func AddressFromPubKey(pubKey []byte) types.Address {
	h := Hash(pubKey)
	var addr types.Address
	copy(addr[:], h[:types.AddressSize])
	return addr
}

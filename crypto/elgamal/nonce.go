package elgamal

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"
)

// NonceStream derives encryption nonces deterministically from a seed, so
// that a tally run is reproducible and the tallying authority can later
// re-derive any ballot's nonces for audit reconciliation. Streams with the
// same seed are interchangeable, which lets every worker derive its own.
type NonceStream struct {
	group *Group
	seed  []byte
}

// NewNonceStream creates a stream over the given group and seed.
func NewNonceStream(group *Group, seed []byte) *NonceStream {
	s := make([]byte, len(seed))
	copy(s, seed)
	return &NonceStream{group: group, seed: s}
}

// Nonce derives the nonce for the given labels (typically ballot id,
// contest and selection). The digest is widened to 64 bytes and reduced
// mod q-1, then shifted into [1, q). A 64-byte value is already below q-1,
// so the reduction leaves it unchanged and nonces lie in [1, 2^512].
func (ns *NonceStream) Nonce(labels ...string) *big.Int {
	h := sha256.New()
	h.Write(ns.seed)
	var lenBuf [4]byte
	for _, l := range labels {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(l)))
		h.Write(lenBuf[:])
		h.Write([]byte(l))
	}
	first := h.Sum(nil)
	h2 := sha256.New()
	h2.Write([]byte("widen"))
	h2.Write(first)
	wide := new(big.Int).SetBytes(append(first, h2.Sum(nil)...))

	max := new(big.Int).Sub(ns.group.Q, big.NewInt(1))
	r := new(big.Int).Mod(wide, max)
	return r.Add(r, big.NewInt(1)) // [1, q)
}

package elgamal

import (
	"math/big"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/votingworks/arlo-e2e/types"
)

func TestChaumPedersenProof(t *testing.T) {
	c := qt.New(t)
	group := DefaultGroup()

	kp, err := KeyPairFromSecret(group, big.NewInt(31337))
	c.Assert(err, qt.IsNil)
	ns := NewNonceStream(group, []byte("seed"))

	ct, err := Encrypt(group, 3, ns.Nonce("b1"), kp.PublicKey.MathBigInt())
	c.Assert(err, qt.IsNil)

	alpha := ct.Alpha.MathBigInt()
	share := group.Pow(alpha, kp.SecretKey.MathBigInt())

	proof, err := ProveChaumPedersen(group, alpha, kp.SecretKey.MathBigInt())
	c.Assert(err, qt.IsNil)
	c.Assert(proof.Verify(group, alpha, kp.PublicKey.MathBigInt(), share), qt.IsNil)

	// a tampered share must not verify
	badShare := group.Mul(share, group.G)
	c.Assert(proof.Verify(group, alpha, kp.PublicKey.MathBigInt(), badShare), qt.ErrorIs, ErrCryptoInvariant)

	// a tampered response must not verify
	tampered := *proof
	bumped := group.ReduceExponent(new(big.Int).Add(proof.Response.MathBigInt(), big.NewInt(1)))
	tampered.Response = (*types.BigInt)(bumped)
	c.Assert(tampered.Verify(group, alpha, kp.PublicKey.MathBigInt(), share), qt.ErrorIs, ErrCryptoInvariant)
}

func TestDisjunctiveProofZeroOne(t *testing.T) {
	c := qt.New(t)
	group := DefaultGroup()

	kp, err := KeyPairFromSecret(group, big.NewInt(31337))
	c.Assert(err, qt.IsNil)
	ns := NewNonceStream(group, []byte("seed"))

	for _, v := range []uint64{0, 1} {
		nonce := ns.Nonce("ballot", "sel")
		ct, err := Encrypt(group, v, nonce, kp.PublicKey.MathBigInt())
		c.Assert(err, qt.IsNil)

		proof, err := ProveRange(group, ct, v, 1, nonce, kp.PublicKey.MathBigInt())
		c.Assert(err, qt.IsNil)
		c.Assert(proof.Limit(), qt.Equals, 1)
		c.Assert(proof.Verify(group, ct, kp.PublicKey.MathBigInt()), qt.IsNil)
	}
}

func TestDisjunctiveProofRange(t *testing.T) {
	c := qt.New(t)
	group := DefaultGroup()

	kp, err := KeyPairFromSecret(group, big.NewInt(31337))
	c.Assert(err, qt.IsNil)
	ns := NewNonceStream(group, []byte("seed"))

	// homomorphic sum of two selections in a k=2 contest
	n1 := ns.Nonce("b", "c", "s1")
	n2 := ns.Nonce("b", "c", "s2")
	ct1, err := Encrypt(group, 1, n1, kp.PublicKey.MathBigInt())
	c.Assert(err, qt.IsNil)
	ct2, err := Encrypt(group, 1, n2, kp.PublicKey.MathBigInt())
	c.Assert(err, qt.IsNil)

	sum := NewCiphertext().Add(group, ct1, ct2)
	sumNonce := group.ReduceExponent(new(big.Int).Add(n1, n2))

	proof, err := ProveRange(group, sum, 2, 2, sumNonce, kp.PublicKey.MathBigInt())
	c.Assert(err, qt.IsNil)
	c.Assert(proof.Verify(group, sum, kp.PublicKey.MathBigInt()), qt.IsNil)
}

func TestDisjunctiveProofRejectsOutOfRange(t *testing.T) {
	c := qt.New(t)
	group := DefaultGroup()

	kp, err := KeyPairFromSecret(group, big.NewInt(31337))
	c.Assert(err, qt.IsNil)
	ns := NewNonceStream(group, []byte("seed"))

	nonce := ns.Nonce("b", "sel")
	ct, err := Encrypt(group, 2, nonce, kp.PublicKey.MathBigInt())
	c.Assert(err, qt.IsNil)

	// the prover refuses a plaintext above the bound
	_, err = ProveRange(group, ct, 2, 1, nonce, kp.PublicKey.MathBigInt())
	c.Assert(err, qt.ErrorIs, ErrCryptoInvariant)
}

func TestDisjunctiveProofTamperDetection(t *testing.T) {
	c := qt.New(t)
	group := DefaultGroup()

	kp, err := KeyPairFromSecret(group, big.NewInt(31337))
	c.Assert(err, qt.IsNil)
	ns := NewNonceStream(group, []byte("seed"))

	nonce := ns.Nonce("b", "sel")
	ct, err := Encrypt(group, 1, nonce, kp.PublicKey.MathBigInt())
	c.Assert(err, qt.IsNil)

	proof, err := ProveRange(group, ct, 1, 1, nonce, kp.PublicKey.MathBigInt())
	c.Assert(err, qt.IsNil)

	// a proof bound to one ciphertext must not verify another
	other, err := Encrypt(group, 1, ns.Nonce("b", "other"), kp.PublicKey.MathBigInt())
	c.Assert(err, qt.IsNil)
	c.Assert(proof.Verify(group, other, kp.PublicKey.MathBigInt()), qt.ErrorIs, ErrCryptoInvariant)
}

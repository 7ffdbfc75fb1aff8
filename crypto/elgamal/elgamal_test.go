package elgamal

import (
	"math/big"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestDefaultGroupParameters(t *testing.T) {
	c := qt.New(t)
	group := DefaultGroup()

	// p = 2q + 1
	twoQPlusOne := new(big.Int).Add(new(big.Int).Lsh(group.Q, 1), big.NewInt(1))
	c.Assert(group.P.Cmp(twoQPlusOne), qt.Equals, 0)

	// the generator lies in the order-q subgroup
	c.Assert(group.ValidElement(group.G), qt.IsNil)

	// constants round-trip through the serializable form
	c.Assert(group.Matches(group.Constants()), qt.IsTrue)
}

func TestGenerateKey(t *testing.T) {
	c := qt.New(t)
	group := DefaultGroup()

	kp, err := GenerateKey(group)
	c.Assert(err, qt.IsNil)
	c.Assert(kp.PublicKey, qt.IsNotNil)
	c.Assert(group.ValidElement(kp.PublicKey.MathBigInt()), qt.IsNil)

	// K = g^s
	c.Assert(group.GPow(kp.SecretKey.MathBigInt()).Cmp(kp.PublicKey.MathBigInt()), qt.Equals, 0)
}

func TestKeyPairFromSecret(t *testing.T) {
	c := qt.New(t)
	group := DefaultGroup()

	kp1, err := KeyPairFromSecret(group, big.NewInt(31337))
	c.Assert(err, qt.IsNil)
	kp2, err := KeyPairFromSecret(group, big.NewInt(31337))
	c.Assert(err, qt.IsNil)
	c.Assert(kp1.PublicKey.Equal(kp2.PublicKey), qt.IsTrue)

	_, err = KeyPairFromSecret(group, big.NewInt(0))
	c.Assert(err, qt.ErrorIs, ErrCryptoInvariant)
}

func TestEncryptDecrypt(t *testing.T) {
	c := qt.New(t)
	group := DefaultGroup()

	kp, err := KeyPairFromSecret(group, big.NewInt(31337))
	c.Assert(err, qt.IsNil)
	ns := NewNonceStream(group, []byte("seed"))

	for _, v := range []uint64{0, 1, 42, 999} {
		nonce := ns.Nonce("ballot", "contest", "selection")
		ct, err := Encrypt(group, v, nonce, kp.PublicKey.MathBigInt())
		c.Assert(err, qt.IsNil)

		got, share, err := DecryptWithSecret(group, ct, kp.SecretKey.MathBigInt(), 1000)
		c.Assert(err, qt.IsNil)
		c.Assert(got, qt.Equals, v)
		c.Assert(group.ValidElement(share), qt.IsNil)

		gotNonce, err := DecryptKnownNonce(group, ct, nonce, kp.PublicKey.MathBigInt(), 1000)
		c.Assert(err, qt.IsNil)
		c.Assert(gotNonce, qt.Equals, v)
	}
}

func TestDecryptKnownNonceRejectsWrongNonce(t *testing.T) {
	c := qt.New(t)
	group := DefaultGroup()

	kp, err := KeyPairFromSecret(group, big.NewInt(31337))
	c.Assert(err, qt.IsNil)
	ns := NewNonceStream(group, []byte("seed"))

	nonce := ns.Nonce("b1")
	ct, err := Encrypt(group, 1, nonce, kp.PublicKey.MathBigInt())
	c.Assert(err, qt.IsNil)

	wrong := ns.Nonce("b2")
	_, err = DecryptKnownNonce(group, ct, wrong, kp.PublicKey.MathBigInt(), 10)
	c.Assert(err, qt.ErrorIs, ErrCryptoInvariant)
}

func TestHomomorphicAccumulation(t *testing.T) {
	c := qt.New(t)
	group := DefaultGroup()

	kp, err := KeyPairFromSecret(group, big.NewInt(31337))
	c.Assert(err, qt.IsNil)
	ns := NewNonceStream(group, []byte("seed"))

	values := []uint64{1, 0, 1, 1, 0, 1}
	sum := NewCiphertext()
	var expected uint64
	for i, v := range values {
		ct, err := Encrypt(group, v, ns.Nonce("ballot", string(rune('a'+i))), kp.PublicKey.MathBigInt())
		c.Assert(err, qt.IsNil)
		sum.Add(group, sum, ct)
		expected += v
	}

	got, _, err := DecryptWithSecret(group, sum, kp.SecretKey.MathBigInt(), uint64(len(values)))
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.Equals, expected)
}

func TestNonceStreamDeterminism(t *testing.T) {
	c := qt.New(t)
	group := DefaultGroup()

	ns1 := NewNonceStream(group, []byte("seed"))
	ns2 := NewNonceStream(group, []byte("seed"))
	c.Assert(ns1.Nonce("a", "b").Cmp(ns2.Nonce("a", "b")), qt.Equals, 0)

	// different labels and different seeds diverge
	c.Assert(ns1.Nonce("a", "b").Cmp(ns1.Nonce("a", "c")), qt.Not(qt.Equals), 0)
	ns3 := NewNonceStream(group, []byte("other"))
	c.Assert(ns1.Nonce("a", "b").Cmp(ns3.Nonce("a", "b")), qt.Not(qt.Equals), 0)

	// label framing is unambiguous
	c.Assert(ns1.Nonce("ab", "c").Cmp(ns1.Nonce("a", "bc")), qt.Not(qt.Equals), 0)
}

func TestBabyStepGiantStepBounds(t *testing.T) {
	c := qt.New(t)
	group := DefaultGroup()

	for _, x := range []uint64{0, 1, 99, 100} {
		y := group.GPow(new(big.Int).SetUint64(x))
		got, err := BabyStepGiantStep(group, y, 100)
		c.Assert(err, qt.IsNil)
		c.Assert(got, qt.Equals, x)
	}

	y := group.GPow(big.NewInt(101))
	_, err := BabyStepGiantStep(group, y, 100)
	c.Assert(err, qt.ErrorIs, ErrCryptoInvariant)
}

// Package elgamal implements exponential ElGamal over a prime-order
// subgroup of the integers modulo a safe prime, together with the
// Chaum-Pedersen proof family used to make an encrypted tally verifiable.
package elgamal

import (
	"fmt"
	"math/big"

	"github.com/votingworks/arlo-e2e/types"
)

// ErrCryptoInvariant is wrapped by every failure that indicates a value
// outside the group, an exponent outside [0,q) or a proof that does not
// verify.
var ErrCryptoInvariant = fmt.Errorf("crypto invariant violated")

// groupPHex is the 1024-bit MODP safe prime from RFC 3526 (second Oakley
// group). p = 2q+1 with q prime, so the quadratic residues form a
// prime-order subgroup of order q.
const groupPHex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381" +
	"FFFFFFFFFFFFFFFF"

// ElementBytes is the fixed serialized width of a group element.
const ElementBytes = 128

// Group holds the public parameters of the multiplicative group: the
// modulus P, the subgroup order Q and the subgroup generator G. All
// ciphertext components are elements of the order-Q subgroup; all
// exponents are integers modulo Q.
type Group struct {
	P        *big.Int
	Q        *big.Int
	G        *big.Int
	Cofactor *big.Int
}

var defaultGroup = mustDefaultGroup()

func mustDefaultGroup() *Group {
	p, ok := new(big.Int).SetString(groupPHex, 16)
	if !ok {
		panic("invalid group modulus constant")
	}
	q := new(big.Int).Rsh(new(big.Int).Sub(p, big.NewInt(1)), 1)
	return &Group{
		P:        p,
		Q:        q,
		G:        big.NewInt(4), // 2^2, a quadratic residue, so it has order q
		Cofactor: big.NewInt(2),
	}
}

// DefaultGroup returns the compiled-in group parameters. They are published
// under constants.json in every sealed results directory and refused on
// mismatch at load time.
func DefaultGroup() *Group {
	return defaultGroup
}

// Constants is the serializable form of the group parameters.
type Constants struct {
	P        *types.BigInt `json:"large_prime"`
	Q        *types.BigInt `json:"small_prime"`
	G        *types.BigInt `json:"generator"`
	Cofactor *types.BigInt `json:"cofactor"`
}

// Constants returns the group parameters in their serializable form.
func (g *Group) Constants() *Constants {
	return &Constants{
		P:        (*types.BigInt)(new(big.Int).Set(g.P)),
		Q:        (*types.BigInt)(new(big.Int).Set(g.Q)),
		G:        (*types.BigInt)(new(big.Int).Set(g.G)),
		Cofactor: (*types.BigInt)(new(big.Int).Set(g.Cofactor)),
	}
}

// Matches reports whether the published constants agree with this group.
func (g *Group) Matches(c *Constants) bool {
	if c == nil || c.P == nil || c.Q == nil || c.G == nil || c.Cofactor == nil {
		return false
	}
	return g.P.Cmp(c.P.MathBigInt()) == 0 &&
		g.Q.Cmp(c.Q.MathBigInt()) == 0 &&
		g.G.Cmp(c.G.MathBigInt()) == 0 &&
		g.Cofactor.Cmp(c.Cofactor.MathBigInt()) == 0
}

// Pow computes base^exp mod P. The exponent is reduced mod Q first.
func (g *Group) Pow(base, exp *big.Int) *big.Int {
	e := new(big.Int).Mod(exp, g.Q)
	return new(big.Int).Exp(base, e, g.P)
}

// GPow computes G^exp mod P.
func (g *Group) GPow(exp *big.Int) *big.Int {
	return g.Pow(g.G, exp)
}

// Mul computes a*b mod P.
func (g *Group) Mul(a, b *big.Int) *big.Int {
	return new(big.Int).Mod(new(big.Int).Mul(a, b), g.P)
}

// Inv computes the multiplicative inverse of a mod P.
func (g *Group) Inv(a *big.Int) *big.Int {
	return new(big.Int).ModInverse(a, g.P)
}

// Div computes a*b^-1 mod P.
func (g *Group) Div(a, b *big.Int) *big.Int {
	return g.Mul(a, g.Inv(b))
}

// ValidElement checks that x lies in the order-Q subgroup: 0 < x < P and
// x^Q = 1 mod P.
func (g *Group) ValidElement(x *big.Int) error {
	if x == nil || x.Sign() <= 0 || x.Cmp(g.P) >= 0 {
		return fmt.Errorf("%w: element out of range", ErrCryptoInvariant)
	}
	if new(big.Int).Exp(x, g.Q, g.P).Cmp(big.NewInt(1)) != 0 {
		return fmt.Errorf("%w: element not in the order-q subgroup", ErrCryptoInvariant)
	}
	return nil
}

// ValidExponent checks that e lies in [0, Q).
func (g *Group) ValidExponent(e *big.Int) error {
	if e == nil || e.Sign() < 0 || e.Cmp(g.Q) >= 0 {
		return fmt.Errorf("%w: exponent out of range", ErrCryptoInvariant)
	}
	return nil
}

// ReduceExponent returns e mod Q.
func (g *Group) ReduceExponent(e *big.Int) *big.Int {
	return new(big.Int).Mod(e, g.Q)
}

// ElementBytesFixed serializes a group element as a fixed-width big-endian
// byte string, so that hashed transcripts are unambiguous.
func ElementBytesFixed(x *big.Int) []byte {
	out := make([]byte, ElementBytes)
	x.FillBytes(out)
	return out
}

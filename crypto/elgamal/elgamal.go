package elgamal

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"math/big"

	"github.com/votingworks/arlo-e2e/types"
)

// Ciphertext is an exponential ElGamal ciphertext (alpha, beta) =
// (g^r, K^r * g^v). The homomorphic property is component-wise
// multiplication: the product of two ciphertexts encrypts the sum of
// their plaintexts.
type Ciphertext struct {
	Alpha *types.BigInt `json:"alpha"`
	Beta  *types.BigInt `json:"beta"`
}

// NewCiphertext returns the group identity ciphertext (1, 1), which is the
// seed of every homomorphic accumulation.
func NewCiphertext() *Ciphertext {
	return &Ciphertext{
		Alpha: types.NewInt(1),
		Beta:  types.NewInt(1),
	}
}

// Add accumulates x and y into z, which is also returned. The operation is
// the component-wise modular product, so it is associative and commutative.
func (z *Ciphertext) Add(group *Group, x, y *Ciphertext) *Ciphertext {
	z.Alpha = (*types.BigInt)(group.Mul(x.Alpha.MathBigInt(), y.Alpha.MathBigInt()))
	z.Beta = (*types.BigInt)(group.Mul(x.Beta.MathBigInt(), y.Beta.MathBigInt()))
	return z
}

// Equal reports whether both components match.
func (z *Ciphertext) Equal(other *Ciphertext) bool {
	return z.Alpha.Equal(other.Alpha) && z.Beta.Equal(other.Beta)
}

// Valid checks both components against the group.
func (z *Ciphertext) Valid(group *Group) error {
	if z == nil || z.Alpha == nil || z.Beta == nil {
		return fmt.Errorf("%w: nil ciphertext", ErrCryptoInvariant)
	}
	if err := group.ValidElement(z.Alpha.MathBigInt()); err != nil {
		return fmt.Errorf("ciphertext alpha: %w", err)
	}
	if err := group.ValidElement(z.Beta.MathBigInt()); err != nil {
		return fmt.Errorf("ciphertext beta: %w", err)
	}
	return nil
}

// Serialize returns the fixed-width big-endian concatenation of both
// components, suitable for transcript hashing.
func (z *Ciphertext) Serialize() []byte {
	out := make([]byte, 0, 2*ElementBytes)
	out = append(out, ElementBytesFixed(z.Alpha.MathBigInt())...)
	out = append(out, ElementBytesFixed(z.Beta.MathBigInt())...)
	return out
}

// String returns a JSON representation of the ciphertext.
func (z *Ciphertext) String() string {
	b, err := json.Marshal(z)
	if err != nil {
		return ""
	}
	return string(b)
}

// KeyPair is an ElGamal keypair: a secret exponent and the public element
// K = g^s. The tally pipeline only ever needs the public key; the secret
// stays with the decryption step.
type KeyPair struct {
	SecretKey *types.BigInt `json:"secret_key"`
	PublicKey *types.BigInt `json:"public_key"`
}

// GenerateKey generates a fresh keypair with a uniformly random secret in
// [1, q).
func GenerateKey(group *Group) (*KeyPair, error) {
	max := new(big.Int).Sub(group.Q, big.NewInt(1))
	s, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	s.Add(s, big.NewInt(1)) // [1, q)
	return KeyPairFromSecret(group, s)
}

// KeyPairFromSecret derives the keypair for a caller-supplied secret. The
// benchmark uses this with a fixed secret so that runs are reproducible;
// production callers should pass only the public key around.
func KeyPairFromSecret(group *Group, s *big.Int) (*KeyPair, error) {
	if s == nil || s.Sign() <= 0 || s.Cmp(group.Q) >= 0 {
		return nil, fmt.Errorf("%w: secret key out of range", ErrCryptoInvariant)
	}
	return &KeyPair{
		SecretKey: (*types.BigInt)(new(big.Int).Set(s)),
		PublicKey: (*types.BigInt)(group.GPow(s)),
	}, nil
}

// Encrypt encrypts the small integer v under publicKey with the given
// nonce: (alpha, beta) = (g^r, K^r * g^v).
func Encrypt(group *Group, v uint64, nonce, publicKey *big.Int) (*Ciphertext, error) {
	if err := group.ValidElement(publicKey); err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	if nonce == nil || nonce.Sign() <= 0 || nonce.Cmp(group.Q) >= 0 {
		return nil, fmt.Errorf("%w: nonce out of range", ErrCryptoInvariant)
	}
	alpha := group.GPow(nonce)
	beta := group.Mul(group.Pow(publicKey, nonce), group.GPow(new(big.Int).SetUint64(v)))
	return &Ciphertext{
		Alpha: (*types.BigInt)(alpha),
		Beta:  (*types.BigInt)(beta),
	}, nil
}

// DecryptKnownNonce recovers the plaintext of a ciphertext when the
// encryption nonce is known: g^v = beta / K^r. This is what the audit
// reconciliation uses, since the tallying authority can re-derive every
// nonce from the encryption seed.
func DecryptKnownNonce(group *Group, ct *Ciphertext, nonce, publicKey *big.Int, maxMessage uint64) (uint64, error) {
	if err := ct.Valid(group); err != nil {
		return 0, err
	}
	// check the nonce actually produced this ciphertext
	if group.GPow(nonce).Cmp(ct.Alpha.MathBigInt()) != 0 {
		return 0, fmt.Errorf("%w: nonce does not match ciphertext", ErrCryptoInvariant)
	}
	gv := group.Div(ct.Beta.MathBigInt(), group.Pow(publicKey, nonce))
	return BabyStepGiantStep(group, gv, maxMessage)
}

// DecryptWithSecret recovers the plaintext with the secret key: the share
// M = alpha^s is computed, then g^v = beta / M and the small discrete log
// is solved. It also returns M, which the decryption proof is about.
func DecryptWithSecret(group *Group, ct *Ciphertext, secret *big.Int, maxMessage uint64) (uint64, *big.Int, error) {
	if err := ct.Valid(group); err != nil {
		return 0, nil, err
	}
	share := group.Pow(ct.Alpha.MathBigInt(), secret)
	gv := group.Div(ct.Beta.MathBigInt(), share)
	v, err := BabyStepGiantStep(group, gv, maxMessage)
	if err != nil {
		return 0, nil, err
	}
	return v, share, nil
}

// BabyStepGiantStep solves g^x = y for x in [0, maxMessage]. The search
// range is the number of ballots, so this stays a small-range problem even
// for very large elections.
func BabyStepGiantStep(group *Group, y *big.Int, maxMessage uint64) (uint64, error) {
	m := uint64(math.Sqrt(float64(maxMessage))) + 1

	// baby steps: g^0 .. g^(m-1)
	babySteps := make(map[string]uint64, m)
	step := big.NewInt(1)
	for j := uint64(0); j < m; j++ {
		babySteps[string(step.Bytes())] = j
		step = group.Mul(step, group.G)
	}

	// giant factor: g^-m
	giant := group.Inv(group.GPow(new(big.Int).SetUint64(m)))

	cur := new(big.Int).Set(y)
	for i := uint64(0); i <= m; i++ {
		if j, ok := babySteps[string(cur.Bytes())]; ok {
			x := i*m + j
			if x > maxMessage {
				break
			}
			return x, nil
		}
		cur = group.Mul(cur, giant)
	}
	return 0, fmt.Errorf("%w: discrete log not found in [0, %d]", ErrCryptoInvariant, maxMessage)
}

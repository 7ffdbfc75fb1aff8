package elgamal

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/votingworks/arlo-e2e/types"
)

// Challenge computes a Fiat-Shamir challenge in [0, q) by hashing the
// domain tag and the transcript elements. Elements are hashed with a
// length prefix each, so transcripts cannot collide across layouts.
func Challenge(group *Group, tag string, elems ...*big.Int) *big.Int {
	h := sha256.New()
	h.Write([]byte(tag))
	var lenBuf [4]byte
	for _, e := range elems {
		b := e.Bytes()
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
		h.Write(lenBuf[:])
		h.Write(b)
	}
	return new(big.Int).Mod(new(big.Int).SetBytes(h.Sum(nil)), group.Q)
}

// deriveExponent derives a proof exponent in [0, q) from the secret
// witness. Deriving commitment randomness from the witness instead of an
// entropy source keeps whole runs reproducible under a fixed encryption
// seed; the witness is uniform and secret, so the derived exponents are
// unpredictable to a verifier.
func deriveExponent(group *Group, witness *big.Int, tag string, i int) *big.Int {
	h := sha256.New()
	h.Write([]byte(tag))
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(i))
	h.Write(idx[:])
	h.Write(witness.Bytes())
	first := h.Sum(nil)
	h2 := sha256.New()
	h2.Write([]byte("widen"))
	h2.Write(first)
	wide := new(big.Int).SetBytes(append(first, h2.Sum(nil)...))
	return wide.Mod(wide, group.Q)
}

// ChaumPedersenProof proves equality of two discrete logs: given public
// (g, x) and (h, y), the prover knows w with x = g^w and y = h^w. The
// decryption proof instantiates it with h = alpha, y = alpha^s, x = K.
type ChaumPedersenProof struct {
	CommitmentA *types.BigInt `json:"commitment_a"` // g^u
	CommitmentB *types.BigInt `json:"commitment_b"` // h^u
	Challenge   *types.BigInt `json:"challenge"`
	Response    *types.BigInt `json:"response"` // u + c*w mod q
}

const decryptionProofTag = "arlo-e2e.decryption-proof.v1"

// ProveChaumPedersen builds an equality-of-discrete-log proof for the
// statement (g, x=g^w) and (h, y=h^w).
func ProveChaumPedersen(group *Group, h, w *big.Int) (*ChaumPedersenProof, error) {
	if err := group.ValidElement(h); err != nil {
		return nil, err
	}
	if err := group.ValidExponent(w); err != nil {
		return nil, err
	}
	x := group.GPow(w)
	y := group.Pow(h, w)
	u := deriveExponent(group, new(big.Int).Add(w, h), "cp.commit", 0)
	a := group.GPow(u)
	b := group.Pow(h, u)
	c := Challenge(group, decryptionProofTag, group.G, h, x, y, a, b)
	z := group.ReduceExponent(new(big.Int).Add(u, new(big.Int).Mul(c, w)))
	return &ChaumPedersenProof{
		CommitmentA: (*types.BigInt)(a),
		CommitmentB: (*types.BigInt)(b),
		Challenge:   (*types.BigInt)(c),
		Response:    (*types.BigInt)(z),
	}, nil
}

// Verify checks the proof against the public statement
// (g, x) and (h, y): g^z = a*x^c and h^z = b*y^c, with the challenge
// recomputed from the transcript.
func (p *ChaumPedersenProof) Verify(group *Group, h, x, y *big.Int) error {
	if p == nil || p.CommitmentA == nil || p.CommitmentB == nil || p.Challenge == nil || p.Response == nil {
		return fmt.Errorf("%w: incomplete proof", ErrCryptoInvariant)
	}
	for _, e := range []*big.Int{h, x, y, p.CommitmentA.MathBigInt(), p.CommitmentB.MathBigInt()} {
		if err := group.ValidElement(e); err != nil {
			return err
		}
	}
	a := p.CommitmentA.MathBigInt()
	b := p.CommitmentB.MathBigInt()
	c := p.Challenge.MathBigInt()
	z := p.Response.MathBigInt()
	if err := group.ValidExponent(c); err != nil {
		return err
	}
	if err := group.ValidExponent(z); err != nil {
		return err
	}
	expected := Challenge(group, decryptionProofTag, group.G, h, x, y, a, b)
	if expected.Cmp(c) != 0 {
		return fmt.Errorf("%w: challenge mismatch", ErrCryptoInvariant)
	}
	if group.GPow(z).Cmp(group.Mul(a, group.Pow(x, c))) != 0 {
		return fmt.Errorf("%w: first equation does not hold", ErrCryptoInvariant)
	}
	if group.Pow(h, z).Cmp(group.Mul(b, group.Pow(y, c))) != 0 {
		return fmt.Errorf("%w: second equation does not hold", ErrCryptoInvariant)
	}
	return nil
}

// DisjunctiveProof proves that a ciphertext encrypts one of the plaintexts
// 0..Limit without revealing which. Limit=1 gives the 0/1 selection proof;
// Limit=k gives the contest range proof over the homomorphic sum.
//
// Branch i claims (alpha, beta/g^i) is a DDH tuple under the public key.
// The real branch is proven honestly; the others are simulated, and the
// branch challenges are bound by requiring their sum to equal the
// Fiat-Shamir challenge of the whole transcript.
type DisjunctiveProof struct {
	CommitmentsA []*types.BigInt `json:"commitments_a"`
	CommitmentsB []*types.BigInt `json:"commitments_b"`
	Challenges   []*types.BigInt `json:"challenges"`
	Responses    []*types.BigInt `json:"responses"`
}

const disjunctiveProofTag = "arlo-e2e.range-proof.v1"

// Limit returns the proven plaintext bound (number of branches minus one).
func (p *DisjunctiveProof) Limit() int {
	return len(p.Challenges) - 1
}

// ProveRange builds a disjunctive proof that ct encrypts v, with
// v in [0, limit]. The caller must pass the nonce used to encrypt.
func ProveRange(group *Group, ct *Ciphertext, v uint64, limit int, nonce, publicKey *big.Int) (*DisjunctiveProof, error) {
	if limit < 0 || v > uint64(limit) {
		return nil, fmt.Errorf("%w: plaintext %d outside range [0,%d]", ErrCryptoInvariant, v, limit)
	}
	if err := ct.Valid(group); err != nil {
		return nil, err
	}
	n := limit + 1
	alpha := ct.Alpha.MathBigInt()
	beta := ct.Beta.MathBigInt()

	commitA := make([]*big.Int, n)
	commitB := make([]*big.Int, n)
	challenges := make([]*big.Int, n)
	responses := make([]*big.Int, n)

	// simulate every branch except the real one
	for i := 0; i < n; i++ {
		if uint64(i) == v {
			continue
		}
		ci := deriveExponent(group, nonce, "range.sim-challenge", i)
		zi := deriveExponent(group, nonce, "range.sim-response", i)
		// beta_i = beta / g^i, the element branch i claims is K^r
		betaI := group.Div(beta, group.GPow(big.NewInt(int64(i))))
		commitA[i] = group.Div(group.GPow(zi), group.Pow(alpha, ci))
		commitB[i] = group.Div(group.Pow(publicKey, zi), group.Pow(betaI, ci))
		challenges[i] = ci
		responses[i] = zi
	}

	// honest commitment for the real branch
	u := deriveExponent(group, nonce, "range.commit", int(v))
	commitA[v] = group.GPow(u)
	commitB[v] = group.Pow(publicKey, u)

	// bind the whole transcript, then solve for the real challenge
	transcript := []*big.Int{publicKey, alpha, beta}
	transcript = append(transcript, commitA...)
	transcript = append(transcript, commitB...)
	c := Challenge(group, disjunctiveProofTag, transcript...)
	cv := new(big.Int).Set(c)
	for i := 0; i < n; i++ {
		if uint64(i) != v {
			cv.Sub(cv, challenges[i])
		}
	}
	cv = group.ReduceExponent(cv)
	challenges[v] = cv
	responses[v] = group.ReduceExponent(new(big.Int).Add(u, new(big.Int).Mul(cv, nonce)))

	proof := &DisjunctiveProof{
		CommitmentsA: make([]*types.BigInt, n),
		CommitmentsB: make([]*types.BigInt, n),
		Challenges:   make([]*types.BigInt, n),
		Responses:    make([]*types.BigInt, n),
	}
	for i := 0; i < n; i++ {
		proof.CommitmentsA[i] = (*types.BigInt)(commitA[i])
		proof.CommitmentsB[i] = (*types.BigInt)(commitB[i])
		proof.Challenges[i] = (*types.BigInt)(challenges[i])
		proof.Responses[i] = (*types.BigInt)(responses[i])
	}
	return proof, nil
}

// Verify checks the disjunctive proof against the ciphertext and public
// key: per-branch equations plus the challenge-sum binding.
func (p *DisjunctiveProof) Verify(group *Group, ct *Ciphertext, publicKey *big.Int) error {
	if p == nil {
		return fmt.Errorf("%w: missing proof", ErrCryptoInvariant)
	}
	n := len(p.Challenges)
	if n == 0 || len(p.CommitmentsA) != n || len(p.CommitmentsB) != n || len(p.Responses) != n {
		return fmt.Errorf("%w: malformed disjunctive proof", ErrCryptoInvariant)
	}
	if err := ct.Valid(group); err != nil {
		return err
	}
	if err := group.ValidElement(publicKey); err != nil {
		return err
	}
	alpha := ct.Alpha.MathBigInt()
	beta := ct.Beta.MathBigInt()

	transcript := []*big.Int{publicKey, alpha, beta}
	sum := new(big.Int)
	for i := 0; i < n; i++ {
		if p.CommitmentsA[i] == nil || p.CommitmentsB[i] == nil || p.Challenges[i] == nil || p.Responses[i] == nil {
			return fmt.Errorf("%w: incomplete branch %d", ErrCryptoInvariant, i)
		}
		transcript = append(transcript, p.CommitmentsA[i].MathBigInt())
		sum.Add(sum, p.Challenges[i].MathBigInt())
	}
	for i := 0; i < n; i++ {
		transcript = append(transcript, p.CommitmentsB[i].MathBigInt())
	}
	expected := Challenge(group, disjunctiveProofTag, transcript...)
	if group.ReduceExponent(sum).Cmp(expected) != 0 {
		return fmt.Errorf("%w: challenge sum mismatch", ErrCryptoInvariant)
	}

	for i := 0; i < n; i++ {
		ai := p.CommitmentsA[i].MathBigInt()
		bi := p.CommitmentsB[i].MathBigInt()
		ci := p.Challenges[i].MathBigInt()
		zi := p.Responses[i].MathBigInt()
		if err := group.ValidElement(ai); err != nil {
			return fmt.Errorf("branch %d: %w", i, err)
		}
		if err := group.ValidElement(bi); err != nil {
			return fmt.Errorf("branch %d: %w", i, err)
		}
		if err := group.ValidExponent(zi); err != nil {
			return fmt.Errorf("branch %d: %w", i, err)
		}
		betaI := group.Div(beta, group.GPow(big.NewInt(int64(i))))
		if group.GPow(zi).Cmp(group.Mul(ai, group.Pow(alpha, ci))) != 0 {
			return fmt.Errorf("%w: branch %d alpha equation does not hold", ErrCryptoInvariant, i)
		}
		if group.Pow(publicKey, zi).Cmp(group.Mul(bi, group.Pow(betaI, ci))) != 0 {
			return fmt.Errorf("%w: branch %d beta equation does not hold", ErrCryptoInvariant, i)
		}
	}
	return nil
}
